// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history reconstructs bounded conversational context from
// persisted turns and records completed turns back to the store.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
)

// DefaultWindowSize is the number of most recent turns loaded for context.
// Bounds the model context for long conversations.
const DefaultWindowSize = 10

// Builder loads the most recent turns of a conversation and converts them
// into ordered model-context exchanges.
//
// # Thread Safety
//
// Thread-safe; all fields are read-only after construction.
type Builder struct {
	store  store.Store
	tracer trace.Tracer
}

// NewBuilder creates a Builder over the given store.
// Panics on nil store (programming error).
func NewBuilder(st store.Store) *Builder {
	if st == nil {
		panic("history.NewBuilder: store must not be nil")
	}
	return &Builder{
		store:  st,
		tracer: otel.Tracer("aleutian.gateway.history"),
	}
}

// BuildContext returns the most recent windowSize turns of a conversation
// as prompt/reply exchanges, oldest first.
//
// The store is optimized for most-recent-first retrieval, so the fetched
// window is reversed into chronological order before it is handed to the
// upstream client. A conversation with no persisted turns yields an empty
// slice (first turn). Read-only and idempotent.
func (b *Builder) BuildContext(ctx context.Context, conversationID string, windowSize int) ([]datatypes.Exchange, error) {
	ctx, span := b.tracer.Start(ctx, "history.BuildContext")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	turns, err := b.store.RecentTurns(ctx, conversationID, windowSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build context: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}

	// Reverse most-recent-first into oldest-first.
	exchanges := make([]datatypes.Exchange, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		exchanges = append(exchanges, datatypes.Exchange{
			Prompt: turns[i].PromptText,
			Reply:  turns[i].ReplyText,
		})
	}

	span.SetAttributes(attribute.Int("turns_loaded", len(exchanges)))
	slog.Debug("conversation context built",
		"conversation_id", conversationID,
		"turns_loaded", len(exchanges),
	)
	return exchanges, nil
}
