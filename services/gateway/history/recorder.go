// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
)

// TurnRetention is how long a recorded turn survives before the store's
// TTL mechanism expires it.
const TurnRetention = 31 * 24 * time.Hour

// Recorder persists completed conversation turns.
//
// A turn is recorded once, after the full reply is assembled, whether the
// reply was streamed or delivered as a single block. Turns are append-only
// and expire by TTL, never by explicit deletion.
type Recorder struct {
	store  store.Store
	tracer trace.Tracer
	now    func() time.Time
}

// NewRecorder creates a Recorder over the given store.
// Panics on nil store (programming error).
func NewRecorder(st store.Store) *Recorder {
	if st == nil {
		panic("history.NewRecorder: store must not be nil")
	}
	return &Recorder{
		store:  st,
		tracer: otel.Tracer("aleutian.gateway.history"),
		now:    time.Now,
	}
}

// Record appends one ConversationTurn and returns its turn id.
//
// The id is derived from a SHA-256 hash of the turn content, so the same
// conversation, prompt, and reply always map to the same id and readers
// can correlate them. The store key also carries the creation timestamp;
// calling Record twice for identical content therefore yields two stored
// turns sharing one id, not an overwrite. Each request records at most
// once.
func (r *Recorder) Record(ctx context.Context, conversationID, ownerID, promptText, replyText string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "history.Record")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	now := r.now().UTC()
	turn := &datatypes.ConversationTurn{
		ConversationID: conversationID,
		TurnID:         turnID(conversationID, promptText, replyText),
		OwnerID:        ownerID,
		PromptText:     promptText,
		ReplyText:      replyText,
		CreatedAt:      now,
		ExpiresAt:      now.Add(TurnRetention),
	}

	if err := r.store.AppendTurn(ctx, turn); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("record turn: %w", err)
	}

	span.SetAttributes(attribute.String("turn_id", turn.TurnID))
	slog.Info("conversation turn recorded",
		"conversation_id", conversationID,
		"turn_id", turn.TurnID,
		"reply_bytes", len(replyText),
	)
	return turn.TurnID, nil
}

// turnID derives a deterministic UUID from the turn content.
func turnID(conversationID, promptText, replyText string) string {
	content := fmt.Sprintf("%s|%s|%s", conversationID, promptText, replyText)
	hash := sha256.Sum256([]byte(content))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}
