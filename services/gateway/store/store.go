// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the persistence layer for the mentor gateway.
//
// The gateway treats persistence as a key-value store with three record
// families: subscription records (mutable, one per user), conversation
// turns (append-only, TTL-expired), and usage-log entries (append-only,
// TTL-expired). All cross-request mutation goes through atomic per-record
// operations here; callers never perform read-modify-write round trips.
//
// The production implementation is BadgerDB (see badger.go), following
// the tiered persistence model used across Aleutian services: local
// embedded storage with low-latency access.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a subscription record does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// Store is the persistence contract consumed by the gateway components.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. IncrementUsage must be
// atomic with respect to concurrent increments for the same user: two
// concurrent calls may both observe the same admission snapshot, but no
// increment may be lost.
type Store interface {
	// GetSubscription returns the subscription record for a user.
	// Returns ErrNotFound if the user has no record.
	GetSubscription(ctx context.Context, userID string) (*datatypes.SubscriptionRecord, error)

	// PutSubscription writes a full subscription record. Used by
	// provisioning and tests; the request path never calls this.
	PutSubscription(ctx context.Context, rec *datatypes.SubscriptionRecord) error

	// IncrementUsage advances the user's consumption counter by one for
	// the given billing period ("YYYY-MM"), atomically.
	//
	// If the record's LastResetPeriod differs from period, the counter is
	// reset-and-incremented to exactly 1 in the same transaction (never a
	// visible pass through 0), and LastResetPeriod/NextResetDate are
	// advanced. Otherwise the counter is incremented by one.
	//
	// Returns the post-increment record.
	IncrementUsage(ctx context.Context, userID string, period string) (*datatypes.SubscriptionRecord, error)

	// AppendTurn persists one completed conversation turn. The entry
	// expires at turn.ExpiresAt via the store's own TTL mechanism.
	// Writing the same TurnID twice is a harmless overwrite (idempotent).
	AppendTurn(ctx context.Context, turn *datatypes.ConversationTurn) error

	// RecentTurns returns up to limit turns of a conversation,
	// most recent first. Returns an empty slice for an unknown or empty
	// conversation.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]datatypes.ConversationTurn, error)

	// AppendUsageEntry persists one usage-log record for cost analytics.
	AppendUsageEntry(ctx context.Context, entry *datatypes.UsageEntry) error

	// Close releases the underlying database.
	Close() error
}
