// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage accounts for consumption after a reply has been delivered.
//
// Accounting is deliberately best-effort: it runs detached from the
// response path, and its failures are logged and swallowed. A crash
// between reply delivery and settlement under-counts a single turn; the
// gateway accepts that rather than block replies on bookkeeping.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/observability"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
)

// settleTimeout bounds a detached settlement, which must not inherit the
// request's cancellation: the reply is already delivered.
const settleTimeout = 10 * time.Second

// Accountant increments quota counters and writes usage-log entries.
//
// # Thread Safety
//
// Thread-safe; all fields are read-only after construction. The WaitGroup
// only coordinates detached settlements for graceful shutdown and tests.
type Accountant struct {
	store   store.Store
	metrics *observability.StreamingMetrics
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewAccountant creates an Accountant. Panics on nil store (programming
// error). metrics may be nil.
func NewAccountant(st store.Store, metrics *observability.StreamingMetrics) *Accountant {
	if st == nil {
		panic("usage.NewAccountant: store must not be nil")
	}
	return &Accountant{
		store:   st,
		metrics: metrics,
		now:     time.Now,
	}
}

// RecordUsage writes one low-cardinality usage-log entry for cost
// analytics and bumps the token counters.
func (a *Accountant) RecordUsage(ctx context.Context, ownerID string, inputTokens, outputTokens int) error {
	entry := &datatypes.UsageEntry{
		EntryID:      uuid.New().String(),
		OwnerID:      ownerID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		RecordedAt:   a.now().UTC(),
	}
	if err := a.store.AppendUsageEntry(ctx, entry); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.RecordTokens(inputTokens, outputTokens)
	}
	return nil
}

// IncrementQuota debits one turn against the owner's monthly quota.
//
// UNLIMITED tiers are a no-op: their counters never change. For all other
// tiers the store performs the increment atomically, including the
// reset-and-increment-to-1 transition when the billing month has rolled
// over since LastResetPeriod.
func (a *Accountant) IncrementQuota(ctx context.Context, ownerID string) error {
	rec, err := a.store.GetSubscription(ctx, ownerID)
	if err != nil {
		return err
	}
	if rec.Tier == datatypes.TierUnlimited {
		return nil
	}

	_, err = a.store.IncrementUsage(ctx, ownerID, datatypes.Period(a.now()))
	return err
}

// SettleAsync performs post-reply accounting on a detached goroutine.
//
// The settlement context is derived via context.WithoutCancel so a client
// abort after delivery cannot interrupt bookkeeping, then bounded by its
// own timeout. Failures feed logging only; they never surface to the
// caller, and the already-sent reply is never retracted.
//
// When debitQuota is false (the caller cancelled before any content
// streamed), only the usage log is written and no quota debit occurs.
func (a *Accountant) SettleAsync(ctx context.Context, ownerID string, inputTokens, outputTokens int, debitQuota bool) {
	detached := context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		settleCtx, cancel := context.WithTimeout(detached, settleTimeout)
		defer cancel()

		if err := a.RecordUsage(settleCtx, ownerID, inputTokens, outputTokens); err != nil {
			slog.Error("usage settlement: record usage failed",
				"owner_id", ownerID,
				"error", err,
			)
			if a.metrics != nil {
				a.metrics.RecordAccountingFailure()
			}
		}

		if !debitQuota {
			return
		}
		if err := a.IncrementQuota(settleCtx, ownerID); err != nil {
			slog.Error("usage settlement: quota increment failed",
				"owner_id", ownerID,
				"error", err,
			)
			if a.metrics != nil {
				a.metrics.RecordAccountingFailure()
			}
		}
	}()
}

// Wait blocks until all detached settlements have finished.
// Used during graceful shutdown and by tests.
func (a *Accountant) Wait() {
	a.wg.Wait()
}
