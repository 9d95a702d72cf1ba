// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the mentor gateway service.
//
// This file contains the subscription and quota types that drive admission
// control. For conversation persistence types, see conversation.go. For
// request/response types, see chat.go.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Tier
// =============================================================================

// Tier is the subscription level governing quota and trial eligibility.
type Tier string

const (
	TierFree      Tier = "FREE"
	TierTrial     Tier = "TRIAL"
	TierPremium   Tier = "PREMIUM"
	TierUnlimited Tier = "UNLIMITED"
)

// Valid reports whether the tier is one of the four known levels.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrial, TierPremium, TierUnlimited:
		return true
	}
	return false
}

// =============================================================================
// Subscription Record
// =============================================================================

// QuotaState tracks monthly consumption against a tier limit.
//
// # Fields
//
//   - MonthlyLimit: Maximum chat turns per billing month. -1 means unbounded.
//   - CurrentUsage: Turns consumed in the current billing period. Never
//     decreases within a period; a period rollover resets it atomically to
//     the increment that triggered the rollover (see store.IncrementUsage).
//   - LastResetPeriod: Billing period the counter belongs to, "YYYY-MM" UTC.
//   - NextResetDate: First instant of the following billing month, UTC.
type QuotaState struct {
	MonthlyLimit    int       `json:"monthly_limit"`
	CurrentUsage    int       `json:"current_usage"`
	LastResetPeriod string    `json:"last_reset_period"`
	NextResetDate   time.Time `json:"next_reset_date"`
}

// TrialInfo describes a trial window. Present iff Tier == TierTrial.
type TrialInfo struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

// DaysRemaining returns the whole days left in the trial at the given time.
// Returns 0 once the trial has ended.
func (t TrialInfo) DaysRemaining(now time.Time) int {
	if !now.Before(t.EndAt) {
		return 0
	}
	return int(t.EndAt.Sub(now).Hours() / 24)
}

// SubscriptionRecord is the per-user subscription state owned by the store.
//
// # Invariants
//
//   - Trial is non-nil iff Tier == TierTrial.
//   - Quota.CurrentUsage is monotonically non-decreasing within a billing
//     period. Mutation happens only through the store's atomic increment,
//     never by caller-side read-modify-write.
type SubscriptionRecord struct {
	UserID string     `json:"user_id"`
	Tier   Tier       `json:"tier"`
	Quota  QuotaState `json:"quota"`
	Trial  *TrialInfo `json:"trial,omitempty"`
}

// Validate checks structural invariants of the record.
func (r *SubscriptionRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("subscription record: user_id is empty")
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("subscription record: unknown tier %q", r.Tier)
	}
	if (r.Tier == TierTrial) != (r.Trial != nil) {
		return fmt.Errorf("subscription record: trial info present=%t but tier=%s",
			r.Trial != nil, r.Tier)
	}
	if r.Quota.CurrentUsage < 0 {
		return fmt.Errorf("subscription record: negative usage %d", r.Quota.CurrentUsage)
	}
	return nil
}

// =============================================================================
// Billing Period Helpers
// =============================================================================

// Period formats the billing period ("YYYY-MM", UTC) containing t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriodStart returns the first instant of the billing month after t, UTC.
func NextPeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
