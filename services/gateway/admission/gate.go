// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission decides whether a chat turn may proceed before any
// expensive upstream work begins.
//
// The gate is a pure function of a subscription record fetched once at
// request start. It deliberately does not re-read the record mid-request:
// two concurrent requests from the same user may both pass on the same
// pre-increment snapshot and overrun the limit by a small bounded amount.
// The store's atomic increment keeps the counter itself lossless.
//
// Denials are values, not errors. Expected outcomes (trial expired, quota
// exhausted) travel back to the handler as a Decision carrying the fields
// the HTTP contract needs; error returns are reserved for genuinely
// exceptional conditions upstream of this package.
package admission

import (
	"time"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

// DenyReason identifies why admission was refused.
type DenyReason string

const (
	// DenyTrialExpired: the trial window has ended. A harder stop than
	// quota; an expired trial is never rescued by remaining quota.
	DenyTrialExpired DenyReason = "TRIAL_EXPIRED"

	// DenyQuotaExceeded: the monthly turn limit has been reached.
	DenyQuotaExceeded DenyReason = "QUOTA_EXCEEDED"
)

// Decision is the outcome of an admission check.
//
// When Allowed is false, Reason is set and the detail fields relevant to
// that reason are populated for the denial response body.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Tier    datatypes.Tier

	// Quota detail (DenyQuotaExceeded).
	CurrentUsage int
	MonthlyLimit int
	ResetDate    time.Time

	// Trial detail (DenyTrialExpired).
	ExpiredAt time.Time
}

// Evaluate runs the admission checks against a subscription snapshot.
//
// Checks run in fixed order, first match wins:
//
//  1. TRIAL tier with now past the trial end denies TRIAL_EXPIRED,
//     regardless of remaining quota.
//  2. Any tier except UNLIMITED with usage at or above a non-negative
//     monthly limit denies QUOTA_EXCEEDED.
//  3. Otherwise the turn is admitted.
//
// A negative MonthlyLimit means unbounded and never denies.
func Evaluate(rec *datatypes.SubscriptionRecord, now time.Time) Decision {
	if rec.Tier == datatypes.TierTrial && rec.Trial != nil && now.After(rec.Trial.EndAt) {
		return Decision{
			Reason:    DenyTrialExpired,
			Tier:      rec.Tier,
			ExpiredAt: rec.Trial.EndAt,
		}
	}

	if rec.Tier != datatypes.TierUnlimited &&
		rec.Quota.MonthlyLimit >= 0 &&
		rec.Quota.CurrentUsage >= rec.Quota.MonthlyLimit {
		return Decision{
			Reason:       DenyQuotaExceeded,
			Tier:         rec.Tier,
			CurrentUsage: rec.Quota.CurrentUsage,
			MonthlyLimit: rec.Quota.MonthlyLimit,
			ResetDate:    rec.Quota.NextResetDate,
		}
	}

	return Decision{Allowed: true, Tier: rec.Tier}
}
