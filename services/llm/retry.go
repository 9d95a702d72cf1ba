// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig configures the resilient invoker's backoff behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries. Default: 8s
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier. Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of the backoff
	// (0-1). Prevents thundering herd. Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns the defaults used for upstream chat calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// AttemptFunc is one logical upstream attempt. The attempt number is
// 1-based and provided for logging.
type AttemptFunc func(ctx context.Context, attempt int) error

// Invoke wraps a streaming upstream call in bounded retry with
// exponential backoff.
//
// The committed guard is how the invoker preserves the relay invariant:
// retries are only permitted while committed() reports false, i.e. while
// no fragment has been forwarded to the external caller. Once any output
// has left the handler's boundary, a failure is terminal for the request;
// re-invoking the upstream would duplicate or desynchronize the reply.
//
// Non-retryable errors (see IsRetryable) return immediately. The backoff
// sleeps are context-aware and occur only between pre-commit attempts.
func Invoke(ctx context.Context, cfg RetryConfig, fn AttemptFunc, committed func() bool) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if committed != nil && committed() {
			// Output has been exposed; terminal regardless of class.
			return err
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := withJitter(backoff, cfg.JitterFactor)
		slog.Warn("retrying upstream call",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", wait.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
	return lastErr
}

// withJitter spreads the backoff into [base*(1-j), base*(1+j)].
func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff doubles (or multiplies) the backoff up to the cap.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
