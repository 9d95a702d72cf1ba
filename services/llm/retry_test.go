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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps test backoffs near-instant.
func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFactor:   0,
	}
}

func TestInvoke_SucceedsFirstAttempt(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, func() bool { return false })

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// TestInvoke_RetriesTransientUpToCap verifies that a pre-commit transient
// failure is attempted exactly MaxAttempts times and then surfaces.
func TestInvoke_RetriesTransientUpToCap(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt, "attempt number is 1-based")
		return fmt.Errorf("attempt %d: %w", attempt, ErrUpstreamTransient)
	}, func() bool { return false })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamTransient)
	assert.Equal(t, 3, calls, "must attempt exactly MaxAttempts times")
}

func TestInvoke_RecoversAfterTransientFailure(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return ErrUpstreamTransient
		}
		return nil
	}, func() bool { return false })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestInvoke_NoRetryOnceCommitted verifies the relay invariant: once any
// fragment has been exposed to the caller, even a transient failure is
// terminal.
func TestInvoke_NoRetryOnceCommitted(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return ErrUpstreamTransient
	}, func() bool { return true })

	require.Error(t, err)
	assert.Equal(t, 1, calls, "no retry after output was relayed")
}

// TestInvoke_CommitMidAttempt verifies the guard is consulted after the
// failing attempt, so an attempt that relayed output before failing is
// not re-run.
func TestInvoke_CommitMidAttempt(t *testing.T) {
	calls := 0
	committed := false

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		committed = true // a fragment went out before the failure
		return ErrUpstreamTransient
	}, func() bool { return committed })

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestInvoke_FatalNotRetried(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return ErrUpstreamFatal
	}, func() bool { return false })

	require.ErrorIs(t, err, ErrUpstreamFatal)
	assert.Equal(t, 1, calls)
}

func TestInvoke_AuthNotRetried(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return ErrUpstreamAuth
	}, func() bool { return false })

	require.ErrorIs(t, err, ErrUpstreamAuth)
	assert.Equal(t, 1, calls)
}

// TestInvoke_ContextCancelledDuringBackoff verifies that cancellation
// interrupts the backoff sleep rather than waiting it out.
func TestInvoke_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialBackoff = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- Invoke(ctx, cfg, func(ctx context.Context, attempt int) error {
			calls++
			return ErrUpstreamTransient
		}, func() bool { return false })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke did not return after cancellation")
	}
}

func TestInvoke_NilCommittedGuard(t *testing.T) {
	calls := 0

	err := Invoke(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return ErrUpstreamTransient
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls, "nil guard behaves as never-committed")
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{401, ErrUpstreamAuth},
		{403, ErrUpstreamAuth},
		{408, ErrUpstreamTransient},
		{429, ErrUpstreamTransient},
		{500, ErrUpstreamTransient},
		{503, ErrUpstreamTransient},
		{529, ErrUpstreamTransient},
		{400, ErrUpstreamFatal},
		{404, ErrUpstreamFatal},
		{422, ErrUpstreamFatal},
	}

	for _, tt := range tests {
		err := classifyHTTPStatus(tt.status, "detail")
		assert.ErrorIs(t, err, tt.sentinel, "status %d", tt.status)
	}
}

func TestIsRetryableAndIsAuth(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrUpstreamTransient)

	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(ErrUpstreamFatal))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsAuth(fmt.Errorf("wrap: %w", ErrUpstreamAuth)))
	assert.False(t, IsAuth(ErrUpstreamTransient))
}
