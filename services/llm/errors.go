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
	"errors"
	"fmt"
)

// Sentinel errors classifying upstream failures.
var (
	// ErrUpstreamTransient marks network and rate-limit class failures
	// that may succeed on retry.
	ErrUpstreamTransient = errors.New("llm: transient upstream failure")

	// ErrUpstreamFatal marks permanently rejected requests. Not retried.
	ErrUpstreamFatal = errors.New("llm: fatal upstream failure")

	// ErrUpstreamAuth marks malformed or rejected credentials. A fatal
	// subclass with its own sentinel so the handler can tell the caller
	// to fix configuration rather than try again.
	ErrUpstreamAuth = errors.New("llm: upstream authentication failed")
)

// IsRetryable reports whether the error is transient and a fresh attempt
// may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}

// IsAuth reports whether the error is a credentials failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUpstreamAuth)
}

// classifyHTTPStatus wraps an upstream HTTP error with the matching
// sentinel. 401/403 are credential failures; 408, 429 and 5xx are
// transient; everything else is fatal.
func classifyHTTPStatus(status int, detail string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamAuth, status, detail)
	case status == 408 || status == 429 || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamTransient, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamFatal, status, detail)
	}
}
