// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request and response types for the chat streaming
// endpoint, including the NDJSON stream record types.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a chat message.
	// Byte length, not rune count, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the MaxMessageContentBytes cap on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest is the body of POST /chat/stream.
//
// # Fields
//
//   - UserID: Required. Owner of the subscription record to admit against.
//   - ConversationID: Required. Conversation whose history seeds the
//     model context and under which the completed turn is recorded.
//   - Message: Required. The new prompt, capped at 32KB.
//
// # Validation
//
// Uses go-playground/validator. Call Validate() after binding.
type ChatStreamRequest struct {
	UserID         string `json:"userId" validate:"required,max=128"`
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	Message        string `json:"message" validate:"required,maxbytes"`
}

// Validate runs struct validation and returns the first failure.
func (r *ChatStreamRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("chat stream request: %w", err)
	}
	return nil
}

// =============================================================================
// NDJSON Stream Records
// =============================================================================

// StreamRecordType discriminates the NDJSON records on a chat stream.
type StreamRecordType string

const (
	StreamRecordChunk StreamRecordType = "chunk"
	StreamRecordDone  StreamRecordType = "done"
	StreamRecordError StreamRecordType = "error"
)

// StreamRecord is one newline-delimited JSON record of the response body.
//
// Concatenating the Text of all "chunk" records in arrival order yields
// the full reply; the stream is terminated by a single "done" record
// carrying the persisted turn id, or an "error" record when the upstream
// fails after streaming has begun.
type StreamRecord struct {
	Type      StreamRecordType `json:"type"`
	Text      string           `json:"text,omitempty"`
	TurnID    string           `json:"turnId,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Error     string           `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// =============================================================================
// Error Response Bodies
// =============================================================================

// DenialResponse is the 403 body for an admission denial.
// Exactly one of the quota fields or ExpiredDate is meaningful,
// depending on Error.
type DenialResponse struct {
	Error        string `json:"error"` // QUOTA_EXCEEDED or TRIAL_EXPIRED
	Message      string `json:"message"`
	CurrentUsage *int   `json:"currentUsage,omitempty"`
	MonthlyLimit *int   `json:"monthlyLimit,omitempty"`
	ResetDate    string `json:"resetDate,omitempty"`
	ExpiredDate  string `json:"expiredDate,omitempty"`
	Tier         Tier   `json:"tier"`
}

// UpstreamErrorResponse is the 429/500 body for upstream failures.
// Code distinguishes "try again" (UPSTREAM_UNAVAILABLE) from
// "fix configuration" (UPSTREAM_AUTH).
type UpstreamErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DoneTimestamp formats the terminal record timestamp (Unix milliseconds).
func DoneTimestamp(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
