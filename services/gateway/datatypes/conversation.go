// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// ConversationTurn is one completed prompt/reply exchange.
//
// Turns are append-only: written once by the turn recorder after the full
// reply is assembled, never mutated, and expired by the store's TTL
// mechanism rather than explicit deletion.
type ConversationTurn struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	OwnerID        string    `json:"owner_id"`
	PromptText     string    `json:"prompt_text"`
	ReplyText      string    `json:"reply_text"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Exchange is a prompt/reply pair presented to the model as context.
// A window of exchanges is always ordered oldest first.
type Exchange struct {
	Prompt string
	Reply  string
}

// UsageEntry is a low-cardinality usage-log record for cost analytics.
// Written by the usage accountant after a reply has been delivered.
type UsageEntry struct {
	EntryID      string    `json:"entry_id"`
	OwnerID      string    `json:"owner_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	RecordedAt   time.Time `json:"recorded_at"`
}
