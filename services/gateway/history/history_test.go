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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
)

func openTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()

	s, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendTurns(t *testing.T, s *store.BadgerStore, conversationID string, n int) {
	t.Helper()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		err := s.AppendTurn(context.Background(), &datatypes.ConversationTurn{
			ConversationID: conversationID,
			TurnID:         fmt.Sprintf("turn-%d", i),
			OwnerID:        "user-1",
			PromptText:     fmt.Sprintf("prompt-%d", i),
			ReplyText:      fmt.Sprintf("reply-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			ExpiresAt:      time.Now().Add(TurnRetention),
		})
		require.NoError(t, err)
	}
}

// =============================================================================
// Builder Tests
// =============================================================================

func TestNewBuilder_PanicsOnNilStore(t *testing.T) {
	assert.Panics(t, func() { NewBuilder(nil) })
}

// TestBuildContext_EmptyConversation verifies the first-turn case: no
// history yields an empty context, not an error.
func TestBuildContext_EmptyConversation(t *testing.T) {
	b := NewBuilder(openTestStore(t))

	exchanges, err := b.BuildContext(context.Background(), "conv-1", 10)

	require.NoError(t, err)
	assert.Empty(t, exchanges)
}

// TestBuildContext_OldestFirst verifies that the most-recent-first store
// order is reversed into chronological order.
func TestBuildContext_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	appendTurns(t, s, "conv-1", 4)
	b := NewBuilder(s)

	exchanges, err := b.BuildContext(context.Background(), "conv-1", 10)

	require.NoError(t, err)
	require.Len(t, exchanges, 4)
	assert.Equal(t, "prompt-0", exchanges[0].Prompt)
	assert.Equal(t, "reply-0", exchanges[0].Reply)
	assert.Equal(t, "prompt-3", exchanges[3].Prompt)
}

// TestBuildContext_Windowing verifies that only the windowSize most
// recent turns are loaded, still ending with the newest.
func TestBuildContext_Windowing(t *testing.T) {
	s := openTestStore(t)
	appendTurns(t, s, "conv-1", 15)
	b := NewBuilder(s)

	exchanges, err := b.BuildContext(context.Background(), "conv-1", 10)

	require.NoError(t, err)
	require.Len(t, exchanges, 10)
	assert.Equal(t, "prompt-5", exchanges[0].Prompt, "window starts at the 10th newest")
	assert.Equal(t, "prompt-14", exchanges[9].Prompt, "window ends at the newest")
}

// TestBuildContext_DefaultWindowSize verifies that a non-positive window
// falls back to the default.
func TestBuildContext_DefaultWindowSize(t *testing.T) {
	s := openTestStore(t)
	appendTurns(t, s, "conv-1", 15)
	b := NewBuilder(s)

	exchanges, err := b.BuildContext(context.Background(), "conv-1", 0)

	require.NoError(t, err)
	assert.Len(t, exchanges, DefaultWindowSize)
}

// TestBuildContext_Idempotent verifies that rebuilding yields identical
// context (no side effects).
func TestBuildContext_Idempotent(t *testing.T) {
	s := openTestStore(t)
	appendTurns(t, s, "conv-1", 5)
	b := NewBuilder(s)

	first, err := b.BuildContext(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	second, err := b.BuildContext(context.Background(), "conv-1", 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// =============================================================================
// Recorder Tests
// =============================================================================

func TestNewRecorder_PanicsOnNilStore(t *testing.T) {
	assert.Panics(t, func() { NewRecorder(nil) })
}

func TestRecord_PersistsTurn(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	id, err := r.Record(context.Background(), "conv-1", "user-1", "what is recursion?", "recursion is...")

	require.NoError(t, err)
	assert.NotEmpty(t, id)

	turns, err := s.RecentTurns(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, id, turns[0].TurnID)
	assert.Equal(t, "what is recursion?", turns[0].PromptText)
	assert.Equal(t, "recursion is...", turns[0].ReplyText)
	assert.Equal(t, "user-1", turns[0].OwnerID)
	assert.WithinDuration(t, turns[0].CreatedAt.Add(TurnRetention), turns[0].ExpiresAt, time.Second)
}

// TestRecord_DeterministicTurnID verifies that identical content always
// maps to the same id, and differing content to different ids.
func TestRecord_DeterministicTurnID(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	id1, err := r.Record(context.Background(), "conv-1", "user-1", "p", "a")
	require.NoError(t, err)
	id2, err := r.Record(context.Background(), "conv-1", "user-1", "p", "a")
	require.NoError(t, err)
	id3, err := r.Record(context.Background(), "conv-1", "user-1", "p", "b")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same content must map to the same turn id")
	assert.NotEqual(t, id1, id3, "different content must map to a different id")
}

// TestRecord_RepeatedContentSharesID pins the storage shape for repeated
// recordings: the turn key carries the creation timestamp, so two Record
// calls with identical content land as two stored turns sharing one id.
func TestRecord_RepeatedContentSharesID(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	id1, err := r.Record(context.Background(), "conv-1", "user-1", "hello", "hi there")
	require.NoError(t, err)
	id2, err := r.Record(context.Background(), "conv-1", "user-1", "hello", "hi there")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	turns, err := s.RecentTurns(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, id1, turns[0].TurnID)
	assert.Equal(t, id1, turns[1].TurnID)
}

// TestRecord_ThenBuildContext verifies the write-then-read cycle used by
// consecutive chat requests.
func TestRecord_ThenBuildContext(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)
	b := NewBuilder(s)

	_, err := r.Record(context.Background(), "conv-1", "user-1", "first question", "first answer")
	require.NoError(t, err)

	exchanges, err := b.BuildContext(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "first question", exchanges[0].Prompt)
	assert.Equal(t, "first answer", exchanges[0].Reply)
}
