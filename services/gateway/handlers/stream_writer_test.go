// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

// decodeRecords parses an NDJSON body back into records.
func decodeRecords(t *testing.T, body string) []datatypes.StreamRecord {
	t.Helper()

	var records []datatypes.StreamRecord
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		var rec datatypes.StreamRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %q", line)
		records = append(records, rec)
	}
	return records
}

func TestNewStreamWriter_RequiresFlusher(t *testing.T) {
	// httptest.ResponseRecorder flushes; a bare ResponseWriter does not.
	type noFlush struct{ http.ResponseWriter }

	_, err := NewStreamWriter(noFlush{httptest.NewRecorder()})
	assert.Error(t, err)

	writer, err := NewStreamWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotNil(t, writer)
}

func TestStreamWriter_ChunkFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteChunk("Hello"))
	require.NoError(t, writer.WriteChunk(" wor"))
	require.NoError(t, writer.WriteChunk("ld"))

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 3)

	var reply strings.Builder
	for _, r := range records {
		assert.Equal(t, datatypes.StreamRecordChunk, r.Type)
		reply.WriteString(r.Text)
	}
	assert.Equal(t, "Hello world", reply.String())
	assert.Equal(t, 3, writer.ChunksWritten())
}

func TestStreamWriter_DoneRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteChunk("hi"))
	require.NoError(t, writer.WriteDone("turn-abc", 1750000000000))

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 2)

	done := records[1]
	assert.Equal(t, datatypes.StreamRecordDone, done.Type)
	assert.Equal(t, "turn-abc", done.TurnID)
	assert.Equal(t, int64(1750000000000), done.Timestamp)
	assert.Equal(t, 1, writer.ChunksWritten(), "done is not a chunk")
}

func TestStreamWriter_ErrorRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteError("UPSTREAM_ERROR", "the model provider failed mid-reply"))

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.StreamRecordError, records[0].Type)
	assert.Equal(t, "UPSTREAM_ERROR", records[0].Error)
	assert.Equal(t, "the model provider failed mid-reply", records[0].Message)
	assert.Equal(t, 0, writer.ChunksWritten())
}

// TestStreamWriter_FragmentWithNewline verifies that fragment text
// containing newlines stays on a single NDJSON line after encoding.
func TestStreamWriter_FragmentWithNewline(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteChunk("line one\nline two"))

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 1, "the newline must be escaped inside the JSON string")

	records := decodeRecords(t, rec.Body.String())
	assert.Equal(t, "line one\nline two", records[0].Text)
}

func TestStreamWriter_ConcurrentWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, writer.WriteChunk("x"))
			}
		}()
	}
	wg.Wait()

	records := decodeRecords(t, rec.Body.String())
	assert.Len(t, records, writers*perWriter, "no interleaved or lost lines")
	assert.Equal(t, writers*perWriter, writer.ChunksWritten())
}

func TestSetStreamHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetStreamHeaders(rec)

	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

// TestStreamWriter_HeadersAppliedOnFirstRecord verifies the NDJSON
// headers land only when a record is actually written. Until then the
// response must stay open for a plain JSON error status.
func TestStreamWriter_HeadersAppliedOnFirstRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewStreamWriter(rec)
	require.NoError(t, err)

	assert.Empty(t, rec.Header().Get("Content-Type"),
		"constructing the writer must not touch the headers")

	require.NoError(t, writer.WriteChunk("hi"))

	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
