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
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing newline-delimited JSON
// records to a chat stream response.
//
// # Description
//
// StreamWriter abstracts NDJSON record serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the wire format (one JSON object per line, flushed immediately)
// internally.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The relay goroutine and the handler may emit records concurrently.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//
// # Assumptions
//
//   - Nothing else writes the response body; the writer sets the
//     streaming headers itself when the first record commits the
//     response, so callers can still send a plain JSON error as long as
//     no record has been written
type StreamWriter interface {
	// WriteChunk writes a content fragment record.
	//
	// # Inputs
	//
	//   - text: Fragment text to relay (may be a partial word or whitespace)
	//
	// # Outputs
	//
	//   - error: Non-nil if serialization or writing failed.
	WriteChunk(text string) error

	// WriteDone writes the terminal record for a successful stream.
	//
	// # Inputs
	//
	//   - turnID: Identifier of the persisted conversation turn.
	//   - timestamp: Completion time in Unix milliseconds.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Should only be called once per stream.
	WriteDone(turnID string, timestamp int64) error

	// WriteError writes an in-band error record for mid-stream failures.
	//
	// The HTTP status is already committed once chunks have been relayed,
	// so mid-stream failures can only be signalled in-band.
	//
	// # Inputs
	//
	//   - code: Stable error code (e.g. "UPSTREAM_ERROR")
	//   - message: Sanitized message for the client (no internal details)
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteError(code, message string) error

	// ChunksWritten reports how many chunk records have been relayed.
	//
	// Zero means the response body is still untouched and the stream can
	// be restarted against a fresh upstream attempt.
	ChunksWritten() int
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements StreamWriter for HTTP NDJSON responses.
//
// # Description
//
// ndjsonWriter wraps an http.ResponseWriter to emit one JSON object per
// line, flushing after every record so fragments reach the client as they
// arrive.
//
// # Thread Safety
//
// Thread-safe via mutex. The chunk counter is guarded by the same mutex,
// so ChunksWritten never observes a half-written record.
//
// # Limitations
//
//   - Cannot be reused across requests
type ndjsonWriter struct {
	writer      http.ResponseWriter
	flusher     http.Flusher
	chunks      int
	headersSent bool
	mu          sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - StreamWriter: Ready to write NDJSON records.
//   - error: Non-nil if the ResponseWriter doesn't support flushing.
//
// # Examples
//
//	writer, err := NewStreamWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteChunk("Hello")
//	writer.WriteDone("turn-123", time.Now().UnixMilli())
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &ndjsonWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeRecord serializes a record, writes it as a single line, and flushes.
//
// The streaming headers are applied on the first record, not earlier:
// until something is actually streamed the handler may still answer with
// a plain JSON error status, which must not inherit the NDJSON
// Content-Type.
func (w *ndjsonWriter) writeRecord(record datatypes.StreamRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headersSent {
		SetStreamHeaders(w.writer)
		w.headersSent = true
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "%s\n", data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	if record.Type == datatypes.StreamRecordChunk {
		w.chunks++
	}

	w.flusher.Flush()
	return nil
}

// WriteChunk writes a content fragment record.
func (w *ndjsonWriter) WriteChunk(text string) error {
	return w.writeRecord(datatypes.StreamRecord{
		Type: datatypes.StreamRecordChunk,
		Text: text,
	})
}

// WriteDone writes the terminal record for a successful stream.
func (w *ndjsonWriter) WriteDone(turnID string, timestamp int64) error {
	return w.writeRecord(datatypes.StreamRecord{
		Type:      datatypes.StreamRecordDone,
		TurnID:    turnID,
		Timestamp: timestamp,
	})
}

// WriteError writes an in-band error record.
func (w *ndjsonWriter) WriteError(code, message string) error {
	return w.writeRecord(datatypes.StreamRecord{
		Type:    datatypes.StreamRecordError,
		Error:   code,
		Message: message,
	})
}

// ChunksWritten reports how many chunk records have been relayed.
func (w *ndjsonWriter) ChunksWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chunks
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures HTTP response headers for NDJSON streaming.
//
// # Description
//
// Sets the required headers for a chunked NDJSON stream:
//   - Content-Type: application/x-ndjson
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Applied by the stream writer when its first record is written; callers
// do not invoke this ahead of time, since a request that fails before
// streaming begins still answers with a JSON error body.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*ndjsonWriter)(nil)
