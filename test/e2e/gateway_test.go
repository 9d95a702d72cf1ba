// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// End-to-end test for the chat streaming gateway. Wires the full stack
// (router, handler, admission, history, on-disk store, Anthropic client)
// against a local SSE fixture server. Gated behind RUN_E2E_TESTS so unit
// runs stay fast.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/handlers"
	"github.com/AleutianAI/AleutianMentor/services/gateway/observability"
	"github.com/AleutianAI/AleutianMentor/services/gateway/routes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
	"github.com/AleutianAI/AleutianMentor/services/gateway/usage"
	"github.com/AleutianAI/AleutianMentor/services/llm"
)

// Metrics register against the default Prometheus registry, so they are
// initialized once for the whole test binary.
var (
	metricsOnce    sync.Once
	gatewayMetrics *observability.StreamingMetrics
)

func testMetrics() *observability.StreamingMetrics {
	metricsOnce.Do(func() {
		gatewayMetrics = observability.InitMetrics()
	})
	return gatewayMetrics
}

// newUpstreamFixture serves an Anthropic-style SSE reply for every request.
func newUpstreamFixture(t *testing.T, tokens []string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":0}}}`+"\n\n")
		for _, tok := range tokens {
			payload, _ := json.Marshal(tok)
			fmt.Fprintf(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":%s}}`+"\n\n", payload)
		}
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGatewayStack(t *testing.T, upstreamURL string) (*gin.Engine, store.Store, *usage.Accountant) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("MENTOR_INSECURE_MEMORY", "true")
	t.Setenv("ANTHROPIC_API_KEY", "e2e-test-key")
	t.Setenv("CLAUDE_MODEL", "claude-e2e-test")

	st, err := store.Open(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client, err := llm.NewAnthropicClient()
	require.NoError(t, err)
	client.SetBaseURLForTest(upstreamURL)

	accountant := usage.NewAccountant(st, nil)

	handler := handlers.NewChatStreamHandler(handlers.ChatStreamConfig{
		Store:      st,
		Client:     client,
		Accountant: accountant,
		Metrics:    testMetrics(),
		Retry: llm.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			BackoffFactor:  2.0,
		},
	})

	router := gin.New()
	routes.SetupRoutes(router, handler)
	return router, st, accountant
}

func seedUser(t *testing.T, st store.Store, userID string, currentUsage, monthlyLimit int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.PutSubscription(context.Background(), &datatypes.SubscriptionRecord{
		UserID: userID,
		Tier:   datatypes.TierFree,
		Quota: datatypes.QuotaState{
			MonthlyLimit:    monthlyLimit,
			CurrentUsage:    currentUsage,
			LastResetPeriod: datatypes.Period(now),
			NextResetDate:   datatypes.NextPeriodStart(now),
		},
	}))
}

func postChat(router *gin.Engine, userID, conversationID, message string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(datatypes.ChatStreamRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Message:        message,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestGatewayEndToEnd drives a full conversation through the HTTP surface:
// stream a reply, confirm the persisted turn, confirm history reaches the
// second request, confirm quota debits land.
func TestGatewayEndToEnd(t *testing.T) {
	if os.Getenv("RUN_E2E_TESTS") == "" {
		t.Skip("Set RUN_E2E_TESTS=1 to run this test")
	}

	upstream := newUpstreamFixture(t, []string{"Energy ", "flows ", "downhill."})
	router, st, accountant := newGatewayStack(t, upstream.URL)
	seedUser(t, st, "e2e-user", 0, 50)

	rec := postChat(router, "e2e-user", "e2e-conv", "Explain entropy simply.")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var reply strings.Builder
	var done datatypes.StreamRecord
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var record datatypes.StreamRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		switch record.Type {
		case datatypes.StreamRecordChunk:
			reply.WriteString(record.Text)
		case datatypes.StreamRecordDone:
			done = record
		case datatypes.StreamRecordError:
			t.Fatalf("unexpected error record: %s", scanner.Text())
		}
	}
	assert.Equal(t, "Energy flows downhill.", reply.String())
	require.NotEmpty(t, done.TurnID)

	turns, err := st.RecentTurns(context.Background(), "e2e-conv", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, done.TurnID, turns[0].TurnID)
	assert.Equal(t, reply.String(), turns[0].ReplyText)

	accountant.Wait()
	sub, err := st.GetSubscription(context.Background(), "e2e-user")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Quota.CurrentUsage)

	// Second turn sees the first as context upstream; from the outside we
	// can only confirm the gateway accepts and records it.
	rec2 := postChat(router, "e2e-user", "e2e-conv", "And enthalpy?")
	require.Equal(t, http.StatusOK, rec2.Code)

	turns, err = st.RecentTurns(context.Background(), "e2e-conv", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestGatewayEndToEnd_QuotaDenial(t *testing.T) {
	if os.Getenv("RUN_E2E_TESTS") == "" {
		t.Skip("Set RUN_E2E_TESTS=1 to run this test")
	}

	upstream := newUpstreamFixture(t, []string{"never sent"})
	router, st, _ := newGatewayStack(t, upstream.URL)
	seedUser(t, st, "e2e-capped", 50, 50)

	rec := postChat(router, "e2e-capped", "e2e-conv", "hello")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var denial datatypes.DenialResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denial))
	assert.Equal(t, "QUOTA_EXCEEDED", denial.Error)
}

func TestGatewayEndToEnd_HealthAndMetrics(t *testing.T) {
	if os.Getenv("RUN_E2E_TESTS") == "" {
		t.Skip("Set RUN_E2E_TESTS=1 to run this test")
	}

	upstream := newUpstreamFixture(t, nil)
	router, _, _ := newGatewayStack(t, upstream.URL)

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "aleutian_gateway_")
}
