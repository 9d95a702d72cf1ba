// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the chat gateway.
//
// This file implements the streaming chat endpoint. The request path is:
// validate, admit against the subscription record, rebuild the history
// window, open the upstream stream under bounded retry, relay fragments
// as NDJSON chunk records, then record the turn and settle usage on a
// detached goroutine.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMentor/services/gateway/admission"
	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianMentor/services/gateway/history"
	"github.com/AleutianAI/AleutianMentor/services/gateway/observability"
	"github.com/AleutianAI/AleutianMentor/services/gateway/store"
	"github.com/AleutianAI/AleutianMentor/services/gateway/usage"
	"github.com/AleutianAI/AleutianMentor/services/llm"
)

// =============================================================================
// Handler Definition
// =============================================================================

// ChatStreamConfig carries the collaborators for the streaming handler.
//
// # Fields
//
//   - Store: Subscription and turn persistence. Required.
//   - Client: Streaming model backend. Required.
//   - Accountant: Post-reply usage settlement. Required.
//   - Metrics: Gateway metrics. Optional (nil disables).
//   - SystemPrompt: Mentor persona prompt. Prepended with the
//     protection preamble before submission; may be empty.
//   - WindowSize: History turns to rebuild, <= 0 selects the default.
//   - Retry: Upstream retry policy; zero value selects the default.
type ChatStreamConfig struct {
	Store        store.Store
	Client       llm.LLMClient
	Accountant   *usage.Accountant
	Metrics      *observability.StreamingMetrics
	SystemPrompt string
	WindowSize   int
	Retry        llm.RetryConfig
}

// ChatStreamHandler handles POST /chat/stream.
//
// # Thread Safety
//
// Safe for concurrent requests; all fields are read-only after
// construction and per-request state lives on the stack.
type ChatStreamHandler struct {
	store        store.Store
	client       llm.LLMClient
	builder      *history.Builder
	recorder     *history.Recorder
	accountant   *usage.Accountant
	metrics      *observability.StreamingMetrics
	systemPrompt string
	windowSize   int
	retry        llm.RetryConfig
	tracer       trace.Tracer
	now          func() time.Time
}

// NewChatStreamHandler wires a handler from its collaborators.
// Panics on missing required collaborators (programming error).
func NewChatStreamHandler(cfg ChatStreamConfig) *ChatStreamHandler {
	if cfg.Store == nil || cfg.Client == nil || cfg.Accountant == nil {
		panic("handlers.NewChatStreamHandler: store, client, and accountant are required")
	}

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = history.DefaultWindowSize
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = llm.DefaultRetryConfig()
	}

	return &ChatStreamHandler{
		store:        cfg.Store,
		client:       cfg.Client,
		builder:      history.NewBuilder(cfg.Store),
		recorder:     history.NewRecorder(cfg.Store),
		accountant:   cfg.Accountant,
		metrics:      cfg.Metrics,
		systemPrompt: cfg.SystemPrompt,
		windowSize:   windowSize,
		retry:        retry,
		tracer:       otel.Tracer("aleutian.gateway.handlers.chat_stream"),
		now:          time.Now,
	}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatStream processes a streaming chat request.
//
// # Description
//
// Validates the request, admits it against the user's subscription,
// rebuilds the conversation window, and relays the upstream reply to the
// client as NDJSON chunk records. On success the stream ends with a done
// record carrying the persisted turn id. Failure modes:
//
//   - 400: malformed body or validation failure
//   - 403: admission denial (structured quota/trial body)
//   - 404: unknown user
//   - 429: upstream transient failure after retries, pre-first-chunk
//   - 500: upstream auth or fatal failure, pre-first-chunk
//   - in-band "error" record: upstream failure after relaying began
//
// Client cancellation stops relaying but still records the partial turn;
// the quota debit is skipped if no chunk was delivered.
func (h *ChatStreamHandler) HandleChatStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	start := h.now()

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat stream request", "error", err)
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "invalid request body",
		})
		return
	}

	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.Int("message.bytes", len(req.Message)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat stream request validation failed",
			"user_id", req.UserID,
			"error", err,
		)
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "validation failed",
		})
		return
	}

	// Single subscription read; admission works off this snapshot.
	rec, err := h.store.GetSubscription(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.SetStatus(codes.Error, "unknown user")
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "USER_NOT_FOUND",
				"message": "no subscription record for user",
			})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscription lookup failed")
		slog.Error("Subscription lookup failed",
			"user_id", req.UserID,
			"error", err,
		)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "subscription lookup failed",
		})
		return
	}

	decision := admission.Evaluate(rec, h.now())
	if !decision.Allowed {
		span.SetStatus(codes.Error, "admission denied")
		span.SetAttributes(attribute.String("admission.reason", string(decision.Reason)))
		slog.Info("Admission denied",
			"user_id", req.UserID,
			"reason", decision.Reason,
			"tier", decision.Tier,
		)
		if h.metrics != nil {
			h.metrics.RecordDenial(string(decision.Reason))
			h.metrics.RecordRequest(observability.StatusDenied)
		}
		c.JSON(http.StatusForbidden, denialBody(decision))
		return
	}

	exchanges, err := h.builder.BuildContext(ctx, req.ConversationID, h.windowSize)
	if err != nil {
		// A reply without history beats no reply at all.
		slog.Warn("Failed to load conversation history, continuing without it",
			"conversation_id", req.ConversationID,
			"error", err,
		)
		exchanges = nil
	}
	span.SetAttributes(attribute.Int("history.turns", len(exchanges)))

	h.streamReply(ctx, c, span, &req, exchanges, start)
}

// streamReply runs the upstream call under retry and relays the reply.
func (h *ChatStreamHandler) streamReply(
	ctx context.Context,
	c *gin.Context,
	span trace.Span,
	req *datatypes.ChatStreamRequest,
	exchanges []datatypes.Exchange,
	start time.Time,
) {
	// Headers are not staged yet; the writer sets the NDJSON headers when
	// the first record is written, so the pre-stream failure paths below
	// can still answer with a regular JSON error.
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		slog.Error("Failed to create stream writer", "error", err)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "streaming not supported",
		})
		return
	}

	acc, err := NewReplyAccumulator()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator setup failed")
		slog.Error("Failed to create reply accumulator", "error", err)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "internal error",
		})
		return
	}
	defer acc.Destroy()

	if h.metrics != nil {
		h.metrics.StreamStarted()
		defer h.metrics.StreamEnded()
	}

	var streamUsage llm.StreamUsage
	attempt := func(ctx context.Context, attemptNum int) error {
		if attemptNum > 1 {
			slog.Info("Retrying upstream call",
				"user_id", req.UserID,
				"attempt", attemptNum,
			)
		}
		// The backend client prepends the protection preamble; the raw
		// persona prompt is passed through unmodified.
		u, err := h.client.ChatStream(ctx, h.systemPrompt, exchanges, req.Message,
			llm.GenerationParams{}, func(ev llm.StreamEvent) error {
				if ev.Type != llm.StreamEventToken {
					return nil
				}
				if writer.ChunksWritten() == 0 && h.metrics != nil {
					h.metrics.RecordTimeToFirstChunk(h.now().Sub(start).Seconds())
				}
				// Relay before buffering: a fragment counts as delivered
				// only once it reached the client, and only delivered
				// fragments belong in the recorded turn.
				if err := writer.WriteChunk(ev.Content); err != nil {
					return err
				}
				return acc.Write(ev.Content)
			})
		if u != nil {
			streamUsage = *u
		}
		return err
	}

	streamErr := llm.Invoke(ctx, h.retry, attempt, func() bool {
		return writer.ChunksWritten() > 0
	})

	chunks := writer.ChunksWritten()
	span.SetAttributes(attribute.Int("stream.chunk_count", chunks))

	if streamErr != nil {
		h.finishWithError(ctx, c, span, req, acc, writer, streamErr, chunks, start)
		return
	}

	// Full reply delivered. Persist the turn, emit the done record, then
	// settle usage off the request path.
	reply, _, err := acc.Finalize()
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to finalize reply accumulator",
			"user_id", req.UserID,
			"error", err,
		)
		_ = writer.WriteError("INTERNAL", "failed to assemble reply")
		h.finishMetrics(observability.StatusError, start)
		return
	}

	turnID, err := h.recorder.Record(ctx, req.ConversationID, req.UserID, req.Message, reply)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to record conversation turn",
			"conversation_id", req.ConversationID,
			"error", err,
		)
		_ = writer.WriteError("INTERNAL", "failed to persist turn")
		h.finishMetrics(observability.StatusError, start)
		return
	}

	if err := writer.WriteDone(turnID, datatypes.DoneTimestamp(h.now())); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done record",
			"turn_id", turnID,
			"error", err,
		)
	}

	span.SetAttributes(
		attribute.Int("stream.input_tokens", streamUsage.InputTokens),
		attribute.Int("stream.output_tokens", streamUsage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "stream completed")

	h.accountant.SettleAsync(ctx, req.UserID,
		streamUsage.InputTokens, streamUsage.OutputTokens, true)
	h.finishMetrics(observability.StatusSuccess, start)
}

// finishWithError handles all terminal stream failures: client cancels,
// pre-first-chunk upstream failures, and mid-stream upstream failures.
func (h *ChatStreamHandler) finishWithError(
	ctx context.Context,
	c *gin.Context,
	span trace.Span,
	req *datatypes.ChatStreamRequest,
	acc ReplyAccumulator,
	writer StreamWriter,
	streamErr error,
	chunks int,
	start time.Time,
) {
	span.RecordError(streamErr)

	cancelled := errors.Is(streamErr, context.Canceled) ||
		errors.Is(ctx.Err(), context.Canceled)

	if cancelled {
		span.SetStatus(codes.Error, "client cancelled")
		slog.Info("Client cancelled stream",
			"user_id", req.UserID,
			"chunks_delivered", chunks,
		)
		if h.metrics != nil {
			h.metrics.RecordClientDisconnect()
		}
		// Persist whatever was assembled so conversational state is not
		// silently lost, but never debit quota for a turn the user
		// abandoned before any content streamed.
		h.recordPartialTurn(req, acc)
		h.settlePartial(ctx, req.UserID, chunks > 0)
		h.finishMetrics(observability.StatusCancelled, start)
		return
	}

	if chunks == 0 {
		// Response body untouched; a regular error status is still
		// possible.
		span.SetStatus(codes.Error, "upstream failed before streaming")
		slog.Error("Upstream call failed before streaming",
			"user_id", req.UserID,
			"error", streamErr,
		)
		status, body := upstreamErrorResponse(streamErr)
		h.recordError(upstreamErrorCode(streamErr))
		c.JSON(status, body)
		h.finishMetrics(observability.StatusError, start)
		return
	}

	// Mid-stream failure: terminal, signalled in-band, partial turn kept.
	span.SetStatus(codes.Error, "upstream failed mid-stream")
	slog.Error("Upstream call failed mid-stream",
		"user_id", req.UserID,
		"chunks_delivered", chunks,
		"error", streamErr,
	)
	h.recordError(observability.ErrorCodeUpstreamError)
	_ = writer.WriteError("UPSTREAM_ERROR", "the model provider failed mid-reply")
	h.recordPartialTurn(req, acc)
	h.settlePartial(ctx, req.UserID, true)
	h.finishMetrics(observability.StatusError, start)
}

// recordPartialTurn persists an interrupted reply. Empty replies are
// recorded too; the prompt is part of the conversation even if no answer
// arrived.
func (h *ChatStreamHandler) recordPartialTurn(req *datatypes.ChatStreamRequest, acc ReplyAccumulator) {
	reply, _, err := acc.Finalize()
	if err != nil {
		slog.Warn("Could not finalize partial reply",
			"conversation_id", req.ConversationID,
			"error", err,
		)
		return
	}

	// The request context may already be dead; give persistence its own.
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.recorder.Record(recordCtx, req.ConversationID, req.UserID, req.Message, reply); err != nil {
		slog.Error("Failed to record partial turn",
			"conversation_id", req.ConversationID,
			"error", err,
		)
	}
}

// settlePartial settles usage for an interrupted stream.
func (h *ChatStreamHandler) settlePartial(ctx context.Context, ownerID string, debitQuota bool) {
	// Token counts for interrupted streams are unreliable; settle with
	// whatever the backend reported, which may be zero.
	h.accountant.SettleAsync(ctx, ownerID, 0, 0, debitQuota)
}

func (h *ChatStreamHandler) finishMetrics(status observability.Status, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordRequest(status)
	h.metrics.RecordStreamDuration(h.now().Sub(start).Seconds(), status)
}

func (h *ChatStreamHandler) recordError(code observability.ErrorCode) {
	if h.metrics != nil {
		h.metrics.RecordError(code)
	}
}

// =============================================================================
// Response Builders
// =============================================================================

// denialBody builds the 403 response for an admission denial.
func denialBody(d admission.Decision) datatypes.DenialResponse {
	switch d.Reason {
	case admission.DenyTrialExpired:
		return datatypes.DenialResponse{
			Error:       string(d.Reason),
			Message:     "your trial period has ended",
			ExpiredDate: d.ExpiredAt.UTC().Format(time.RFC3339),
			Tier:        d.Tier,
		}
	default:
		currentUsage := d.CurrentUsage
		monthlyLimit := d.MonthlyLimit
		return datatypes.DenialResponse{
			Error:        string(d.Reason),
			Message:      "monthly message limit reached",
			CurrentUsage: &currentUsage,
			MonthlyLimit: &monthlyLimit,
			ResetDate:    d.ResetDate.UTC().Format(time.RFC3339),
			Tier:         d.Tier,
		}
	}
}

// upstreamErrorResponse maps a pre-first-chunk upstream failure to an
// HTTP status and body. Transient exhaustion reads as "try again";
// auth failures read as "fix configuration".
func upstreamErrorResponse(err error) (int, datatypes.UpstreamErrorResponse) {
	switch {
	case llm.IsAuth(err):
		return http.StatusInternalServerError, datatypes.UpstreamErrorResponse{
			Error:   "UPSTREAM_AUTH",
			Message: "the model provider rejected the gateway credentials",
		}
	case llm.IsRetryable(err):
		return http.StatusTooManyRequests, datatypes.UpstreamErrorResponse{
			Error:   "UPSTREAM_UNAVAILABLE",
			Message: "the model provider is unavailable, try again shortly",
		}
	default:
		return http.StatusInternalServerError, datatypes.UpstreamErrorResponse{
			Error:   "UPSTREAM_ERROR",
			Message: "the model provider rejected the request",
		}
	}
}

func upstreamErrorCode(err error) observability.ErrorCode {
	switch {
	case llm.IsAuth(err):
		return observability.ErrorCodeUpstreamAuth
	case llm.IsRetryable(err):
		return observability.ErrorCodeUpstreamUnavailable
	default:
		return observability.ErrorCodeUpstreamError
	}
}
