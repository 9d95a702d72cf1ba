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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianMentor/services/gateway/datatypes"
)

var anthropicTracer = otel.Tracer("aleutian.llm.anthropic")

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	defaultMaxTokens    = 4096
)

// --- Wire Format ---

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type anthropicStreamEvent struct {
	Type    string          `json:"type"`
	Message *anthropicUsage `json:"message,omitempty"`
	Delta   struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicTokens `json:"usage,omitempty"`
	Error *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	Usage anthropicTokens `json:"usage"`
}

type anthropicTokens struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client Implementation ---

// AnthropicClient streams chat completions from the Anthropic Messages API.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from the environment.
//
// Reads ANTHROPIC_API_KEY (falling back to the container secret path)
// and CLAUDE_MODEL. The HTTP client carries no overall timeout; a
// streaming response is open-ended and bounded by the request context.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("CLAUDE_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API Key from Podman Secrets")
		}
	}
	if apiKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("CLAUDE_MODEL not set, defaulting to", "model", model)
	}

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 0},
		baseURL:    anthropicBaseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// ChatStream implements LLMClient against the Messages API with
// stream=true, relaying content_block_delta text through the callback.
//
// Input token counts arrive in the leading message_start event; output
// counts and the stop reason arrive in the trailing message_delta, so the
// returned usage is complete only after the SSE body is fully drained.
func (a *AnthropicClient) ChatStream(ctx context.Context, systemPrompt string,
	history []datatypes.Exchange, prompt string, params GenerationParams,
	callback StreamCallback) (*StreamUsage, error) {

	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	maxTokens := defaultMaxTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	payload := anthropicRequest{
		Model:       a.model,
		Messages:    buildMessages(history, prompt),
		System:      GuardSystemPrompt(systemPrompt),
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
		Stream:      true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Connection-level failures happened before any fragment.
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := classifyHTTPStatus(resp.StatusCode, string(detail))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Anthropic returned an error", "status_code", resp.StatusCode)
		return nil, err
	}

	usage, err := a.consumeSSE(ctx, resp.Body, callback)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return usage, err
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", usage.InputTokens),
		attribute.Int("llm.output_tokens", usage.OutputTokens),
	)
	return usage, nil
}

// consumeSSE drains the event stream, invoking the callback per text
// delta. The partial usage collected so far is returned even on error so
// the caller can account for fragments that were already delivered.
func (a *AnthropicClient) consumeSSE(ctx context.Context, body io.Reader, callback StreamCallback) (*StreamUsage, error) {
	usage := &StreamUsage{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return usage, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			slog.Debug("skipping unparseable stream line", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			if err := callback(StreamEvent{Type: StreamEventToken, Content: event.Delta.Text}); err != nil {
				return usage, err
			}
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta.StopReason == "refusal" {
				usage.SafetyBlocked = true
			}
		case "error":
			msg := "unknown stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			if event.Error != nil && event.Error.Type == "overloaded_error" {
				return usage, fmt.Errorf("%w: %s", ErrUpstreamTransient, msg)
			}
			return usage, fmt.Errorf("%w: %s", ErrUpstreamFatal, msg)
		case "message_stop":
			return usage, nil
		}
	}

	if err := scanner.Err(); err != nil {
		// Stream cut mid-flight; transient from the transport's view,
		// but the invoker's committed guard decides whether a retry is safe.
		return usage, fmt.Errorf("%w: read stream: %v", ErrUpstreamTransient, err)
	}
	return usage, nil
}

// SetBaseURLForTest overrides the endpoint. Test hook.
func (a *AnthropicClient) SetBaseURLForTest(url string) { a.baseURL = url }

// newAnthropicClientForTest builds a client without environment coupling.
func newAnthropicClientForTest(baseURL, model string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     "test-key",
		model:      model,
	}
}
