// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat gateway.
//
// # Description
//
// Metrics cover the streaming chat path end to end:
//   - Request counters (by status)
//   - Admission denials (by reason)
//   - Token usage (input/output)
//   - Latency histograms (time to first chunk, total stream duration)
//   - Active stream gauge
//   - Client disconnects and accounting failures
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for the chat gateway
const gatewaySubsystem = "gateway"

// StreamingMetrics holds all Prometheus metrics for streaming chat operations.
//
// Initialize once at startup via InitMetrics(); duplicate registration
// against the default registry panics.
type StreamingMetrics struct {
	// RequestsTotal counts chat stream requests by terminal status.
	// Labels: status (success, error, denied, cancelled)
	RequestsTotal *prometheus.CounterVec

	// AdmissionDenialsTotal counts admission gate denials.
	// Labels: reason (quota_exceeded, trial_expired)
	AdmissionDenialsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first relayed chunk.
	TimeToFirstChunkSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error, cancelled)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by category.
	// Labels: error_code (validation, upstream_unavailable, upstream_auth,
	// upstream_error, internal)
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// AccountingFailuresTotal counts failed post-reply settlements. These
	// are the turns the gateway delivered but could not account for.
	AccountingFailuresTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all gateway metrics against the
// default Prometheus registry. Call once at application startup.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total chat stream requests by terminal status",
			},
			[]string{"status"},
		),

		AdmissionDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "admission_denials_total",
				Help:      "Total admission gate denials by reason",
			},
			[]string{"reason"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction",
			},
			[]string{"direction"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first relayed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total gateway errors by category",
			},
			[]string{"error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		AccountingFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "accounting_failures_total",
				Help:      "Total failed post-reply usage settlements",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// Status represents a terminal request status for metrics labeling.
type Status string

const (
	// StatusSuccess indicates the stream completed and a done record was sent.
	StatusSuccess Status = "success"

	// StatusError indicates the request failed before or during streaming.
	StatusError Status = "error"

	// StatusDenied indicates the admission gate refused the request.
	StatusDenied Status = "denied"

	// StatusCancelled indicates the client disconnected mid-stream.
	StatusCancelled Status = "cancelled"
)

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeUpstreamUnavailable indicates the model provider was
	// unreachable or overloaded after retries.
	ErrorCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// ErrorCodeUpstreamAuth indicates the provider rejected the gateway's
	// credentials.
	ErrorCodeUpstreamAuth ErrorCode = "upstream_auth"

	// ErrorCodeUpstreamError indicates a mid-stream provider failure.
	ErrorCodeUpstreamError ErrorCode = "upstream_error"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a terminal request outcome.
func (m *StreamingMetrics) RecordRequest(status Status) {
	m.RequestsTotal.WithLabelValues(string(status)).Inc()
}

// RecordDenial records an admission gate refusal.
func (m *StreamingMetrics) RecordDenial(reason string) {
	m.AdmissionDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordError records a categorized gateway error.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTokens records token usage for a completed turn.
func (m *StreamingMetrics) RecordTokens(inputTokens, outputTokens int) {
	m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstChunk records the latency to the first relayed chunk.
func (m *StreamingMetrics) RecordTimeToFirstChunk(seconds float64) {
	m.TimeToFirstChunkSeconds.Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(seconds float64, status Status) {
	m.StreamDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// RecordAccountingFailure increments the failed settlement counter.
func (m *StreamingMetrics) RecordAccountingFailure() {
	m.AccountingFailuresTotal.Inc()
}
