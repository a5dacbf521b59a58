// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for streamsearch.
//
// # Description
//
// This package implements Prometheus metrics for monitoring search streams.
// Metrics include:
//   - Request counters (by endpoint, status, error code)
//   - Latency histograms (time to first answer delta, total duration,
//     upstream stage latencies reported in debug fragments)
//   - Active stream gauges
//   - Anomaly counters (answer restarts, unknown upstream events)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of the metrics listener.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *StreamingMetrics, so components can be
// constructed without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "streamsearch"

// Subsystem for streaming metrics
const streamingSubsystem = "stream"

// StreamingMetrics holds all Prometheus metrics for search streams.
//
// # Fields
//
//   - RequestsTotal: Counter of stream requests by endpoint and status
//   - TimeToFirstAnswerSeconds: Histogram of time to the first answer delta
//   - StreamDurationSeconds: Histogram of total stream duration
//   - UpstreamDurationSeconds: Histogram of producer run time (search_algo_latency)
//   - ActiveStreams: Gauge of currently active streams
//   - ErrorsTotal: Counter of errors by endpoint and code
//   - KeepAlivesTotal: Counter of keepalive comments sent
//   - ClientDisconnectsTotal: Counter of clients leaving mid-stream
//   - StageLatency: Histogram of upstream stage latencies by stage
//   - AnswerRestartsTotal: Counter of cumulative answers that did not extend the previous one
//   - UnknownEventsTotal: Counter of dropped upstream payloads with unhandled kinds
type StreamingMetrics struct {
	RequestsTotal            *prometheus.CounterVec
	TimeToFirstAnswerSeconds *prometheus.HistogramVec
	StreamDurationSeconds    *prometheus.HistogramVec
	UpstreamDurationSeconds  *prometheus.HistogramVec
	ActiveStreams            *prometheus.GaugeVec
	ErrorsTotal              *prometheus.CounterVec
	KeepAlivesTotal          *prometheus.CounterVec
	ClientDisconnectsTotal   *prometheus.CounterVec
	StageLatency             *prometheus.HistogramVec
	AnswerRestartsTotal      prometheus.Counter
	UnknownEventsTotal       prometheus.Counter
}

// NewStreamingMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *StreamingMetrics: The initialized metrics instance.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of stream requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		TimeToFirstAnswerSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_answer_seconds",
				Help:      "Time from request to first answer delta in seconds",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		UpstreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "search_algo_latency_seconds",
				Help:      "Time the producer spent reading the upstream stream",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"domain"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active",
				Help:      "Number of currently active search streams",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total stream errors by endpoint and code",
			},
			[]string{"endpoint", "error_code"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive comments sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		StageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stage_latency",
				Help:      "Upstream stage latency as reported in debug fragments",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 12),
			},
			[]string{"stage"},
		),
		AnswerRestartsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "answer_restarts_total",
				Help:      "Cumulative answers that did not extend the previous snapshot",
			},
		),
		UnknownEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "unknown_events_total",
				Help:      "Upstream payloads dropped for an unhandled event kind",
			},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeTransport indicates the upstream could not be reached or
	// answered with a non-whitelisted status.
	ErrorCodeTransport ErrorCode = "upstream_transport"

	// ErrorCodeUpstreamFailure indicates the upstream reported msg_info.
	ErrorCodeUpstreamFailure ErrorCode = "upstream_failure"

	// ErrorCodeConsumer indicates a failure while draining the queue.
	ErrorCodeConsumer ErrorCode = "consumer"

	// ErrorCodeStore indicates a persistence failure.
	ErrorCodeStore ErrorCode = "store"

	// ErrorCodeBusy indicates the message is already streaming elsewhere.
	ErrorCodeBusy ErrorCode = "busy"

	// ErrorCodeUnauthorized indicates the caller could not be identified.
	ErrorCodeUnauthorized ErrorCode = "unauthorized"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointSearchStream is POST /api/search/stream.
	EndpointSearchStream Endpoint = "search_stream"

	// EndpointStopGenerating is POST /api/search/stop_generating.
	EndpointStopGenerating Endpoint = "stop_generating"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed stream request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status(success)).Inc()
}

// RecordError records a stream error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstAnswer records the latency to the first answer delta.
func (m *StreamingMetrics) RecordTimeToFirstAnswer(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstAnswerSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status(success)).Observe(seconds)
}

// RecordUpstreamDuration records how long the producer ran for a domain.
func (m *StreamingMetrics) RecordUpstreamDuration(domain string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamDurationSeconds.WithLabelValues(domain).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordLatency records one upstream stage latency. Implements LatencySink.
func (m *StreamingMetrics) RecordLatency(stage string, value float64) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(value)
}

// RecordAnswerRestart counts a non-prefix cumulative answer.
func (m *StreamingMetrics) RecordAnswerRestart() {
	if m == nil {
		return
	}
	m.AnswerRestartsTotal.Inc()
}

// RecordUnknownEvent counts a dropped upstream payload.
func (m *StreamingMetrics) RecordUnknownEvent() {
	if m == nil {
		return
	}
	m.UnknownEventsTotal.Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

var _ LatencySink = (*StreamingMetrics)(nil)
