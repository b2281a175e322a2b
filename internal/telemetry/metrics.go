// Package telemetry holds the OpenTelemetry instruments of the control plane.
// Instruments come from the global meter provider; without an SDK installed
// they are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds metric instruments for HTTP server telemetry.
// Initialize once at server startup and reuse throughout the application lifecycle.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter     // Total HTTP requests
	RequestDuration metric.Float64Histogram // HTTP request latency
	ErrorCounter    metric.Int64Counter     // Total HTTP errors (5xx)
}

// NewServerMetrics creates a new ServerMetrics instance with pre-configured instruments.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("usermgmt/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 30s
	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 30000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
// Safe to call on a nil receiver.
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.status_code", status),
	)

	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, durationMs, attrs)

	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}

// ExternalMetrics counts calls into the host enforcement layer.
type ExternalMetrics struct {
	CallCounter  metric.Int64Counter // Total enforcement calls
	FailureCount metric.Int64Counter // Failed enforcement calls
	PendingGauge metric.Int64Gauge   // Quotas waiting for enforcement after a reconcile pass
}

// NewExternalMetrics creates metric instruments for enforcement telemetry.
func NewExternalMetrics() (*ExternalMetrics, error) {
	meter := otel.Meter("usermgmt/enforcement")

	calls, err := meter.Int64Counter(
		"enforcement.call.count",
		metric.WithDescription("Total number of host enforcement calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"enforcement.failure.count",
		metric.WithDescription("Total number of failed host enforcement calls"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64Gauge(
		"enforcement.pending",
		metric.WithDescription("Quotas still pending after the last reconcile pass"),
		metric.WithUnit("{quota}"),
	)
	if err != nil {
		return nil, err
	}

	return &ExternalMetrics{CallCounter: calls, FailureCount: failures, PendingGauge: pending}, nil
}

// Record counts one enforcement call for op. Safe to call on a nil receiver.
func (m *ExternalMetrics) Record(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("enforcement.op", op))
	m.CallCounter.Add(ctx, 1, attrs)
	if err != nil {
		m.FailureCount.Add(ctx, 1, attrs)
	}
}

// RecordPending publishes the number of quotas left pending. Safe to call on a nil receiver.
func (m *ExternalMetrics) RecordPending(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.PendingGauge.Record(ctx, int64(n))
}
