package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used by the control plane.
const (
	TracerEnforcement = "usermgmt/enforcement"
	TracerUsage       = "usermgmt/usage"
)

// Common attribute keys.
const (
	AttrUsername = "account.username"
	AttrCommand  = "exec.command"
	AttrExitCode = "exec.exit_code"
)

// StartSpan creates a new span for an operation.
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEnforcement, "enforcement.ApplyQuota",
//	    attribute.String(telemetry.AttrUsername, username),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
