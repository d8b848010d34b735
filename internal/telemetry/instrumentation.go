package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low cardinality: operation names, component names,
// provider names and statuses. Download ids, URLs, titles and file paths go to logs only.

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusCanceled = "canceled"
)

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusOf(err)
	if status == statusError {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentProviderOperation instruments stream provider calls.
func (t *Telemetry) InstrumentProviderOperation(ctx context.Context, provider, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "provider_"+operation, "stream_provider", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("provider.name", provider),
			attribute.String("provider.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordProviderOperation(provider, operation, statusOf(err))

	return err
}

// InstrumentDownload tracks an admitted download from start to terminal status.
// fn reports the task's error; a nil error is a success and a context error a cancellation.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "downloader", fn)

	t.RecordDownload(statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, context.Canceled):
		return statusCanceled
	default:
		return statusError
	}
}
