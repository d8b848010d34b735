package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// contextAttrs lists the attributes a TraceHandler copies from the context into every record.
var contextAttrs = []func(ctx context.Context) []slog.Attr{
	func(ctx context.Context) []slog.Attr {
		spanCtx := trace.SpanContextFromContext(ctx)
		if !spanCtx.IsValid() {
			return nil
		}

		return []slog.Attr{
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		}
	},
	stringAttr("download_id", DownloadIDFromContext),
	stringAttr("request_id", RequestIDFromContext),
}

func stringAttr(key string, from func(context.Context) (string, bool)) func(context.Context) []slog.Attr {
	return func(ctx context.Context) []slog.Attr {
		if v, ok := from(ctx); ok {
			return []slog.Attr{slog.String(key, v)}
		}

		return nil
	}
}

// TraceHandler is an slog.Handler that adds the trace and span ids of the current
// OpenTelemetry span, and the download and request ids carried in the context, to each record.
type TraceHandler struct {
	inner slog.Handler
}

// NewTraceHandler wraps h. It panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{inner: h}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, attrs := range contextAttrs {
		r.AddAttrs(attrs(ctx)...)
	}

	return h.inner.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{inner: h.inner.WithGroup(name)}
}
