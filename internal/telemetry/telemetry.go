package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/italolelis/media_downloader/internal/logctx"
)

const systemMetricsInterval = 15 * time.Second

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter
	diskPath       string

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// USE Metrics (Utilization, Saturation, Errors)
	cpuUsage       metric.Float64Gauge
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	diskUsage      metric.Int64Gauge

	// Business Metrics
	downloadsTotal          metric.Int64Counter
	downloadsActive         metric.Int64UpDownCounter
	downloadsWaiting        metric.Int64UpDownCounter
	downloadDuration        metric.Float64Histogram
	downloadBytes           metric.Int64Counter
	concurrencyLimit        metric.Int64Gauge
	providerOperationsTotal metric.Int64Counter
	providerErrors          metric.Int64Counter
	dbOperationsTotal       metric.Int64Counter
	dbOperationDuration     metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP gRPC collector.
	OTLPEndpoint string
	// DiskPath is the path whose file system usage is reported.
	DiskPath string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; the provider exists so logs carry trace and span ids.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
		diskPath:       cfg.DiskPath,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records a finished download with its terminal status.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// IncrementWaitingDownloads increments the number of downloads waiting for admission.
func (t *Telemetry) IncrementWaitingDownloads() {
	if t != nil && t.downloadsWaiting != nil {
		t.downloadsWaiting.Add(context.Background(), 1)
	}
}

// DecrementWaitingDownloads decrements the number of downloads waiting for admission.
func (t *Telemetry) DecrementWaitingDownloads() {
	if t != nil && t.downloadsWaiting != nil {
		t.downloadsWaiting.Add(context.Background(), -1)
	}
}

// RecordDownloadedBytes adds n fetched bytes.
func (t *Telemetry) RecordDownloadedBytes(n int64) {
	if t != nil && t.downloadBytes != nil && n > 0 {
		t.downloadBytes.Add(context.Background(), n)
	}
}

// RecordConcurrencyLimit records the current admission limit.
func (t *Telemetry) RecordConcurrencyLimit(limit int) {
	if t != nil && t.concurrencyLimit != nil {
		t.concurrencyLimit.Record(context.Background(), int64(limit))
	}
}

// RecordProviderOperation records stream provider operation metrics.
func (t *Telemetry) RecordProviderOperation(provider, operation, status string) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.providerOperationsTotal != nil {
		t.providerOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if status == statusError && t.providerErrors != nil {
		t.providerErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter and tracer providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		errs = append(errs, mp.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// instrumentBuilder creates instruments on one meter and collects the errors.
type instrumentBuilder struct {
	meter metric.Meter
	errs  []error
}

func (b *instrumentBuilder) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s: %w", name, err))
	}
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.check(name, err)

	return c
}

func (b *instrumentBuilder) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.check(name, err)

	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.check(name, err)

	return h
}

func (b *instrumentBuilder) intGauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.check(name, err)

	return g
}

func (b *instrumentBuilder) floatGauge(name, desc, unit string) metric.Float64Gauge {
	g, err := b.meter.Float64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.check(name, err)

	return g
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	b := &instrumentBuilder{meter: t.meter}

	// RED
	t.httpRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests", "1")
	t.httpRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request duration in seconds", "s")
	t.httpRequestsInFlight = b.upDownCounter("http_requests_in_flight", "Number of HTTP requests currently being processed", "1")

	// USE
	t.cpuUsage = b.floatGauge("cpu_usage_percent", "Host CPU usage percentage", "%")
	t.memoryUsage = b.intGauge("memory_usage_bytes", "Heap memory in use in bytes", "bytes")
	t.goroutineCount = b.intGauge("goroutine_count", "Number of goroutines", "1")
	t.diskUsage = b.intGauge("disk_usage_bytes", "Used bytes on the download file system", "bytes")

	// Downloads
	t.downloadsTotal = b.counter("downloads_total", "Total number of finished downloads by terminal status", "1")
	t.downloadsActive = b.upDownCounter("downloads_active", "Number of admitted downloads", "1")
	t.downloadsWaiting = b.upDownCounter("downloads_waiting", "Number of downloads waiting for admission", "1")
	t.downloadDuration = b.histogram("download_duration_seconds", "Download duration in seconds", "s")
	t.downloadBytes = b.counter("download_bytes_total", "Total number of stream bytes fetched", "bytes")
	t.concurrencyLimit = b.intGauge("download_concurrency_limit", "Current maximum number of concurrent downloads", "1")
	t.providerOperationsTotal = b.counter("provider_operations_total", "Total number of stream provider operations", "1")
	t.providerErrors = b.counter("provider_errors_total", "Total number of stream provider errors", "1")
	t.dbOperationsTotal = b.counter("db_operations_total", "Total number of history database operations", "1")
	t.dbOperationDuration = b.histogram("db_operation_duration_seconds", "History database operation duration in seconds", "s")

	// System
	t.systemErrors = b.counter("system_errors_total", "Total number of system errors", "1")
	t.systemUptime = b.floatGauge("system_uptime_seconds", "System uptime in seconds", "s")

	return errors.Join(b.errs...)
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(ctx, startTime)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func (t *Telemetry) updateSystemMetrics(ctx context.Context, startTime time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(ctx, int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(ctx, int64(runtime.NumGoroutine()))
	}

	if t.cpuUsage != nil {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			logger.DebugContext(ctx, "failed to read cpu usage", "err", err)
		} else if len(percents) > 0 {
			t.cpuUsage.Record(ctx, percents[0])
		}
	}

	if t.diskUsage != nil && t.diskPath != "" {
		usage, err := disk.UsageWithContext(ctx, t.diskPath)
		if err != nil {
			logger.DebugContext(ctx, "failed to read disk usage", "path", t.diskPath, "err", err)
		} else {
			t.diskUsage.Record(ctx, int64(usage.Used), metric.WithAttributes(attribute.String("path", t.diskPath)))
		}
	}

	if t.systemUptime != nil {
		t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
	}
}
