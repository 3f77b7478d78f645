// Package telemetry wires the mirror's OpenTelemetry metrics into a single
// process-wide Metrics instance. Storage backend operations and upstream
// fetches report through it; the project-sync, file-download and
// verify-run instruments are defined here, but nothing outside this
// package's tests records to them.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/pypa/bandersnatch-go"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	projectsSyncedTotal  metric.Int64Counter
	projectsFailedTotal  metric.Int64Counter
	filesDownloadedTotal metric.Int64Counter
	bytesDownloadedTotal metric.Int64Counter
	downloadRetriesTotal metric.Int64Counter
	pipelineDuration     metric.Float64Histogram

	verifyRepairsTotal metric.Int64Counter
	verifyDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bandersnatch"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	backendRequestDuration, err := meter.Float64Histogram(
		"bandersnatch_backend_request_duration_seconds",
		metric.WithDescription("Duration of storage backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"bandersnatch_backend_requests_total",
		metric.WithDescription("Total number of storage backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"bandersnatch_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in storage backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"bandersnatch_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"bandersnatch_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"bandersnatch_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	projectsSyncedTotal, err := meter.Int64Counter(
		"bandersnatch_projects_synced_total",
		metric.WithDescription("Total projects successfully synced"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		return err
	}

	projectsFailedTotal, err := meter.Int64Counter(
		"bandersnatch_projects_failed_total",
		metric.WithDescription("Total projects that failed to sync after retries"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		return err
	}

	filesDownloadedTotal, err := meter.Int64Counter(
		"bandersnatch_files_downloaded_total",
		metric.WithDescription("Total release files downloaded"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	bytesDownloadedTotal, err := meter.Int64Counter(
		"bandersnatch_bytes_downloaded_total",
		metric.WithDescription("Total bytes downloaded for release files"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	downloadRetriesTotal, err := meter.Int64Counter(
		"bandersnatch_download_retries_total",
		metric.WithDescription("Total download retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	pipelineDuration, err := meter.Float64Histogram(
		"bandersnatch_pipeline_duration_seconds",
		metric.WithDescription("Duration of a single project pipeline run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	verifyRepairsTotal, err := meter.Int64Counter(
		"bandersnatch_verify_repairs_total",
		metric.WithDescription("Total files repaired or removed by verify"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	verifyDuration, err := meter.Float64Histogram(
		"bandersnatch_verify_duration_seconds",
		metric.WithDescription("Duration of a verify pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		backendBytesTotal:       backendBytesTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		projectsSyncedTotal:     projectsSyncedTotal,
		projectsFailedTotal:     projectsFailedTotal,
		filesDownloadedTotal:    filesDownloadedTotal,
		bytesDownloadedTotal:    bytesDownloadedTotal,
		downloadRetriesTotal:    downloadRetriesTotal,
		pipelineDuration:        pipelineDuration,
		verifyRepairsTotal:      verifyRepairsTotal,
		verifyDuration:          verifyDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, protocol string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("protocol", protocol),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordProjectSync records the outcome of syncing one project through the
// pipeline, and the wall time the pipeline run took.
func RecordProjectSync(ctx context.Context, ok bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	if ok {
		globalMetrics.projectsSyncedTotal.Add(ctx, 1)
	} else {
		globalMetrics.projectsFailedTotal.Add(ctx, 1)
	}
	globalMetrics.pipelineDuration.Record(ctx, duration.Seconds())
}

// RecordFileDownload records a single release file download.
func RecordFileDownload(ctx context.Context, bytes int64, retries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.filesDownloadedTotal.Add(ctx, 1)
	globalMetrics.bytesDownloadedTotal.Add(ctx, bytes)
	if retries > 0 {
		globalMetrics.downloadRetriesTotal.Add(ctx, int64(retries))
	}
}

// RecordVerifyRun records one verify pass: how many files it repaired or
// deleted, and how long the pass took end-to-end.
func RecordVerifyRun(ctx context.Context, repaired int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	if repaired > 0 {
		globalMetrics.verifyRepairsTotal.Add(ctx, int64(repaired))
	}
	globalMetrics.verifyDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
