package metrics

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests  metric.Int64Counter
	HTTPDuration  metric.Float64Histogram
	StoreOps      metric.Int64Counter
	StoreErrors   metric.Int64Counter
	StoreDuration metric.Float64Histogram
	StoreHits     metric.Int64Counter
	StoreMisses   metric.Int64Counter
}

// Setup creates the meter provider and returns the instruments together with
// the /metrics handler. Each call uses its own Prometheus registry.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"stash_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"stash_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreOps, err = meter.Int64Counter(
		"stash_store_operations_total",
		metric.WithDescription("Total number of store operations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreErrors, err = meter.Int64Counter(
		"stash_store_errors_total",
		metric.WithDescription("Total number of failed store operations by error kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreDuration, err = meter.Float64Histogram(
		"stash_store_duration_seconds",
		metric.WithDescription("Store operation duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreHits, err = meter.Int64Counter(
		"stash_store_hits_total",
		metric.WithDescription("Total number of reads that found a live entry"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StoreMisses, err = meter.Int64Counter(
		"stash_store_misses_total",
		metric.WithDescription("Total number of reads of absent or expired keys"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

// RecordStoreOp records one store call. errKind is empty on success.
func (m *Metrics) RecordStoreOp(ctx context.Context, op, errKind string, duration time.Duration) {
	outcome := "ok"
	if errKind != "" {
		outcome = "error"
		m.StoreErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", errKind),
		))
	}

	labels := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.StoreOps.Add(ctx, 1, labels)
	m.StoreDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordStoreHit(ctx context.Context) {
	m.StoreHits.Add(ctx, 1)
}

func (m *Metrics) RecordStoreMiss(ctx context.Context) {
	m.StoreMisses.Add(ctx, 1)
}
