// Package telemetry exposes pipeline counters through an OpenTelemetry
// meter provider backed by a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/tiroq/fluentcap"

// Metrics implements the metric hooks of the recorder session, the
// submission pipeline and the poller.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	recordings    metric.Int64Counter
	artifactBytes metric.Int64Histogram
	uploads       metric.Int64Counter
	polls         metric.Int64Counter
	pollsSkipped  metric.Int64Counter
}

// New registers the instruments on a private registry.
func New() (*Metrics, error) {
	reg := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if m.recordings, err = meter.Int64Counter("fluentcap.recordings",
		metric.WithDescription("Finalized recordings")); err != nil {
		return nil, err
	}
	if m.artifactBytes, err = meter.Int64Histogram("fluentcap.artifact_bytes",
		metric.WithDescription("Artifact size in bytes")); err != nil {
		return nil, err
	}
	if m.uploads, err = meter.Int64Counter("fluentcap.uploads",
		metric.WithDescription("Upload attempts by result")); err != nil {
		return nil, err
	}
	if m.polls, err = meter.Int64Counter("fluentcap.polls",
		metric.WithDescription("Status observations by status")); err != nil {
		return nil, err
	}
	if m.pollsSkipped, err = meter.Int64Counter("fluentcap.polls_skipped",
		metric.WithDescription("Ticks skipped while a request was in flight")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler { return m.handler }

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error { return m.provider.Shutdown(ctx) }

func (m *Metrics) Recording(ctx context.Context, bytes int) {
	m.recordings.Add(ctx, 1)
	m.artifactBytes.Record(ctx, int64(bytes))
}

func (m *Metrics) Upload(ctx context.Context, result string, bytes int) {
	m.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) Poll(ctx context.Context, status string) {
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) PollSkipped(ctx context.Context) {
	m.pollsSkipped.Add(ctx, 1)
}
