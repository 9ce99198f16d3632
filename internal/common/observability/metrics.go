package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Observability holds the OpenTelemetry instruments for Zeebe job handling.
// They are exported through the default Prometheus registry next to the
// promauto collectors, so one /metrics scrape sees both.
type Observability struct {
	meterProvider *metric.MeterProvider
	jobCounter    otelmetric.Int64Counter
	jobDuration   otelmetric.Float64Histogram
	jobsInFlight  otelmetric.Int64UpDownCounter
}

func New(serviceName string) (*Observability, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("entitlement-delivery/jobs")

	o := &Observability{meterProvider: provider}
	if o.jobCounter, err = meter.Int64Counter("delivery.jobs.processed",
		otelmetric.WithDescription("Zeebe jobs handled, by task type and outcome")); err != nil {
		return o, err
	}
	if o.jobDuration, err = meter.Float64Histogram("delivery.jobs.duration",
		otelmetric.WithDescription("Zeebe job handling time"),
		otelmetric.WithUnit("ms")); err != nil {
		return o, err
	}
	if o.jobsInFlight, err = meter.Int64UpDownCounter("delivery.jobs.in_flight",
		otelmetric.WithDescription("Zeebe jobs currently being handled")); err != nil {
		return o, err
	}
	return o, nil
}

// JobStarted marks a job as in flight and returns the func that clears it.
// A nil receiver is a no-op.
func (o *Observability) JobStarted(ctx context.Context, taskType string) func() {
	if o == nil || o.jobsInFlight == nil {
		return func() {}
	}
	attrs := otelmetric.WithAttributes(attribute.String("task_type", taskType))
	o.jobsInFlight.Add(ctx, 1, attrs)
	return func() { o.jobsInFlight.Add(ctx, -1, attrs) }
}

// RecordJob records one handled job. A nil receiver is a no-op.
func (o *Observability) RecordJob(ctx context.Context, taskType, status string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	if o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, attrs)
	}
	if o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.meterProvider == nil {
		return nil
	}
	return o.meterProvider.Shutdown(ctx)
}
