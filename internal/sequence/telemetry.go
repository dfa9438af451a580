package sequence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "messageexchange/api/internal/sequence"

// FloorFunc returns the highest sequence number already stored for a tenant,
// or 0 when it has none.
type FloorFunc func(ctx context.Context, tenant TenantKey) (int64, error)

// Option configures an allocator.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	floor          FloorFunc
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithFloor sets where a missing Redis counter is seeded from. Without it a
// missing counter starts again at 1.
func WithFloor(floor FloorFunc) Option {
	return func(o *options) { o.floor = floor }
}

func buildOptions(opts []Option) options {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type instruments struct {
	tracer      trace.Tracer
	allocations metric.Int64Counter
	conflicts   metric.Int64Counter
}

func (o options) instruments() instruments {
	inst := instruments{
		tracer:      o.tracerProvider.Tracer(instrumentationName),
		allocations: noop.Int64Counter{},
		conflicts:   noop.Int64Counter{},
	}
	meter := o.meterProvider.Meter(instrumentationName)
	if counter, err := meter.Int64Counter(
		"sequence.allocations",
		metric.WithDescription("Sequence numbers handed out"),
		metric.WithUnit("{allocation}"),
	); err == nil {
		inst.allocations = counter
	}
	if counter, err := meter.Int64Counter(
		"sequence.allocation.conflicts",
		metric.WithDescription("Allocation attempts retried after a transient storage error"),
		metric.WithUnit("{conflict}"),
	); err == nil {
		inst.conflicts = counter
	}
	return inst
}

func tenantAttributes(tenant TenantKey, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tenant.namespace", tenant.Namespace),
		attribute.String("tenant.municipality_id", tenant.MunicipalityID),
		attribute.String("sequence.backend", backend),
	}
}
