// Package observability wires the global OpenTelemetry providers for the
// daemon: OTLP trace and metric export plus the counters the sweep loop
// records. The rest of the codebase only ever talks to the otel globals, so
// a disabled provider leaves every span and counter as a cheap no-op.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC endpoint. Empty disables export
	// entirely; spans and metrics then cost nothing.
	OTLPEndpoint string
	// SampleRate is the trace sampling ratio in [0,1]. Values at or above 1
	// sample everything, at or below 0 nothing.
	SampleRate   float64
	BatchTimeout time.Duration
	Insecure     bool
}

// DefaultConfig returns the development defaults: sample everything, no
// export endpoint.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "haltline",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers plus the daemon counters.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger

	sweeps  metric.Int64Counter
	freezes metric.Int64Counter
}

// New builds a Provider and installs it as the global OpenTelemetry setup.
// An empty OTLP endpoint yields a provider whose record methods are no-ops.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = def.ServiceVersion
	}
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}

	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if cfg.OTLPEndpoint == "" {
		p.logger.Info("telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(samplerFor(p.cfg.SampleRate)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := otel.Meter("haltline")
	p.sweeps, err = meter.Int64Counter("haltline.sweeps.total",
		metric.WithDescription("Enforcement sweeps run"),
		metric.WithUnit("{sweep}"))
	if err != nil {
		return err
	}
	p.freezes, err = meter.Int64Counter("haltline.freezes.total",
		metric.WithDescription("Auto-freezes triggered by the sweep"),
		metric.WithUnit("{freeze}"))
	return err
}

// samplerFor maps a sample rate onto a trace sampler.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// RecordSweep counts one sweep outcome. Safe on a disabled provider.
func (p *Provider) RecordSweep(ctx context.Context, action string, froze bool) {
	if p.sweeps == nil {
		return
	}
	p.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	if froze {
		p.freezes.Add(ctx, 1)
	}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
