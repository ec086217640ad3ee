// Package otel wires OpenTelemetry tracing and the kb.* metric instruments
// for the knowledge base. Every span and data point carries the identity of
// the database it describes.
package otel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for knowledge-base traces.
	TracerName = "nexus-kb"
	// MeterName is the instrumentation scope name for knowledge-base metrics.
	MeterName = "nexus-kb"
	// Version is reported as service.version.
	Version = "v0.3.0"

	defaultServiceName = "nexus-kb"
	defaultEndpoint    = "localhost:4318"
)

// Resource attribute keys describing the knowledge base.
var (
	ResConfigFingerprint = attribute.Key("kb.config.fingerprint")
	ResDBName            = attribute.Key("kb.db.name")
	ResSchemaVersion     = attribute.Key("kb.schema.version")
)

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Metrics turns the kb.* instruments on or off. Unset follows Enabled.
	Metrics *bool `yaml:"metrics,omitempty"`
}

// MetricsEnabled reports whether the kb.* instruments should record.
func (c Config) MetricsEnabled() bool {
	if !c.Enabled {
		return false
	}
	return c.Metrics == nil || *c.Metrics
}

// Settings is everything Init needs: the telemetry config plus the
// knowledge base it is reporting on.
type Settings struct {
	Config            Config
	ConfigFingerprint string
	DBPath            string
	SchemaVersion     int
}

func (s Settings) attributes() []attribute.KeyValue {
	name := s.Config.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
		ResSchemaVersion.Int(s.SchemaVersion),
	}
	if s.ConfigFingerprint != "" {
		attrs = append(attrs, ResConfigFingerprint.String(s.ConfigFingerprint))
	}
	if s.DBPath != "" {
		attrs = append(attrs, ResDBName.String(filepath.Base(s.DBPath)))
	}
	return attrs
}

// Provider hands out the tracer and metric instruments for one process.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	Resource *resource.Resource

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the provider described by s. Tracing follows Config.Enabled
// and the kb.* instruments follow Config.MetricsEnabled; whatever is off is
// a no-op. The provider must be shut down on exit.
func Init(ctx context.Context, s Settings) (*Provider, error) {
	p := &Provider{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:   noop.NewMeterProvider().Meter(MeterName),
		Metrics: NoopMetrics(),
	}
	if !s.Config.Enabled {
		return p, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(s.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	p.Resource = res

	exporter, err := spanExporter(ctx, s.Config)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	rate := s.Config.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(TracerName)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	if s.Config.MetricsEnabled() {
		p.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(p.reader),
		)
		p.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(Version))
		p.shutdown = append(p.shutdown, mp.Shutdown)

		m, err := NewMetrics(p.Meter)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("create kb metrics: %w", err)
		}
		p.Metrics = m
	}
	return p, nil
}

// Collect snapshots the kb.* instruments. It returns false when metrics
// are off.
func (p *Provider) Collect(ctx context.Context) (metricdata.ResourceMetrics, bool, error) {
	var rm metricdata.ResourceMetrics
	if p.reader == nil {
		return rm, false, nil
	}
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return rm, false, fmt.Errorf("collect kb metrics: %w", err)
	}
	return rm, true, nil
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// Shutdown flushes spans and stops the meter. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	p.reader = nil
	return errors.Join(errs...)
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// discardExporter drops every span.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                           { return nil }
