package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the knowledge-base metric instruments.
type Metrics struct {
	StoreDuration        metric.Float64Histogram
	CacheHits            metric.Int64Counter
	CacheMisses          metric.Int64Counter
	EvidenceBytes        metric.Int64Counter
	ArtifactBytes        metric.Int64Counter
	OperationTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StoreDuration, err = meter.Float64Histogram("kb.store.duration",
		metric.WithDescription("Knowledge base storage call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("kb.cache.hits",
		metric.WithDescription("Result cache lookups answered by an unexpired generation"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("kb.cache.misses",
		metric.WithDescription("Result cache lookups with no unexpired generation"),
	)
	if err != nil {
		return nil, err
	}

	m.EvidenceBytes, err = meter.Int64Counter("kb.evidence.bytes",
		metric.WithDescription("Serialized evidence payload bytes appended"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactBytes, err = meter.Int64Counter("kb.artifact.bytes",
		metric.WithDescription("File artifact bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationTransitions, err = meter.Int64Counter("kb.operation.transitions",
		metric.WithDescription("Operation status changes, by target status"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The no-op meter never fails to create instruments.
		panic(err)
	}
	return m
}
