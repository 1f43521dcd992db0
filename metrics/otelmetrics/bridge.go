// Package otelmetrics bridges the runtime metrics collector into
// OpenTelemetry. The Bridge implements metrics.Sink and forwards every
// collector update to OTEL instruments obtained from the global (or an
// injected) MeterProvider, so deployments that already export OTEL metrics
// (for example via clue.ConfigureOpenTelemetry) see runtime series alongside
// their own.
package otelmetrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"goa.design/orbit/metrics"
)

type (
	// Bridge forwards collector updates to OTEL instruments. Instruments are
	// created lazily per metric name and cached; creation failures disable the
	// instrument silently, matching the collector's never-fail contract.
	Bridge struct {
		meter metric.Meter

		mu         sync.RWMutex
		counters   map[string]metric.Float64Counter
		gauges     map[string]metric.Float64Gauge
		histograms map[string]metric.Float64Histogram
	}
)

// New constructs a Bridge using the global MeterProvider. Configure the
// provider via otel.SetMeterProvider before recording metrics.
func New() *Bridge {
	return NewWithMeter(otel.Meter("goa.design/orbit/metrics"))
}

// NewWithMeter constructs a Bridge recording through the given meter.
func NewWithMeter(meter metric.Meter) *Bridge {
	return &Bridge{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter implements metrics.Sink.
func (b *Bridge) Counter(name string, labels metrics.Labels, delta float64) {
	b.mu.RLock()
	inst, ok := b.counters[name]
	b.mu.RUnlock()
	if !ok {
		var err error
		inst, err = b.meter.Float64Counter(name)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.counters[name] = inst
		b.mu.Unlock()
	}
	inst.Add(context.Background(), delta, metric.WithAttributes(attrs(labels)...))
}

// Gauge implements metrics.Sink.
func (b *Bridge) Gauge(name string, labels metrics.Labels, value float64) {
	b.mu.RLock()
	inst, ok := b.gauges[name]
	b.mu.RUnlock()
	if !ok {
		var err error
		inst, err = b.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.gauges[name] = inst
		b.mu.Unlock()
	}
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// Histogram implements metrics.Sink.
func (b *Bridge) Histogram(name string, labels metrics.Labels, value float64) {
	b.mu.RLock()
	inst, ok := b.histograms[name]
	b.mu.RUnlock()
	if !ok {
		var err error
		inst, err = b.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.histograms[name] = inst
		b.mu.Unlock()
	}
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels metrics.Labels) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

var _ metrics.Sink = (*Bridge)(nil)
