// Package metrics implements a concurrency-safe metrics collector for the
// runtime: monotonic counters, gauges, bucketed histograms, and timers, all
// keyed by name plus a canonicalized label set.
//
// The collector is designed for high-contention update paths: series are
// sharded by a hash of their canonical key, counter and gauge updates are a
// read-locked map lookup followed by a single atomic operation, and histogram
// observations touch only per-series atomics. Snapshots are point-in-time deep
// copies, independent of further mutation.
//
// Metric operations never return errors. Misuse (negative counter deltas,
// unsorted bucket boundaries) is logged once per series and ignored.
//
// An optional Sink receives every update as it happens; the otelmetrics
// subpackage provides a Sink that forwards to OpenTelemetry instruments.
package metrics

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/orbit/telemetry"
)

// DefaultBuckets are the histogram bucket upper bounds used when a histogram
// is first observed without a prior DeclareHistogram call. Values are seconds.
var DefaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

const shardCount = 16

type (
	// Labels are the dimension key/value pairs attached to a series. Two label
	// maps with the same pairs identify the same series regardless of order.
	Labels map[string]string

	// Sink receives every collector update as it happens. Implementations must
	// be thread-safe and fast; the collector invokes them inline on the update
	// path. A nil sink disables forwarding.
	Sink interface {
		// Counter forwards a counter increment.
		Counter(name string, labels Labels, delta float64)
		// Gauge forwards a gauge set.
		Gauge(name string, labels Labels, value float64)
		// Histogram forwards a histogram observation.
		Histogram(name string, labels Labels, value float64)
	}

	// Collector records counters, gauges, histograms, and timers. It is safe
	// for concurrent use; the zero value is not usable, construct with New.
	Collector struct {
		shards   [shardCount]shard
		sink     Sink
		logger   telemetry.Logger
		declared sync.Map // name -> []float64 bucket bounds
		warned   sync.Map // series key -> struct{}, for log-once misuse
	}

	// Option customizes a Collector.
	Option func(*Collector)

	// Timer measures elapsed time and records it into a histogram on Stop.
	Timer struct {
		c      *Collector
		name   string
		labels Labels
		start  time.Time
		once   sync.Once
	}

	shard struct {
		mu         sync.RWMutex
		counters   map[string]*counterSeries
		gauges     map[string]*gaugeSeries
		histograms map[string]*histogramSeries
	}

	counterSeries struct {
		name   string
		labels Labels
		value  atomic.Int64
	}

	gaugeSeries struct {
		name   string
		labels Labels
		bits   atomic.Uint64
	}

	histogramSeries struct {
		name    string
		labels  Labels
		bounds  []float64
		buckets []atomic.Uint64
		sumBits atomic.Uint64
		count   atomic.Uint64
	}
)

// WithSink forwards every update to the given sink.
func WithSink(s Sink) Option {
	return func(c *Collector) { c.sink = s }
}

// WithLogger sets the logger used for misuse warnings. Defaults to noop.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New constructs an empty Collector.
func New(opts ...Option) *Collector {
	c := &Collector{logger: telemetry.NewNoopLogger()}
	for i := range c.shards {
		c.shards[i].counters = make(map[string]*counterSeries)
		c.shards[i].gauges = make(map[string]*gaugeSeries)
		c.shards[i].histograms = make(map[string]*histogramSeries)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Default returns the process-wide collector, creating it on first use. The
// default instance has no sink and a noop logger; applications that need
// either should construct their own Collector and inject it instead.
func Default() *Collector {
	defaultOnce.Do(func() { defaultCollector = New() })
	return defaultCollector
}

// IncCounter adds delta to the named counter series. Negative deltas violate
// counter monotonicity and are dropped (logged once per series).
func (c *Collector) IncCounter(name string, labels Labels, delta int64) {
	key := seriesKey(name, labels)
	if delta < 0 {
		c.warnOnce(key, "negative counter delta dropped", "metric", name)
		return
	}
	s := c.shard(key)
	s.mu.RLock()
	series, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if series, ok = s.counters[key]; !ok {
			series = &counterSeries{name: name, labels: cloneLabels(labels)}
			s.counters[key] = series
		}
		s.mu.Unlock()
	}
	series.value.Add(delta)
	if c.sink != nil {
		c.sink.Counter(name, labels, float64(delta))
	}
}

// SetGauge sets the named gauge series to value.
func (c *Collector) SetGauge(name string, labels Labels, value float64) {
	key := seriesKey(name, labels)
	s := c.shard(key)
	s.mu.RLock()
	series, ok := s.gauges[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if series, ok = s.gauges[key]; !ok {
			series = &gaugeSeries{name: name, labels: cloneLabels(labels)}
			s.gauges[key] = series
		}
		s.mu.Unlock()
	}
	series.bits.Store(math.Float64bits(value))
	if c.sink != nil {
		c.sink.Gauge(name, labels, value)
	}
}

// Observe records value into the named histogram series. The bucket layout is
// taken from a prior DeclareHistogram call or DefaultBuckets on first use.
func (c *Collector) Observe(name string, labels Labels, value float64) {
	key := seriesKey(name, labels)
	s := c.shard(key)
	s.mu.RLock()
	series, ok := s.histograms[key]
	s.mu.RUnlock()
	if !ok {
		bounds := c.bucketsFor(name)
		s.mu.Lock()
		if series, ok = s.histograms[key]; !ok {
			series = &histogramSeries{
				name:    name,
				labels:  cloneLabels(labels),
				bounds:  bounds,
				buckets: make([]atomic.Uint64, len(bounds)+1),
			}
			s.histograms[key] = series
		}
		s.mu.Unlock()
	}
	series.observe(value)
	if c.sink != nil {
		c.sink.Histogram(name, labels, value)
	}
}

// StartTimer starts a timer whose Stop records elapsed seconds into the named
// histogram series. Stop is idempotent.
func (c *Collector) StartTimer(name string, labels Labels) *Timer {
	return &Timer{c: c, name: name, labels: labels, start: time.Now()}
}

// Stop records the elapsed time since StartTimer into the matching histogram
// and returns the measured duration. Subsequent calls return the original
// duration without recording again.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.once.Do(func() {
		t.c.Observe(t.name, t.labels, d.Seconds())
	})
	return d
}

// DeclareHistogram registers the bucket upper bounds used for future series of
// the named histogram. Bounds must be strictly increasing; invalid bounds are
// logged once and ignored, leaving the default layout in place. Declaring has
// no effect on series that already exist.
func (c *Collector) DeclareHistogram(name string, bounds []float64) {
	if !sort.Float64sAreSorted(bounds) || hasDuplicates(bounds) {
		c.warnOnce("declare:"+name, "invalid histogram bounds ignored", "metric", name)
		return
	}
	c.declared.Store(name, append([]float64(nil), bounds...))
}

func (c *Collector) bucketsFor(name string) []float64 {
	if v, ok := c.declared.Load(name); ok {
		return v.([]float64)
	}
	return DefaultBuckets
}

func (c *Collector) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key)) // nolint: errcheck
	return &c.shards[h.Sum32()%shardCount]
}

func (c *Collector) warnOnce(key, msg string, keyvals ...any) {
	if _, loaded := c.warned.LoadOrStore(key, struct{}{}); !loaded {
		c.logger.Warn(context.Background(), msg, keyvals...)
	}
}

func (h *histogramSeries) observe(value float64) {
	i := sort.SearchFloat64s(h.bounds, value)
	// SearchFloat64s returns the first bound >= value, which is exactly the
	// le-style bucket the observation belongs to; values above every bound
	// land in the overflow bucket at len(bounds).
	h.buckets[i].Add(1)
	h.count.Add(1)
	for {
		old := h.sumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + value)
		if h.sumBits.CompareAndSwap(old, next) {
			return
		}
	}
}

// seriesKey canonicalizes name plus labels into a stable series identifier by
// sorting label keys.
func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func cloneLabels(labels Labels) Labels {
	if len(labels) == 0 {
		return nil
	}
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func hasDuplicates(bounds []float64) bool {
	for i := 1; i < len(bounds); i++ {
		if bounds[i] == bounds[i-1] {
			return true
		}
	}
	return false
}
