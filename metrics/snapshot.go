package metrics

import (
	"math"
	"sort"
)

type (
	// Snapshot is a point-in-time copy of every series in the collector.
	// Series within each slice are sorted by canonical key so snapshots are
	// deterministic and diffable.
	Snapshot struct {
		// Counters holds every counter series.
		Counters []CounterPoint
		// Gauges holds every gauge series.
		Gauges []GaugePoint
		// Histograms holds every histogram series.
		Histograms []HistogramPoint
	}

	// CounterPoint is the snapshot of one counter series.
	CounterPoint struct {
		Name   string
		Labels Labels
		Value  int64
	}

	// GaugePoint is the snapshot of one gauge series.
	GaugePoint struct {
		Name   string
		Labels Labels
		Value  float64
	}

	// HistogramPoint is the snapshot of one histogram series. Buckets holds
	// the per-bucket observation counts; the final entry counts observations
	// above every declared bound.
	HistogramPoint struct {
		Name   string
		Labels Labels
		// Bounds are the bucket upper bounds (le semantics).
		Bounds []float64
		// Buckets are the observation counts per bucket, len(Bounds)+1 long.
		Buckets []uint64
		// Sum is the total of all observed values.
		Sum float64
		// Count is the total number of observations.
		Count uint64
	}
)

// Snapshot returns a deep copy of the collector's current state. The snapshot
// is independent of further mutation.
func (c *Collector) Snapshot() Snapshot {
	var snap Snapshot
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, series := range s.counters {
			snap.Counters = append(snap.Counters, CounterPoint{
				Name:   series.name,
				Labels: cloneLabels(series.labels),
				Value:  series.value.Load(),
			})
		}
		for _, series := range s.gauges {
			snap.Gauges = append(snap.Gauges, GaugePoint{
				Name:   series.name,
				Labels: cloneLabels(series.labels),
				Value:  math.Float64frombits(series.bits.Load()),
			})
		}
		for _, series := range s.histograms {
			buckets := make([]uint64, len(series.buckets))
			for j := range series.buckets {
				buckets[j] = series.buckets[j].Load()
			}
			snap.Histograms = append(snap.Histograms, HistogramPoint{
				Name:    series.name,
				Labels:  cloneLabels(series.labels),
				Bounds:  append([]float64(nil), series.bounds...),
				Buckets: buckets,
				Sum:     math.Float64frombits(series.sumBits.Load()),
				Count:   series.count.Load(),
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(snap.Counters, func(i, j int) bool {
		return pointLess(snap.Counters[i].Name, snap.Counters[i].Labels, snap.Counters[j].Name, snap.Counters[j].Labels)
	})
	sort.Slice(snap.Gauges, func(i, j int) bool {
		return pointLess(snap.Gauges[i].Name, snap.Gauges[i].Labels, snap.Gauges[j].Name, snap.Gauges[j].Labels)
	})
	sort.Slice(snap.Histograms, func(i, j int) bool {
		return pointLess(snap.Histograms[i].Name, snap.Histograms[i].Labels, snap.Histograms[j].Name, snap.Histograms[j].Labels)
	})
	return snap
}

// Counter returns the value of the named counter series, or zero when the
// series does not exist.
func (c *Collector) Counter(name string, labels Labels) int64 {
	key := seriesKey(name, labels)
	s := c.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if series, ok := s.counters[key]; ok {
		return series.value.Load()
	}
	return 0
}

// Gauge returns the value of the named gauge series and whether it exists.
func (c *Collector) Gauge(name string, labels Labels) (float64, bool) {
	key := seriesKey(name, labels)
	s := c.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if series, ok := s.gauges[key]; ok {
		return math.Float64frombits(series.bits.Load()), true
	}
	return 0, false
}

func pointLess(an string, al Labels, bn string, bl Labels) bool {
	return seriesKey(an, al) < seriesKey(bn, bl)
}
