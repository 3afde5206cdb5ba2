package observability

import (
	"maps"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry is a point-in-time reading of a single instrument.
type MetricEntry struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// instrument is what the registry stores; every kind can render itself
// as a MetricEntry.
type instrument interface {
	entry() MetricEntry
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter only goes up. The value lives in an atomic.Uint64 as float64
// bits, so Inc and Add are lock-free and lossless for fractional deltas.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	bits   atomic.Uint64
}

// Inc adds 1.
func (c *Counter) Inc() { c.Add(1) }

// Add adds delta. Negative and NaN deltas are ignored; a counter that
// went down would poison every rate() over it.
func (c *Counter) Add(delta float64) {
	if delta < 0 || math.IsNaN(delta) {
		return
	}
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current total.
func (c *Counter) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

func (c *Counter) entry() MetricEntry {
	return MetricEntry{
		Name:      c.name,
		Type:      MetricCounter,
		Help:      c.help,
		Value:     c.Value(),
		Labels:    maps.Clone(c.labels),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge moves in both directions. Same float64-bits storage as Counter;
// Set is a plain store, Add is a CAS loop.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	bits   atomic.Uint64
}

// Set replaces the value.
func (g *Gauge) Set(v float64) {
	g.bits.Store(math.Float64bits(v))
}

// Inc adds 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec subtracts 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds delta, which may be negative.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

func (g *Gauge) entry() MetricEntry {
	return MetricEntry{
		Name:      g.name,
		Type:      MetricGauge,
		Help:      g.help,
		Value:     g.Value(),
		Labels:    maps.Clone(g.labels),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into bands between sorted upper bounds.
// Band i holds observations in (bounds[i-1], bounds[i]]; anything above
// the last bound lands in overflow. Cumulative counts are computed on
// read, which keeps Observe to one binary search and one increment.
type Histogram struct {
	name   string
	help   string
	labels map[string]string

	mu       sync.Mutex
	bounds   []float64
	bands    []int64
	overflow int64
	sum      float64
	count    int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bands) {
		h.bands[i]++
	} else {
		h.overflow++
	}
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Quantile estimates the q-th quantile (0..1) by linear interpolation
// inside the band the target rank falls in. Ranks beyond the last bound
// clamp to it; an estimate can never exceed the configured range.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || q < 0 || q > 1 {
		return 0
	}

	rank := q * float64(h.count)
	var lower, cum float64
	for i, bound := range h.bounds {
		band := float64(h.bands[i])
		if cum+band >= rank {
			if band == 0 {
				return bound
			}
			return lower + (rank-cum)/band*(bound-lower)
		}
		cum += band
		lower = bound
	}
	if n := len(h.bounds); n > 0 {
		return h.bounds[n-1]
	}
	return 0
}

// BucketCounts returns the sorted upper bounds with cumulative counts,
// plus sum and total count. The +Inf bucket is the total count.
func (h *Histogram) BucketCounts() (bounds []float64, cumulative []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bounds = append([]float64(nil), h.bounds...)
	cumulative = make([]int64, len(h.bands))
	var running int64
	for i, n := range h.bands {
		running += n
		cumulative[i] = running
	}
	return bounds, cumulative, h.sum, h.count
}

func (h *Histogram) entry() MetricEntry {
	h.mu.Lock()
	count := h.count
	h.mu.Unlock()
	return MetricEntry{
		Name:      h.name,
		Type:      MetricHistogram,
		Help:      h.help,
		Value:     float64(count),
		Labels:    maps.Clone(h.labels),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry owns every instrument under one shared namespace. Safe for
// concurrent use. Registration is idempotent: asking again for a name of
// the same kind returns the registered instrument, so any component can
// resolve its handles without caring who registered first.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]instrument
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]instrument)}
}

// NewCounter registers a counter, or returns the one already registered
// under the name. A name held by a different kind yields a detached
// counter so the registered instrument is never clobbered.
func (r *Registry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[name]; ok {
		if c, ok := existing.(*Counter); ok {
			return c
		}
		return &Counter{name: name, help: help, labels: maps.Clone(labels)}
	}
	c := &Counter{name: name, help: help, labels: maps.Clone(labels)}
	r.instruments[name] = c
	return c
}

// NewGauge registers a gauge, with the same collision rules as NewCounter.
func (r *Registry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[name]; ok {
		if g, ok := existing.(*Gauge); ok {
			return g
		}
		return &Gauge{name: name, help: help, labels: maps.Clone(labels)}
	}
	g := &Gauge{name: name, help: help, labels: maps.Clone(labels)}
	r.instruments[name] = g
	return g
}

// NewHistogram registers a histogram over the given bucket upper bounds,
// with the same collision rules as NewCounter. Bounds are copied and
// sorted.
func (r *Registry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[name]; ok {
		if h, ok := existing.(*Histogram); ok {
			return h
		}
		return newHistogram(name, help, labels, buckets)
	}
	h := newHistogram(name, help, labels, buckets)
	r.instruments[name] = h
	return h
}

func newHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return &Histogram{
		name:   name,
		help:   help,
		labels: maps.Clone(labels),
		bounds: bounds,
		bands:  make([]int64, len(bounds)),
	}
}

// GetCounter returns the counter registered under name, or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, _ := r.instruments[name].(*Counter)
	return c
}

// GetGauge returns the gauge registered under name, or nil.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, _ := r.instruments[name].(*Gauge)
	return g
}

// GetHistogram returns the histogram registered under name, or nil.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, _ := r.instruments[name].(*Histogram)
	return h
}

// AllMetrics returns one entry per instrument, name-sorted for
// deterministic output.
func (r *Registry) AllMetrics() []MetricEntry {
	names, byName := r.snapshotInstruments()
	entries := make([]MetricEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, byName[name].entry())
	}
	return entries
}

// snapshotInstruments copies the instrument table under the read lock so
// callers can walk it without holding up registration.
func (r *Registry) snapshotInstruments() ([]string, map[string]instrument) {
	r.mu.RLock()
	byName := maps.Clone(r.instruments)
	r.mu.RUnlock()

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, byName
}

// -----------------------------------------------------------------------
// Default buckets
// -----------------------------------------------------------------------

// DefaultLatencyBuckets for latency histograms (in milliseconds).
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// DefaultMicroLatencyBuckets for hot-path histograms (in microseconds).
// Lot matching runs well under a millisecond per event, so the millisecond
// ladder would collapse everything into the first bucket.
var DefaultMicroLatencyBuckets = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// -----------------------------------------------------------------------
// JeetwatchMetrics creates a pre-configured registry with standard
// JEETWATCH metrics.
// -----------------------------------------------------------------------

func JeetwatchMetrics() *Registry {
	r := NewRegistry()

	// --- Counters ---
	r.NewCounter("jeetwatch_events_consumed_total",
		"Total balance-change events consumed",
		map[string]string{"topic": ""})

	r.NewCounter("jeetwatch_events_invalid_total",
		"Total balance-change events rejected by validation",
		map[string]string{"reason": ""})

	r.NewCounter("jeetwatch_trades_realized_total",
		"Total realized trades emitted by lot matching",
		nil)

	r.NewCounter("jeetwatch_jeets_flagged_total",
		"Total realized trades classified as jeets",
		nil)

	r.NewCounter("jeetwatch_lot_shortfalls_total",
		"Total disposals that exceeded tracked inventory",
		nil)

	r.NewCounter("jeetwatch_synthetic_lots_total",
		"Total synthetic zero-cost lots booked for untracked inventory",
		nil)

	r.NewCounter("jeetwatch_snapshots_published_total",
		"Total aggregate snapshots published",
		nil)

	// --- Gauges ---
	r.NewGauge("jeetwatch_open_lots",
		"Open lots across all wallet|token pairs",
		nil)

	r.NewGauge("jeetwatch_pairs_tracked",
		"Wallet|token pairs with open inventory",
		nil)

	r.NewGauge("jeetwatch_wallets_profiled",
		"Wallets with at least one realized trade",
		nil)

	r.NewGauge("jeetwatch_total_usd_lost",
		"Cumulative USD lost across flagged jeets",
		nil)

	r.NewGauge("jeetwatch_feed_clients",
		"Connected live-feed clients",
		nil)

	// --- Histograms ---
	r.NewHistogram("jeetwatch_apply_latency_us",
		"Ledger apply latency in microseconds",
		nil,
		DefaultMicroLatencyBuckets)

	r.NewHistogram("jeetwatch_snapshot_merge_latency_us",
		"Shard snapshot merge latency in microseconds",
		nil,
		DefaultMicroLatencyBuckets)

	r.NewHistogram("jeetwatch_flush_latency_ms",
		"ClickHouse batch flush latency in milliseconds",
		nil,
		DefaultLatencyBuckets)

	return r
}
