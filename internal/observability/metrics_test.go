package observability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAddAndInc(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("requests_total", "Total requests", nil)

	c.Inc()
	c.Inc()
	c.Add(2.5)

	assert.InDelta(t, 4.5, c.Value(), 1e-9)
}

func TestCounterIgnoresNegativeDelta(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("requests_total", "Total requests", nil)

	c.Add(3)
	c.Add(-1)

	assert.Equal(t, 3.0, c.Value())
}

func TestCounterConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("requests_total", "Total requests", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	// Integer increments are exact in float64 up to 2^53.
	assert.Equal(t, 8000.0, c.Value())
}

func TestGaugeSetAddIncDec(t *testing.T) {
	r := NewRegistry()
	g := r.NewGauge("queue_depth", "Current depth", nil)

	g.Set(10)
	g.Add(5)
	g.Inc()
	g.Dec()
	g.Add(-3)

	assert.Equal(t, 12.0, g.Value())
}

func TestGaugeConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	g := r.NewGauge("queue_depth", "Current depth", nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				g.Inc()
			}
			for j := 0; j < 500; j++ {
				g.Dec()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0.0, g.Value())
}

func TestHistogramBandsAndCumulative(t *testing.T) {
	r := NewRegistry()
	h := r.NewHistogram("latency_ms", "Latency", nil, []float64{10, 50, 100})

	h.Observe(5)   // lands in (_, 10]
	h.Observe(10)  // bound is inclusive, still (_, 10]
	h.Observe(30)  // (10, 50]
	h.Observe(99)  // (50, 100]
	h.Observe(500) // overflow

	bounds, cumulative, sum, count := h.BucketCounts()
	require.Equal(t, []float64{10, 50, 100}, bounds)
	assert.Equal(t, []int64{2, 3, 4}, cumulative)
	assert.Equal(t, 644.0, sum)
	assert.Equal(t, int64(5), count)
	assert.Equal(t, int64(5), h.Count())
	assert.Equal(t, 644.0, h.Sum())
}

func TestHistogramQuantile(t *testing.T) {
	r := NewRegistry()
	h := r.NewHistogram("latency_ms", "Latency", nil, []float64{10, 20, 40})

	// Ten observations split evenly across the first two bands.
	for i := 0; i < 5; i++ {
		h.Observe(5)
	}
	for i := 0; i < 5; i++ {
		h.Observe(15)
	}

	// The median rank lands exactly on the first band's upper bound.
	assert.InDelta(t, 10, h.Quantile(0.5), 0.001)
	// p90 interpolates inside the second band.
	q90 := h.Quantile(0.9)
	assert.Greater(t, q90, 10.0)
	assert.LessOrEqual(t, q90, 20.0)
}

func TestHistogramQuantileEdgeCases(t *testing.T) {
	r := NewRegistry()
	h := r.NewHistogram("latency_ms", "Latency", nil, []float64{10, 100})

	assert.Equal(t, 0.0, h.Quantile(0.5), "empty histogram")

	h.Observe(5000)
	assert.Equal(t, 100.0, h.Quantile(0.99), "overflow clamps to the last bound")
	assert.Equal(t, 0.0, h.Quantile(1.5), "out-of-range q")
}

func TestHistogramSortsBounds(t *testing.T) {
	r := NewRegistry()
	h := r.NewHistogram("latency_ms", "Latency", nil, []float64{100, 10, 50})

	bounds, _, _, _ := h.BucketCounts()
	assert.Equal(t, []float64{10, 50, 100}, bounds)
}

func TestRegistryIdempotentRegistration(t *testing.T) {
	r := NewRegistry()

	first := r.NewCounter("dup_total", "help", nil)
	second := r.NewCounter("dup_total", "other help", nil)
	require.Same(t, first, second)

	second.Inc()
	assert.Equal(t, 1.0, first.Value())
}

func TestRegistryKindCollisionReturnsDetached(t *testing.T) {
	r := NewRegistry()

	c := r.NewCounter("clash", "a counter", nil)
	g := r.NewGauge("clash", "a gauge", nil)

	// The gauge is usable but never registered.
	g.Set(42)
	assert.Nil(t, r.GetGauge("clash"))
	require.NotNil(t, r.GetCounter("clash"))
	assert.Same(t, c, r.GetCounter("clash"))

	entries := r.AllMetrics()
	require.Len(t, entries, 1)
	assert.Equal(t, MetricCounter, entries[0].Type)
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.GetCounter("nope"))
	assert.Nil(t, r.GetGauge("nope"))
	assert.Nil(t, r.GetHistogram("nope"))
}

func TestRegistryAllMetricsNameSorted(t *testing.T) {
	r := NewRegistry()
	r.NewGauge("zz_gauge", "", nil)
	r.NewCounter("aa_counter", "", nil)
	r.NewHistogram("mm_hist", "", nil, DefaultLatencyBuckets)

	entries := r.AllMetrics()
	require.Len(t, entries, 3)
	assert.Equal(t, "aa_counter", entries[0].Name)
	assert.Equal(t, "mm_hist", entries[1].Name)
	assert.Equal(t, "zz_gauge", entries[2].Name)
}

func TestJeetwatchMetricsPreset(t *testing.T) {
	r := JeetwatchMetrics()

	counters := []string{
		"jeetwatch_events_consumed_total",
		"jeetwatch_events_invalid_total",
		"jeetwatch_trades_realized_total",
		"jeetwatch_jeets_flagged_total",
		"jeetwatch_lot_shortfalls_total",
		"jeetwatch_synthetic_lots_total",
		"jeetwatch_snapshots_published_total",
	}
	for _, name := range counters {
		assert.NotNil(t, r.GetCounter(name), name)
	}

	gauges := []string{
		"jeetwatch_open_lots",
		"jeetwatch_pairs_tracked",
		"jeetwatch_wallets_profiled",
		"jeetwatch_total_usd_lost",
		"jeetwatch_feed_clients",
	}
	for _, name := range gauges {
		assert.NotNil(t, r.GetGauge(name), name)
	}

	applyHist := r.GetHistogram("jeetwatch_apply_latency_us")
	require.NotNil(t, applyHist)
	bounds, _, _, _ := applyHist.BucketCounts()
	assert.Equal(t, len(DefaultMicroLatencyBuckets), len(bounds))

	flushHist := r.GetHistogram("jeetwatch_flush_latency_ms")
	require.NotNil(t, flushHist)
	bounds, _, _, _ = flushHist.BucketCounts()
	assert.Equal(t, len(DefaultLatencyBuckets), len(bounds))

	require.NotNil(t, r.GetHistogram("jeetwatch_snapshot_merge_latency_us"))
	assert.Len(t, r.AllMetrics(), 15)
}
