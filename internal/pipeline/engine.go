package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/jeetwatch/internal/audit"
	"github.com/nexus-trading/jeetwatch/internal/bus"
	"github.com/nexus-trading/jeetwatch/internal/clickhouse"
	"github.com/nexus-trading/jeetwatch/internal/config"
	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/observability"
	"github.com/nexus-trading/jeetwatch/internal/profile"
	"github.com/nexus-trading/jeetwatch/internal/quality"
	"github.com/rs/zerolog/log"
)

// Producer is the interface for publishing serialized messages to Kafka.
// Decoupled from the bus.Producer implementation so the engine compiles
// independently of the real Kafka client. The engine never closes the
// producer; the audit trail shares it and the owner decides its lifetime.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
}

// TradeSink is the interface for writing matching output to ClickHouse.
// Satisfied by *clickhouse.TradeWriter.
type TradeSink interface {
	WriteTrade(ctx context.Context, row clickhouse.TradeRow) error
	WriteJeet(ctx context.Context, row clickhouse.JeetRow) error
	WriteSnapshot(ctx context.Context, row clickhouse.SnapshotRow) error
}

// Broadcaster pushes frames to live dashboard clients. Satisfied by
// *feed.Hub.
type Broadcaster interface {
	BroadcastJeet(rec jeet.Record, walletTier string)
	BroadcastSnapshot(snap jeet.Snapshot)
}

// queued is one accepted balance change travelling to its shard worker.
// The trace id rides along so every downstream artifact of this event
// (trades, jeet flags, audit entries) stays correlated to the inbound
// message.
type queued struct {
	ev      ledger.BalanceChange
	traceID string
}

// result is one classified trade travelling from a shard worker to the
// collector.
type result struct {
	rec     jeet.Record
	traceID string
}

// engineMetrics holds resolved metric handles so the hot path never does a
// registry lookup.
type engineMetrics struct {
	eventsConsumed  *observability.Counter
	eventsInvalid   *observability.Counter
	tradesRealized  *observability.Counter
	jeetsFlagged    *observability.Counter
	shortfalls      *observability.Counter
	syntheticLots   *observability.Counter
	snapshots       *observability.Counter
	openLots        *observability.Gauge
	pairsTracked    *observability.Gauge
	walletsProfiled *observability.Gauge
	totalUSDLost    *observability.Gauge
	applyLatency    *observability.Histogram
	mergeLatency    *observability.Histogram
}

// shard is one matching worker's private state. The worker goroutine is
// the only writer; the mutex exists so Snapshot and Stats can read a live
// shard without pausing it.
type shard struct {
	id     int
	events chan queued

	mu  sync.Mutex
	led *ledger.Ledger
	agg *jeet.Aggregator
}

// Engine is the live-matching orchestrator: it routes inbound balance
// changes to wallet-sharded matching workers and fans the resulting trades
// to Kafka, ClickHouse, the wallet profiler, the live feed, and the audit
// trail.
//
// Sharding is by wallet, so all events of one wallet land on one worker's
// queue in arrival order. That preserves per-pair event order end to end,
// which the ledger's monotonic clock depends on. Each worker owns a
// private Ledger and Aggregator; aggregates are folded across shards on
// demand because every aggregate is merge-order independent.
type Engine struct {
	config     config.PipelineConfig
	classifier *jeet.Classifier
	profiler   *profile.Profiler
	quality    *quality.Monitor
	producer   Producer
	sink       TradeSink
	feed       Broadcaster
	trail      *audit.Trail
	instanceID string
	m          *engineMetrics

	shards  []*shard
	results chan result

	// submitMu orders Submit sends against the channel close in Stop.
	// Sends happen under the read lock, the close under the write lock,
	// so a closed shard channel is never sent on.
	submitMu sync.RWMutex
	stopping bool

	workersWg   sync.WaitGroup
	collectorWg sync.WaitGroup
	bgWg        sync.WaitGroup
	cancel      context.CancelFunc
	started     bool
	startMu     sync.Mutex

	aborted   atomic.Bool
	abortedCh chan struct{}
	abortMu   sync.Mutex
	abortErr  error

	eventsIn      atomic.Int64
	eventsInvalid atomic.Int64
	shortfalls    atomic.Int64
	tradesOut     atomic.Int64
	jeetsFlagged  atomic.Int64
	snapshotsOut  atomic.Int64
}

// NewEngine creates the matching engine. Producer, sink, feed and trail
// may each be nil; the corresponding fan-out step is skipped.
func NewEngine(
	cfg config.PipelineConfig,
	ledgerCfg ledger.Config,
	classifier *jeet.Classifier,
	profiler *profile.Profiler,
	qualityMonitor *quality.Monitor,
	producer Producer,
	sink TradeSink,
	feed Broadcaster,
	trail *audit.Trail,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}
	if cfg.ResultBufferSize <= 0 {
		cfg.ResultBufferSize = 1024
	}

	e := &Engine{
		config:     cfg,
		classifier: classifier,
		profiler:   profiler,
		quality:    qualityMonitor,
		producer:   producer,
		sink:       sink,
		feed:       feed,
		trail:      trail,
		instanceID: "jeetwatch-core",
		shards:     make([]*shard, cfg.Workers),
		results:    make(chan result, cfg.ResultBufferSize),
		abortedCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		e.shards[i] = &shard{
			id:     i,
			events: make(chan queued, cfg.EventBufferSize),
			led:    ledger.New(ledgerCfg),
			agg:    jeet.NewAggregator(),
		}
	}

	return e
}

// SetInstanceID overrides the producer identity stamped on outbound events.
func (e *Engine) SetInstanceID(id string) {
	if id != "" {
		e.instanceID = id
	}
}

// SetMetrics wires the engine to a metrics registry. Handles are resolved
// once here; NewCounter and friends return the already-registered metric
// for a known name. Must be called before Start.
func (e *Engine) SetMetrics(reg *observability.Registry) {
	if reg == nil {
		return
	}
	e.m = &engineMetrics{
		eventsConsumed: reg.NewCounter("jeetwatch_events_consumed_total",
			"Total balance-change events consumed", nil),
		eventsInvalid: reg.NewCounter("jeetwatch_events_invalid_total",
			"Total balance-change events rejected by validation", nil),
		tradesRealized: reg.NewCounter("jeetwatch_trades_realized_total",
			"Total realized trades emitted by lot matching", nil),
		jeetsFlagged: reg.NewCounter("jeetwatch_jeets_flagged_total",
			"Total realized trades classified as jeets", nil),
		shortfalls: reg.NewCounter("jeetwatch_lot_shortfalls_total",
			"Total disposals that exceeded tracked inventory", nil),
		syntheticLots: reg.NewCounter("jeetwatch_synthetic_lots_total",
			"Total synthetic zero-cost lots booked for untracked inventory", nil),
		snapshots: reg.NewCounter("jeetwatch_snapshots_published_total",
			"Total aggregate snapshots published", nil),
		openLots: reg.NewGauge("jeetwatch_open_lots",
			"Open lots across all wallet|token pairs", nil),
		pairsTracked: reg.NewGauge("jeetwatch_pairs_tracked",
			"Wallet|token pairs with open inventory", nil),
		walletsProfiled: reg.NewGauge("jeetwatch_wallets_profiled",
			"Wallets with at least one realized trade", nil),
		totalUSDLost: reg.NewGauge("jeetwatch_total_usd_lost",
			"Cumulative USD lost across flagged jeets", nil),
		applyLatency: reg.NewHistogram("jeetwatch_apply_latency_us",
			"Ledger apply latency in microseconds", nil,
			observability.DefaultMicroLatencyBuckets),
		mergeLatency: reg.NewHistogram("jeetwatch_snapshot_merge_latency_us",
			"Shard snapshot merge latency in microseconds", nil,
			observability.DefaultMicroLatencyBuckets),
	}
}

// Start launches the shard workers, the collector, and the periodic
// snapshot publisher. Non-blocking; Stop drains and shuts everything down.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, s := range e.shards {
		e.workersWg.Add(1)
		go e.runWorker(s)
	}

	e.collectorWg.Add(1)
	go e.runCollector()

	if e.config.SnapshotIntervalSec > 0 {
		e.bgWg.Add(1)
		go e.runSnapshotLoop(runCtx)
	}

	if e.quality != nil {
		e.bgWg.Add(1)
		go func() {
			defer e.bgWg.Done()
			e.quality.Start(runCtx)
		}()
	}

	log.Info().
		Int("workers", e.config.Workers).
		Int("event_buffer", e.config.EventBufferSize).
		Msg("matching engine started")

	return nil
}

// HandleBalanceMessage is the Kafka entry point: it decodes one inbound
// balance-change envelope and submits it to the matching pipeline.
// Registered as the consumer handler for the wallet.balance_changes topic.
func (e *Engine) HandleBalanceMessage(ctx context.Context, msg bus.Message) error {
	var ev bus.BalanceChange
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		e.eventsInvalid.Add(1)
		return fmt.Errorf("unmarshal balance change: %w", err)
	}
	if ev.Wallet == "" || ev.Token == "" {
		e.eventsInvalid.Add(1)
		return fmt.Errorf("balance change missing wallet or token (event_id=%s)", ev.EventID)
	}

	return e.Submit(ctx, ledger.BalanceChange{
		Wallet:       ev.Wallet,
		Token:        ev.Token,
		Timestamp:    ev.At,
		AmountDelta:  ev.AmountDelta,
		UnitPriceUSD: ev.UnitPriceUSD,
	}, ev.TraceID)
}

// Submit routes one balance change to its wallet's shard. Blocks when the
// shard queue is full, pushing backpressure up to the Kafka consumer
// rather than dropping or reordering events.
func (e *Engine) Submit(ctx context.Context, ev ledger.BalanceChange, traceID string) error {
	if e.aborted.Load() {
		return e.Err()
	}

	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if e.stopping {
		return fmt.Errorf("engine is stopping")
	}

	e.eventsIn.Add(1)
	s := e.shards[e.shardFor(ev.Wallet)]

	select {
	case s.events <- queued{ev: ev, traceID: traceID}:
		if e.m != nil {
			e.m.eventsConsumed.Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardFor maps a wallet to its worker index. FNV-1a over the wallet
// string keeps the mapping stable across restarts for a fixed worker
// count.
func (e *Engine) shardFor(wallet string) int {
	h := fnv.New32a()
	h.Write([]byte(wallet))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// runWorker drains one shard's queue to completion. Exits when Stop
// closes the queue.
func (e *Engine) runWorker(s *shard) {
	defer e.workersWg.Done()

	logger := log.With().Int("shard", s.id).Logger()
	logger.Debug().Msg("matching worker started")

	for q := range s.events {
		e.processEvent(s, q)
	}

	logger.Debug().Msg("matching worker drained")
}

// processEvent applies one balance change to the shard's ledger and hands
// the resulting classified trades to the collector. Rejections are
// counted and reported, then skipped; a single bad event never crashes
// the stream unless abort_on_invalid asks for exactly that.
func (e *Engine) processEvent(s *shard, q queued) {
	applyStart := time.Now()

	s.mu.Lock()
	trades, err := s.led.Apply(q.ev)
	var recs []jeet.Record
	if err == nil && len(trades) > 0 {
		recs = make([]jeet.Record, len(trades))
		for i, trade := range trades {
			recs[i] = e.classifier.Classify(trade)
			s.agg.Accumulate(recs[i])
		}
	}
	s.mu.Unlock()

	if e.m != nil {
		e.m.applyLatency.Observe(float64(time.Since(applyStart).Microseconds()))
	}

	if err != nil {
		e.handleReject(q, err)
		return
	}

	if e.quality != nil {
		e.quality.RecordEvent(q.ev.Wallet, q.ev.Token, q.ev.Timestamp, q.ev.UnitPriceUSD.IsZero())
	}

	for _, rec := range recs {
		if rec.Untracked {
			// The disposal ran past tracked inventory and the residual
			// was booked against a synthetic zero-cost lot.
			e.shortfalls.Add(1)
			if e.m != nil {
				e.m.shortfalls.Inc()
				e.m.syntheticLots.Inc()
			}
			if e.quality != nil {
				e.quality.RecordShortfall(q.ev.Wallet, q.ev.Token)
			}
			if e.trail != nil {
				e.trail.RecordShortfall(q.traceID, q.ev.Wallet, q.ev.Token, rec.DisposedAmount, true)
			}
		}
		e.results <- result{rec: rec, traceID: q.traceID}
	}
}

// handleReject accounts for a ledger rejection. Invalid events optionally
// abort the stream; shortfall rejections never do, a partial capture is
// expected in the wild.
func (e *Engine) handleReject(q queued, err error) {
	var invalidErr *ledger.InvalidEventError
	if errors.As(err, &invalidErr) {
		e.eventsInvalid.Add(1)
		if e.m != nil {
			e.m.eventsInvalid.Inc()
		}
		if e.quality != nil && invalidErr.Reason == ledger.ReasonTimeRegression {
			e.quality.RecordRegression(q.ev.Wallet, q.ev.Token)
		}
		if e.trail != nil {
			e.trail.RecordInvalidEvent(q.traceID, q.ev, invalidErr.Reason)
		}
		log.Debug().
			Str("wallet", q.ev.Wallet).
			Str("token", q.ev.Token).
			Str("reason", invalidErr.Reason).
			Msg("invalid event skipped")
		if e.config.AbortOnInvalid {
			e.abort(err)
		}
		return
	}

	var shortErr *ledger.ShortfallError
	if errors.As(err, &shortErr) {
		e.shortfalls.Add(1)
		if e.m != nil {
			e.m.shortfalls.Inc()
		}
		if e.quality != nil {
			e.quality.RecordShortfall(q.ev.Wallet, q.ev.Token)
		}
		if e.trail != nil {
			e.trail.RecordShortfall(q.traceID, q.ev.Wallet, q.ev.Token, shortErr.Residual, false)
		}
		log.Debug().
			Str("wallet", q.ev.Wallet).
			Str("token", q.ev.Token).
			Str("residual", shortErr.Residual.String()).
			Msg("shortfall disposal rejected")
		return
	}

	log.Error().Err(err).
		Str("wallet", q.ev.Wallet).
		Str("token", q.ev.Token).
		Msg("unexpected ledger error")
}

// abort records the first fatal error and stops accepting new events.
// Events already queued still drain so their wallets end on a consistent
// ledger state.
func (e *Engine) abort(err error) {
	if !e.aborted.CompareAndSwap(false, true) {
		return
	}
	e.abortMu.Lock()
	e.abortErr = err
	e.abortMu.Unlock()
	close(e.abortedCh)
	log.Error().Err(err).Msg("matching engine aborting on invalid event")
}

// Aborted returns a channel closed when abort_on_invalid trips, so the
// owner can initiate shutdown. Err carries the cause.
func (e *Engine) Aborted() <-chan struct{} {
	return e.abortedCh
}

// Err returns the error that aborted the engine, or nil.
func (e *Engine) Err() error {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abortErr
}

// runCollector fans classified trades out to the profiler, Kafka,
// ClickHouse, the live feed, and the audit trail. A single collector
// serializes profiler writes and keeps publish order stable per wallet.
// Publishes ride a detached context: a cancelled parent must not drop
// trades that were already matched, so the drain always runs to
// completion.
func (e *Engine) runCollector() {
	defer e.collectorWg.Done()

	log.Debug().Msg("collector started")
	for res := range e.results {
		e.handleTrade(context.Background(), res)
	}
	log.Debug().Msg("collector drained")
}

// handleTrade processes one classified trade through the full fan-out.
func (e *Engine) handleTrade(ctx context.Context, res result) {
	rec := res.rec
	e.tradesOut.Add(1)
	if e.m != nil {
		e.m.tradesRealized.Inc()
	}

	// 1. Feed the wallet profiler first so tier lookups below see this
	// trade.
	e.profiler.Record(rec)

	walletTier := ""
	if rec.IsJeet {
		e.jeetsFlagged.Add(1)
		if e.m != nil {
			e.m.jeetsFlagged.Inc()
		}
		if prof, ok := e.profiler.Profile(rec.Wallet); ok {
			walletTier = prof.Tier.String()
		}
	}

	// 2. Publish to Kafka: every trade to the realized firehose, flagged
	// trades to the jeet topic as well.
	base := e.newBaseEvent(res.traceID)
	holdMs := rec.HoldDuration.Milliseconds()

	trade := bus.TradeRealized{
		BaseEvent:        base,
		Wallet:           rec.Wallet,
		Token:            rec.Token,
		DisposedAmount:   rec.DisposedAmount,
		SellUnitPriceUSD: rec.SellUnitPriceUSD,
		CostUnitPriceUSD: rec.CostUnitPriceUSD,
		AcquiredAt:       rec.AcquiredAt,
		DisposedAt:       rec.DisposedAt,
		HoldMs:           holdMs,
		RealizedPnLUSD:   rec.RealizedPnLUSD,
		Untracked:        rec.Untracked,
	}
	if err := e.publishJSON(ctx, bus.Topics.TradesRealized(), rec.Wallet, trade); err != nil {
		log.Error().Err(err).Str("wallet", rec.Wallet).Msg("failed to publish realized trade")
		// Log and continue; never crash on a single bad event.
	}

	sellValue := rec.DisposedAmount.Mul(rec.SellUnitPriceUSD)
	if rec.IsJeet {
		flagged := bus.JeetFlagged{
			BaseEvent:      base,
			Wallet:         rec.Wallet,
			Token:          rec.Token,
			RealizedPnLUSD: rec.RealizedPnLUSD,
			HoldMs:         holdMs,
			DisposedAt:     rec.DisposedAt,
			SellValueUSD:   sellValue,
		}
		if err := e.publishJSON(ctx, bus.Topics.JeetsFlagged(), rec.Wallet, flagged); err != nil {
			log.Error().Err(err).Str("wallet", rec.Wallet).Msg("failed to publish jeet flag")
		}
	}

	// 3. Write to ClickHouse.
	if e.sink != nil {
		row := clickhouse.TradeToRow(base.EventID, rec.Wallet, rec.Token,
			rec.DisposedAmount, rec.SellUnitPriceUSD, rec.CostUnitPriceUSD,
			rec.RealizedPnLUSD, rec.AcquiredAt, rec.DisposedAt, holdMs,
			rec.IsJeet, rec.Untracked)
		if err := e.sink.WriteTrade(ctx, row); err != nil {
			log.Error().Err(err).Str("wallet", rec.Wallet).Msg("failed to write trade to ClickHouse")
		}

		if rec.IsJeet {
			jeetRow := clickhouse.JeetToRow(base.EventID, rec.Wallet, rec.Token,
				rec.RealizedPnLUSD, sellValue, holdMs, rec.DisposedAt, walletTier)
			if err := e.sink.WriteJeet(ctx, jeetRow); err != nil {
				log.Error().Err(err).Str("wallet", rec.Wallet).Msg("failed to write jeet to ClickHouse")
			}
		}
	}

	// 4. Push flagged trades to the live feed and the audit trail.
	if rec.IsJeet {
		if e.feed != nil {
			e.feed.BroadcastJeet(rec, walletTier)
		}
		if e.trail != nil {
			e.trail.RecordJeet(res.traceID, rec)
		}
	}
}

// runSnapshotLoop publishes the merged aggregate snapshot on a fixed
// interval.
func (e *Engine) runSnapshotLoop(ctx context.Context) {
	defer e.bgWg.Done()

	interval := time.Duration(e.config.SnapshotIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("snapshot publisher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("snapshot publisher stopped")
			return
		case <-ticker.C:
			e.publishSnapshot(ctx)
		}
	}
}

// publishSnapshot folds the shard aggregates and fans the snapshot out to
// Kafka, ClickHouse, and the live feed.
func (e *Engine) publishSnapshot(ctx context.Context) {
	snap := e.Snapshot()
	e.snapshotsOut.Add(1)
	if e.m != nil {
		e.m.snapshots.Inc()
		ledgerStats := e.LedgerStats()
		e.m.openLots.Set(float64(ledgerStats.OpenLots))
		e.m.pairsTracked.Set(float64(ledgerStats.PairsTracked))
		e.m.walletsProfiled.Set(float64(e.profiler.Stats().WalletsTracked))
		e.m.totalUSDLost.Set(snap.TotalUSDLost.InexactFloat64())
	}

	base := e.newBaseEvent("")
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	published := bus.SnapshotPublished{
		BaseEvent:      base,
		WalletsTracked: e.profiler.Stats().WalletsTracked,
		TotalJeetCount: snap.TotalJeetCount,
		TotalUSDLost:   snap.TotalUSDLost,
		Payload:        string(payload),
	}
	if err := e.publishJSON(ctx, bus.Topics.StatsSnapshots(), e.instanceID, published); err != nil {
		log.Error().Err(err).Msg("failed to publish snapshot")
	}

	if e.sink != nil {
		row := clickhouse.SnapshotToRow(base.Timestamp.UTC(), snap.TotalJeetCount,
			snap.TotalUSDLost, snap.AverageLossUSD, snap.FastestHoldMs,
			snap.TokensJeeted, snap.TradesSeen, snap.NetRealizedPnLUSD, snap)
		if err := e.sink.WriteSnapshot(ctx, row); err != nil {
			log.Error().Err(err).Msg("failed to write snapshot to ClickHouse")
		}
	}

	if e.feed != nil {
		e.feed.BroadcastSnapshot(snap)
	}
	if e.trail != nil {
		e.trail.RecordSnapshot(base.TraceID, snap)
	}

	log.Debug().
		Int64("jeets", snap.TotalJeetCount).
		Str("usd_lost", snap.TotalUSDLost.String()).
		Int64("trades_seen", snap.TradesSeen).
		Msg("snapshot published")
}

// publishJSON serializes value as JSON and publishes it via the Producer.
func (e *Engine) publishJSON(ctx context.Context, topic, key string, value interface{}) error {
	if e.producer == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal JSON for topic %s: %w", topic, err)
	}

	return e.producer.Produce(ctx, topic, []byte(key), data)
}

// newBaseEvent stamps a fresh envelope header, carrying the inbound trace
// id through when one exists.
func (e *Engine) newBaseEvent(traceID string) bus.BaseEvent {
	base := bus.NewBaseEvent(e.instanceID, "1.0.0")
	if traceID != "" {
		base.TraceID = traceID
	}
	return base
}

// Snapshot folds every shard's aggregator into one point-in-time view.
// Safe to call while the stream is live; each shard is locked only for
// the duration of its own merge.
func (e *Engine) Snapshot() jeet.Snapshot {
	mergeStart := time.Now()
	merged := jeet.NewAggregator()
	for _, s := range e.shards {
		s.mu.Lock()
		merged.Merge(s.agg)
		s.mu.Unlock()
	}
	if e.m != nil {
		e.m.mergeLatency.Observe(float64(time.Since(mergeStart).Microseconds()))
	}
	return merged.Snapshot()
}

// LedgerStats sums the per-shard ledger counters.
func (e *Engine) LedgerStats() ledger.Stats {
	var total ledger.Stats
	for _, s := range e.shards {
		s.mu.Lock()
		st := s.led.Stats()
		s.mu.Unlock()

		total.EventsApplied += st.EventsApplied
		total.Acquisitions += st.Acquisitions
		total.Disposals += st.Disposals
		total.TradesEmitted += st.TradesEmitted
		total.Rejected += st.Rejected
		total.Shortfalls += st.Shortfalls
		total.SyntheticLots += st.SyntheticLots
		total.OpenLots += st.OpenLots
		total.PairsTracked += st.PairsTracked
	}
	return total
}

// Stats reports engine health counters.
type Stats struct {
	Workers            int           `json:"workers"`
	QueueDepth         int           `json:"queue_depth"`
	EventsIn           int64         `json:"events_in"`
	EventsInvalid      int64         `json:"events_invalid"`
	Shortfalls         int64         `json:"shortfalls"`
	TradesEmitted      int64         `json:"trades_emitted"`
	JeetsFlagged       int64         `json:"jeets_flagged"`
	SnapshotsPublished int64         `json:"snapshots_published"`
	Ledger             ledger.Stats  `json:"ledger"`
	Profiler           profile.Stats `json:"profiler"`
}

// Stats returns a point-in-time view of the engine counters.
func (e *Engine) Stats() Stats {
	depth := len(e.results)
	for _, s := range e.shards {
		depth += len(s.events)
	}

	return Stats{
		Workers:            len(e.shards),
		QueueDepth:         depth,
		EventsIn:           e.eventsIn.Load(),
		EventsInvalid:      e.eventsInvalid.Load(),
		Shortfalls:         e.shortfalls.Load(),
		TradesEmitted:      e.tradesOut.Load(),
		JeetsFlagged:       e.jeetsFlagged.Load(),
		SnapshotsPublished: e.snapshotsOut.Load(),
		Ledger:             e.LedgerStats(),
		Profiler:           e.profiler.Stats(),
	}
}

// Stop drains the pipeline and shuts it down: ingress is closed first,
// workers finish their queues, the collector finishes the fan-out, then
// one final snapshot goes out over a fresh context. Returns the abort
// error when abort_on_invalid tripped.
func (e *Engine) Stop() error {
	e.startMu.Lock()
	if !e.started {
		e.startMu.Unlock()
		return nil
	}
	e.started = false
	e.startMu.Unlock()

	log.Info().Msg("matching engine stopping")

	e.submitMu.Lock()
	e.stopping = true
	for _, s := range e.shards {
		close(s.events)
	}
	e.submitMu.Unlock()

	e.workersWg.Wait()

	close(e.results)
	e.collectorWg.Wait()

	if e.cancel != nil {
		e.cancel()
	}
	e.bgWg.Wait()

	e.publishSnapshot(context.Background())

	log.Info().
		Int64("events_in", e.eventsIn.Load()).
		Int64("events_invalid", e.eventsInvalid.Load()).
		Int64("shortfalls", e.shortfalls.Load()).
		Int64("trades_emitted", e.tradesOut.Load()).
		Int64("jeets_flagged", e.jeetsFlagged.Load()).
		Msg("matching engine stopped")

	return e.Err()
}
