package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TradeRow represents a single realized trade row for ClickHouse insertion.
// Maps to the realized_trades table.
type TradeRow struct {
	EventID          string    `json:"event_id"`
	Wallet           string    `json:"wallet"`
	Token            string    `json:"token"`
	DisposedAmount   float64   `json:"disposed_amount"`
	SellUnitPriceUSD float64   `json:"sell_unit_price_usd"`
	CostUnitPriceUSD float64   `json:"cost_unit_price_usd"`
	RealizedPnLUSD   float64   `json:"realized_pnl_usd"`
	HoldMs           int64     `json:"hold_ms"`
	AcquiredAt       time.Time `json:"acquired_at"`
	DisposedAt       time.Time `json:"disposed_at"`
	IsJeet           uint8     `json:"is_jeet"`
	Untracked        uint8     `json:"untracked"`
}

// JeetRow represents a flagged jeet row. Maps to the jeet_events table.
type JeetRow struct {
	EventID        string    `json:"event_id"`
	Wallet         string    `json:"wallet"`
	Token          string    `json:"token"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd"`
	SellValueUSD   float64   `json:"sell_value_usd"`
	HoldMs         int64     `json:"hold_ms"`
	DisposedAt     time.Time `json:"disposed_at"`
	WalletTier     string    `json:"wallet_tier"`
}

// SnapshotRow represents a published aggregate snapshot.
// Maps to the aggregate_snapshots table.
type SnapshotRow struct {
	Timestamp         time.Time `json:"ts"`
	TotalJeetCount    int64     `json:"total_jeet_count"`
	TotalUSDLost      float64   `json:"total_usd_lost"`
	AverageLossUSD    float64   `json:"average_loss_usd"`
	FastestHoldMs     int64     `json:"fastest_hold_ms"`
	TokensJeeted      uint32    `json:"tokens_jeeted"`
	TradesSeen        int64     `json:"trades_seen"`
	NetRealizedPnLUSD float64   `json:"net_realized_pnl_usd"`
	PayloadJSON       string    `json:"payload_json"`
}

// TradeWriter batches realized trades, jeet events and aggregate snapshots
// for ClickHouse.
type TradeWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	tradeBuf []TradeRow
	jeetBuf  []JeetRow
	snapBuf  []SnapshotRow
	closed   bool

	flushCount atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error

	// flushObserver receives the wall time of each non-empty flush.
	flushObserver func(time.Duration)
}

// NewTradeWriter creates a new realized-trade batch writer.
func NewTradeWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *TradeWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &TradeWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		tradeBuf:      make([]TradeRow, 0, batchSize),
		jeetBuf:       make([]JeetRow, 0, batchSize),
		snapBuf:       make([]SnapshotRow, 0, 64),
	}
}

func (w *TradeWriter) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

// WriteTrade adds a realized trade row to the buffer.
func (w *TradeWriter) WriteTrade(ctx context.Context, row TradeRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("trade writer is closed")
	}
	w.tradeBuf = append(w.tradeBuf, row)
	needsFlush := len(w.tradeBuf)+len(w.jeetBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WriteJeet adds a jeet event row to the buffer.
func (w *TradeWriter) WriteJeet(ctx context.Context, row JeetRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("trade writer is closed")
	}
	w.jeetBuf = append(w.jeetBuf, row)
	needsFlush := len(w.tradeBuf)+len(w.jeetBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WriteSnapshot adds an aggregate snapshot row to the buffer. Snapshots are
// rare compared to trades, so they only go out with the periodic flush.
func (w *TradeWriter) WriteSnapshot(ctx context.Context, row SnapshotRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("trade writer is closed")
	}
	w.snapBuf = append(w.snapBuf, row)
	w.mu.Unlock()
	return nil
}

// Start begins the background flush loop.
func (w *TradeWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("trade writer started")

		for {
			select {
			case <-bgCtx.Done():
				if err := w.Flush(context.Background()); err != nil {
					log.Error().Err(err).Msg("trade writer: final flush error")
				}
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("trade writer: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows to ClickHouse.
func (w *TradeWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	tradeRows := w.tradeBuf
	jeetRows := w.jeetBuf
	snapRows := w.snapBuf
	w.tradeBuf = make([]TradeRow, 0, w.batchSize)
	w.jeetBuf = make([]JeetRow, 0, w.batchSize)
	w.snapBuf = make([]SnapshotRow, 0, 64)
	w.mu.Unlock()

	if len(tradeRows) == 0 && len(jeetRows) == 0 && len(snapRows) == 0 {
		return nil
	}

	flushStart := time.Now()
	var firstErr error

	if len(tradeRows) > 0 {
		if err := w.flushTrades(ctx, tradeRows); err != nil {
			log.Error().Err(err).Int("count", len(tradeRows)).Msg("trade writer: flush trades failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(jeetRows) > 0 {
		if err := w.flushJeets(ctx, jeetRows); err != nil {
			log.Error().Err(err).Int("count", len(jeetRows)).Msg("trade writer: flush jeets failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(snapRows) > 0 {
		if err := w.flushSnapshots(ctx, snapRows); err != nil {
			log.Error().Err(err).Int("count", len(snapRows)).Msg("trade writer: flush snapshots failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.flushCount.Add(1)
	if w.flushObserver != nil {
		w.flushObserver(time.Since(flushStart))
	}
	log.Debug().
		Int("trades", len(tradeRows)).
		Int("jeets", len(jeetRows)).
		Int("snapshots", len(snapRows)).
		Msg("trade writer flushed")

	return firstErr
}

func (w *TradeWriter) flushTrades(ctx context.Context, rows []TradeRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.EventID, r.Wallet, r.Token, r.DisposedAmount,
				r.SellUnitPriceUSD, r.CostUnitPriceUSD, r.RealizedPnLUSD,
				r.HoldMs, r.AcquiredAt, r.DisposedAt, r.IsJeet, r.Untracked,
			}
		}
		return w.flushHook(ctx, w.tableName("realized_trades"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (event_id, wallet, token, disposed_amount, "+
			"sell_unit_price_usd, cost_unit_price_usd, realized_pnl_usd, "+
			"hold_ms, acquired_at, disposed_at, is_jeet, untracked)",
		w.tableName("realized_trades"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare trade batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.EventID, r.Wallet, r.Token, r.DisposedAmount,
			r.SellUnitPriceUSD, r.CostUnitPriceUSD, r.RealizedPnLUSD,
			r.HoldMs, r.AcquiredAt, r.DisposedAt, r.IsJeet, r.Untracked,
		); err != nil {
			return fmt.Errorf("append trade row: %w", err)
		}
	}

	return batch.Send()
}

func (w *TradeWriter) flushJeets(ctx context.Context, rows []JeetRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.EventID, r.Wallet, r.Token, r.RealizedPnLUSD,
				r.SellValueUSD, r.HoldMs, r.DisposedAt, r.WalletTier,
			}
		}
		return w.flushHook(ctx, w.tableName("jeet_events"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (event_id, wallet, token, realized_pnl_usd, "+
			"sell_value_usd, hold_ms, disposed_at, wallet_tier)",
		w.tableName("jeet_events"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare jeet batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.EventID, r.Wallet, r.Token, r.RealizedPnLUSD,
			r.SellValueUSD, r.HoldMs, r.DisposedAt, r.WalletTier,
		); err != nil {
			return fmt.Errorf("append jeet row: %w", err)
		}
	}

	return batch.Send()
}

func (w *TradeWriter) flushSnapshots(ctx context.Context, rows []SnapshotRow) error {
	if w.flushHook != nil {
		generic := make([][]any, len(rows))
		for i, r := range rows {
			generic[i] = []any{
				r.Timestamp, r.TotalJeetCount, r.TotalUSDLost,
				r.AverageLossUSD, r.FastestHoldMs, r.TokensJeeted,
				r.TradesSeen, r.NetRealizedPnLUSD, r.PayloadJSON,
			}
		}
		return w.flushHook(ctx, w.tableName("aggregate_snapshots"), generic)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (ts, total_jeet_count, total_usd_lost, "+
			"average_loss_usd, fastest_hold_ms, tokens_jeeted, trades_seen, "+
			"net_realized_pnl_usd, payload_json)",
		w.tableName("aggregate_snapshots"))

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare snapshot batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp, r.TotalJeetCount, r.TotalUSDLost,
			r.AverageLossUSD, r.FastestHoldMs, r.TokensJeeted,
			r.TradesSeen, r.NetRealizedPnLUSD, r.PayloadJSON,
		); err != nil {
			return fmt.Errorf("append snapshot row: %w", err)
		}
	}

	return batch.Send()
}

// Close stops the background writer and performs a final flush.
func (w *TradeWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("trade writer: final flush on close failed")
		return err
	}

	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("trade writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *TradeWriter) Stats() (flushCount, errorCount int64, pendingTrades, pendingJeets, pendingSnapshots int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount.Load(), w.errorCount.Load(), len(w.tradeBuf), len(w.jeetBuf), len(w.snapBuf)
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *TradeWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}

// SetFlushObserver registers a callback for flush latencies, typically a
// histogram observation. Must be set before Start.
func (w *TradeWriter) SetFlushObserver(fn func(time.Duration)) {
	w.flushObserver = fn
}

// TradeToRow converts realized-trade fields to a ClickHouse row.
// Loose arguments keep the ledger and clickhouse packages decoupled.
func TradeToRow(eventID, wallet, token string,
	disposedAmount, sellPrice, costPrice, pnl decimal.Decimal,
	acquiredAt, disposedAt time.Time, holdMs int64,
	isJeet, untracked bool,
) TradeRow {
	return TradeRow{
		EventID:          eventID,
		Wallet:           wallet,
		Token:            token,
		DisposedAmount:   disposedAmount.InexactFloat64(),
		SellUnitPriceUSD: sellPrice.InexactFloat64(),
		CostUnitPriceUSD: costPrice.InexactFloat64(),
		RealizedPnLUSD:   pnl.InexactFloat64(),
		HoldMs:           holdMs,
		AcquiredAt:       acquiredAt,
		DisposedAt:       disposedAt,
		IsJeet:           boolToUInt8(isJeet),
		Untracked:        boolToUInt8(untracked),
	}
}

// JeetToRow converts jeet-event fields to a ClickHouse row.
func JeetToRow(eventID, wallet, token string,
	pnl, sellValue decimal.Decimal,
	holdMs int64, disposedAt time.Time, walletTier string,
) JeetRow {
	return JeetRow{
		EventID:        eventID,
		Wallet:         wallet,
		Token:          token,
		RealizedPnLUSD: pnl.InexactFloat64(),
		SellValueUSD:   sellValue.InexactFloat64(),
		HoldMs:         holdMs,
		DisposedAt:     disposedAt,
		WalletTier:     walletTier,
	}
}

// SnapshotToRow converts aggregate-snapshot fields to a ClickHouse row.
// payload is marshalled in full so dashboards can drill into per-token maps.
func SnapshotToRow(ts time.Time, totalJeets int64,
	totalLost, avgLoss decimal.Decimal,
	fastestHoldMs int64, tokensJeeted int,
	tradesSeen int64, netPnl decimal.Decimal,
	payload any,
) SnapshotRow {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("clickhouse: marshal snapshot payload failed")
	}

	return SnapshotRow{
		Timestamp:         ts,
		TotalJeetCount:    totalJeets,
		TotalUSDLost:      totalLost.InexactFloat64(),
		AverageLossUSD:    avgLoss.InexactFloat64(),
		FastestHoldMs:     fastestHoldMs,
		TokensJeeted:      uint32(tokensJeeted),
		TradesSeen:        tradesSeen,
		NetRealizedPnLUSD: netPnl.InexactFloat64(),
		PayloadJSON:       string(payloadJSON),
	}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
