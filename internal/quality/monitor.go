package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// minSampleForRatio is the event count a stream must reach before the
// zero-price ratio is considered meaningful enough to alert on.
const minSampleForRatio = 20

// StreamStats tracks data quality statistics for a single wallet|token stream.
type StreamStats struct {
	Wallet          string    `json:"wallet"`
	Token           string    `json:"token"`
	LastEventTime   time.Time `json:"last_event_time"` // wall-clock arrival
	LastEventAt     time.Time `json:"last_event_at"`   // event time from the payload
	EventCount      int64     `json:"event_count"`
	ZeroPriceCount  int64     `json:"zero_price_count"`
	ZeroPriceRatio  float64   `json:"zero_price_ratio"`
	RegressionCount int64     `json:"regression_count"`
	ShortfallCount  int64     `json:"shortfall_count"`
	StartTime       time.Time `json:"start_time"`
}

// Alert represents a data quality alert. Wallet and Token are empty for
// stream-level alerts (e.g. the whole inbound stream going stale).
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Wallet  string    `json:"wallet"`
	Token   string    `json:"token"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Config tunes the quality monitor.
type Config struct {
	ZeroPriceWarnRatio float64 `yaml:"zero_price_warn_ratio"`
	StaleAfterSec      int     `yaml:"stale_after_sec"`
	SweepIntervalSec   int     `yaml:"sweep_interval_sec"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ZeroPriceWarnRatio: 0.2,
		StaleAfterSec:      900,
		SweepIntervalSec:   60,
	}
}

// Monitor tracks data quality across all inbound balance-change streams.
// It detects sentinel-priced events, rejected timestamp regressions,
// inventory shortfalls, and a stalled upstream.
type Monitor struct {
	mu           sync.RWMutex
	config       Config
	stats        map[string]*StreamStats // key: "wallet|token"
	alertCh      chan Alert
	lastAnyEvent time.Time
}

// NewMonitor creates a new stream quality monitor.
func NewMonitor(config Config) *Monitor {
	if config.ZeroPriceWarnRatio <= 0 {
		config.ZeroPriceWarnRatio = 0.2
	}
	if config.StaleAfterSec <= 0 {
		config.StaleAfterSec = 900
	}
	if config.SweepIntervalSec <= 0 {
		config.SweepIntervalSec = 60
	}
	return &Monitor{
		config:  config,
		stats:   make(map[string]*StreamStats),
		alertCh: make(chan Alert, 256),
	}
}

// streamKey returns the canonical key for a wallet+token pair.
func streamKey(wallet, token string) string {
	return fmt.Sprintf("%s|%s", wallet, token)
}

// getOrCreate returns existing stats or initializes new ones for the stream.
// Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(wallet, token string) *StreamStats {
	key := streamKey(wallet, token)
	stats, ok := m.stats[key]
	if !ok {
		stats = &StreamStats{
			Wallet:    wallet,
			Token:     token,
			StartTime: time.Now(),
		}
		m.stats[key] = stats
	}
	return stats
}

// RecordEvent records an accepted balance-change event. zeroPrice marks
// events that arrived with the unknown-price sentinel.
func (m *Monitor) RecordEvent(wallet, token string, at time.Time, zeroPrice bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(wallet, token)
	stats.LastEventTime = time.Now()
	stats.LastEventAt = at
	stats.EventCount++
	if zeroPrice {
		stats.ZeroPriceCount++
	}
	stats.ZeroPriceRatio = float64(stats.ZeroPriceCount) / float64(stats.EventCount)
	m.lastAnyEvent = stats.LastEventTime

	// A stream dominated by sentinel prices produces meaningless PnL.
	if stats.EventCount >= minSampleForRatio && stats.ZeroPriceRatio > m.config.ZeroPriceWarnRatio {
		m.emitAlert(Alert{
			Level:   "warn",
			Wallet:  wallet,
			Token:   token,
			Message: fmt.Sprintf("Zero-price ratio exceeds threshold: %.2f > %.2f", stats.ZeroPriceRatio, m.config.ZeroPriceWarnRatio),
			Ts:      time.Now(),
		})
	}
}

// RecordRegression increments the rejected-regression counter for the stream.
func (m *Monitor) RecordRegression(wallet, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(wallet, token)
	stats.RegressionCount++

	m.emitAlert(Alert{
		Level:   "warn",
		Wallet:  wallet,
		Token:   token,
		Message: fmt.Sprintf("Timestamp regression rejected (total: %d)", stats.RegressionCount),
		Ts:      time.Now(),
	})
}

// RecordShortfall increments the inventory-shortfall counter for the stream.
func (m *Monitor) RecordShortfall(wallet, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(wallet, token)
	stats.ShortfallCount++

	m.emitAlert(Alert{
		Level:   "warn",
		Wallet:  wallet,
		Token:   token,
		Message: fmt.Sprintf("Disposal exceeded tracked inventory (total shortfalls: %d)", stats.ShortfallCount),
		Ts:      time.Now(),
	})
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all current stream stats.
func (m *Monitor) Snapshot() map[string]StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]StreamStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Start begins the background goroutine that checks for a stalled upstream.
// It blocks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.config.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	log.Info().
		Float64("zero_price_warn_ratio", m.config.ZeroPriceWarnRatio).
		Int("stale_after_sec", m.config.StaleAfterSec).
		Int("sweep_interval_sec", m.config.SweepIntervalSec).
		Msg("Quality monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Quality monitor stopped")
			return
		case <-ticker.C:
			m.checkStaleStream()
		}
	}
}

// checkStaleStream emits a critical alert when no balance-change event has
// arrived for longer than StaleAfterSec. Individual wallets going quiet is
// normal; the whole stream going quiet means the upstream indexer died.
func (m *Monitor) checkStaleStream() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastAnyEvent.IsZero() {
		return
	}

	now := time.Now()
	staleDur := now.Sub(m.lastAnyEvent)
	if staleDur > time.Duration(m.config.StaleAfterSec)*time.Second {
		m.emitAlert(Alert{
			Level:   "critical",
			Message: fmt.Sprintf("Balance stream stale for >%ds (last event %.1fs ago)", m.config.StaleAfterSec, staleDur.Seconds()),
			Ts:      now,
		})
	}
}

// emitAlert sends an alert to the channel without blocking.
// If the channel is full, the alert is dropped and a warning is logged.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("wallet", alert.Wallet).
			Str("token", alert.Token).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("Alert channel full, dropping alert")
	}
}
