package ledger

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Lot Ledger — FIFO cost-basis matching over balance-change events
// ---------------------------------------------------------------------------

// Config controls ledger behavior.
type Config struct {
	// SyntheticLotOnShortfall matches the untracked residual of an
	// oversized disposal against a zero-cost lot dated at the disposal
	// itself (cost 0, hold 0). Untracked inflows are treated as free, so
	// such trades register as pure gain, never as a fabricated loss. When
	// false, the disposal fails with ShortfallError and no state changes.
	SyntheticLotOnShortfall bool `yaml:"synthetic_lot_on_shortfall"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyntheticLotOnShortfall: true,
	}
}

// Ledger owns one ordered lot queue per (wallet, token) pair and matches
// disposals against it in FIFO order.
//
// Invariants:
//   - Lots are created only by acquisitions, destroyed only by full
//     consumption; RemainingAmount is always > 0 for a queued lot.
//   - Queue order is acquisition-time order (input is time-ordered).
//   - The trades emitted for one disposal sum exactly to its quantity.
//   - A rejected event mutates nothing, including the last-seen clock.
//
// Not safe for concurrent use: a Ledger is owned by a single goroutine.
// Parallelism is achieved by sharding wallets across ledgers, never by
// sharing one.
type Ledger struct {
	config Config

	queues   map[string][]Lot     // pair key -> open lots, oldest first
	lastSeen map[string]time.Time // pair key -> latest accepted timestamp

	// Counters.
	eventsApplied int64
	acquisitions  int64
	disposals     int64
	tradesEmitted int64
	rejected      int64
	shortfalls    int64
	syntheticLots int64
}

// New creates an empty ledger.
func New(config Config) *Ledger {
	return &Ledger{
		config:   config,
		queues:   make(map[string][]Lot),
		lastSeen: make(map[string]time.Time),
	}
}

func pairKey(wallet, token string) string {
	return fmt.Sprintf("%s|%s", wallet, token)
}

// ---------------------------------------------------------------------------
// Apply — the single entry point
// ---------------------------------------------------------------------------

// Apply processes one balance-change event. Acquisitions append a lot and
// return no trades. Disposals consume head lots FIFO and return one
// RealizedTrade per lot touched, in consumption order.
//
// Returns InvalidEventError for a zero delta, a negative price, or a
// timestamp regression within the pair; returns ShortfallError when the
// disposal exceeds tracked lots and the synthetic-lot policy is disabled.
// Either way the ledger is left exactly as it was.
func (l *Ledger) Apply(ev BalanceChange) ([]RealizedTrade, error) {
	key := pairKey(ev.Wallet, ev.Token)

	if err := l.validate(key, ev); err != nil {
		l.rejected++
		return nil, err
	}

	if ev.IsAcquisition() {
		l.applyAcquisition(key, ev)
		return nil, nil
	}

	trades, err := l.applyDisposal(key, ev)
	if err != nil {
		l.rejected++
		return nil, err
	}

	l.eventsApplied++
	l.disposals++
	l.tradesEmitted += int64(len(trades))
	l.lastSeen[key] = ev.Timestamp
	return trades, nil
}

// validate rejects malformed events. Price zero is the valid unknown-price
// sentinel and passes. Equal timestamps for a pair are valid; only a strict
// regression is rejected.
func (l *Ledger) validate(key string, ev BalanceChange) error {
	if ev.AmountDelta.IsZero() {
		return &InvalidEventError{Reason: ReasonZeroDelta, Event: ev}
	}
	if ev.UnitPriceUSD.Sign() < 0 {
		return &InvalidEventError{Reason: ReasonNegativePrice, Event: ev}
	}
	if last, ok := l.lastSeen[key]; ok && ev.Timestamp.Before(last) {
		return &InvalidEventError{Reason: ReasonTimeRegression, Event: ev}
	}
	return nil
}

func (l *Ledger) applyAcquisition(key string, ev BalanceChange) {
	l.queues[key] = append(l.queues[key], Lot{
		RemainingAmount: ev.AmountDelta,
		AcquiredAt:      ev.Timestamp,
		UnitCostUSD:     ev.UnitPriceUSD,
	})
	l.eventsApplied++
	l.acquisitions++
	l.lastSeen[key] = ev.Timestamp

	log.Debug().
		Str("wallet", ev.Wallet).
		Str("token", ev.Token).
		Str("amount", ev.AmountDelta.String()).
		Str("unit_cost", ev.UnitPriceUSD.String()).
		Msg("ledger: lot opened")
}

// applyDisposal walks the queue without mutating it, building the trade list
// and a consumption plan, then commits in one step. Exhausting the queue
// with the synthetic policy disabled therefore rolls back for free.
func (l *Ledger) applyDisposal(key string, ev BalanceChange) ([]RealizedTrade, error) {
	toMatch := ev.AmountDelta.Neg()
	queue := l.queues[key]

	trades := make([]RealizedTrade, 0, 2)
	fullyConsumed := 0
	partialTaken := decimal.Zero

	for i := 0; i < len(queue) && toMatch.Sign() > 0; i++ {
		lot := queue[i]

		matched := lot.RemainingAmount
		if toMatch.LessThan(matched) {
			matched = toMatch
		}

		trades = append(trades, RealizedTrade{
			Wallet:           ev.Wallet,
			Token:            ev.Token,
			DisposedAmount:   matched,
			SellUnitPriceUSD: ev.UnitPriceUSD,
			CostUnitPriceUSD: lot.UnitCostUSD,
			AcquiredAt:       lot.AcquiredAt,
			DisposedAt:       ev.Timestamp,
			HoldDuration:     ev.Timestamp.Sub(lot.AcquiredAt),
			RealizedPnLUSD:   matched.Mul(ev.UnitPriceUSD.Sub(lot.UnitCostUSD)),
		})

		toMatch = toMatch.Sub(matched)
		if matched.Equal(lot.RemainingAmount) {
			fullyConsumed++
		} else {
			partialTaken = matched
		}
	}

	if toMatch.Sign() > 0 {
		if !l.config.SyntheticLotOnShortfall {
			l.shortfalls++
			return nil, &ShortfallError{Wallet: ev.Wallet, Token: ev.Token, Residual: toMatch}
		}

		// Zero-cost lot dated at the disposal itself: cost 0, hold 0.
		trades = append(trades, RealizedTrade{
			Wallet:           ev.Wallet,
			Token:            ev.Token,
			DisposedAmount:   toMatch,
			SellUnitPriceUSD: ev.UnitPriceUSD,
			CostUnitPriceUSD: decimal.Zero,
			AcquiredAt:       ev.Timestamp,
			DisposedAt:       ev.Timestamp,
			HoldDuration:     0,
			RealizedPnLUSD:   toMatch.Mul(ev.UnitPriceUSD),
			Untracked:        true,
		})
		l.shortfalls++
		l.syntheticLots++

		log.Warn().
			Str("wallet", ev.Wallet).
			Str("token", ev.Token).
			Str("residual", toMatch.String()).
			Msg("ledger: disposal exceeds tracked lots, synthetic zero-cost lot applied")
	}

	// Commit the consumption plan.
	queue = queue[fullyConsumed:]
	if partialTaken.Sign() > 0 {
		queue[0].RemainingAmount = queue[0].RemainingAmount.Sub(partialTaken)
	}
	if len(queue) == 0 {
		delete(l.queues, key)
	} else {
		l.queues[key] = queue
	}

	return trades, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// OpenLots returns a copy of the open lot queue for a pair, oldest first.
func (l *Ledger) OpenLots(wallet, token string) []Lot {
	queue := l.queues[pairKey(wallet, token)]
	if len(queue) == 0 {
		return nil
	}
	out := make([]Lot, len(queue))
	copy(out, queue)
	return out
}

// RemainingAmount returns the total unmatched quantity held for a pair.
func (l *Ledger) RemainingAmount(wallet, token string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range l.queues[pairKey(wallet, token)] {
		total = total.Add(lot.RemainingAmount)
	}
	return total
}

// PairCount returns the number of pairs with at least one open lot.
func (l *Ledger) PairCount() int {
	return len(l.queues)
}

// OpenLotCount returns the total number of open lots across all pairs.
func (l *Ledger) OpenLotCount() int {
	n := 0
	for _, queue := range l.queues {
		n += len(queue)
	}
	return n
}

// Reset drops all queues, clocks, and counters, returning the ledger to its
// initial state.
func (l *Ledger) Reset() {
	l.queues = make(map[string][]Lot)
	l.lastSeen = make(map[string]time.Time)
	l.eventsApplied = 0
	l.acquisitions = 0
	l.disposals = 0
	l.tradesEmitted = 0
	l.rejected = 0
	l.shortfalls = 0
	l.syntheticLots = 0
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a point-in-time counter snapshot. PairsTracked counts every pair
// the ledger has ever accepted an event for; a pair whose inventory was fully
// disposed stays counted. OpenLots covers the live inventory.
type Stats struct {
	EventsApplied int64 `json:"events_applied"`
	Acquisitions  int64 `json:"acquisitions"`
	Disposals     int64 `json:"disposals"`
	TradesEmitted int64 `json:"trades_emitted"`
	Rejected      int64 `json:"rejected"`
	Shortfalls    int64 `json:"shortfalls"`
	SyntheticLots int64 `json:"synthetic_lots"`
	OpenLots      int   `json:"open_lots"`
	PairsTracked  int   `json:"pairs_tracked"`
}

func (l *Ledger) Stats() Stats {
	return Stats{
		EventsApplied: l.eventsApplied,
		Acquisitions:  l.acquisitions,
		Disposals:     l.disposals,
		TradesEmitted: l.tradesEmitted,
		Rejected:      l.rejected,
		Shortfalls:    l.shortfalls,
		SyntheticLots: l.syntheticLots,
		OpenLots:      l.OpenLotCount(),
		PairsTracked:  len(l.lastSeen),
	}
}
