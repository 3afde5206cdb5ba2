package pricing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Price oracles — attach USD unit prices to capture rows that lack them
// ---------------------------------------------------------------------------

// DefaultFallbackPriceUSD is the documented sentinel applied to tokens the
// oracle has never heard of. A fixed low price instead of zero keeps
// unlisted-token disposals visible in USD terms while staying clearly
// distinguishable from a real quote.
const DefaultFallbackPriceUSD = 0.001

// Oracle resolves a USD unit price for a token at a point in time. A zero
// return means "price unknown" and flows through the ledger untouched.
type Oracle interface {
	PriceAt(token string, at time.Time) decimal.Decimal
}

// StaticOracle serves prices from a fixed table with a fallback for
// unlisted tokens. Safe for concurrent use.
type StaticOracle struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	fallback decimal.Decimal

	lookups atomic.Int64
	misses  atomic.Int64
}

// NewStaticOracle builds an oracle from a token -> USD price table.
// Unlisted tokens resolve to fallbackUSD.
func NewStaticOracle(prices map[string]float64, fallbackUSD float64) *StaticOracle {
	table := make(map[string]decimal.Decimal, len(prices))
	for token, p := range prices {
		table[token] = decimal.NewFromFloat(p)
	}
	return &StaticOracle{
		prices:   table,
		fallback: decimal.NewFromFloat(fallbackUSD),
	}
}

// PriceAt returns the table price for the token, or the fallback when the
// token is unlisted. The timestamp is accepted for interface compatibility;
// a static table has no history.
func (o *StaticOracle) PriceAt(token string, _ time.Time) decimal.Decimal {
	o.lookups.Add(1)

	o.mu.RLock()
	defer o.mu.RUnlock()

	if p, ok := o.prices[token]; ok {
		return p
	}
	o.misses.Add(1)
	return o.fallback
}

// SetPrice inserts or replaces a table entry.
func (o *StaticOracle) SetPrice(token string, priceUSD float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = decimal.NewFromFloat(priceUSD)
}

// OracleStats reports lookup counters.
type OracleStats struct {
	Lookups int64 `json:"lookups"`
	Misses  int64 `json:"misses"`
}

func (o *StaticOracle) Stats() OracleStats {
	return OracleStats{
		Lookups: o.lookups.Load(),
		Misses:  o.misses.Load(),
	}
}

// NullOracle always answers zero, the unknown-price sentinel. Used when a
// capture should be replayed exactly as recorded, with no price filled in.
type NullOracle struct{}

func (NullOracle) PriceAt(string, time.Time) decimal.Decimal {
	return decimal.Zero
}
