package jeet

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNoJeetsToday is returned by FastestToday when no jeet was flagged on
// the current UTC calendar day.
var ErrNoJeetsToday = errors.New("jeet: no jeets flagged today")

// ---------------------------------------------------------------------------
// Aggregator — monotonic reducer over the classified trade stream
// ---------------------------------------------------------------------------

// TokenSummary is the per-token jeet aggregate.
type TokenSummary struct {
	JeetCount    int64           `json:"jeet_count"`
	TotalLossUSD decimal.Decimal `json:"total_loss_usd"`
}

// SellSummary is the per-token aggregate over all sells, jeet or not.
type SellSummary struct {
	SellCount int64           `json:"sell_count"`
	VolumeUSD decimal.Decimal `json:"volume_usd"`
}

// Snapshot is a point-in-time copy of all running aggregates.
type Snapshot struct {
	TotalJeetCount int64           `json:"total_jeet_count"`
	TotalUSDLost   decimal.Decimal `json:"total_usd_lost"`
	AverageLossUSD decimal.Decimal `json:"average_loss_usd"`
	FastestHoldMs  int64           `json:"fastest_hold_ms"`
	TokensJeeted   int             `json:"tokens_jeeted"`

	// DailyTotals maps a UTC calendar day (2006-01-02) to the summed sell
	// value of that day's jeet trades.
	DailyTotals map[string]decimal.Decimal `json:"daily_totals"`

	// PerToken maps the full token identifier to its jeet aggregate.
	// Truncation for display happens at the presentation boundary only.
	PerToken map[string]TokenSummary `json:"per_token"`

	// Figures over every realized trade, not only jeets.
	TradesSeen        int64                  `json:"trades_seen"`
	NetRealizedPnLUSD decimal.Decimal        `json:"net_realized_pnl_usd"`
	PerTokenSells     map[string]SellSummary `json:"per_token_sells"`
}

// Aggregator accumulates running statistics over classified trades. It only
// ever grows: no eviction or expiry exists. Jeet records are retained in
// arrival order to serve the leaderboard queries.
//
// Not safe for concurrent use. Writers either serialize Accumulate calls or
// shard one aggregator per worker and fold the shards with Merge; every
// aggregate is a sum, a min, or a keyed sum, so merge order does not matter.
type Aggregator struct {
	jeetCount   int64
	totalLost   decimal.Decimal
	fastestHold time.Duration
	hasFastest  bool
	dailyTotals map[string]decimal.Decimal
	perToken    map[string]*TokenSummary
	jeets       []Record

	tradesSeen    int64
	netPnL        decimal.Decimal
	perTokenSells map[string]*SellSummary
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		totalLost:     decimal.Zero,
		netPnL:        decimal.Zero,
		dailyTotals:   make(map[string]decimal.Decimal),
		perToken:      make(map[string]*TokenSummary),
		perTokenSells: make(map[string]*SellSummary),
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Accumulate folds one classified trade into the running aggregates. Every
// trade feeds the all-trade figures; only flagged trades touch the jeet
// aggregates. Never fails: input records are already validated upstream.
func (a *Aggregator) Accumulate(rec Record) {
	sellValue := rec.DisposedAmount.Mul(rec.SellUnitPriceUSD)

	a.tradesSeen++
	a.netPnL = a.netPnL.Add(rec.RealizedPnLUSD)

	sells, ok := a.perTokenSells[rec.Token]
	if !ok {
		sells = &SellSummary{VolumeUSD: decimal.Zero}
		a.perTokenSells[rec.Token] = sells
	}
	sells.SellCount++
	sells.VolumeUSD = sells.VolumeUSD.Add(sellValue)

	if !rec.IsJeet {
		return
	}

	a.jeetCount++
	a.totalLost = a.totalLost.Add(rec.RealizedPnLUSD.Abs())

	if !a.hasFastest || rec.HoldDuration < a.fastestHold {
		a.fastestHold = rec.HoldDuration
		a.hasFastest = true
	}

	day := utcDay(rec.DisposedAt)
	a.dailyTotals[day] = a.dailyTotals[day].Add(sellValue)

	ts, ok := a.perToken[rec.Token]
	if !ok {
		ts = &TokenSummary{TotalLossUSD: decimal.Zero}
		a.perToken[rec.Token] = ts
	}
	ts.JeetCount++
	ts.TotalLossUSD = ts.TotalLossUSD.Add(rec.RealizedPnLUSD.Abs())

	a.jeets = append(a.jeets, rec)

	log.Debug().
		Str("wallet", rec.Wallet).
		Str("token", rec.Token).
		Str("pnl_usd", rec.RealizedPnLUSD.String()).
		Dur("hold", rec.HoldDuration).
		Msg("jeet: trade flagged")
}

// Merge folds another aggregator into this one: counts and losses sum, the
// fastest hold takes the minimum, keyed maps union with per-key sums. Merge
// is associative and commutative, so sharded accumulation folded in any
// order equals sequential accumulation.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil {
		return
	}

	a.jeetCount += other.jeetCount
	a.totalLost = a.totalLost.Add(other.totalLost)

	if other.hasFastest && (!a.hasFastest || other.fastestHold < a.fastestHold) {
		a.fastestHold = other.fastestHold
		a.hasFastest = true
	}

	for day, v := range other.dailyTotals {
		a.dailyTotals[day] = a.dailyTotals[day].Add(v)
	}
	for token, ts := range other.perToken {
		dst, ok := a.perToken[token]
		if !ok {
			dst = &TokenSummary{TotalLossUSD: decimal.Zero}
			a.perToken[token] = dst
		}
		dst.JeetCount += ts.JeetCount
		dst.TotalLossUSD = dst.TotalLossUSD.Add(ts.TotalLossUSD)
	}
	a.jeets = append(a.jeets, other.jeets...)

	a.tradesSeen += other.tradesSeen
	a.netPnL = a.netPnL.Add(other.netPnL)
	for token, ss := range other.perTokenSells {
		dst, ok := a.perTokenSells[token]
		if !ok {
			dst = &SellSummary{VolumeUSD: decimal.Zero}
			a.perTokenSells[token] = dst
		}
		dst.SellCount += ss.SellCount
		dst.VolumeUSD = dst.VolumeUSD.Add(ss.VolumeUSD)
	}
}

// Snapshot returns a deep copy of all aggregates.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		TotalJeetCount:    a.jeetCount,
		TotalUSDLost:      a.totalLost,
		AverageLossUSD:    decimal.Zero,
		TokensJeeted:      len(a.perToken),
		DailyTotals:       make(map[string]decimal.Decimal, len(a.dailyTotals)),
		PerToken:          make(map[string]TokenSummary, len(a.perToken)),
		TradesSeen:        a.tradesSeen,
		NetRealizedPnLUSD: a.netPnL,
		PerTokenSells:     make(map[string]SellSummary, len(a.perTokenSells)),
	}
	if a.jeetCount > 0 {
		snap.AverageLossUSD = a.totalLost.Div(decimal.NewFromInt(a.jeetCount))
	}
	if a.hasFastest {
		snap.FastestHoldMs = a.fastestHold.Milliseconds()
	}
	for day, v := range a.dailyTotals {
		snap.DailyTotals[day] = v
	}
	for token, ts := range a.perToken {
		snap.PerToken[token] = *ts
	}
	for token, ss := range a.perTokenSells {
		snap.PerTokenSells[token] = *ss
	}
	return snap
}

// Jeets returns a copy of the retained jeet records in arrival order.
func (a *Aggregator) Jeets() []Record {
	out := make([]Record, len(a.jeets))
	copy(out, a.jeets)
	return out
}

// TopNByLoss returns up to n jeet trades sorted by loss magnitude
// descending, ties broken by earliest disposal.
func (a *Aggregator) TopNByLoss(n int) []Record {
	if n <= 0 || len(a.jeets) == 0 {
		return nil
	}

	sorted := make([]Record, len(a.jeets))
	copy(sorted, a.jeets)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].RealizedPnLUSD, sorted[j].RealizedPnLUSD
		if !pi.Equal(pj) {
			return pi.LessThan(pj) // more negative = bigger loss first
		}
		return sorted[i].DisposedAt.Before(sorted[j].DisposedAt)
	})

	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// FastestToday returns the jeet with the shortest hold among those disposed
// on now's UTC calendar day. Returns ErrNoJeetsToday when the day is clean.
func (a *Aggregator) FastestToday(now time.Time) (Record, error) {
	today := utcDay(now)

	var best Record
	found := false
	for _, rec := range a.jeets {
		if utcDay(rec.DisposedAt) != today {
			continue
		}
		if !found || rec.HoldDuration < best.HoldDuration {
			best = rec
			found = true
		}
	}
	if !found {
		return Record{}, ErrNoJeetsToday
	}
	return best, nil
}

// Reset returns the aggregator to its initial empty state.
func (a *Aggregator) Reset() {
	a.jeetCount = 0
	a.totalLost = decimal.Zero
	a.fastestHold = 0
	a.hasFastest = false
	a.dailyTotals = make(map[string]decimal.Decimal)
	a.perToken = make(map[string]*TokenSummary)
	a.jeets = nil
	a.tradesSeen = 0
	a.netPnL = decimal.Zero
	a.perTokenSells = make(map[string]*SellSummary)
}
