package replay

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/profile"
)

// ---------------------------------------------------------------------------
// CompareRuns — divergence detection between two replay results
// ---------------------------------------------------------------------------

// maxTradeDivergences caps the trade-level entries listed in a report. One
// early divergence usually cascades into thousands of downstream mismatches;
// listing fifty is enough to find it. MismatchedTrades still holds the true
// count.
const maxTradeDivergences = 50

// DivergenceReport captures differences between two runs of the same
// capture. Two runs over identical input must be identical; there are no
// tolerances because every figure is decimal arithmetic over a sorted
// stream, so anything but exact equality is a bug.
type DivergenceReport struct {
	TotalTrades      int          `json:"total_trades"`
	MatchedTrades    int          `json:"matched_trades"`
	MismatchedTrades int          `json:"mismatched_trades"`
	Passed           bool         `json:"passed"`
	Divergences      []Divergence `json:"divergences"`
}

// Divergence is a single difference between the two runs.
type Divergence struct {
	Type     string `json:"type"` // trade_count, trade_mismatch, snapshot_mismatch, profile_mismatch, counter_mismatch
	Index    int    `json:"index,omitempty"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// CompareRuns compares two replay results position by position.
//
// The comparison walks:
//  1. the classified trade streams, index by index;
//  2. the aggregate snapshots, field by field including the keyed maps;
//  3. the wallet profiles (both sides arrive wallet-sorted);
//  4. the ledger counters.
func CompareRuns(original, replayed *Result) *DivergenceReport {
	report := &DivergenceReport{}

	// 1. Trade streams.
	report.TotalTrades = len(original.Trades)
	if len(original.Trades) != len(replayed.Trades) {
		report.Divergences = append(report.Divergences, Divergence{
			Type:     "trade_count",
			Expected: fmt.Sprintf("%d", len(original.Trades)),
			Actual:   fmt.Sprintf("%d", len(replayed.Trades)),
		})
	}

	n := len(original.Trades)
	if len(replayed.Trades) < n {
		n = len(replayed.Trades)
	}
	for i := 0; i < n; i++ {
		if tradesEqual(original.Trades[i], replayed.Trades[i]) {
			report.MatchedTrades++
			continue
		}
		report.MismatchedTrades++
		if report.MismatchedTrades <= maxTradeDivergences {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "trade_mismatch",
				Index:    i,
				Expected: describeTrade(original.Trades[i]),
				Actual:   describeTrade(replayed.Trades[i]),
			})
		}
	}

	// 2. Aggregate snapshots.
	diffSnapshots(report, original.Snapshot, replayed.Snapshot)

	// 3. Wallet profiles.
	diffProfiles(report, original.Profiles, replayed.Profiles)

	// 4. Ledger counters.
	diffCounters(report, original, replayed)

	report.Passed = report.MismatchedTrades == 0 && len(report.Divergences) == 0
	return report
}

// tradesEqual compares every field that determinism covers. Decimal fields
// compare by value, not representation.
func tradesEqual(a, b jeet.Record) bool {
	return a.Wallet == b.Wallet &&
		a.Token == b.Token &&
		a.DisposedAmount.Equal(b.DisposedAmount) &&
		a.SellUnitPriceUSD.Equal(b.SellUnitPriceUSD) &&
		a.CostUnitPriceUSD.Equal(b.CostUnitPriceUSD) &&
		a.RealizedPnLUSD.Equal(b.RealizedPnLUSD) &&
		a.AcquiredAt.Equal(b.AcquiredAt) &&
		a.DisposedAt.Equal(b.DisposedAt) &&
		a.HoldDuration == b.HoldDuration &&
		a.IsJeet == b.IsJeet &&
		a.Untracked == b.Untracked
}

// describeTrade renders a trade compactly for divergence reports.
func describeTrade(rec jeet.Record) string {
	return fmt.Sprintf("%s/%s amt=%s pnl=%s hold=%s jeet=%v untracked=%v",
		rec.Wallet, rec.Token,
		rec.DisposedAmount.String(), rec.RealizedPnLUSD.String(),
		rec.HoldDuration, rec.IsJeet, rec.Untracked)
}

func diffSnapshots(report *DivergenceReport, a, b jeet.Snapshot) {
	snapInt := func(field string, x, y int64) {
		if x != y {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "snapshot_mismatch",
				Field:    field,
				Expected: fmt.Sprintf("%d", x),
				Actual:   fmt.Sprintf("%d", y),
			})
		}
	}
	snapDec := func(field string, x, y decimal.Decimal) {
		if !x.Equal(y) {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "snapshot_mismatch",
				Field:    field,
				Expected: x.String(),
				Actual:   y.String(),
			})
		}
	}

	snapInt("total_jeet_count", a.TotalJeetCount, b.TotalJeetCount)
	snapDec("total_usd_lost", a.TotalUSDLost, b.TotalUSDLost)
	snapDec("average_loss_usd", a.AverageLossUSD, b.AverageLossUSD)
	snapInt("fastest_hold_ms", a.FastestHoldMs, b.FastestHoldMs)
	snapInt("tokens_jeeted", int64(a.TokensJeeted), int64(b.TokensJeeted))
	snapInt("trades_seen", a.TradesSeen, b.TradesSeen)
	snapDec("net_realized_pnl_usd", a.NetRealizedPnLUSD, b.NetRealizedPnLUSD)

	snapInt("daily_totals_len", int64(len(a.DailyTotals)), int64(len(b.DailyTotals)))
	for day, va := range a.DailyTotals {
		vb, ok := b.DailyTotals[day]
		if !ok {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "snapshot_mismatch",
				Field:    "daily_totals[" + day + "]",
				Expected: va.String(),
				Actual:   "<missing>",
			})
			continue
		}
		snapDec("daily_totals["+day+"]", va, vb)
	}

	snapInt("per_token_len", int64(len(a.PerToken)), int64(len(b.PerToken)))
	for token, va := range a.PerToken {
		vb, ok := b.PerToken[token]
		if !ok {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "snapshot_mismatch",
				Field:    "per_token[" + token + "]",
				Expected: fmt.Sprintf("%d jeets", va.JeetCount),
				Actual:   "<missing>",
			})
			continue
		}
		snapInt("per_token["+token+"].jeet_count", va.JeetCount, vb.JeetCount)
		snapDec("per_token["+token+"].total_loss_usd", va.TotalLossUSD, vb.TotalLossUSD)
	}

	snapInt("per_token_sells_len", int64(len(a.PerTokenSells)), int64(len(b.PerTokenSells)))
	for token, va := range a.PerTokenSells {
		vb, ok := b.PerTokenSells[token]
		if !ok {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "snapshot_mismatch",
				Field:    "per_token_sells[" + token + "]",
				Expected: fmt.Sprintf("%d sells", va.SellCount),
				Actual:   "<missing>",
			})
			continue
		}
		snapInt("per_token_sells["+token+"].sell_count", va.SellCount, vb.SellCount)
		snapDec("per_token_sells["+token+"].volume_usd", va.VolumeUSD, vb.VolumeUSD)
	}
}

func diffProfiles(report *DivergenceReport, a, b []profile.WalletProfile) {
	if len(a) != len(b) {
		report.Divergences = append(report.Divergences, Divergence{
			Type:     "profile_mismatch",
			Field:    "profile_count",
			Expected: fmt.Sprintf("%d", len(a)),
			Actual:   fmt.Sprintf("%d", len(b)),
		})
	}

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		pa, pb := a[i], b[i]
		if pa.Wallet == pb.Wallet &&
			pa.Tier == pb.Tier &&
			pa.TradesSeen == pb.TradesSeen &&
			pa.JeetCount == pb.JeetCount &&
			pa.TotalLostUSD.Equal(pb.TotalLostUSD) &&
			pa.NetRealizedPnLUSD.Equal(pb.NetRealizedPnLUSD) &&
			pa.FastestHoldMs == pb.FastestHoldMs {
			continue
		}
		report.Divergences = append(report.Divergences, Divergence{
			Type:     "profile_mismatch",
			Index:    i,
			Field:    pa.Wallet,
			Expected: describeProfile(pa),
			Actual:   describeProfile(pb),
		})
	}
}

func describeProfile(p profile.WalletProfile) string {
	return fmt.Sprintf("%s tier=%s trades=%d jeets=%d lost=%s pnl=%s",
		p.Wallet, p.Tier, p.TradesSeen, p.JeetCount,
		p.TotalLostUSD.String(), p.NetRealizedPnLUSD.String())
}

func diffCounters(report *DivergenceReport, a, b *Result) {
	counter := func(field string, x, y int64) {
		if x != y {
			report.Divergences = append(report.Divergences, Divergence{
				Type:     "counter_mismatch",
				Field:    field,
				Expected: fmt.Sprintf("%d", x),
				Actual:   fmt.Sprintf("%d", y),
			})
		}
	}

	counter("event_count", int64(a.EventCount), int64(b.EventCount))
	counter("skipped", int64(a.Skipped), int64(b.Skipped))
	counter("prices_filled", int64(a.PricesFilled), int64(b.PricesFilled))
	counter("events_applied", a.LedgerStats.EventsApplied, b.LedgerStats.EventsApplied)
	counter("trades_emitted", a.LedgerStats.TradesEmitted, b.LedgerStats.TradesEmitted)
	counter("rejected", a.LedgerStats.Rejected, b.LedgerStats.Rejected)
	counter("shortfalls", a.LedgerStats.Shortfalls, b.LedgerStats.Shortfalls)
	counter("synthetic_lots", a.LedgerStats.SyntheticLots, b.LedgerStats.SyntheticLots)
	counter("open_lots", int64(a.LedgerStats.OpenLots), int64(b.LedgerStats.OpenLots))
	counter("pairs_tracked", int64(a.LedgerStats.PairsTracked), int64(b.LedgerStats.PairsTracked))
}

// Summary renders a one-line pass/fail line for logs and CLI output.
func (r *DivergenceReport) Summary() string {
	status := "PASSED"
	if !r.Passed {
		status = "FAILED"
	}
	return fmt.Sprintf("%s: %d trades, %d matched, %d mismatched, %d divergences",
		status, r.TotalTrades, r.MatchedTrades, r.MismatchedTrades, len(r.Divergences))
}

// FirstDivergenceTime returns the disposal time of the earliest mismatched
// trade, or the zero time when the runs agree. Useful for narrowing a
// capture window around a regression.
func (r *DivergenceReport) FirstDivergenceTime(original *Result) time.Time {
	for _, d := range r.Divergences {
		if d.Type != "trade_mismatch" {
			continue
		}
		if d.Index >= 0 && d.Index < len(original.Trades) {
			return original.Trades[d.Index].DisposedAt
		}
	}
	return time.Time{}
}
