package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/profile"
)

// ---------------------------------------------------------------------------
// Exports — CSV / JSON artifacts for offline analysis
//
// Full wallet and token identifiers stay the data keys everywhere in this
// repo; shortening and rounding happen here, at the presentation boundary,
// and nowhere earlier.
// ---------------------------------------------------------------------------

// ExportOptions filters the trade set before writing.
type ExportOptions struct {
	OutputDir   string
	JeetsOnly   bool    // keep only flagged trades
	MinLossUSD  float64 // keep only trades that lost at least this much; 0 = keep all
	TokenFilter string  // exact match on the full token id; empty = all tokens
}

// FilterTrades applies the options and returns the surviving trades sorted
// by disposal time.
func FilterTrades(trades []jeet.Record, opts ExportOptions) []jeet.Record {
	minLoss := decimal.NewFromFloat(opts.MinLossUSD)

	var filtered []jeet.Record
	for _, rec := range trades {
		if opts.JeetsOnly && !rec.IsJeet {
			continue
		}
		if opts.TokenFilter != "" && rec.Token != opts.TokenFilter {
			continue
		}
		if opts.MinLossUSD > 0 && rec.RealizedPnLUSD.GreaterThan(minLoss.Neg()) {
			continue
		}
		filtered = append(filtered, rec)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].DisposedAt.Before(filtered[j].DisposedAt)
	})
	return filtered
}

// FormatUSD renders a USD figure with bankers-rounded cents.
func FormatUSD(d decimal.Decimal) string {
	return d.StringFixedBank(2)
}

// TruncateAddress shortens an address or token id to its 8-char prefix for
// display. Data structures always carry the full id.
func TruncateAddress(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// TimestampedPath builds "<dir>/<prefix>_<yyyymmdd_hhmmss>.<ext>".
func TimestampedPath(dir, prefix, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("20060102_150405"), ext))
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

// TradeCSVHeaders returns the header row for trade CSV files.
func TradeCSVHeaders() []string {
	return []string{
		"wallet",
		"token",
		"disposed_at",
		"acquired_at",
		"disposed_amount",
		"sell_price_usd",
		"cost_price_usd",
		"pnl_usd",
		"hold_seconds",
		"is_jeet",
		"untracked",
	}
}

func tradeToCSV(rec jeet.Record) []string {
	return []string{
		rec.Wallet,
		rec.Token,
		rec.DisposedAt.UTC().Format(time.RFC3339),
		rec.AcquiredAt.UTC().Format(time.RFC3339),
		rec.DisposedAmount.String(),
		FormatUSD(rec.SellUnitPriceUSD),
		FormatUSD(rec.CostUnitPriceUSD),
		FormatUSD(rec.RealizedPnLUSD),
		fmt.Sprintf("%.3f", rec.HoldDuration.Seconds()),
		fmt.Sprintf("%v", rec.IsJeet),
		fmt.Sprintf("%v", rec.Untracked),
	}
}

// WriteTradesCSV writes every given trade, one row each.
func WriteTradesCSV(path string, trades []jeet.Record) error {
	return writeCSV(path, TradeCSVHeaders(), len(trades), func(w *csv.Writer) error {
		for _, rec := range trades {
			if err := w.Write(tradeToCSV(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

// JeetCSVHeaders returns the header row for jeet CSV files.
func JeetCSVHeaders() []string {
	return []string{
		"wallet",
		"token",
		"disposed_at",
		"disposed_amount",
		"sell_value_usd",
		"loss_usd",
		"hold_ms",
	}
}

func jeetToCSV(rec jeet.Record) []string {
	sellValue := rec.DisposedAmount.Mul(rec.SellUnitPriceUSD)
	return []string{
		rec.Wallet,
		rec.Token,
		rec.DisposedAt.UTC().Format(time.RFC3339),
		rec.DisposedAmount.String(),
		FormatUSD(sellValue),
		FormatUSD(rec.RealizedPnLUSD.Abs()),
		fmt.Sprintf("%d", rec.HoldDuration.Milliseconds()),
	}
}

// WriteJeetsCSV writes the flagged trades only; unflagged records in the
// input are skipped rather than treated as an error.
func WriteJeetsCSV(path string, trades []jeet.Record) error {
	count := 0
	err := writeCSV(path, JeetCSVHeaders(), len(trades), func(w *csv.Writer) error {
		for _, rec := range trades {
			if !rec.IsJeet {
				continue
			}
			count++
			if err := w.Write(jeetToCSV(rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Int("jeets", count).Str("path", path).Msg("export: jeets csv written")
	return nil
}

func writeCSV(path string, headers []string, rows int, body func(w *csv.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	if err := body(w); err != nil {
		return fmt.Errorf("export: write csv rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}

	log.Debug().Int("rows", rows).Str("path", path).Msg("export: csv written")
	return nil
}

// ---------------------------------------------------------------------------
// JSON snapshot document
// ---------------------------------------------------------------------------

// snapshotDocument wraps a snapshot with export metadata and an optional
// wallet leaderboard.
type snapshotDocument struct {
	ExportedAt time.Time               `json:"exported_at"`
	Snapshot   jeet.Snapshot           `json:"snapshot"`
	TopWallets []profile.WalletProfile `json:"top_wallets,omitempty"`
}

// WriteSnapshotJSON writes the aggregate snapshot, optionally with a wallet
// leaderboard, as an indented JSON document.
func WriteSnapshotJSON(path string, snap jeet.Snapshot, topWallets []profile.WalletProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create json: %w", err)
	}
	defer f.Close()

	doc := snapshotDocument{
		ExportedAt: time.Now().UTC(),
		Snapshot:   snap,
		TopWallets: topWallets,
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: encode snapshot: %w", err)
	}

	log.Info().
		Int64("jeets", snap.TotalJeetCount).
		Int("top_wallets", len(topWallets)).
		Str("path", path).
		Msg("export: snapshot json written")

	return nil
}
