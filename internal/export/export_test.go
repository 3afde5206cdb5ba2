package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/profile"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func makeRecord(wallet, token string, pnl string, hold time.Duration, isJeet bool) jeet.Record {
	return jeet.Record{
		RealizedTrade: ledger.RealizedTrade{
			Wallet:           wallet,
			Token:            token,
			DisposedAmount:   dec("10"),
			SellUnitPriceUSD: dec("1.5"),
			CostUnitPriceUSD: dec("2.0"),
			AcquiredAt:       baseTime,
			DisposedAt:       baseTime.Add(hold),
			HoldDuration:     hold,
			RealizedPnLUSD:   dec(pnl),
		},
		IsJeet: isJeet,
	}
}

func sampleTrades() []jeet.Record {
	return []jeet.Record{
		makeRecord("w1", "tokenAAAAAAAAAAAA", "-150", time.Minute, true),
		makeRecord("w2", "tokenB", "-50", 2*time.Hour, false),
		makeRecord("w2", "tokenC", "40", time.Hour, false),
		makeRecord("w3", "tokenAAAAAAAAAAAA", "-500", 30*time.Second, true),
	}
}

// ---------------------------------------------------------------------------
// Filtering
// ---------------------------------------------------------------------------

func TestFilterTradesJeetsOnly(t *testing.T) {
	got := FilterTrades(sampleTrades(), ExportOptions{JeetsOnly: true})
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.True(t, rec.IsJeet)
	}
}

func TestFilterTradesMinLoss(t *testing.T) {
	got := FilterTrades(sampleTrades(), ExportOptions{MinLossUSD: 100})
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.True(t, rec.RealizedPnLUSD.LessThanOrEqual(dec("-100")))
	}
}

func TestFilterTradesTokenFilter(t *testing.T) {
	got := FilterTrades(sampleTrades(), ExportOptions{TokenFilter: "tokenAAAAAAAAAAAA"})
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.Equal(t, "tokenAAAAAAAAAAAA", rec.Token)
	}
}

func TestFilterTradesSortsByDisposalTime(t *testing.T) {
	got := FilterTrades(sampleTrades(), ExportOptions{})
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].DisposedAt.Before(got[i-1].DisposedAt))
	}
}

func TestFilterTradesZeroMinLossKeepsProfits(t *testing.T) {
	got := FilterTrades(sampleTrades(), ExportOptions{MinLossUSD: 0})
	assert.Len(t, got, 4)
}

// ---------------------------------------------------------------------------
// Presentation helpers
// ---------------------------------------------------------------------------

func TestFormatUSDBankersRounding(t *testing.T) {
	assert.Equal(t, "10.12", FormatUSD(dec("10.125")))
	assert.Equal(t, "10.14", FormatUSD(dec("10.135")))
	assert.Equal(t, "-150.00", FormatUSD(dec("-150")))
	assert.Equal(t, "0.00", FormatUSD(decimal.Zero))
}

func TestTruncateAddress(t *testing.T) {
	assert.Equal(t, "tokenAAA", TruncateAddress("tokenAAAAAAAAAAAA"))
	assert.Equal(t, "short", TruncateAddress("short"))
	assert.Equal(t, "exactly8", TruncateAddress("exactly8"))
}

func TestTimestampedPath(t *testing.T) {
	p := TimestampedPath("/tmp/exports", "trades", "csv")
	assert.Equal(t, "/tmp/exports", filepath.Dir(p))
	assert.Contains(t, filepath.Base(p), "trades_")
	assert.Contains(t, filepath.Base(p), ".csv")
}

// ---------------------------------------------------------------------------
// CSV files
// ---------------------------------------------------------------------------

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteTradesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, WriteTradesCSV(path, sampleTrades()))

	rows := readCSV(t, path)
	require.Len(t, rows, 5) // header + 4 trades
	assert.Equal(t, TradeCSVHeaders(), rows[0])

	first := rows[1]
	assert.Equal(t, "w1", first[0])
	assert.Equal(t, "tokenAAAAAAAAAAAA", first[1], "csv carries the full token id")
	assert.Equal(t, "-150.00", first[7])
	assert.Equal(t, "60.000", first[8])
	assert.Equal(t, "true", first[9])
}

func TestWriteJeetsCSVSkipsUnflagged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jeets.csv")
	require.NoError(t, WriteJeetsCSV(path, sampleTrades()))

	rows := readCSV(t, path)
	require.Len(t, rows, 3) // header + 2 jeets
	assert.Equal(t, JeetCSVHeaders(), rows[0])

	assert.Equal(t, "w1", rows[1][0])
	assert.Equal(t, "150.00", rows[1][5], "loss column is the absolute loss")
	assert.Equal(t, "60000", rows[1][6])
	assert.Equal(t, "w3", rows[2][0])
}

func TestWriteTradesCSVCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "trades.csv")
	require.NoError(t, WriteTradesCSV(path, sampleTrades()))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// JSON snapshot
// ---------------------------------------------------------------------------

func TestWriteSnapshotJSON(t *testing.T) {
	agg := jeet.NewAggregator()
	for _, rec := range sampleTrades() {
		agg.Accumulate(rec)
	}
	snap := agg.Snapshot()

	prof := profile.New(profile.DefaultConfig())
	for _, rec := range sampleTrades() {
		prof.Record(rec)
	}

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, WriteSnapshotJSON(path, snap, prof.TopJeeters(2)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		ExportedAt time.Time     `json:"exported_at"`
		Snapshot   jeet.Snapshot `json:"snapshot"`
		TopWallets []struct {
			Wallet string `json:"wallet"`
		} `json:"top_wallets"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.False(t, doc.ExportedAt.IsZero())
	assert.Equal(t, int64(2), doc.Snapshot.TotalJeetCount)
	assert.True(t, doc.Snapshot.TotalUSDLost.Equal(dec("650")))
	require.Len(t, doc.TopWallets, 2)
	assert.Equal(t, "w3", doc.TopWallets[0].Wallet, "biggest loser leads the board")
}

func TestWriteSnapshotJSONWithoutLeaderboard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, WriteSnapshotJSON(path, jeet.NewAggregator().Snapshot(), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "top_wallets")
}
