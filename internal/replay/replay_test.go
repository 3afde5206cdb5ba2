package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/pricing"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func makeEvent(wallet, token string, at time.Time, delta, price string) ledger.BalanceChange {
	return ledger.BalanceChange{
		Wallet:       wallet,
		Token:        token,
		Timestamp:    at,
		AmountDelta:  dec(delta),
		UnitPriceUSD: dec(price),
	}
}

// jeetCapture is a small capture with one obvious jeet, one patient loss,
// and one profit, spread over two wallets.
func jeetCapture() []ledger.BalanceChange {
	return []ledger.BalanceChange{
		// w1 buys 100 at $2, panic-sells 60s later at $0.50: -$150 loss.
		makeEvent("w1", "tokenA", baseTime, "100", "2.0"),
		makeEvent("w1", "tokenA", baseTime.Add(60*time.Second), "-100", "0.50"),
		// w2 buys 50 at $4, sells after two hours at $1: big loss, long hold.
		makeEvent("w2", "tokenB", baseTime, "50", "4.0"),
		makeEvent("w2", "tokenB", baseTime.Add(2*time.Hour), "-50", "1.0"),
		// w2 buys 10 at $1, sells at $5: profit.
		makeEvent("w2", "tokenC", baseTime.Add(3*time.Hour), "10", "1.0"),
		makeEvent("w2", "tokenC", baseTime.Add(4*time.Hour), "-10", "5.0"),
	}
}

func sourceOf(events []ledger.BalanceChange) *InMemorySource {
	src := NewInMemorySource()
	for _, ev := range events {
		src.Add(ev)
	}
	return src
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunProducesClassifiedTrades(t *testing.T) {
	runner := NewRunner(DefaultConfig(), sourceOf(jeetCapture()))

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, result.EventCount)
	assert.Equal(t, 0, result.Skipped)
	require.Len(t, result.Trades, 3)
	require.Len(t, result.Jeets, 1)

	j := result.Jeets[0]
	assert.Equal(t, "w1", j.Wallet)
	assert.True(t, j.RealizedPnLUSD.Equal(dec("-150")))
	assert.Equal(t, 60*time.Second, j.HoldDuration)

	assert.Equal(t, int64(1), result.Snapshot.TotalJeetCount)
	assert.True(t, result.Snapshot.TotalUSDLost.Equal(dec("150")))
	assert.Equal(t, int64(3), result.Snapshot.TradesSeen)

	require.Len(t, result.Profiles, 2)
	assert.Equal(t, "w1", result.Profiles[0].Wallet)
	assert.Equal(t, "w2", result.Profiles[1].Wallet)
}

func TestRunSortsOutOfOrderCapture(t *testing.T) {
	events := jeetCapture()
	// Reverse the capture; the runner must restore timestamp order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	runner := NewRunner(DefaultConfig(), sourceOf(events))
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Skipped)
	assert.Len(t, result.Trades, 3)
	assert.Len(t, result.Jeets, 1)
}

func TestRunSkipsInvalidEvents(t *testing.T) {
	events := jeetCapture()
	events = append(events, makeEvent("w9", "tokenZ", baseTime.Add(5*time.Hour), "0", "1.0"))

	runner := NewRunner(DefaultConfig(), sourceOf(events))
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, result.EventCount)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, result.Trades, 3)
}

func TestRunSkipsShortfallWhenSyntheticDisabled(t *testing.T) {
	config := DefaultConfig()
	config.Ledger.SyntheticLotOnShortfall = false

	src := sourceOf([]ledger.BalanceChange{
		makeEvent("w1", "tokenA", baseTime, "10", "1.0"),
		makeEvent("w1", "tokenA", baseTime.Add(time.Minute), "-25", "2.0"),
	})

	runner := NewRunner(config, src)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Trades)
	assert.Equal(t, int64(1), result.LedgerStats.Shortfalls)
}

func TestRunFillsZeroPricesFromOracle(t *testing.T) {
	src := sourceOf([]ledger.BalanceChange{
		makeEvent("w1", "tokenA", baseTime, "100", "2.0"),
		makeEvent("w1", "tokenA", baseTime.Add(30*time.Second), "-100", "0"),
	})

	config := DefaultConfig()
	config.Oracle = pricing.NewStaticOracle(
		map[string]float64{"tokenA": 0.5}, pricing.DefaultFallbackPriceUSD)

	result, err := NewRunner(config, src).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.PricesFilled)
	require.Len(t, result.Trades, 1)
	assert.True(t, result.Trades[0].SellUnitPriceUSD.Equal(dec("0.5")))
	assert.True(t, result.Trades[0].RealizedPnLUSD.Equal(dec("-150")))
	assert.True(t, result.Trades[0].IsJeet)
}

func TestRunWithoutOracleKeepsZeroPrices(t *testing.T) {
	src := sourceOf([]ledger.BalanceChange{
		makeEvent("w1", "tokenA", baseTime, "100", "2.0"),
		makeEvent("w1", "tokenA", baseTime.Add(30*time.Second), "-100", "0"),
	})

	result, err := NewRunner(DefaultConfig(), src).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.PricesFilled)
	require.Len(t, result.Trades, 1)
	assert.True(t, result.Trades[0].RealizedPnLUSD.Equal(dec("-200")))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(DefaultConfig(), sourceOf(jeetCapture()))
	_, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Determinism
// ---------------------------------------------------------------------------

func TestReplayIsDeterministic(t *testing.T) {
	capture := jeetCapture()

	first, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)
	second, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)

	report := CompareRuns(first, second)
	assert.True(t, report.Passed, report.Summary())
	assert.Equal(t, 3, report.TotalTrades)
	assert.Equal(t, 3, report.MatchedTrades)
	assert.Empty(t, report.Divergences)
}

func TestCompareRunsDetectsTradeMismatch(t *testing.T) {
	capture := jeetCapture()

	first, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)
	second, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)

	// Corrupt one replayed trade.
	second.Trades[1].RealizedPnLUSD = second.Trades[1].RealizedPnLUSD.Add(dec("0.01"))

	report := CompareRuns(first, second)
	assert.False(t, report.Passed)
	assert.Equal(t, 1, report.MismatchedTrades)

	found := false
	for _, d := range report.Divergences {
		if d.Type == "trade_mismatch" && d.Index == 1 {
			found = true
		}
	}
	assert.True(t, found, "expected a trade_mismatch at index 1")
	assert.Equal(t, first.Trades[1].DisposedAt, report.FirstDivergenceTime(first))
}

func TestCompareRunsDetectsSnapshotDrift(t *testing.T) {
	capture := jeetCapture()

	first, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)
	second, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)

	second.Snapshot.TotalUSDLost = second.Snapshot.TotalUSDLost.Add(dec("5"))

	report := CompareRuns(first, second)
	assert.False(t, report.Passed)

	found := false
	for _, d := range report.Divergences {
		if d.Type == "snapshot_mismatch" && d.Field == "total_usd_lost" {
			found = true
		}
	}
	assert.True(t, found, "expected a snapshot_mismatch on total_usd_lost")
}

func TestCompareRunsDetectsTradeCountDrift(t *testing.T) {
	capture := jeetCapture()

	first, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)
	second, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)

	second.Trades = second.Trades[:len(second.Trades)-1]

	report := CompareRuns(first, second)
	assert.False(t, report.Passed)

	found := false
	for _, d := range report.Divergences {
		if d.Type == "trade_count" {
			found = true
		}
	}
	assert.True(t, found, "expected a trade_count divergence")
}

// ---------------------------------------------------------------------------
// Capture files
// ---------------------------------------------------------------------------

func TestCaptureFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jsonl")

	events := jeetCapture()
	require.NoError(t, WriteCaptureFile(path, events))

	src := NewFileSource(path)
	loaded, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, len(events))
	assert.Equal(t, 0, src.BadLines())

	for i, ev := range events {
		assert.Equal(t, ev.Wallet, loaded[i].Wallet)
		assert.Equal(t, ev.Token, loaded[i].Token)
		assert.True(t, ev.AmountDelta.Equal(loaded[i].AmountDelta))
		assert.True(t, ev.UnitPriceUSD.Equal(loaded[i].UnitPriceUSD))
		assert.True(t, ev.Timestamp.Equal(loaded[i].Timestamp))
	}

	// No stray temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSourceSkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jsonl")

	require.NoError(t, WriteCaptureFile(path, jeetCapture()))

	// Splice garbage and blank lines into the capture.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := append([]byte("not json at all\n\n"), data...)
	corrupted = append(corrupted, []byte("{\"wallet\": truncated\n")...)
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	src := NewFileSource(path)
	loaded, err := src.Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, loaded, 6)
	assert.Equal(t, 2, src.BadLines())
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.jsonl"))
	_, err := src.Load(context.Background())
	assert.Error(t, err)
}

func TestFileCaptureReplayMatchesInMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jsonl")
	capture := jeetCapture()
	require.NoError(t, WriteCaptureFile(path, capture))

	fromMem, err := NewRunner(DefaultConfig(), sourceOf(capture)).Run(context.Background())
	require.NoError(t, err)
	fromFile, err := NewRunner(DefaultConfig(), NewFileSource(path)).Run(context.Background())
	require.NoError(t, err)

	report := CompareRuns(fromMem, fromFile)
	assert.True(t, report.Passed, report.Summary())
}
