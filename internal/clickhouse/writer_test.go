package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTradeRow creates a test trade row with the given index for uniqueness.
func makeTradeRow(i int) TradeRow {
	return TradeToRow(
		fmt.Sprintf("event-%d", i),
		"wallet-abc", "token-xyz",
		decimal.NewFromInt(100),
		decimal.NewFromFloat(0.5),
		decimal.NewFromFloat(1.5+float64(i)),
		decimal.NewFromFloat(-100.0-float64(i)),
		time.Now().Add(-time.Minute),
		time.Now(),
		60_000,
		true, false,
	)
}

// makeJeetRow creates a test jeet row with the given index for uniqueness.
func makeJeetRow(i int) JeetRow {
	return JeetToRow(
		fmt.Sprintf("jeet-%d", i),
		"wallet-abc", "token-xyz",
		decimal.NewFromFloat(-150.0-float64(i)),
		decimal.NewFromFloat(50.0),
		45_000,
		time.Now(),
		"serial_jeeter",
	)
}

func TestBatchSizeTrigger_Trades(t *testing.T) {
	const batchSize = 10

	var mu sync.Mutex
	var flushedRows [][]any

	w := NewTradeWriter(nil, "jeetwatch", batchSize, time.Hour) // huge interval so timer won't fire
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushedRows = append(flushedRows, rows...)
		mu.Unlock()
		assert.Equal(t, "jeetwatch.realized_trades", table)
		return nil
	})

	ctx := context.Background()

	// Write exactly batchSize trades. The last write should trigger a flush.
	for i := 0; i < batchSize; i++ {
		err := w.WriteTrade(ctx, makeTradeRow(i))
		require.NoError(t, err)
	}

	mu.Lock()
	count := len(flushedRows)
	mu.Unlock()

	assert.Equal(t, batchSize, count, "flush should have been triggered at batchSize")
}

func TestBatchSizeTrigger_Jeets(t *testing.T) {
	const batchSize = 5

	var mu sync.Mutex
	var flushedRows [][]any

	w := NewTradeWriter(nil, "", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushedRows = append(flushedRows, rows...)
		mu.Unlock()
		assert.Equal(t, "jeet_events", table)
		return nil
	})

	ctx := context.Background()

	for i := 0; i < batchSize; i++ {
		err := w.WriteJeet(ctx, makeJeetRow(i))
		require.NoError(t, err)
	}

	mu.Lock()
	count := len(flushedRows)
	mu.Unlock()

	assert.Equal(t, batchSize, count, "flush should have been triggered at batchSize")
}

func TestBatchSizeTrigger_Mixed(t *testing.T) {
	const batchSize = 6

	var totalFlushed atomic.Int64

	w := NewTradeWriter(nil, "jeetwatch", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()

	// Write 3 trades + 3 jeets = 6 total, should trigger flush.
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteTrade(ctx, makeTradeRow(i)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteJeet(ctx, makeJeetRow(i)))
	}

	assert.Equal(t, int64(6), totalFlushed.Load(), "flush should trigger when combined buffers reach batchSize")
}

func TestFlushIntervalTrigger(t *testing.T) {
	var totalFlushed atomic.Int64

	w := NewTradeWriter(nil, "jeetwatch", 1000, 50*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Write fewer rows than batchSize.
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteTrade(ctx, makeTradeRow(i)))
	}

	// Start the background flush goroutine.
	w.Start(ctx)

	// Wait for the flush interval to fire.
	time.Sleep(200 * time.Millisecond)

	cancel()
	// Close waits for the background goroutine and does a final flush.
	err := w.Close()
	require.NoError(t, err)

	assert.Equal(t, int64(5), totalFlushed.Load(),
		"periodic flush should have written all 5 rows")
}

func TestFlushEmpty(t *testing.T) {
	hookCalled := false

	w := NewTradeWriter(nil, "jeetwatch", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	// Flushing with no data should not call the hook.
	err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, hookCalled, "flush hook should not be called when buffers are empty")
}

func TestSnapshotsOnlyFlushPeriodically(t *testing.T) {
	hookCalled := false

	w := NewTradeWriter(nil, "jeetwatch", 2, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	ctx := context.Background()

	// Snapshots never trigger a size flush, even past batchSize.
	for i := 0; i < 5; i++ {
		row := SnapshotToRow(time.Now(), int64(i),
			decimal.NewFromInt(1000), decimal.NewFromInt(200),
			30_000, 3, 100, decimal.NewFromInt(-500),
			map[string]int{"k": i})
		require.NoError(t, w.WriteSnapshot(ctx, row))
	}
	assert.False(t, hookCalled, "snapshot writes should not auto-flush")

	// An explicit flush drains them.
	require.NoError(t, w.Flush(ctx))
	assert.True(t, hookCalled)

	_, _, _, _, pendingSnaps := w.Stats()
	assert.Equal(t, 0, pendingSnaps)
}

func TestConcurrentWrites(t *testing.T) {
	const (
		numGoroutines = 10
		writesPerGo   = 100
		batchSize     = 50
	)

	var totalFlushed atomic.Int64

	w := NewTradeWriter(nil, "jeetwatch", batchSize, time.Hour) // no timer flush
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()

	// Launch concurrent writers.
	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(gID int) {
			defer wg.Done()
			for i := 0; i < writesPerGo; i++ {
				if gID%2 == 0 {
					_ = w.WriteTrade(ctx, makeTradeRow(i))
				} else {
					_ = w.WriteJeet(ctx, makeJeetRow(i))
				}
			}
		}(g)
	}
	wg.Wait()

	// Flush any remaining buffered rows.
	err := w.Flush(ctx)
	require.NoError(t, err)

	expected := int64(numGoroutines * writesPerGo)
	assert.Equal(t, expected, totalFlushed.Load(),
		"all rows from concurrent writers must be flushed")
}

func TestWriterClosedRejectsWrites(t *testing.T) {
	w := NewTradeWriter(nil, "jeetwatch", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error { return nil })

	err := w.Close()
	require.NoError(t, err)

	err = w.WriteTrade(context.Background(), makeTradeRow(0))
	assert.Error(t, err, "writing to a closed writer should return an error")

	err = w.WriteJeet(context.Background(), makeJeetRow(0))
	assert.Error(t, err, "writing to a closed writer should return an error")
}

func TestBatchNotFlushedBelowThreshold(t *testing.T) {
	hookCalled := false

	w := NewTradeWriter(nil, "jeetwatch", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	ctx := context.Background()

	// Write fewer rows than batchSize - should NOT trigger auto-flush.
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteTrade(ctx, makeTradeRow(i)))
	}

	assert.False(t, hookCalled, "auto-flush should not fire below batchSize")

	// Verify the rows are buffered.
	_, _, pending, _, _ := w.Stats()
	assert.Equal(t, 50, pending, "50 trades should be buffered")
}

func TestTableNamePrefix(t *testing.T) {
	var capturedTable string

	w := NewTradeWriter(nil, "mydb", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		capturedTable = table
		return nil
	})

	ctx := context.Background()

	// Writing 1 trade should trigger a flush (batchSize=1).
	require.NoError(t, w.WriteTrade(ctx, makeTradeRow(0)))

	assert.Equal(t, "mydb.realized_trades", capturedTable,
		"table name should include the database prefix")
}

func TestTableNameNoPrefix(t *testing.T) {
	var capturedTable string

	w := NewTradeWriter(nil, "", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		capturedTable = table
		return nil
	})

	ctx := context.Background()

	require.NoError(t, w.WriteJeet(ctx, makeJeetRow(0)))

	assert.Equal(t, "jeet_events", capturedTable,
		"table name should not have a prefix when table is empty")
}

func TestTradeToRowFlags(t *testing.T) {
	row := TradeToRow("ev-1", "w", "t",
		decimal.NewFromInt(10), decimal.NewFromFloat(0.4),
		decimal.Zero, decimal.NewFromInt(4),
		time.Now(), time.Now(), 0,
		false, true)

	assert.Equal(t, uint8(0), row.IsJeet)
	assert.Equal(t, uint8(1), row.Untracked)
	assert.Equal(t, 10.0, row.DisposedAmount)
	assert.Equal(t, 4.0, row.RealizedPnLUSD)
}
