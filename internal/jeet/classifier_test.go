package jeet

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/nexus-trading/jeetwatch/internal/ledger"
)

var classifyTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func makeTrade(pnl string, hold time.Duration) ledger.RealizedTrade {
	return ledger.RealizedTrade{
		Wallet:         "w1",
		Token:          "tokenA",
		DisposedAmount: decimal.RequireFromString("10"),
		AcquiredAt:     classifyTime.Add(-hold),
		DisposedAt:     classifyTime,
		HoldDuration:   hold,
		RealizedPnLUSD: decimal.RequireFromString(pnl),
	}
}

func TestClassifyBoundaries(t *testing.T) {
	c := NewClassifier(DefaultConfig()) // $100 loss, 5 minute hold

	cases := []struct {
		name string
		pnl  string
		hold time.Duration
		want bool
	}{
		{"loss and hold both within bounds", "-100.01", 4*time.Minute + 59*time.Second, true},
		{"loss exactly at threshold is excluded", "-100.00", 4*time.Minute + 59*time.Second, false},
		{"hold exactly at threshold is included", "-150", 5 * time.Minute, true},
		{"hold one second over", "-150", 5*time.Minute + time.Second, false},
		{"small loss sold fast", "-50", 10 * time.Second, false},
		{"profit sold fast", "200", 10 * time.Second, false},
		{"zero pnl", "0", 10 * time.Second, false},
		{"big loss held long", "-5000", 3 * time.Hour, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := c.Classify(makeTrade(tc.pnl, tc.hold))
			assert.Equal(t, tc.want, rec.IsJeet)
		})
	}
}

func TestClassifyKeepsTradeFields(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	trade := makeTrade("-250", time.Minute)
	rec := c.Classify(trade)

	assert.True(t, rec.IsJeet)
	assert.Equal(t, trade.Wallet, rec.Wallet)
	assert.Equal(t, trade.Token, rec.Token)
	assert.True(t, rec.RealizedPnLUSD.Equal(trade.RealizedPnLUSD))
	assert.Equal(t, trade.HoldDuration, rec.HoldDuration)
}

func TestClassifyCustomThresholds(t *testing.T) {
	c := NewClassifier(Config{LossThresholdUSD: 10, HoldTimeThresholdSec: 60})

	assert.True(t, c.Classify(makeTrade("-10.50", 30*time.Second)).IsJeet)
	assert.False(t, c.Classify(makeTrade("-10.50", 61*time.Second)).IsJeet)
	assert.False(t, c.Classify(makeTrade("-10", 30*time.Second)).IsJeet)
}

func TestSyntheticTradesNeverFlag(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	// A shortfall trade has zero cost basis and zero hold: pnl is never
	// negative, so the verdict is always false.
	trade := makeTrade("400", 0)
	trade.Untracked = true
	trade.CostUnitPriceUSD = decimal.Zero

	assert.False(t, c.Classify(trade).IsJeet)
}
