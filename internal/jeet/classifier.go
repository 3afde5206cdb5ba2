package jeet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/jeetwatch/internal/ledger"
)

// ---------------------------------------------------------------------------
// Jeet Classifier — flags disposals that panic-sold at a loss
// ---------------------------------------------------------------------------

// Config holds the classification thresholds.
type Config struct {
	// LossThresholdUSD is the minimum absolute realized loss for a trade to
	// be loss-eligible. The bound is strict: a loss of exactly this amount
	// does not qualify.
	LossThresholdUSD float64 `yaml:"loss_threshold_usd"`

	// HoldTimeThresholdSec is the maximum hold duration, inclusive, for a
	// sell to count as premature.
	HoldTimeThresholdSec int `yaml:"hold_time_threshold_sec"`
}

// DefaultConfig returns production defaults: $100 loss, 5 minute hold.
func DefaultConfig() Config {
	return Config{
		LossThresholdUSD:     100,
		HoldTimeThresholdSec: 300,
	}
}

// Record is a realized trade with its jeet verdict attached. It is a derived
// view over the trade, not a separate entity.
type Record struct {
	ledger.RealizedTrade
	IsJeet bool `json:"is_jeet"`
}

// Classifier applies the jeet rule to realized trades. Stateless and safe
// for concurrent use.
type Classifier struct {
	lossBound decimal.Decimal // negative; pnl must be strictly below it
	holdBound time.Duration
}

// NewClassifier builds a classifier from config.
func NewClassifier(config Config) *Classifier {
	return &Classifier{
		lossBound: decimal.NewFromFloat(config.LossThresholdUSD).Neg(),
		holdBound: time.Duration(config.HoldTimeThresholdSec) * time.Second,
	}
}

// Classify attaches a verdict to the trade. Both conditions must hold: the
// realized loss exceeds the threshold AND the position was held no longer
// than the hold bound. A large loss held for hours is not a jeet, nor is a
// fast sell at a small loss. Synthetic zero-cost trades never realize a
// loss, so they never flag.
func (c *Classifier) Classify(trade ledger.RealizedTrade) Record {
	isJeet := trade.RealizedPnLUSD.LessThan(c.lossBound) &&
		trade.HoldDuration <= c.holdBound
	return Record{RealizedTrade: trade, IsJeet: isJeet}
}
