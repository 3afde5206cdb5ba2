package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Core types — balance changes in, lots held, realized trades out
// ---------------------------------------------------------------------------

// BalanceChange is one observed change in a wallet's holdings of a token.
// AmountDelta > 0 is an acquisition, < 0 a disposal; zero is invalid input.
// UnitPriceUSD of zero means "price unknown" and is valid data, not an error.
type BalanceChange struct {
	Wallet       string          `json:"wallet"`
	Token        string          `json:"token"`
	Timestamp    time.Time       `json:"timestamp"`
	AmountDelta  decimal.Decimal `json:"amount_delta"`
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"`
}

// IsAcquisition reports whether the event adds to the wallet's holdings.
func (e BalanceChange) IsAcquisition() bool {
	return e.AmountDelta.Sign() > 0
}

// Lot is a surviving slice of a past acquisition. AcquiredAt and UnitCostUSD
// are fixed at acquisition time and never change; only RemainingAmount
// shrinks as disposals consume the lot. A lot with zero remaining amount is
// removed from its queue, never retained.
type Lot struct {
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	AcquiredAt      time.Time       `json:"acquired_at"`
	UnitCostUSD     decimal.Decimal `json:"unit_cost_usd"`
}

// RealizedTrade is the result of matching one slice of a disposal against a
// single lot. A disposal spanning several lots emits several trades whose
// DisposedAmount values sum exactly to the disposed quantity.
type RealizedTrade struct {
	Wallet           string          `json:"wallet"`
	Token            string          `json:"token"`
	DisposedAmount   decimal.Decimal `json:"disposed_amount"`
	SellUnitPriceUSD decimal.Decimal `json:"sell_unit_price_usd"`
	CostUnitPriceUSD decimal.Decimal `json:"cost_unit_price_usd"`
	AcquiredAt       time.Time       `json:"acquired_at"`
	DisposedAt       time.Time       `json:"disposed_at"`
	HoldDuration     time.Duration   `json:"hold_duration_ns"`

	// RealizedPnLUSD = DisposedAmount * (SellUnitPriceUSD - CostUnitPriceUSD).
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`

	// Untracked marks a trade matched against the synthetic zero-cost lot
	// because the disposal exceeded all tracked acquisitions.
	Untracked bool `json:"untracked,omitempty"`
}
