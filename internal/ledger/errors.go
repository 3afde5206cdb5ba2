package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	ErrInvalidEvent = errors.New("ledger: invalid event")
	ErrLotShortfall = errors.New("ledger: lot shortfall")
)

// Rejection reasons carried by InvalidEventError.
const (
	ReasonZeroDelta      = "zero_amount_delta"
	ReasonNegativePrice  = "negative_unit_price"
	ReasonTimeRegression = "timestamp_regression"
)

// InvalidEventError reports an event rejected by validation. The ledger
// state is untouched; the caller decides whether to skip the event or abort
// the stream.
type InvalidEventError struct {
	Reason string
	Event  BalanceChange
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("ledger: invalid event for %s/%s: %s", e.Event.Wallet, e.Event.Token, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

// ShortfallError reports a disposal exceeding all tracked lots while the
// synthetic-lot policy is disabled. Residual is the unmatched quantity. The
// disposal is fully rolled back: no lot was consumed, no trade emitted.
type ShortfallError struct {
	Wallet   string
	Token    string
	Residual decimal.Decimal
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("ledger: disposal exceeds tracked lots for %s/%s by %s", e.Wallet, e.Token, e.Residual)
}

func (e *ShortfallError) Unwrap() error { return ErrLotShortfall }
