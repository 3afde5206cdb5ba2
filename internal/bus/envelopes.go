package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// --- Wallet activity events (inbound) ---

// BalanceChange is one observed change in a wallet's token holdings,
// decoded and price-annotated upstream. Events are partitioned by wallet so
// one wallet's stream is always totally ordered within a partition.
type BalanceChange struct {
	BaseEvent
	Wallet       string          `json:"wallet"`
	Token        string          `json:"token"`
	At           time.Time       `json:"at"`
	AmountDelta  decimal.Decimal `json:"amount_delta"`
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"` // 0 = price unknown
}

// --- P&L events (outbound) ---

// TradeRealized is one disposal slice matched against one acquisition lot.
type TradeRealized struct {
	BaseEvent
	Wallet           string          `json:"wallet"`
	Token            string          `json:"token"`
	DisposedAmount   decimal.Decimal `json:"disposed_amount"`
	SellUnitPriceUSD decimal.Decimal `json:"sell_unit_price_usd"`
	CostUnitPriceUSD decimal.Decimal `json:"cost_unit_price_usd"`
	AcquiredAt       time.Time       `json:"acquired_at"`
	DisposedAt       time.Time       `json:"disposed_at"`
	HoldMs           int64           `json:"hold_ms"`
	RealizedPnLUSD   decimal.Decimal `json:"realized_pnl_usd"`
	Untracked        bool            `json:"untracked,omitempty"`
}

// JeetFlagged is emitted for each trade that met the jeet rule.
type JeetFlagged struct {
	BaseEvent
	Wallet         string          `json:"wallet"`
	Token          string          `json:"token"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	HoldMs         int64           `json:"hold_ms"`
	DisposedAt     time.Time       `json:"disposed_at"`
	SellValueUSD   decimal.Decimal `json:"sell_value_usd"`
}

// SnapshotPublished carries a periodic aggregate snapshot for downstream
// dashboards. The payload is the jeet.Snapshot JSON.
type SnapshotPublished struct {
	BaseEvent
	WalletsTracked int             `json:"wallets_tracked"`
	TotalJeetCount int64           `json:"total_jeet_count"`
	TotalUSDLost   decimal.Decimal `json:"total_usd_lost"`
	Payload        string          `json:"payload"`
}

// --- Operational events ---

// OpsAlert is a data-quality or component-health alert routed to the ops
// channel. Wallet and Token are set only for per-stream alerts.
type OpsAlert struct {
	BaseEvent
	Level     string `json:"level"` // info|warn|critical
	Component string `json:"component"`
	Wallet    string `json:"wallet,omitempty"`
	Token     string `json:"token,omitempty"`
	Message   string `json:"message"`
}
