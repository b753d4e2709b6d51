package types

import (
	"time"

	"gorm.io/gorm"
)

// Market identifies which of the two markets an order trades in.
type Market string

const (
	MarketDayAhead Market = "day-ahead"
	MarketRealTime Market = "real-time"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
)

type TimeInForce string

const (
	TIFGoodTillCancelled TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFDay               TimeInForce = "day"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

// FillKind distinguishes the settlement treatment of a fill.
type FillKind string

const (
	FillDAClosing   FillKind = "da_closing"
	FillRTImmediate FillKind = "rt_immediate"
)

// Order is a submitted order in either market. Day-ahead orders target a
// delivery hour; real-time orders additionally carry a 5-minute slot.
type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string      `gorm:"uniqueIndex" json:"order_id"`
	UserID          string      `gorm:"index" json:"user_id"`
	Node            string      `gorm:"index" json:"node"`
	Market          Market      `gorm:"index" json:"market"`
	Side            OrderSide   `json:"side"`
	Kind            OrderKind   `json:"kind"`
	LimitPrice      *float64    `json:"limit_price,omitempty"`
	QuantityMWh     float64     `gorm:"column:quantity_mwh" json:"quantity_mwh"`
	TimeInForce     TimeInForce `json:"time_in_force"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	HourStartUTC    time.Time   `gorm:"index" json:"hour_start_utc"`
	SlotStartUTC    *time.Time  `gorm:"index" json:"slot_start_utc,omitempty"`
	Status          OrderStatus `gorm:"index" json:"status"`
	FilledPrice     *float64    `json:"filled_price,omitempty"`
	FilledQuantity  *float64    `json:"filled_quantity,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	// Stamped from the event time by every mutation path, never from
	// the wall clock.
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
	FilledAt        *time.Time  `json:"filled_at,omitempty"`
}

// Fill is the immutable execution record for an order. The composite
// unique index (order, trigger timestamp, kind) is the idempotency key:
// replaying a price event can never produce a second fill.
type Fill struct {
	gorm.Model        `json:"-"`
	OrderRef          uint      `gorm:"uniqueIndex:idx_fill_once,priority:1" json:"-"`
	OrderID           string    `gorm:"index" json:"order_id"`
	Kind              FillKind  `gorm:"uniqueIndex:idx_fill_once,priority:3" json:"kind"`
	TimestampUTC      time.Time `gorm:"uniqueIndex:idx_fill_once,priority:2" json:"timestamp_utc"`
	Price             float64   `json:"price"`
	QuantityMWh       float64   `gorm:"column:quantity_mwh" json:"quantity_mwh"`
	MarketPriceAtFill float64   `json:"market_price_at_fill"`
	GrossPnL          float64   `gorm:"column:gross_pnl" json:"gross_pnl"`
	CreatedAt         time.Time `json:"created_at"`
}

// DayAheadPrice is one hourly clearing price for a node. Provisional and
// verified observations are stored as separate rows, never merged.
type DayAheadPrice struct {
	gorm.Model   `json:"-"`
	Node         string    `gorm:"uniqueIndex:idx_da_price,priority:1" json:"node"`
	HourStartUTC time.Time `gorm:"uniqueIndex:idx_da_price,priority:2" json:"hour_start_utc"`
	Verified     bool      `gorm:"uniqueIndex:idx_da_price,priority:3" json:"verified"`
	ClosePrice   float64   `json:"close_price"`
	CreatedAt    time.Time `json:"created_at"`
}

// RealTimePrice is one 5-minute locational price for a node.
type RealTimePrice struct {
	gorm.Model   `json:"-"`
	Node         string    `gorm:"uniqueIndex:idx_rt_price,priority:1" json:"node"`
	TimestampUTC time.Time `gorm:"uniqueIndex:idx_rt_price,priority:2" json:"timestamp_utc"`
	Verified     bool      `gorm:"uniqueIndex:idx_rt_price,priority:3" json:"verified"`
	Price        float64   `json:"price"`
	CreatedAt    time.Time `json:"created_at"`
}

// TradingSession is the daily account row for one user. Created lazily on
// first touch of a trading day, mutated by matching and settlement,
// never deleted.
type TradingSession struct {
	gorm.Model           `json:"-"`
	UserID               string    `gorm:"uniqueIndex:idx_session_day,priority:1" json:"user_id"`
	TradingDate          time.Time `gorm:"uniqueIndex:idx_session_day,priority:2" json:"trading_date"`
	StartingCapital      float64   `json:"starting_capital"`
	CurrentCapital       float64   `json:"current_capital"`
	DailyRealizedPnL     float64   `gorm:"column:daily_realized_pnl" json:"daily_realized_pnl"`
	DailyUnrealizedPnL   float64   `gorm:"column:daily_unrealized_pnl" json:"daily_unrealized_pnl"`
	DailyTrades          int       `json:"daily_trades"`
	DailyVolumeMWh       float64   `gorm:"column:daily_volume_mwh" json:"daily_volume_mwh"`
	ClockState           string    `json:"clock_state"`
	DAOrdersEnabled      bool      `json:"da_orders_enabled"`
	RTOrdersEnabled      bool      `json:"rt_orders_enabled"`
	CarryoverDAPositions int       `json:"carryover_da_positions"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// UserCapital is the running capital header for one user across all
// trading days.
type UserCapital struct {
	gorm.Model       `json:"-"`
	UserID           string    `gorm:"uniqueIndex" json:"user_id"`
	StartingCapital  float64   `json:"starting_capital"`
	CurrentCapital   float64   `json:"current_capital"`
	TotalRealizedPnL float64   `gorm:"column:total_realized_pnl" json:"total_realized_pnl"`
	TotalTrades      int       `json:"total_trades"`
	WinningTrades    int       `json:"winning_trades"`
	LosingTrades     int       `json:"losing_trades"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CapitalLedgerEntry records one daily realized-P&L credit. The unique
// (user, date) index makes settlement re-runs credit-once.
type CapitalLedgerEntry struct {
	gorm.Model  `json:"-"`
	UserID      string    `gorm:"uniqueIndex:idx_ledger_day,priority:1" json:"user_id"`
	LedgerDate  time.Time `gorm:"uniqueIndex:idx_ledger_day,priority:2" json:"ledger_date"`
	Amount      float64   `json:"amount"`
	DataQuality string    `json:"data_quality"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// IdempotencyRecord maps a client-supplied idempotency key to the
// resource it created, so a retried submission returns the original.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OrderSettlement tracks the provisional and verified P&L calculated for
// one filled day-ahead order.
type OrderSettlement struct {
	gorm.Model        `json:"-"`
	OrderRef          uint       `gorm:"uniqueIndex" json:"-"`
	OrderID           string     `gorm:"index" json:"order_id"`
	ProvisionalPnL    float64    `gorm:"column:provisional_pnl" json:"provisional_pnl"`
	VerifiedPnL       *float64   `gorm:"column:verified_pnl" json:"verified_pnl,omitempty"`
	SettlementStatus  string     `json:"settlement_status"`
	BucketsCalculated int        `json:"buckets_calculated"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
