package db

import (
	"time"
)

// Account execution modes.
const (
	ModeDemo = "demo"
	ModeLive = "live"
)

// AccountSettings is one account's bot configuration.
type AccountSettings struct {
	AccountID        string
	Enabled          bool
	Pair             string // "BTC/USDT"
	Timeframe        string
	RiskLevel        string // aggressive | moderate | conservative
	Strategy         string
	InvestmentAmount float64 // 0 means "use the default fraction of equity"
	Mode             string  // ModeDemo | ModeLive
	ExchangeID       string
	UpdatedAt        time.Time
}

// Credentials holds sealed venue API keys for an account.
type Credentials struct {
	AccountID  string
	ExchangeID string
	APIKey     string // sealed, see pkg/crypto
	APISecret  string // sealed, see pkg/crypto
	UpdatedAt  time.Time
}

// TradeStatus is the lifecycle state of a TradeRecord.
type TradeStatus string

const (
	TradePending TradeStatus = "PENDING"
	TradeOpen    TradeStatus = "OPEN"
	TradeClosed  TradeStatus = "CLOSED"
	TradeFailed  TradeStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeClosed || s == TradeFailed
}

// CanTransition reports whether s -> to is a legal lifecycle step.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	switch s {
	case TradePending:
		return to == TradeOpen || to == TradeFailed
	case TradeOpen:
		return to == TradeClosed
	default:
		return false
	}
}

// allowedFrom lists the states that may move into to.
func allowedFrom(to TradeStatus) []TradeStatus {
	var out []TradeStatus
	for _, s := range []TradeStatus{TradePending, TradeOpen, TradeClosed, TradeFailed} {
		if s.CanTransition(to) {
			out = append(out, s)
		}
	}
	return out
}

// Trade sides as stored.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TradeRecord is a persisted position intent and its lifecycle.
type TradeRecord struct {
	ID            int64
	AccountID     string
	Pair          string
	Side          string // SideBuy opens a long, SideSell a short
	EntryPrice    float64
	Quantity      float64
	StopLoss      float64
	TakeProfit    float64
	Strategy      string
	ClientOrderID string
	VenueOrderID  string
	Status        TradeStatus
	PnL           *float64
	ExitPrice     *float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// IsShort reports whether the record is a short position.
func (t TradeRecord) IsShort() bool {
	return t.Side == SideSell
}

// Notional is entry value of the position.
func (t TradeRecord) Notional() float64 {
	return t.EntryPrice * t.Quantity
}

// DailyRiskStats is the per-account, per-UTC-day risk ledger.
type DailyRiskStats struct {
	AccountID       string
	Date            string // YYYY-MM-DD, UTC
	StartingBalance float64
	CurrentBalance  float64
	DailyPnL        float64
	MaxDrawdown     float64 // fraction, 0.1 == 10%
	TradeCount      int
	LossCount       int
	IsLocked        bool
	UpdatedAt       time.Time
}

// SystemEvent is an operator-facing record of a notification.
type SystemEvent struct {
	ID        int64
	Level     string
	Subject   string
	Message   string
	CreatedAt time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
