// Package engine runs one trading tick across every enabled account.
package engine

import (
	"context"
	"errors"
	"time"

	"autotrader-core/internal/order"
	"autotrader-core/internal/risk"
	"autotrader-core/pkg/db"
	exchange "autotrader-core/pkg/exchanges/common"
)

// ErrTickInFlight is returned when RunTick is called while another tick runs.
var ErrTickInFlight = errors.New("engine: tick already in flight")

// Stage is where an account's processing ended.
type Stage string

const (
	StageCredentials Stage = "CHECK_CREDENTIALS"
	StageReconcile   Stage = "RECONCILE_PENDING"
	StagePrice       Stage = "FETCH_PRICE"
	StageManage      Stage = "MANAGE_OPEN"
	StageRisk        Stage = "RISK_GATE"
	StageSignal      Stage = "SIGNAL"
	StageOpen        Stage = "OPEN_NEW"
	StageDone        Stage = "DONE"
)

// Outcome is one account's result for a tick. Message is the audit line.
type Outcome struct {
	AccountID string `json:"account_id"`
	Stage     Stage  `json:"stage"`
	Message   string `json:"message"`
	Failed    bool   `json:"failed"`
}

func (o Outcome) String() string { return o.Message }

// Messages flattens outcomes into their audit lines.
func Messages(outcomes []Outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Message
	}
	return out
}

// Store is the persistence the engine uses.
type Store interface {
	ListEnabledAccounts(ctx context.Context) ([]db.AccountSettings, error)
	GetOpenOrPendingTrade(ctx context.Context, accountID, pair string) (db.TradeRecord, error)
	InsertPendingTrade(ctx context.Context, t db.TradeRecord) (int64, error)
	UpdateTradeStatus(ctx context.Context, id int64, status db.TradeStatus, pnl *float64) error
	MarkTradeOpen(ctx context.Context, id int64, venueOrderID string) error
	CloseTrade(ctx context.Context, id int64, exitPrice, pnl float64, closedAt time.Time) error
}

// RiskGate is the pre-trade check and post-close bookkeeping.
type RiskGate interface {
	CheckTradeAllowed(ctx context.Context, accountID, pair string, notional, equity float64) (risk.Decision, error)
	UpdateAfterTradeClose(ctx context.Context, accountID string, pnl, notionalReleased float64) error
}

// OrderExecutor places orders.
type OrderExecutor interface {
	Execute(ctx context.Context, venue exchange.Gateway, req order.Request) (exchange.Order, error)
}

// VenueOpener hands out a venue handle per account per tick.
type VenueOpener interface {
	Open(ctx context.Context, account db.AccountSettings) (exchange.Gateway, error)
}

var (
	_ Store         = (*db.Queries)(nil)
	_ RiskGate      = (*risk.Gate)(nil)
	_ OrderExecutor = (*order.Executor)(nil)
)

// ProcessorConfig tunes account processing.
type ProcessorConfig struct {
	QuoteCurrency      string
	DefaultInvestRatio float64       // fraction of equity when the account sets no amount
	SignalThreshold    float64       // buy only above this confidence
	MinNotional        float64       // smallest order value worth sending
	CandleLimit        int           // bars handed to the strategy
	ClosedLookback     int           // closed orders scanned during reconciliation
	PendingTimeout     time.Duration // unconfirmed PENDING records older than this fail
	DefaultTimeframe   string
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QuoteCurrency:      "USDT",
		DefaultInvestRatio: 0.10,
		SignalThreshold:    0.6,
		MinNotional:        5,
		CandleLimit:        50,
		ClosedLookback:     10,
		PendingTimeout:     60 * time.Second,
		DefaultTimeframe:   "1h",
	}
}
