// Package risk enforces per-account daily loss, drawdown and exposure limits.
package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"autotrader-core/pkg/db"
)

// Store is the persistence the Gate needs.
type Store interface {
	GetDailyStats(ctx context.Context, accountID, date string) (db.DailyRiskStats, error)
	GetOrInitDailyStats(ctx context.Context, accountID, date string, startingBalance float64) (db.DailyRiskStats, error)
	SaveDailyStats(ctx context.Context, s db.DailyRiskStats) error
	CountOpenTrades(ctx context.Context, accountID string) (int, error)
}

// Rejection reasons.
const (
	ReasonLocked = "Daily Risk Limit Hit (Locked)"
	ReasonError  = "Risk check error"
)

// Gate is the pre-trade risk check shared by all accounts. Stats for one
// (account, day) are read and written under that key's lock only.
type Gate struct {
	store Store
	cfg   Config
	locks *keyedLocks
	now   func() time.Time
}

// NewGate creates a gate; zero-valued cfg fields take the defaults.
func NewGate(store Store, cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.MaxDailyLossPct <= 0 {
		cfg.MaxDailyLossPct = def.MaxDailyLossPct
	}
	if cfg.MaxDrawdownPct <= 0 {
		cfg.MaxDrawdownPct = def.MaxDrawdownPct
	}
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = def.MaxPositionPct
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = def.MaxOpenPositions
	}
	return &Gate{store: store, cfg: cfg, locks: newKeyedLocks(), now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Config returns the active limits.
func (g *Gate) Config() Config { return g.cfg }

// Today returns the UTC day key.
func (g *Gate) Today() string {
	return DayKey(g.now())
}

// DayKey formats t as the UTC day used to bucket risk stats.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CheckTradeAllowed decides whether accountID may open a position of notional
// given current equity. Any failure rejects.
func (g *Gate) CheckTradeAllowed(ctx context.Context, accountID, pair string, notional, equity float64) (Decision, error) {
	date := g.Today()
	unlock := g.locks.Lock(lockKey(accountID, date))
	defer unlock()

	stats, err := g.store.GetOrInitDailyStats(ctx, accountID, date, equity)
	if err != nil {
		return Decision{Reason: ReasonError}, fmt.Errorf("risk: load stats for %s: %w", accountID, err)
	}
	deny := func(reason string) (Decision, error) {
		return Decision{Allowed: false, Reason: reason, Stats: stats}, nil
	}

	if stats.IsLocked {
		return deny(ReasonLocked)
	}

	if stats.StartingBalance > 0 {
		pnlPct := stats.DailyPnL / stats.StartingBalance
		if pnlPct <= -g.cfg.MaxDailyLossPct {
			if err := g.lock(ctx, &stats); err != nil {
				return Decision{Reason: ReasonError, Stats: stats}, err
			}
			log.Printf("risk: %s locked for %s, daily pnl %.2f%%", accountID, date, pnlPct*100)
			return deny(fmt.Sprintf("Max Daily Loss Reached (%.2f%%)", pnlPct*100))
		}
	}

	if stats.MaxDrawdown >= g.cfg.MaxDrawdownPct {
		if err := g.lock(ctx, &stats); err != nil {
			return Decision{Reason: ReasonError, Stats: stats}, err
		}
		log.Printf("risk: %s locked for %s, drawdown %.2f%%", accountID, date, stats.MaxDrawdown*100)
		return deny(fmt.Sprintf("Max Drawdown Reached (%.2f%%)", stats.MaxDrawdown*100))
	}

	if limit := equity * g.cfg.MaxPositionPct; notional > limit {
		return deny(fmt.Sprintf("Position size %.2f exceeds max %s%% of equity", notional, pctString(g.cfg.MaxPositionPct)))
	}

	open, err := g.store.CountOpenTrades(ctx, accountID)
	if err != nil {
		return Decision{Reason: ReasonError, Stats: stats}, fmt.Errorf("risk: count open trades for %s: %w", accountID, err)
	}
	if open >= g.cfg.MaxOpenPositions {
		return deny(fmt.Sprintf("Max Open Positions Reached (%d)", open))
	}

	return Decision{Allowed: true, Stats: stats}, nil
}

func (g *Gate) lock(ctx context.Context, stats *db.DailyRiskStats) error {
	stats.IsLocked = true
	if err := g.store.SaveDailyStats(ctx, *stats); err != nil {
		return fmt.Errorf("risk: persist lock for %s: %w", stats.AccountID, err)
	}
	return nil
}

// UpdateAfterTradeClose folds a realized pnl into today's stats. When no row
// exists yet for today the starting balance is the released notional less pnl.
func (g *Gate) UpdateAfterTradeClose(ctx context.Context, accountID string, pnl, notionalReleased float64) error {
	date := g.Today()
	unlock := g.locks.Lock(lockKey(accountID, date))
	defer unlock()

	stats, err := g.store.GetOrInitDailyStats(ctx, accountID, date, math.Max(notionalReleased-pnl, 0))
	if err != nil {
		return fmt.Errorf("risk: load stats for %s: %w", accountID, err)
	}

	stats.DailyPnL += pnl
	stats.CurrentBalance += pnl
	stats.TradeCount++
	if pnl < 0 {
		stats.LossCount++
	}
	if stats.StartingBalance > 0 {
		dd := math.Max(0, (stats.StartingBalance-stats.CurrentBalance)/stats.StartingBalance)
		stats.MaxDrawdown = math.Max(stats.MaxDrawdown, dd)
	}

	if err := g.store.SaveDailyStats(ctx, stats); err != nil {
		return fmt.Errorf("risk: save stats for %s: %w", accountID, err)
	}
	return nil
}

// Stats returns today's stats for accountID, or db.ErrNotFound.
func (g *Gate) Stats(ctx context.Context, accountID string) (db.DailyRiskStats, error) {
	return g.store.GetDailyStats(ctx, accountID, g.Today())
}

// CleanupLocks forgets per-day locks idle for longer than ttl.
func (g *Gate) CleanupLocks(ttl time.Duration) int {
	return g.locks.CleanupIdle(ttl)
}

func pctString(f float64) string {
	return fmt.Sprintf("%g", math.Round(f*10000)/100)
}
