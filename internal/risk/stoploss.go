package risk

import "autotrader-core/pkg/db"

// ExitReason names why a position should be closed.
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitStopLoss   ExitReason = "Stop Loss Hit"
	ExitTakeProfit ExitReason = "Take Profit Hit"
)

// Levels returns stop-loss and take-profit prices for a new position.
func (p Profile) Levels(entry float64, side string) (stopLoss, takeProfit float64) {
	if side == db.SideSell {
		return entry * (1 + p.StopLossPct), entry * (1 - p.TakeProfitPct)
	}
	return entry * (1 - p.StopLossPct), entry * (1 + p.TakeProfitPct)
}

// CheckExit reports whether price breaches the position's stop-loss or take-profit.
func CheckExit(pos db.TradeRecord, price float64) ExitReason {
	switch {
	case isStopLossTriggered(pos, price):
		return ExitStopLoss
	case isTakeProfitTriggered(pos, price):
		return ExitTakeProfit
	default:
		return ExitNone
	}
}

func isStopLossTriggered(pos db.TradeRecord, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	if pos.IsShort() {
		return price >= pos.StopLoss
	}
	return price <= pos.StopLoss
}

func isTakeProfitTriggered(pos db.TradeRecord, price float64) bool {
	if pos.TakeProfit <= 0 {
		return false
	}
	if pos.IsShort() {
		return price <= pos.TakeProfit
	}
	return price >= pos.TakeProfit
}

// RealizedPnL is (exit-entry)*qty for longs and the negation for shorts.
func RealizedPnL(pos db.TradeRecord, exit float64) float64 {
	pnl := (exit - pos.EntryPrice) * pos.Quantity
	if pos.IsShort() {
		return -pnl
	}
	return pnl
}
