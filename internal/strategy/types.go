// Package strategy turns recent candles into a trade signal.
package strategy

import (
	"context"

	exchange "autotrader-core/pkg/exchanges/common"
)

// Signal is the direction a strategy recommends.
type Signal string

const (
	SignalBuy     Signal = "buy"
	SignalSell    Signal = "sell"
	SignalNeutral Signal = "neutral"
)

// Analysis is a strategy verdict. Confidence is in [0, 1].
type Analysis struct {
	Signal     Signal             `json:"signal"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Service analyzes candles with a named strategy.
type Service interface {
	Analyze(ctx context.Context, strategy string, candles []exchange.Candle) (Analysis, error)
}

func neutral(reason string) Analysis {
	return Analysis{Signal: SignalNeutral, Reason: reason}
}

func closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
