package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"autotrader-core/internal/indicators"
	exchange "autotrader-core/pkg/exchanges/common"
)

// Built-in strategy names. Unknown names use StrategyCombined.
const (
	StrategySMACrossover = "sma_crossover"
	StrategyRSIMomentum  = "rsi_momentum"
	StrategyMACDTrend    = "macd_trend"
	StrategyCombined     = "combined_ai"
)

// Analyzer runs the built-in indicator strategies in-process.
type Analyzer struct{}

var _ Service = Analyzer{}

// NewAnalyzer returns the in-process strategy service.
func NewAnalyzer() Analyzer { return Analyzer{} }

// Analyze implements Service.
func (Analyzer) Analyze(ctx context.Context, name string, candles []exchange.Candle) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	if len(candles) == 0 {
		return neutral("No Data"), nil
	}
	v := indicators.Compute(closes(candles))

	var a Analysis
	switch name {
	case StrategySMACrossover:
		a = smaCrossover(v, len(candles))
	case StrategyRSIMomentum:
		a = rsiMomentum(v)
	case StrategyMACDTrend:
		a = macdTrend(v)
	default:
		a = combined(v, candles)
	}
	a.Indicators = v.Map()
	return a, nil
}

func smaCrossover(v indicators.Values, n int) Analysis {
	if n < 31 {
		return neutral("Not enough data")
	}
	switch {
	case v.PrevShort < v.PrevLong && v.SMAShort > v.SMALong:
		return Analysis{Signal: SignalBuy, Confidence: 0.8, Reason: "SMA Crossover"}
	case v.PrevShort > v.PrevLong && v.SMAShort < v.SMALong:
		return Analysis{Signal: SignalSell, Confidence: 0.8, Reason: "SMA Crossover"}
	}
	return neutral("SMA Crossover")
}

func rsiMomentum(v indicators.Values) Analysis {
	switch {
	case v.HasRSI() && v.RSI < 30:
		return Analysis{Signal: SignalBuy, Confidence: 0.9, Reason: fmt.Sprintf("RSI Oversold (%.1f)", v.RSI)}
	case v.HasRSI() && v.RSI > 70:
		return Analysis{Signal: SignalSell, Confidence: 0.9, Reason: fmt.Sprintf("RSI Overbought (%.1f)", v.RSI)}
	}
	return neutral("RSI Neutral")
}

func macdTrend(v indicators.Values) Analysis {
	switch {
	case v.MACD > v.MACDSignal && v.MACD > 0:
		return Analysis{Signal: SignalBuy, Confidence: 0.7, Reason: "MACD Bullish"}
	case v.MACD < v.MACDSignal && v.MACD < 0:
		return Analysis{Signal: SignalSell, Confidence: 0.7, Reason: "MACD Bearish"}
	}
	return neutral("MACD Neutral")
}

// combined scores RSI, MACD, Bollinger and SMA trend with volume confirmation.
func combined(v indicators.Values, candles []exchange.Candle) Analysis {
	var (
		score   float64
		reasons []string
	)
	switch {
	case v.HasRSI() && v.RSI < 30:
		score += 2
		reasons = append(reasons, fmt.Sprintf("RSI Oversold (%.1f)", v.RSI))
	case v.HasRSI() && v.RSI > 70:
		score -= 2
		reasons = append(reasons, fmt.Sprintf("RSI Overbought (%.1f)", v.RSI))
	}

	switch {
	case v.MACD > v.MACDSignal && v.MACD < 0:
		score += 2
		reasons = append(reasons, "MACD Bull Reversal")
	case v.MACD > v.MACDSignal:
		score++
		reasons = append(reasons, "MACD Bullish")
	case v.MACD > 0:
		score -= 2
		reasons = append(reasons, "MACD Bear Reversal")
	default:
		score--
		reasons = append(reasons, "MACD Bearish")
	}

	if v.Bands.Middle > 0 {
		switch {
		case v.Last < v.Bands.Lower:
			score += 2
			reasons = append(reasons, "Price < BB Lower")
		case v.Last > v.Bands.Upper:
			score -= 2
			reasons = append(reasons, "Price > BB Upper")
		}
	}

	if v.SMAShort > v.SMALong {
		score++
	} else if v.SMAShort < v.SMALong {
		score--
	}

	if highVolume(candles) && score != 0 {
		if score > 0 {
			score++
			reasons = append(reasons, "High Volume Buy")
		} else {
			score--
			reasons = append(reasons, "High Volume Sell")
		}
	}

	confidence := math.Min(math.Abs(score)/8, 0.99)
	switch {
	case score >= 3.5:
		return Analysis{Signal: SignalBuy, Confidence: confidence, Reason: strings.Join(reasons, " + ")}
	case score <= -3.5:
		return Analysis{Signal: SignalSell, Confidence: confidence, Reason: strings.Join(reasons, " + ")}
	}
	return Analysis{Signal: SignalNeutral, Confidence: confidence, Reason: "Consolidation / Mixed Signals"}
}

func highVolume(candles []exchange.Candle) bool {
	n := len(candles)
	if n < 2 {
		return false
	}
	window := candles[max(0, n-10):]
	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	avg := sum / float64(len(window))
	return avg > 0 && candles[n-1].Volume > avg*1.5
}
