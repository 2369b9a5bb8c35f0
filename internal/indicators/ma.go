// Package indicators computes technical indicators over candle closes.
package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average for every index, seeded
// with the first value. It has the same length as values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) == 0 {
		return nil
	}
	k := 2 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// MACD returns the last MACD line value and its signal line value.
func MACD(values []float64, fast, slow, signal int) (macd, sig float64) {
	if len(values) < slow {
		return 0, 0
	}
	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := EMASeries(line, signal)
	return line[len(line)-1], signalLine[len(signalLine)-1]
}
