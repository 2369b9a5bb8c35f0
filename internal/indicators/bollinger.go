package indicators

import "math"

// Bands is a Bollinger band triple.
type Bands struct {
	Lower  float64
	Middle float64
	Upper  float64
}

// Bollinger returns bands k standard deviations around the period SMA.
func Bollinger(values []float64, period int, k float64) Bands {
	mid := SMA(values, period)
	if mid == 0 {
		return Bands{}
	}
	var variance float64
	for _, v := range values[len(values)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return Bands{Lower: mid - k*sd, Middle: mid, Upper: mid + k*sd}
}
