package indicators

// Values is the indicator set the local analyzer scores.
type Values struct {
	Samples    int     `json:"-"`
	Last       float64 `json:"last"`
	SMAShort   float64 `json:"sma_10"`
	SMALong    float64 `json:"sma_30"`
	PrevShort  float64 `json:"-"`
	PrevLong   float64 `json:"-"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	Bands      Bands   `json:"-"`
}

// Compute derives Values from closes, oldest first.
func Compute(closes []float64) Values {
	if len(closes) == 0 {
		return Values{}
	}
	v := Values{
		Samples:  len(closes),
		Last:     closes[len(closes)-1],
		SMAShort: SMA(closes, 10),
		SMALong:  SMA(closes, 30),
		RSI:      RSI(closes, 14),
		Bands:    Bollinger(closes, 20, 2),
	}
	if len(closes) > 1 {
		prev := closes[:len(closes)-1]
		v.PrevShort = SMA(prev, 10)
		v.PrevLong = SMA(prev, 30)
	}
	v.MACD, v.MACDSignal = MACD(closes, 12, 26, 9)
	return v
}

// HasRSI reports whether enough closes were seen for RSI to be meaningful.
func (v Values) HasRSI() bool {
	return v.Samples > 14
}

// Map flattens Values for transport and logging.
func (v Values) Map() map[string]float64 {
	return map[string]float64{
		"last":        v.Last,
		"sma_10":      v.SMAShort,
		"sma_30":      v.SMALong,
		"rsi":         v.RSI,
		"macd":        v.MACD,
		"macd_signal": v.MACDSignal,
		"bb_lower":    v.Bands.Lower,
		"bb_upper":    v.Bands.Upper,
	}
}
