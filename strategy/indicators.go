package strategy

// SMA returns the simple moving average of the last period closes.
// Returns 0 when there is not enough data.
func SMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over the last period
// closes, seeded with the SMA of the first period values.
func EMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := SMA(closes[:period], period)
	for _, c := range closes[period:] {
		ema = c*k + ema*(1-k)
	}
	return ema
}
