package indicators

import (
	"math"
	"sort"
)

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

// EMA calculates an exponential moving average over all values, seeded with
// the SMA of the first period values.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	ema := SMA(values[:period], period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// StdDev returns the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 1 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}

// Median returns the median of the last period values.
func Median(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	window := make([]float64, period)
	copy(window, values[len(values)-period:])
	sort.Float64s(window)
	if period%2 == 1 {
		return window[period/2]
	}
	return (window[period/2-1] + window[period/2]) / 2
}
