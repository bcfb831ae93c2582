package indicators

import (
	"time"

	"perp-pilot/pkg/exchange"
)

// Pivots holds classic floor-trader pivot levels derived from the prior
// UTC day's high/low/close.
type Pivots struct {
	Day time.Time // UTC day the levels apply to
	P   float64
	R1  float64
	R2  float64
	R3  float64
	S1  float64
	S2  float64
	S3  float64
}

// DailyPivots aggregates the candles belonging to the UTC day before `day`
// and derives the pivot set. Returns a zero Pivots when no prior-day candles
// are present.
func DailyPivots(candles []exchange.Candle, day time.Time) Pivots {
	day = day.UTC().Truncate(24 * time.Hour)
	prevStart := day.Add(-24 * time.Hour)

	var high, low, closePx float64
	found := false
	for _, c := range candles {
		t := c.OpenTime.UTC()
		if t.Before(prevStart) || !t.Before(day) {
			continue
		}
		if !found {
			high, low = c.High, c.Low
			found = true
		} else {
			if c.High > high {
				high = c.High
			}
			if c.Low < low {
				low = c.Low
			}
		}
		closePx = c.Close
	}
	if !found {
		return Pivots{}
	}

	p := (high + low + closePx) / 3
	return Pivots{
		Day: day,
		P:   p,
		R1:  2*p - low,
		R2:  p + (high - low),
		R3:  high + 2*(p-low),
		S1:  2*p - high,
		S2:  p - (high - low),
		S3:  low - 2*(high-p),
	}
}

// Valid reports whether the pivot set was computed from real data.
func (pv Pivots) Valid() bool { return pv.P != 0 }
