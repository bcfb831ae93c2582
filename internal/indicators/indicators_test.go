package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/pkg/exchange"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, SMA(values, 3), 1e-9)
	assert.InDelta(t, 3.0, SMA(values, 5), 1e-9)
	assert.Zero(t, SMA(values, 6), "insufficient data returns zero")
	assert.Zero(t, SMA(values, 0))
}

func TestEMAConvergesTowardRecentValues(t *testing.T) {
	flat := []float64{10, 10, 10, 10, 10}
	assert.InDelta(t, 10.0, EMA(flat, 3), 1e-9)

	rising := []float64{1, 1, 1, 1, 1, 100, 100, 100, 100, 100}
	ema := EMA(rising, 3)
	assert.Greater(t, ema, 90.0)
	assert.Less(t, ema, 100.0)
}

func TestStdDev(t *testing.T) {
	assert.Zero(t, StdDev([]float64{5, 5, 5, 5}, 4))
	// Population stddev of {2,4,4,4,5,5,7,9} is 2.
	assert.InDelta(t, 2.0, StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8), 1e-9)
}

func TestMedian(t *testing.T) {
	assert.InDelta(t, 3.0, Median([]float64{5, 1, 3, 2, 4}, 5), 1e-9)
	assert.InDelta(t, 2.5, Median([]float64{1, 2, 3, 4}, 4), 1e-9)
	// Only the trailing window counts.
	assert.InDelta(t, 9.0, Median([]float64{1, 1, 8, 9, 10}, 3), 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	// Identical candles: true range equals high-low everywhere.
	candles := make([]exchange.Candle, 20)
	for i := range candles {
		candles[i] = exchange.Candle{High: 105, Low: 100, Close: 102}
	}
	assert.InDelta(t, 5.0, ATR(candles, 14), 1e-9)
	assert.Zero(t, ATR(candles[:10], 14), "needs period+1 candles")
}

func TestATRUsesGapsAgainstPriorClose(t *testing.T) {
	candles := make([]exchange.Candle, 16)
	for i := range candles {
		candles[i] = exchange.Candle{High: 101, Low: 100, Close: 100.5}
	}
	// One candle gapping far above the prior close widens the range.
	candles[15] = exchange.Candle{High: 111, Low: 110, Close: 110.5}
	assert.Greater(t, ATR(candles, 14), 1.0)
}

func TestDailyPivots(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	prior := day.Add(-24 * time.Hour)
	candles := []exchange.Candle{
		{OpenTime: prior.Add(1 * time.Hour), High: 110, Low: 101, Close: 104},
		{OpenTime: prior.Add(12 * time.Hour), High: 108, Low: 100, Close: 106},
		// Same-day candle must be excluded from the aggregate.
		{OpenTime: day.Add(1 * time.Hour), High: 200, Low: 50, Close: 120},
	}

	pv := DailyPivots(candles, day.Add(6*time.Hour))

	require.True(t, pv.Valid())
	p := (110.0 + 100.0 + 106.0) / 3
	assert.InDelta(t, p, pv.P, 1e-9)
	assert.InDelta(t, 2*p-100, pv.R1, 1e-9)
	assert.InDelta(t, 2*p-110, pv.S1, 1e-9)
	assert.Greater(t, pv.R2, pv.R1)
	assert.Less(t, pv.S2, pv.S1)
}

func TestDailyPivotsNoPriorDay(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	candles := []exchange.Candle{{OpenTime: day.Add(time.Hour), High: 1, Low: 1, Close: 1}}
	assert.False(t, DailyPivots(candles, day).Valid())
}

func TestWindowComputeReadiness(t *testing.T) {
	w := NewWindow(21, 600)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	set := w.Compute(now)
	assert.False(t, set.Ready, "empty window can never be ready")

	// Two UTC days of 5m candles gives every component enough data.
	start := now.Add(-36 * time.Hour)
	for ts := start; ts.Before(now); ts = ts.Add(5 * time.Minute) {
		w.Append(exchange.Candle{
			OpenTime: ts, CloseTime: ts.Add(5 * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000, Closed: true,
		})
	}

	set = w.Compute(now)
	assert.True(t, set.Ready)
	assert.Greater(t, set.ATR, 0.0)
	assert.Greater(t, set.EMA, 0.0)
	assert.Greater(t, set.MedianVolume, 0.0)
	assert.True(t, set.Pivots.Valid())
	assert.Equal(t, now, set.AsOf)
}

func TestWindowTrimsHistory(t *testing.T) {
	w := NewWindow(21, 100)
	for i := 0; i < 250; i++ {
		w.Append(exchange.Candle{Close: float64(i)})
	}
	assert.Equal(t, 100, w.Len())
}
