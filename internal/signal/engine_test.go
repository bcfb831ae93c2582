package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/indicators"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

var asOf = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func baseSnapshot() Snapshot {
	return Snapshot{
		Candle: exchange.Candle{
			Symbol: "BTCUSDT", Open: 104, High: 106.2, Low: 103.8,
			Close: 106, Volume: 2000, CloseTime: asOf, Closed: true,
		},
		Prev: exchange.Candle{Close: 104.5, CloseTime: asOf.Add(-5 * time.Minute)},
		Ind: indicators.Set{
			ATR:          2.0,
			EMA:          100,
			BandMid:      100,
			BandStdDev:   2.0,
			MedianVolume: 1000,
			Pivots:       indicators.Pivots{P: 100, R1: 105, S1: 95},
			AsOf:         asOf,
			Ready:        true,
		},
		Params: config.PolicyParams{
			VolumeFactor:   1.5,
			MinRiskReward:  1.2,
			StopATR:        1.5,
			TargetATR:      3.0,
			TakeProfitLegs: 2,
		},
	}
}

func TestBreakoutLongOnPivotBreakWithVolume(t *testing.T) {
	eng, err := ForPolicy("breakout")
	require.NoError(t, err)

	intent := eng.Evaluate(baseSnapshot())

	require.NotNil(t, intent)
	assert.Equal(t, state.Long, intent.Side)
	assert.Equal(t, "breakout", intent.Policy)
	assert.Equal(t, 106.0, intent.Entry)
	assert.InDelta(t, 103.0, intent.Stop, 1e-9) // 1.5 x ATR below close
	require.Len(t, intent.TakeProfits, 2)
	assert.Less(t, intent.TakeProfits[0], intent.TakeProfits[1])
	assert.InDelta(t, 112.0, intent.TakeProfits[1], 1e-9) // 3 x ATR target
}

func TestBreakoutShortBelowS1(t *testing.T) {
	eng, _ := ForPolicy("breakout")
	snap := baseSnapshot()
	snap.Candle.Close = 94
	snap.Candle.Low = 93.8
	snap.Prev.Close = 95.5
	snap.Ind.EMA = 99

	intent := eng.Evaluate(snap)

	require.NotNil(t, intent)
	assert.Equal(t, state.Short, intent.Side)
	assert.Greater(t, intent.Stop, intent.Entry)
}

func TestBreakoutFilters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"volume below factor", func(s *Snapshot) { s.Candle.Volume = 1200 }},
		{"no level crossed", func(s *Snapshot) { s.Prev.Close = 105.5 }},
		{"against ema trend", func(s *Snapshot) { s.Ind.EMA = 120 }},
		{"indicators not ready", func(s *Snapshot) { s.Ind.Ready = false }},
		{"stale indicators", func(s *Snapshot) { s.Ind.AsOf = asOf.Add(-10 * time.Minute) }},
		{"volatility under floor", func(s *Snapshot) { s.Params.VolatilityFloor = 0.05 }},
		{"risk reward under minimum", func(s *Snapshot) { s.Params.MinRiskReward = 3.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := ForPolicy("breakout")
			snap := baseSnapshot()
			tt.mutate(&snap)
			assert.Nil(t, eng.Evaluate(snap))
		})
	}
}

func TestRangeFadeShortAtResistanceWithoutVolume(t *testing.T) {
	eng, _ := ForPolicy("range_fade")
	snap := baseSnapshot()
	snap.Candle.Volume = 800 // no conviction
	snap.Candle.High = 105.3 // within 0.25 x ATR of R1
	snap.Candle.Close = 104.2

	intent := eng.Evaluate(snap)

	require.NotNil(t, intent)
	assert.Equal(t, state.Short, intent.Side)
	assert.Equal(t, "range_fade", intent.Policy)
}

func TestRangeFadeStandsAsideOnConvictionVolume(t *testing.T) {
	eng, _ := ForPolicy("range_fade")
	snap := baseSnapshot()
	snap.Candle.High = 105.3
	snap.Candle.Close = 104.2
	snap.Candle.Volume = 2000 // possible real break

	assert.Nil(t, eng.Evaluate(snap))
}

func TestPullbackLongResumesAfterEMATouch(t *testing.T) {
	eng, _ := ForPolicy("pullback")
	snap := baseSnapshot()
	snap.Ind.EMA = 104
	snap.Candle.Open = 104.1
	snap.Candle.Low = 104.2 // touches ema + tolerance
	snap.Candle.Close = 105.5

	intent := eng.Evaluate(snap)

	require.NotNil(t, intent)
	assert.Equal(t, state.Long, intent.Side)
	assert.Equal(t, "pullback", intent.Policy)
}

func TestMeanReversionTargetsBandMid(t *testing.T) {
	eng, _ := ForPolicy("mean_reversion")
	snap := baseSnapshot()
	snap.Params.BandStdDev = 2.0
	snap.Params.MinRiskReward = 0.5
	snap.Candle.Close = 95 // below 100 - 2x2 band
	snap.Candle.Volume = 900

	intent := eng.Evaluate(snap)

	require.NotNil(t, intent)
	assert.Equal(t, state.Long, intent.Side)
	assert.Equal(t, []float64{100.0}, intent.TakeProfits)
}

func TestForPolicyUnknown(t *testing.T) {
	_, err := ForPolicy("martingale")
	assert.Error(t, err)
}
