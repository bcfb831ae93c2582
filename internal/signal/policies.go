package signal

import (
	"fmt"
	"math"

	"perp-pilot/internal/state"
)

// Breakout trades pivot-level breaks confirmed by volume and trend.
type Breakout struct{}

func (Breakout) Name() string { return "breakout" }
func (Breakout) Kind() Kind   { return KindBreakout }

func (Breakout) Evaluate(snap Snapshot) *TradeIntent {
	c := snap.Candle
	ind := snap.Ind
	p := snap.Params

	if c.Volume < ind.MedianVolume*p.VolumeFactor {
		return nil
	}

	var side state.Side
	var level float64
	switch {
	case c.Close > ind.Pivots.R1 && snap.Prev.Close <= ind.Pivots.R1 && c.Close > ind.EMA:
		side, level = state.Long, ind.Pivots.R1
	case c.Close < ind.Pivots.S1 && snap.Prev.Close >= ind.Pivots.S1 && c.Close < ind.EMA:
		side, level = state.Short, ind.Pivots.S1
	default:
		return nil
	}

	return &TradeIntent{
		Symbol:      c.Symbol,
		Side:        side,
		Policy:      "breakout",
		Entry:       c.Close,
		Stop:        c.Close - side.Sign()*ind.ATR*p.StopATR,
		TakeProfits: ladder(c.Close, side, ind.ATR, p.TargetATR, p.TakeProfitLegs),
		Reason:      fmt.Sprintf("pivot break %.4f vol %.0f>%.0fx median", level, c.Volume, p.VolumeFactor),
	}
}

// RangeFade fades a touch of R1/S1 when volume shows no breakout conviction.
type RangeFade struct{}

func (RangeFade) Name() string { return "range_fade" }
func (RangeFade) Kind() Kind   { return KindReversion }

func (RangeFade) Evaluate(snap Snapshot) *TradeIntent {
	c := snap.Candle
	ind := snap.Ind
	p := snap.Params

	// Conviction volume means the level may actually break; stand aside.
	if c.Volume > ind.MedianVolume*p.VolumeFactor {
		return nil
	}

	tolerance := ind.ATR * 0.25
	var side state.Side
	switch {
	case math.Abs(c.High-ind.Pivots.R1) <= tolerance && c.Close < ind.Pivots.R1:
		side = state.Short
	case math.Abs(c.Low-ind.Pivots.S1) <= tolerance && c.Close > ind.Pivots.S1:
		side = state.Long
	default:
		return nil
	}

	return &TradeIntent{
		Symbol:      c.Symbol,
		Side:        side,
		Policy:      "range_fade",
		Entry:       c.Close,
		Stop:        c.Close - side.Sign()*ind.ATR*p.StopATR,
		TakeProfits: ladder(c.Close, side, ind.ATR, p.TargetATR, p.TakeProfitLegs),
		Reason:      "fade pivot touch without volume",
	}
}

// Pullback trades continuation after a trend pullback into the EMA.
type Pullback struct{}

func (Pullback) Name() string { return "pullback" }
func (Pullback) Kind() Kind   { return KindReversion }

func (Pullback) Evaluate(snap Snapshot) *TradeIntent {
	c := snap.Candle
	ind := snap.Ind
	p := snap.Params

	touch := ind.ATR * 0.25
	var side state.Side
	switch {
	case c.Close > ind.EMA && c.Low <= ind.EMA+touch && c.Close > c.Open:
		side = state.Long
	case c.Close < ind.EMA && c.High >= ind.EMA-touch && c.Close < c.Open:
		side = state.Short
	default:
		return nil
	}

	return &TradeIntent{
		Symbol:      c.Symbol,
		Side:        side,
		Policy:      "pullback",
		Entry:       c.Close,
		Stop:        c.Close - side.Sign()*ind.ATR*p.StopATR,
		TakeProfits: ladder(c.Close, side, ind.ATR, p.TargetATR, p.TakeProfitLegs),
		Reason:      "pullback to ema resumed",
	}
}

// MeanReversion trades closes stretched beyond the volatility band back
// toward the band mid.
type MeanReversion struct{}

func (MeanReversion) Name() string { return "mean_reversion" }
func (MeanReversion) Kind() Kind   { return KindReversion }

func (MeanReversion) Evaluate(snap Snapshot) *TradeIntent {
	c := snap.Candle
	ind := snap.Ind
	p := snap.Params

	if ind.BandStdDev <= 0 {
		return nil
	}
	upper := ind.BandMid + p.BandStdDev*ind.BandStdDev
	lower := ind.BandMid - p.BandStdDev*ind.BandStdDev

	var side state.Side
	switch {
	case c.Close < lower:
		side = state.Long
	case c.Close > upper:
		side = state.Short
	default:
		return nil
	}

	// Target the band mid rather than an ATR multiple; the stop still uses
	// ATR geometry so sizing works the same everywhere.
	stop := c.Close - side.Sign()*ind.ATR*p.StopATR
	return &TradeIntent{
		Symbol:      c.Symbol,
		Side:        side,
		Policy:      "mean_reversion",
		Entry:       c.Close,
		Stop:        stop,
		TakeProfits: []float64{ind.BandMid},
		Reason:      fmt.Sprintf("close %.4f outside %.1f sigma band", c.Close, p.BandStdDev),
	}
}
