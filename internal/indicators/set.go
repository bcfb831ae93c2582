package indicators

import (
	"time"

	"perp-pilot/pkg/exchange"
)

const (
	atrPeriod    = 14
	volumePeriod = 20
	bandPeriod   = 20
)

// Set is the cached indicator bundle for one instrument at one candle close.
// It is owned by the instrument's controller and handed to the signal engine
// by value; nothing here is shared process state.
type Set struct {
	ATR          float64
	EMA          float64 // continuation EMA (policy period)
	BandMid      float64
	BandStdDev   float64
	MedianVolume float64
	Pivots       Pivots
	AsOf         time.Time
	Ready        bool
}

// Window keeps the rolling candle history a controller needs to refresh its
// indicator Set. Not safe for concurrent use; the controller's lock covers it.
type Window struct {
	candles []exchange.Candle
	max     int
	emaLen  int
}

// NewWindow sizes the history so the slowest indicator, plus a full prior UTC
// day of pivots material, always has data.
func NewWindow(emaPeriod, maxCandles int) *Window {
	if maxCandles < emaPeriod*3 {
		maxCandles = emaPeriod * 3
	}
	return &Window{max: maxCandles, emaLen: emaPeriod}
}

// Seed replaces the history wholesale (startup backfill).
func (w *Window) Seed(candles []exchange.Candle) {
	w.candles = append(w.candles[:0], candles...)
	w.trim()
}

// Append adds one closed candle.
func (w *Window) Append(c exchange.Candle) {
	w.candles = append(w.candles, c)
	w.trim()
}

func (w *Window) trim() {
	if len(w.candles) > w.max {
		w.candles = w.candles[len(w.candles)-w.max:]
	}
}

// Len returns the number of candles held.
func (w *Window) Len() int { return len(w.candles) }

// Compute refreshes the full indicator Set from the current history.
// Ready is false until every component has enough data.
func (w *Window) Compute(now time.Time) Set {
	closes := make([]float64, len(w.candles))
	volumes := make([]float64, len(w.candles))
	for i, c := range w.candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	set := Set{
		ATR:          ATR(w.candles, atrPeriod),
		EMA:          EMA(closes, w.emaLen),
		BandMid:      SMA(closes, bandPeriod),
		BandStdDev:   StdDev(closes, bandPeriod),
		MedianVolume: Median(volumes, volumePeriod),
		Pivots:       DailyPivots(w.candles, now),
		AsOf:         now,
	}
	set.Ready = set.ATR > 0 && set.EMA > 0 && set.MedianVolume > 0 && set.Pivots.Valid()
	return set
}
