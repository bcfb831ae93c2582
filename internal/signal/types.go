package signal

import (
	"perp-pilot/internal/indicators"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

// Kind orders policy evaluation: breakout setups are checked before
// range/reversion setups on the same candle.
type Kind int

const (
	KindBreakout Kind = iota
	KindReversion
)

// Snapshot is one closed candle plus the indicator set valid at that
// instant. Consumed once, never retained.
type Snapshot struct {
	Candle exchange.Candle
	Prev   exchange.Candle
	Ind    indicators.Set
	Params config.PolicyParams
}

// TradeIntent is a fully specified request to open a position. Produced by
// the engine, consumed immediately by admission control and the executor.
type TradeIntent struct {
	Symbol      string
	Side        state.Side
	Policy      string
	Entry       float64 // reference price (candle close)
	Stop        float64
	TakeProfits []float64 // nearest first
	Reason      string
}

// riskReward returns the ratio of the final target distance to stop distance.
func (t *TradeIntent) riskReward() float64 {
	risk := (t.Entry - t.Stop) * t.Side.Sign()
	if risk <= 0 || len(t.TakeProfits) == 0 {
		return 0
	}
	final := t.TakeProfits[len(t.TakeProfits)-1]
	return (final - t.Entry) * t.Side.Sign() / risk
}

// Policy is one interchangeable trade-setup detector.
type Policy interface {
	Name() string
	Kind() Kind
	Evaluate(snap Snapshot) *TradeIntent
}

// ladder builds n take-profit levels stepping toward the final target.
func ladder(entry float64, side state.Side, atr, targetATR float64, legs int) []float64 {
	if legs < 1 {
		legs = 1
	}
	out := make([]float64, 0, legs)
	for i := 1; i <= legs; i++ {
		dist := atr * targetATR * float64(i) / float64(legs)
		out = append(out, entry+side.Sign()*dist)
	}
	return out
}
