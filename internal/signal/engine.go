// Package signal turns closed candles plus cached indicators into trade
// intents. Policies are interchangeable; callers never branch on which one
// fired.
package signal

import (
	"fmt"
	"sort"
	"time"
)

// Engine evaluates an ordered set of policies against each snapshot.
type Engine struct {
	policies []Policy
}

// NewEngine orders the given policies so breakout setups are evaluated
// before range/reversion setups; within a kind, registration order holds.
func NewEngine(policies ...Policy) *Engine {
	ordered := make([]Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind() < ordered[j].Kind()
	})
	return &Engine{policies: ordered}
}

// ForPolicy builds an engine hosting the single named policy.
func ForPolicy(name string) (*Engine, error) {
	switch name {
	case "breakout":
		return NewEngine(Breakout{}), nil
	case "range_fade":
		return NewEngine(RangeFade{}), nil
	case "pullback":
		return NewEngine(Pullback{}), nil
	case "mean_reversion":
		return NewEngine(MeanReversion{}), nil
	default:
		return nil, fmt.Errorf("signal: unknown policy %q", name)
	}
}

// maxSnapshotAge guards against deciding on indicators from a stalled feed.
const maxSnapshotAge = 5 * time.Minute

// Evaluate returns the first qualifying intent, or nil when no setup
// qualifies. Stale or missing indicators, volatility below the configured
// floor, and sub-minimum risk:reward all yield nil.
func (e *Engine) Evaluate(snap Snapshot) *TradeIntent {
	ind := snap.Ind
	c := snap.Candle

	if !ind.Ready {
		return nil
	}
	if c.CloseTime.Sub(ind.AsOf) > maxSnapshotAge || ind.AsOf.Sub(c.CloseTime) > maxSnapshotAge {
		return nil
	}
	if c.Close <= 0 {
		return nil
	}
	if snap.Params.VolatilityFloor > 0 && ind.ATR/c.Close < snap.Params.VolatilityFloor {
		return nil
	}

	for _, p := range e.policies {
		intent := p.Evaluate(snap)
		if intent == nil {
			continue
		}
		if intent.riskReward() < snap.Params.MinRiskReward {
			continue
		}
		return intent
	}
	return nil
}
