package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

func testParams() config.PolicyParams {
	return config.PolicyParams{
		StopATR:           1.5,
		TargetATR:         3.0,
		TakeProfitLegs:    2,
		TrailTriggerATR:   1.0,
		TrailDistanceATR:  1.0,
		BreakEvenAfterTPs: 1,
	}
}

func longPosition() *state.Position {
	return &state.Position{
		Side:        state.Long,
		Qty:         2.0,
		EntryPrice:  100,
		EntryTime:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Stop:        95,
		InitialStop: 95,
		TakeProfits: []float64{105, 110},
	}
}

func candle(high, low, close float64) exchange.Candle {
	return exchange.Candle{
		Symbol: "BTCUSDT",
		High:   high,
		Low:    low,
		Close:  close,
		Open:   close,
		Closed: true,
	}
}

func TestStopTakesPriorityInsideOneCandle(t *testing.T) {
	m := NewManager(testParams(), 0, 30*time.Minute)
	pos := longPosition()

	// Candle spans both the stop and the first take-profit; the adverse
	// outcome must be assumed.
	actions := m.OnCandle(pos, candle(106, 94, 100), 2.0, pos.EntryTime.Add(5*time.Minute))

	require.Len(t, actions, 1)
	assert.Equal(t, ActionClose, actions[0].Kind)
	assert.Equal(t, "stop_loss", actions[0].Reason)
	assert.Equal(t, pos.Stop, actions[0].RefPrice)
}

func TestShortStopHit(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := &state.Position{
		Side: state.Short, Qty: 1, EntryPrice: 100, Stop: 104,
		TakeProfits: []float64{94}, EntryTime: time.Now(),
	}

	actions := m.OnCandle(pos, candle(104.5, 99, 100), 2.0, time.Now())

	require.Len(t, actions, 1)
	assert.Equal(t, "stop_loss", actions[0].Reason)
}

func TestTimeStop(t *testing.T) {
	p := testParams()
	p.MaxHoldMinutes = 60
	m := NewManager(p, 0, 0)
	pos := longPosition()

	actions := m.OnCandle(pos, candle(101, 99, 100), 2.0, pos.EntryTime.Add(61*time.Minute))

	require.Len(t, actions, 1)
	assert.Equal(t, ActionClose, actions[0].Kind)
	assert.Equal(t, "time_stop", actions[0].Reason)
}

func TestPartialThenBreakEvenPromotion(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := longPosition()

	actions := m.OnCandle(pos, candle(105.5, 99, 104), 2.0, pos.EntryTime.Add(5*time.Minute))

	require.Len(t, actions, 2)
	assert.Equal(t, ActionPartialClose, actions[0].Kind)
	assert.InDelta(t, 1.0, actions[0].Qty, 1e-9) // half of 2.0 across 2 legs
	assert.Equal(t, 105.0, actions[0].RefPrice)

	assert.Equal(t, ActionMoveStop, actions[1].Kind)
	assert.Equal(t, "break_even", actions[1].Reason)
	assert.Equal(t, pos.EntryPrice, actions[1].NewStop)
}

func TestFinalLegClosesInFull(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := longPosition()
	pos.TakeProfits = []float64{110}
	pos.TPHit = 1
	pos.Qty = 1.0

	actions := m.OnCandle(pos, candle(110.5, 105, 109), 2.0, pos.EntryTime.Add(5*time.Minute))

	require.Len(t, actions, 1)
	assert.Equal(t, ActionClose, actions[0].Kind)
	assert.Equal(t, "final_take_profit", actions[0].Reason)
	assert.Equal(t, 110.0, actions[0].RefPrice)
}

func TestBreakEvenAtRMultiple(t *testing.T) {
	p := testParams()
	p.BreakEvenAfterTPs = 0
	p.BreakEvenAtR = 1.0
	m := NewManager(p, 0, 0)
	pos := longPosition() // risk = 5

	// Close at 104: 0.8R, no promotion.
	actions := m.OnCandle(pos, candle(104.5, 99, 104), 2.0, pos.EntryTime.Add(5*time.Minute))
	assert.Empty(t, actions)

	// Close at 105.4: 1.08R, promote. TP at 105 also fires.
	actions = m.OnCandle(pos, candle(105.4, 101, 105.4), 2.0, pos.EntryTime.Add(10*time.Minute))
	require.NotEmpty(t, actions)
	last := actions[len(actions)-1]
	assert.Equal(t, ActionMoveStop, last.Kind)
	assert.Equal(t, "break_even", last.Reason)
}

func TestTrailingRatchetIsMonotonic(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := longPosition()
	pos.TPHit = 1
	pos.AtBreakEven = true
	pos.Stop = 100
	pos.TakeProfits = []float64{999} // out of reach
	atr := 2.0

	// High 103 moves 3 past entry, over the 1xATR trigger: stop to 101.
	actions := m.OnCandle(pos, candle(103, 101, 102), atr, pos.EntryTime.Add(5*time.Minute))
	require.Len(t, actions, 1)
	assert.Equal(t, "trailing", actions[0].Reason)
	assert.InDelta(t, 101.0, actions[0].NewStop, 1e-9)
	pos.Stop = actions[0].NewStop

	// Retrace above the stop: high-water mark holds, no demotion.
	actions = m.OnCandle(pos, candle(102, 101.5, 101.8), atr, pos.EntryTime.Add(10*time.Minute))
	assert.Empty(t, actions)
	assert.InDelta(t, 103.0, pos.TrailMark, 1e-9)

	// New high advances the mark and the stop.
	actions = m.OnCandle(pos, candle(106, 103, 105.5), atr, pos.EntryTime.Add(15*time.Minute))
	require.Len(t, actions, 1)
	assert.InDelta(t, 104.0, actions[0].NewStop, 1e-9)
	assert.Greater(t, actions[0].NewStop, 101.0)
}

func TestTrailingRequiresPartialPhase(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := longPosition()
	pos.AtBreakEven = true
	pos.TakeProfits = []float64{999}

	actions := m.OnCandle(pos, candle(104, 101, 103), 2.0, pos.EntryTime.Add(5*time.Minute))
	assert.Empty(t, actions, "trailing must not arm before the first partial")
}

func TestApplyPartialReplayGuard(t *testing.T) {
	m := NewManager(testParams(), 0, 0)
	pos := longPosition()

	pnl := m.ApplyPartial(pos, 1.0, 105)
	assert.InDelta(t, 5.0, pnl, 1e-9)
	assert.InDelta(t, 1.0, pos.Qty, 1e-9)
	assert.Equal(t, 1, pos.TPHit)
	assert.Equal(t, []float64{110}, pos.TakeProfits)

	// Replayed fill for the full remaining quantity is ignored.
	pnl = m.ApplyPartial(pos, 1.0, 105)
	assert.Zero(t, pnl)
	assert.Equal(t, 1, pos.TPHit)
}

func TestCloseTradeIncludesRealizedPartials(t *testing.T) {
	m := NewManager(testParams(), 10*time.Minute, time.Hour)
	pos := longPosition()
	m.ApplyPartial(pos, 1.0, 105)

	trade := m.CloseTrade("BTCUSDT", pos, 110, "final_take_profit", pos.EntryTime.Add(time.Hour))
	assert.InDelta(t, 15.0, trade.PnL, 1e-9) // 5 realized + 10 on the runner

	assert.Equal(t, 10*time.Minute, m.Cooldown(trade.PnL))
	assert.Equal(t, time.Hour, m.Cooldown(-1))
}

func TestPhaseOf(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		st       *state.InstrumentState
		inFlight bool
		want     Phase
	}{
		{"idle", &state.InstrumentState{}, false, PhaseNone},
		{"pending entry", &state.InstrumentState{}, true, PhasePendingEntry},
		{"open full", &state.InstrumentState{Position: &state.Position{Qty: 1}}, false, PhaseOpenFull},
		{"open partial", &state.InstrumentState{Position: &state.Position{Qty: 1, TPHit: 1}}, false, PhaseOpenPartial},
		{"cooldown", &state.InstrumentState{CooldownUntil: now.Add(time.Hour)}, false, PhaseCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseOf(tt.st, tt.inFlight, now))
		})
	}
}
