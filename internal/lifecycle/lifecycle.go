// Package lifecycle drives an open position through partial take-profits,
// break-even promotion, the trailing-stop ratchet and time exits. It decides;
// the executor acts.
package lifecycle

import (
	"fmt"
	"time"

	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

// Phase is the lifecycle state for one instrument.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePendingEntry
	PhaseOpenFull
	PhaseOpenPartial
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhasePendingEntry:
		return "PENDING_ENTRY"
	case PhaseOpenFull:
		return "OPEN_FULL"
	case PhaseOpenPartial:
		return "OPEN_PARTIAL"
	case PhaseCooldown:
		return "COOLDOWN"
	default:
		return "NONE"
	}
}

// PhaseOf derives the current phase from persisted state plus the
// controller's in-flight entry flag (which is never persisted).
func PhaseOf(st *state.InstrumentState, entryInFlight bool, now time.Time) Phase {
	switch {
	case entryInFlight:
		return PhasePendingEntry
	case st.Position != nil && st.Position.TPHit > 0:
		return PhaseOpenPartial
	case st.Position != nil:
		return PhaseOpenFull
	case st.InCooldown(now):
		return PhaseCooldown
	default:
		return PhaseNone
	}
}

// ActionKind tags the variants of Action. The controller switches over these
// exhaustively; adding a kind without handling it is a compile-time job, not
// a silent no-op.
type ActionKind int

const (
	ActionMoveStop ActionKind = iota
	ActionPartialClose
	ActionClose
)

// Action is one instruction for the executor.
type Action struct {
	Kind     ActionKind
	NewStop  float64 // ActionMoveStop
	Qty      float64 // ActionPartialClose
	RefPrice float64 // believed fill reference
	Reason   string
}

// Manager evaluates one instrument's open position each closed candle.
type Manager struct {
	params            config.PolicyParams
	cooldownAfterWin  time.Duration
	cooldownAfterLoss time.Duration
}

// NewManager builds a lifecycle manager from the instrument's policy
// parameters and the account cooldown settings.
func NewManager(params config.PolicyParams, afterWin, afterLoss time.Duration) *Manager {
	return &Manager{params: params, cooldownAfterWin: afterWin, cooldownAfterLoss: afterLoss}
}

// OnCandle inspects the closed candle against the open position and returns
// the actions to execute, in order. Stop-loss has absolute priority: when
// both the stop and a take-profit are plausibly hit inside one candle, the
// adverse outcome is assumed to have happened first.
func (m *Manager) OnCandle(pos *state.Position, c exchange.Candle, atr float64, now time.Time) []Action {
	if pos == nil || pos.Qty <= 0 {
		return nil
	}

	if m.stopHit(pos, c) {
		return []Action{{
			Kind:     ActionClose,
			RefPrice: pos.Stop,
			Reason:   "stop_loss",
		}}
	}

	if m.params.MaxHoldMinutes > 0 && now.Sub(pos.EntryTime) >= time.Duration(m.params.MaxHoldMinutes)*time.Minute {
		return []Action{{
			Kind:     ActionClose,
			RefPrice: c.Close,
			Reason:   "time_stop",
		}}
	}

	var actions []Action

	if tp, ok := m.takeProfitHit(pos, c); ok {
		if len(pos.TakeProfits) == 1 {
			return []Action{{
				Kind:     ActionClose,
				RefPrice: tp,
				Reason:   "final_take_profit",
			}}
		}
		actions = append(actions, Action{
			Kind:     ActionPartialClose,
			Qty:      pos.Qty / float64(len(pos.TakeProfits)),
			RefPrice: tp,
			Reason:   fmt.Sprintf("take_profit_%d", pos.TPHit+1),
		})
	}

	if stop, ok := m.promotionStop(pos, c, len(actions) > 0); ok {
		actions = append(actions, Action{Kind: ActionMoveStop, NewStop: stop, Reason: "break_even"})
	} else if stop, ok := m.ratchetStop(pos, c, atr); ok {
		actions = append(actions, Action{Kind: ActionMoveStop, NewStop: stop, Reason: "trailing"})
	}

	return actions
}

func (m *Manager) stopHit(pos *state.Position, c exchange.Candle) bool {
	if pos.Side == state.Long {
		return c.Low <= pos.Stop
	}
	return c.High >= pos.Stop
}

func (m *Manager) takeProfitHit(pos *state.Position, c exchange.Candle) (float64, bool) {
	if len(pos.TakeProfits) == 0 {
		return 0, false
	}
	tp := pos.TakeProfits[0]
	if pos.Side == state.Long && c.High >= tp {
		return tp, true
	}
	if pos.Side == state.Short && c.Low <= tp {
		return tp, true
	}
	return 0, false
}

// promotionStop returns the break-even stop when promotion should fire:
// after the configured number of take-profit hits (tpHitNow counts the hit
// detected this candle), or once unrealized profit reaches the configured
// R-multiple. Never demotes an already-better stop.
func (m *Manager) promotionStop(pos *state.Position, c exchange.Candle, tpHitNow bool) (float64, bool) {
	if pos.AtBreakEven {
		return 0, false
	}

	hits := pos.TPHit
	if tpHitNow {
		hits++
	}
	promote := m.params.BreakEvenAfterTPs > 0 && hits >= m.params.BreakEvenAfterTPs
	if !promote && m.params.BreakEvenAtR > 0 {
		risk := pos.Risk()
		if risk > 0 {
			unrealizedR := (c.Close - pos.EntryPrice) * pos.Side.Sign() / risk
			promote = unrealizedR >= m.params.BreakEvenAtR
		}
	}
	if !promote {
		return 0, false
	}

	stop := pos.EntryPrice
	if (stop-pos.Stop)*pos.Side.Sign() <= 0 {
		// Stop already at entry or better; nothing to move.
		return 0, false
	}
	return stop, true
}

// ratchetStop advances the trailing stop once the trade is in the partial
// phase and price has moved the trigger multiple of ATR past entry. The stop
// only ever moves favorably.
func (m *Manager) ratchetStop(pos *state.Position, c exchange.Candle, atr float64) (float64, bool) {
	if pos.TPHit == 0 || atr <= 0 {
		return 0, false
	}

	extreme := c.High
	if pos.Side == state.Short {
		extreme = c.Low
	}

	if !pos.TrailActive {
		moved := (extreme - pos.EntryPrice) * pos.Side.Sign()
		if moved < atr*m.params.TrailTriggerATR {
			return 0, false
		}
		pos.TrailActive = true
		pos.TrailMark = extreme
	}

	if (extreme-pos.TrailMark)*pos.Side.Sign() > 0 {
		pos.TrailMark = extreme
	}

	stop := pos.TrailMark - pos.Side.Sign()*atr*m.params.TrailDistanceATR
	if (stop-pos.Stop)*pos.Side.Sign() <= 0 {
		return 0, false
	}
	return stop, true
}

// ApplyPartial records a confirmed partial take-profit fill: realized PnL,
// ladder advance, TP count. Safe against replay: a fill for a leg already
// counted is ignored by the qty guard.
func (m *Manager) ApplyPartial(pos *state.Position, qty, price float64) float64 {
	if pos == nil || qty <= 0 || qty >= pos.Qty {
		return 0
	}
	pnl := (price - pos.EntryPrice) * pos.Side.Sign() * qty
	pos.Qty -= qty
	pos.RealizedPnL += pnl
	pos.TPHit++
	if len(pos.TakeProfits) > 0 {
		pos.TakeProfits = pos.TakeProfits[1:]
	}
	return pnl
}

// CloseTrade finalizes a full close and returns the ledger entry.
func (m *Manager) CloseTrade(symbol string, pos *state.Position, exitPrice float64, reason string, now time.Time) state.ClosedTrade {
	pnl := (exitPrice-pos.EntryPrice)*pos.Side.Sign()*pos.Qty + pos.RealizedPnL
	return state.ClosedTrade{
		Symbol:   symbol,
		Side:     pos.Side,
		Qty:      pos.Qty,
		Entry:    pos.EntryPrice,
		Exit:     exitPrice,
		PnL:      pnl,
		Reason:   reason,
		OpenedAt: pos.EntryTime,
		ClosedAt: now,
	}
}

// Cooldown returns the outcome-dependent cooldown after a closed trade.
func (m *Manager) Cooldown(pnl float64) time.Duration {
	if pnl >= 0 {
		return m.cooldownAfterWin
	}
	return m.cooldownAfterLoss
}
