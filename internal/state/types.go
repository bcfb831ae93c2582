package state

import "time"

// Side of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Position is the locally believed open position for one instrument.
// Created on a confirmed entry fill, mutated by the lifecycle, cleared on
// full close. At most one exists per instrument.
type Position struct {
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`

	Stop        float64   `json:"stop"`
	InitialStop float64   `json:"initial_stop"` // entry-time stop, defines 1R
	TakeProfits []float64 `json:"take_profits"` // remaining ladder, nearest first
	TPHit       int       `json:"tp_hit"`

	TrailActive bool    `json:"trail_active"`
	TrailMark   float64 `json:"trail_mark"` // high-water (long) / low-water (short)

	AtBreakEven bool    `json:"at_break_even"`
	RealizedPnL float64 `json:"realized_pnl"` // realized so far via partials

	EntryOrderID string   `json:"entry_order_id"`
	StopOrderID  string   `json:"stop_order_id"`
	TPOrderIDs   []string `json:"tp_order_ids"`
}

// Risk returns the entry-time risk per unit (1R distance).
func (p *Position) Risk() float64 {
	r := (p.EntryPrice - p.InitialStop) * p.Side.Sign()
	if r < 0 {
		return 0
	}
	return r
}

// ClosedTrade is one realized trade in the daily ledger.
type ClosedTrade struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Qty      float64   `json:"qty"`
	Entry    float64   `json:"entry"`
	Exit     float64   `json:"exit"`
	PnL      float64   `json:"pnl"`
	Reason   string    `json:"reason"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

// InstrumentState is the durable per-instrument belief. The owning
// controller is its writer; the reconciler additionally writes
// position-existence fields when healing.
type InstrumentState struct {
	Symbol string `json:"symbol"`

	Position *Position `json:"position,omitempty"`

	Paused        bool      `json:"paused"`
	CooldownUntil time.Time `json:"cooldown_until"`

	// Daily ledger, reset at UTC day rollover.
	Day             string        `json:"day"` // YYYY-MM-DD UTC
	DayStartBalance float64       `json:"day_start_balance"`
	Trades          []ClosedTrade `json:"trades"`

	// Last venue quantity observed by the reconciler, for partial-fill
	// bookkeeping between audits.
	LastKnownQty float64 `json:"last_known_qty"`
}

// InCooldown reports whether new entries are still blocked at now.
func (s *InstrumentState) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// DailyPnL sums realized PnL recorded since the UTC day start.
func (s *InstrumentState) DailyPnL() float64 {
	total := 0.0
	for _, t := range s.Trades {
		total += t.PnL
	}
	return total
}

// RollDay resets the daily counters when now is past the recorded UTC day.
// Returns true if a reset happened.
func (s *InstrumentState) RollDay(now time.Time, balance float64) bool {
	day := now.UTC().Format("2006-01-02")
	if s.Day == day {
		return false
	}
	s.Day = day
	s.Trades = nil
	s.DayStartBalance = balance
	return true
}
