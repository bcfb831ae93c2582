package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perp-pilot/internal/state"
)

func testLimits() Limits {
	return Limits{
		MinBalance:        100,
		DailyLossLimitPct: 3.0,
		MaxTradesPerDay:   5,
		BlackoutHours:     []int{0, 1},
		MaxAuditFailures:  3,
	}
}

// noon avoids the configured blackout hours.
var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func freshState() *state.InstrumentState {
	return &state.InstrumentState{Symbol: "BTCUSDT", Day: "2026-03-02", DayStartBalance: 1000}
}

func TestAdmitHappyPath(t *testing.T) {
	g := NewGovernor(testLimits())
	d := g.Admit(freshState(), false, 1000, noon)
	assert.True(t, d.Allowed)
}

func TestAdmitDenials(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*state.InstrumentState)
		inFlight bool
		balance  float64
		now      time.Time
		reason   string
	}{
		{
			name:   "paused",
			mutate: func(s *state.InstrumentState) { s.Paused = true },
			reason: "paused",
		},
		{
			name:   "position open",
			mutate: func(s *state.InstrumentState) { s.Position = &state.Position{Qty: 1} },
			reason: "already open",
		},
		{
			name:     "entry in flight",
			inFlight: true,
			reason:   "in flight",
		},
		{
			name:   "cooldown",
			mutate: func(s *state.InstrumentState) { s.CooldownUntil = noon.Add(time.Hour) },
			reason: "cooldown",
		},
		{
			name:   "blackout hour",
			now:    time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC),
			reason: "blackout",
		},
		{
			name:    "balance below minimum",
			balance: 50,
			reason:  "below minimum",
		},
		{
			name: "daily loss limit",
			mutate: func(s *state.InstrumentState) {
				s.Trades = []state.ClosedTrade{{PnL: -40}} // -4% of 1000
			},
			reason: "daily loss limit",
		},
		{
			name: "trade cap",
			mutate: func(s *state.InstrumentState) {
				s.Trades = make([]state.ClosedTrade, 5)
			},
			reason: "trade cap",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(testLimits())
			st := freshState()
			if tt.mutate != nil {
				tt.mutate(st)
			}
			balance := tt.balance
			if balance == 0 {
				balance = 1000
			}
			now := tt.now
			if now.IsZero() {
				now = noon
			}
			d := g.Admit(st, tt.inFlight, balance, now)
			assert.False(t, d.Allowed)
			assert.True(t, strings.Contains(d.Reason, tt.reason), "reason %q should contain %q", d.Reason, tt.reason)
		})
	}
}

func TestDailyLossLimitStaysLatchedForTheDay(t *testing.T) {
	g := NewGovernor(testLimits())
	st := freshState()
	st.Trades = []state.ClosedTrade{{PnL: -40}, {PnL: 5}}

	// Still below the -3% line even after a small winner.
	d := g.Admit(st, false, 1000, noon)
	assert.False(t, d.Allowed)

	// A new UTC day clears the ledger and the gate.
	st.RollDay(noon.Add(24*time.Hour), 1000)
	d = g.Admit(st, false, 1000, noon.Add(24*time.Hour))
	assert.True(t, d.Allowed)
}

func TestAuditFailuresPauseAndRecover(t *testing.T) {
	g := NewGovernor(testLimits())
	for i := 0; i < 3; i++ {
		assert.True(t, g.Healthy())
		g.ReportAuditFailure()
	}
	assert.False(t, g.Healthy())

	d := g.Admit(freshState(), false, 1000, noon)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "reconciliation unhealthy")

	// Clean passes decay the counter back under the threshold.
	g.ReportAuditOK()
	assert.True(t, g.Healthy())
	assert.True(t, g.Admit(freshState(), false, 1000, noon).Allowed)
}
