// Package risk is the admission-control gate in front of every new entry.
// The governor is the sole choke point: it runs under the owning
// controller's lock together with the no-existing-position check, so two
// near-simultaneous signals can never both pass.
package risk

import (
	"fmt"
	"sync"
	"time"

	"perp-pilot/internal/state"
)

// Limits are the account-level admission parameters, fixed at startup.
type Limits struct {
	MinBalance        float64
	DailyLossLimitPct float64
	MaxTradesPerDay   int
	BlackoutHours     []int // UTC hours with no new entries
	MaxAuditFailures  int   // consecutive reconcile failures before auto-pause
}

// Decision is the admission verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Governor gates new entries for one instrument.
type Governor struct {
	limits Limits

	mu            sync.Mutex
	auditFailures int
}

// NewGovernor builds a governor with the given limits.
func NewGovernor(limits Limits) *Governor {
	if limits.MaxAuditFailures <= 0 {
		limits.MaxAuditFailures = 5
	}
	return &Governor{limits: limits}
}

// Admit decides whether a new trade may open now. Checks run in order and
// short-circuit on the first failure. Must be called under the instrument
// controller's lock.
func (g *Governor) Admit(st *state.InstrumentState, entryInFlight bool, balance float64, now time.Time) Decision {
	if st.Paused {
		return deny("trading paused")
	}
	if st.Position != nil {
		return deny("position already open")
	}
	if entryInFlight {
		return deny("entry order in flight")
	}
	if st.InCooldown(now) {
		return deny("cooldown until %s", st.CooldownUntil.UTC().Format(time.RFC3339))
	}
	if g.inBlackout(now) {
		return deny("blackout hour %02d UTC", now.UTC().Hour())
	}
	if balance < g.limits.MinBalance {
		return deny("balance %.2f below minimum %.2f", balance, g.limits.MinBalance)
	}
	if d := g.checkDailyLoss(st); !d.Allowed {
		return d
	}
	if g.limits.MaxTradesPerDay > 0 && len(st.Trades) >= g.limits.MaxTradesPerDay {
		return deny("daily trade cap reached: %d/%d", len(st.Trades), g.limits.MaxTradesPerDay)
	}
	if !g.Healthy() {
		return deny("reconciliation unhealthy: %d consecutive failures", g.failures())
	}
	return Decision{Allowed: true}
}

func (g *Governor) checkDailyLoss(st *state.InstrumentState) Decision {
	if g.limits.DailyLossLimitPct <= 0 || st.DayStartBalance <= 0 {
		return Decision{Allowed: true}
	}
	pct := st.DailyPnL() / st.DayStartBalance * 100
	if pct <= -g.limits.DailyLossLimitPct {
		return deny("daily loss limit hit: %.2f%% <= -%.2f%%", pct, g.limits.DailyLossLimitPct)
	}
	return Decision{Allowed: true}
}

func (g *Governor) inBlackout(now time.Time) bool {
	hour := now.UTC().Hour()
	for _, h := range g.limits.BlackoutHours {
		if h == hour {
			return true
		}
	}
	return false
}

// ReportAuditFailure records one failed reconciliation pass.
func (g *Governor) ReportAuditFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auditFailures++
}

// ReportAuditOK decays the failure counter after a clean pass.
func (g *Governor) ReportAuditOK() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.auditFailures > 0 {
		g.auditFailures--
	}
}

// Healthy reports whether reconciliation failures are under the auto-pause
// threshold.
func (g *Governor) Healthy() bool {
	return g.failures() < g.limits.MaxAuditFailures
}

func (g *Governor) failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.auditFailures
}
