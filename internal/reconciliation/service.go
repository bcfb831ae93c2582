// Package reconciliation compares the locally held position belief against
// the venue's authoritative state and heals divergence: confirmed closes are
// booked, zombie and side-mismatched exposure is flattened, and repeated
// audit failures feed the admission-control health signal.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"perp-pilot/internal/events"
	"perp-pilot/internal/journal"
	"perp-pilot/internal/lifecycle"
	"perp-pilot/internal/order"
	"perp-pilot/internal/risk"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/exchange"
)

const qtyEpsilon = 1e-9

// Heal describes what an audit pass changed.
type Heal struct {
	Kind   string // partial_booked, close_booked, zombie_flattened, side_mismatch_flattened
	Detail string
}

// Auditor reconciles one instrument. It is invoked under the owning
// controller's lock, both from the periodic timer and proactively on fill
// events, so it always observes a consistent snapshot.
type Auditor struct {
	client  exchange.Client
	exec    *order.Executor
	lc      *lifecycle.Manager
	gov     *risk.Governor
	journal *journal.Journal
	bus     *events.Bus
}

// NewAuditor wires an auditor for one instrument.
func NewAuditor(client exchange.Client, exec *order.Executor, lc *lifecycle.Manager, gov *risk.Governor, jr *journal.Journal, bus *events.Bus) *Auditor {
	return &Auditor{client: client, exec: exec, lc: lc, gov: gov, journal: jr, bus: bus}
}

// Audit runs one reconciliation pass and mutates st in place when healing.
// The audit converges in a single pass for every local/venue combination.
func (a *Auditor) Audit(ctx context.Context, st *state.InstrumentState, now time.Time) (*Heal, error) {
	venue, err := a.client.GetOpenPosition(ctx, st.Symbol)
	if err != nil {
		a.gov.ReportAuditFailure()
		return nil, fmt.Errorf("reconcile %s: fetch venue position: %w", st.Symbol, err)
	}

	heal, err := a.compare(ctx, st, venue, now)
	if err != nil {
		a.gov.ReportAuditFailure()
		return nil, err
	}
	a.gov.ReportAuditOK()
	st.LastKnownQty = venue.Qty

	if heal != nil {
		if a.journal != nil {
			if jerr := a.journal.RecordHeal(ctx, st.Symbol, heal.Kind, heal.Detail); jerr != nil {
				log.Printf("reconcile %s: journal heal: %v", st.Symbol, jerr)
			}
		}
		a.bus.Publish(events.Note{
			Event:  events.EventHealed,
			Symbol: st.Symbol,
			Reason: heal.Kind + ": " + heal.Detail,
			At:     now,
		})
	}
	return heal, nil
}

func (a *Auditor) compare(ctx context.Context, st *state.InstrumentState, venue exchange.PositionInfo, now time.Time) (*Heal, error) {
	local := st.Position

	switch {
	case local == nil && venue.Flat():
		return nil, nil

	case local == nil:
		// Zombie: venue-side exposure the controller never opened. Flatten
		// immediately; adopting unknown risk is never an option.
		return a.flattenZombie(ctx, st, venue, now)

	case venue.Flat():
		// Ghost close: the venue already flattened us (stop triggered,
		// manual close). Book the realized result and clear the belief.
		return a.bookVenueClose(ctx, st, now)

	case venueSide(venue) != local.Side:
		return a.flattenMismatch(ctx, st, venue, now)

	default:
		return a.bookQtyDrift(ctx, st, venue, now)
	}
}

func venueSide(p exchange.PositionInfo) state.Side {
	if p.Qty < 0 {
		return state.Short
	}
	return state.Long
}

func (a *Auditor) flattenZombie(ctx context.Context, st *state.InstrumentState, venue exchange.PositionInfo, now time.Time) (*Heal, error) {
	qty := math.Abs(venue.Qty)
	a.critical(st.Symbol, now, fmt.Sprintf("zombie position on venue: %s qty=%.6f, flattening", venueSide(venue), qty))
	if err := a.exec.Flatten(ctx, st.Symbol, venueSide(venue), qty); err != nil {
		return nil, fmt.Errorf("reconcile %s: flatten zombie: %w", st.Symbol, err)
	}
	return &Heal{Kind: "zombie_flattened", Detail: fmt.Sprintf("side=%s qty=%.6f", venueSide(venue), qty)}, nil
}

func (a *Auditor) flattenMismatch(ctx context.Context, st *state.InstrumentState, venue exchange.PositionInfo, now time.Time) (*Heal, error) {
	a.critical(st.Symbol, now, fmt.Sprintf("side mismatch: local=%s venue=%s, flattening", st.Position.Side, venueSide(venue)))
	if err := a.exec.Flatten(ctx, st.Symbol, venueSide(venue), math.Abs(venue.Qty)); err != nil {
		return nil, fmt.Errorf("reconcile %s: flatten mismatch: %w", st.Symbol, err)
	}
	st.Position = nil
	return &Heal{Kind: "side_mismatch_flattened", Detail: fmt.Sprintf("venue_side=%s", venueSide(venue))}, nil
}

// bookVenueClose handles the confirmed full close: realized PnL is computed
// from the venue trade history, appended to the daily ledger, the position
// cleared and the cooldown applied. No flatten — there is nothing left to
// flatten.
func (a *Auditor) bookVenueClose(ctx context.Context, st *state.InstrumentState, now time.Time) (*Heal, error) {
	pos := st.Position
	exit, realized, err := a.closingFills(ctx, st.Symbol, pos)
	if err != nil {
		return nil, err
	}

	trade := a.lc.CloseTrade(st.Symbol, pos, exit, "venue_close", now)
	if realized != 0 {
		// Prefer the venue's own realized figure when trades were found. It
		// already covers every close-side fill since entry, including
		// partial legs booked locally into pos.RealizedPnL.
		trade.PnL = realized
	}

	st.Trades = append(st.Trades, trade)
	st.Position = nil
	st.CooldownUntil = now.Add(a.lc.Cooldown(trade.PnL))

	if a.journal != nil {
		if err := a.journal.RecordTrade(ctx, trade); err != nil {
			log.Printf("reconcile %s: journal trade: %v", st.Symbol, err)
		}
	}
	a.bus.Publish(events.Note{
		Event:       events.EventPositionClosed,
		Symbol:      st.Symbol,
		Side:        string(trade.Side),
		Qty:         trade.Qty,
		Price:       trade.Exit,
		RealizedPnL: trade.PnL,
		Reason:      "venue_close",
		At:          now,
	})
	return &Heal{Kind: "close_booked", Detail: fmt.Sprintf("pnl=%.2f exit=%.4f", trade.PnL, trade.Exit)}, nil
}

// bookQtyDrift books venue-side quantity decreases (take-profit legs filled
// out-of-band) into the partial-TP bookkeeping. A quantity increase is not
// ours to adopt and is treated as a mismatch-grade alert.
func (a *Auditor) bookQtyDrift(ctx context.Context, st *state.InstrumentState, venue exchange.PositionInfo, now time.Time) (*Heal, error) {
	pos := st.Position
	venueQty := math.Abs(venue.Qty)
	delta := pos.Qty - venueQty

	if delta <= qtyEpsilon {
		if delta < -qtyEpsilon {
			a.critical(st.Symbol, now, fmt.Sprintf("venue qty %.6f exceeds local %.6f", venueQty, pos.Qty))
		}
		return nil, nil
	}

	price := venue.MarkPrice
	if len(pos.TakeProfits) > 0 {
		price = pos.TakeProfits[0]
	}
	pnl := a.lc.ApplyPartial(pos, delta, price)

	a.bus.Publish(events.Note{
		Event:       events.EventPartialTaken,
		Symbol:      st.Symbol,
		Side:        string(pos.Side),
		Qty:         delta,
		Price:       price,
		RealizedPnL: pnl,
		Reason:      "reconciled partial fill",
		At:          now,
	})
	return &Heal{Kind: "partial_booked", Detail: fmt.Sprintf("qty=%.6f pnl=%.2f", delta, pnl)}, nil
}

// closingFills derives the exit price and realized PnL for a venue-side
// close from recent account trades.
func (a *Auditor) closingFills(ctx context.Context, symbol string, pos *state.Position) (exit, realized float64, err error) {
	trades, err := a.client.GetAccountTrades(ctx, symbol, 50)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile %s: fetch trades: %w", symbol, err)
	}

	closeSide := exchange.SideSell
	if pos.Side == state.Short {
		closeSide = exchange.SideBuy
	}

	var qty, notional float64
	for _, t := range trades {
		if t.Side != closeSide || t.Time.Before(pos.EntryTime) {
			continue
		}
		qty += t.Qty
		notional += t.Qty * t.Price
		realized += t.Realized - t.Fee
	}
	if qty > 0 {
		exit = notional / qty
	} else {
		// No trade history available; fall back to the believed stop.
		exit = pos.Stop
	}
	return exit, realized, nil
}

func (a *Auditor) critical(symbol string, now time.Time, reason string) {
	log.Printf("reconcile %s: CRITICAL: %s", symbol, reason)
	a.bus.Publish(events.Note{
		Event:  events.EventCriticalAlert,
		Symbol: symbol,
		Reason: reason,
		At:     now,
	})
}
