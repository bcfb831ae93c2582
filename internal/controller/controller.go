// Package controller composes the per-instrument components: signal engine,
// lifecycle, admission control, order executor and reconciler, all behind
// one instrument-scoped lock.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"perp-pilot/internal/events"
	"perp-pilot/internal/indicators"
	"perp-pilot/internal/journal"
	"perp-pilot/internal/lifecycle"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/order"
	"perp-pilot/internal/reconciliation"
	"perp-pilot/internal/risk"
	"perp-pilot/internal/signal"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

// Options are the account-level knobs shared by all controllers.
type Options struct {
	RiskPerTradePct     float64
	MinBalance          float64
	DailyLossLimitPct   float64
	MaxTradesPerDay     int
	CooldownAfterWin    time.Duration
	CooldownAfterLoss   time.Duration
	CooldownUnconfirmed time.Duration
	ReconcileInterval   time.Duration
	ReconcileMaxFail    int
}

// Controller runs the trading loop for one instrument. All decisions happen
// under mu so a fill event can never interleave mid-decision and the
// reconciler always sees a consistent snapshot.
type Controller struct {
	ins     config.Instrument
	client  exchange.Client
	store   *state.Store
	bus     *events.Bus
	journal *journal.Journal

	engine  *signal.Engine
	lc      *lifecycle.Manager
	gov     *risk.Governor
	exec    *order.Executor
	auditor *reconciliation.Auditor
	window  *indicators.Window

	opts Options

	mu            sync.Mutex
	st            *state.InstrumentState
	ind           indicators.Set
	prevCandle    exchange.Candle
	entryInFlight bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds and loads a controller for one instrument.
func New(ins config.Instrument, client exchange.Client, store *state.Store, jr *journal.Journal, bus *events.Bus, opts Options) (*Controller, error) {
	engine, err := signal.ForPolicy(ins.Policy)
	if err != nil {
		return nil, err
	}

	st, err := store.Load(ins.Symbol, time.Now())
	if err != nil {
		return nil, err
	}

	lc := lifecycle.NewManager(ins.Params, opts.CooldownAfterWin, opts.CooldownAfterLoss)
	gov := risk.NewGovernor(risk.Limits{
		MinBalance:        opts.MinBalance,
		DailyLossLimitPct: opts.DailyLossLimitPct,
		MaxTradesPerDay:   opts.MaxTradesPerDay,
		BlackoutHours:     ins.BlackoutHours,
		MaxAuditFailures:  opts.ReconcileMaxFail,
	})
	riskPct := opts.RiskPerTradePct
	if ins.RiskPerTradePct > 0 {
		riskPct = ins.RiskPerTradePct
	}
	exec := order.NewExecutor(client, ins, riskPct)

	return &Controller{
		ins:     ins,
		client:  client,
		store:   store,
		bus:     bus,
		journal: jr,
		engine:  engine,
		lc:      lc,
		gov:     gov,
		exec:    exec,
		auditor: reconciliation.NewAuditor(client, exec, lc, gov, jr, bus),
		window:  indicators.NewWindow(ins.Params.PullbackEMA, 600),
		opts:    opts,
		st:      st,
		done:    make(chan struct{}),
	}, nil
}

// Symbol returns the instrument symbol.
func (c *Controller) Symbol() string { return c.ins.Symbol }

// Start backfills candle history and launches the reconcile timer.
func (c *Controller) Start(ctx context.Context, interval string) error {
	candles, err := c.client.GetCandles(ctx, c.ins.Symbol, interval, 600)
	if err != nil {
		return fmt.Errorf("controller %s: backfill: %w", c.ins.Symbol, err)
	}
	c.mu.Lock()
	c.window.Seed(candles)
	if len(candles) > 0 {
		c.prevCandle = candles[len(candles)-1]
		c.ind = c.window.Compute(c.prevCandle.CloseTime)
	}
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	go c.auditLoop(ctx)
	return nil
}

// Stop cancels the controller's background work. Any in-flight entry or
// bracket installation runs on a detached context and finishes (or
// compensates) before the lock is released, so stopping never leaves a
// position unprotected.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	// Taking the lock waits out any in-flight decide/act sequence.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(c.st); err != nil {
		log.Printf("controller %s: save on stop: %v", c.ins.Symbol, err)
	}
}

func (c *Controller) auditLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAudit(ctx)
		}
	}
}

func (c *Controller) runAudit(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.auditor.Audit(ctx, c.st, time.Now()); err != nil {
		log.Printf("controller %s: audit: %v", c.ins.Symbol, err)
		return
	}
	c.persist()
}

// ProcessCandle runs the decide→admit→act→persist sequence for one closed
// candle.
func (c *Controller) ProcessCandle(ctx context.Context, cd exchange.Candle) {
	if !cd.Closed || cd.Symbol != c.ins.Symbol {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.prevCandle
	c.window.Append(cd)
	c.ind = c.window.Compute(cd.CloseTime)
	c.prevCandle = cd
	now := cd.CloseTime

	if c.st.Position != nil {
		c.manageOpen(ctx, cd, now)
	} else if !c.entryInFlight {
		c.tryEnter(ctx, cd, prev, now)
	}
	c.persist()
}

// manageOpen applies the lifecycle's actions for this candle.
func (c *Controller) manageOpen(ctx context.Context, cd exchange.Candle, now time.Time) {
	actions := c.lc.OnCandle(c.st.Position, cd, c.ind.ATR, now)
	for _, act := range actions {
		if c.st.Position == nil {
			return
		}
		switch act.Kind {
		case lifecycle.ActionMoveStop:
			c.moveStop(ctx, act, now)
		case lifecycle.ActionPartialClose:
			c.partialClose(ctx, act, now)
		case lifecycle.ActionClose:
			c.closePosition(ctx, act.RefPrice, act.Reason, now)
		}
	}
}

func (c *Controller) moveStop(ctx context.Context, act lifecycle.Action, now time.Time) {
	pos := c.st.Position
	if err := c.exec.MoveStop(ctx, c.ins.Symbol, pos, act.NewStop); err != nil {
		// The prior stop is still working; retry on the next candle.
		log.Printf("controller %s: move stop to %.4f: %v", c.ins.Symbol, act.NewStop, err)
		return
	}
	if act.Reason == "break_even" {
		pos.AtBreakEven = true
	}
	c.bus.Publish(events.Note{
		Event: events.EventStopMoved, Symbol: c.ins.Symbol, Side: string(pos.Side),
		Qty: pos.Qty, Stop: pos.Stop, Reason: act.Reason, At: now,
	})
}

func (c *Controller) partialClose(ctx context.Context, act lifecycle.Action, now time.Time) {
	pos := c.st.Position
	fillPrice, err := c.exec.PartialClose(ctx, c.ins.Symbol, pos, act.Qty)
	if err != nil {
		log.Printf("controller %s: partial close: %v", c.ins.Symbol, err)
		return
	}
	pnl := c.lc.ApplyPartial(pos, act.Qty, fillPrice)
	c.bus.Publish(events.Note{
		Event: events.EventPartialTaken, Symbol: c.ins.Symbol, Side: string(pos.Side),
		Qty: act.Qty, Price: fillPrice, RealizedPnL: pnl, Reason: act.Reason, At: now,
	})
}

func (c *Controller) closePosition(ctx context.Context, refPrice float64, reason string, now time.Time) {
	pos := c.st.Position
	exitPrice, err := c.exec.Close(ctx, c.ins.Symbol, pos)
	if err != nil {
		// The venue may already have closed us (stop triggered). Let the
		// reconciler settle it rather than double-closing blind.
		log.Printf("controller %s: close (%s): %v", c.ins.Symbol, reason, err)
		if _, aerr := c.auditor.Audit(ctx, c.st, now); aerr != nil {
			log.Printf("controller %s: audit after failed close: %v", c.ins.Symbol, aerr)
		}
		return
	}
	if exitPrice == 0 {
		exitPrice = refPrice
	}
	c.bookClose(ctx, exitPrice, reason, now)
}

func (c *Controller) bookClose(ctx context.Context, exitPrice float64, reason string, now time.Time) {
	pos := c.st.Position
	trade := c.lc.CloseTrade(c.ins.Symbol, pos, exitPrice, reason, now)
	c.st.Trades = append(c.st.Trades, trade)
	c.st.Position = nil
	c.st.CooldownUntil = now.Add(c.lc.Cooldown(trade.PnL))

	if err := c.journal.RecordTrade(ctx, trade); err != nil {
		log.Printf("controller %s: journal trade: %v", c.ins.Symbol, err)
	}
	c.bus.Publish(events.Note{
		Event: events.EventPositionClosed, Symbol: c.ins.Symbol, Side: string(trade.Side),
		Qty: trade.Qty, Price: trade.Exit, RealizedPnL: trade.PnL, Reason: reason, At: now,
	})
}

// tryEnter evaluates the signal engine and, when admission control allows,
// opens the position.
func (c *Controller) tryEnter(ctx context.Context, cd, prev exchange.Candle, now time.Time) {
	intent := c.engine.Evaluate(signal.Snapshot{
		Candle: cd,
		Prev:   prev,
		Ind:    c.ind,
		Params: c.ins.Params,
	})
	if intent == nil {
		return
	}

	balance, err := c.client.GetBalance(ctx)
	if err != nil {
		log.Printf("controller %s: balance fetch: %v", c.ins.Symbol, err)
		return
	}
	c.st.RollDay(now, balance.Total)
	if c.st.DayStartBalance == 0 {
		c.st.DayStartBalance = balance.Total
	}

	if d := c.gov.Admit(c.st, c.entryInFlight, balance.Total, now); !d.Allowed {
		monitor.AdmitRejections.WithLabelValues(c.ins.Symbol).Inc()
		log.Printf("controller %s: signal %s denied: %s", c.ins.Symbol, intent.Policy, d.Reason)
		return
	}

	qty, err := c.exec.Size(intent.Entry, intent.Stop, balance.Total)
	if err != nil {
		log.Printf("controller %s: sizing: %v", c.ins.Symbol, err)
		return
	}

	// The entry and its bracket run on a detached context: cancelling the
	// instrument must not abandon a half-protected position.
	c.entryInFlight = true
	defer func() { c.entryInFlight = false }()
	opCtx, opCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer opCancel()

	pos, err := c.exec.Enter(opCtx, c.ins.Symbol, intent.Side, qty, intent.Stop, intent.TakeProfits, now)
	if err != nil {
		c.handleEntryFailure(err, now)
		return
	}

	c.st.Position = pos
	c.bus.Publish(events.Note{
		Event: events.EventEntryOpened, Symbol: c.ins.Symbol, Side: string(pos.Side),
		Qty: pos.Qty, Price: pos.EntryPrice, Stop: pos.Stop,
		Reason: intent.Policy + ": " + intent.Reason, At: now,
	})
}

func (c *Controller) handleEntryFailure(err error, now time.Time) {
	switch {
	case errors.Is(err, order.ErrUnconfirmed):
		// Do not guess whether a position exists; pause this instrument
		// hard and let reconciliation discover the truth.
		c.st.CooldownUntil = now.Add(c.opts.CooldownUnconfirmed)
		c.critical(now, fmt.Sprintf("entry fill unconfirmed, extended cooldown applied: %v", err))
	case errors.Is(err, order.ErrBracketFailed):
		// The executor already flattened the unprotected position.
		c.st.CooldownUntil = now.Add(c.opts.CooldownAfterLoss)
		c.critical(now, fmt.Sprintf("bracket installation failed, position flattened: %v", err))
		c.bus.Publish(events.Note{Event: events.EventFlattened, Symbol: c.ins.Symbol, Reason: err.Error(), At: now})
	default:
		log.Printf("controller %s: entry: %v", c.ins.Symbol, err)
	}
}

// ProcessFill routes a fill/order-update for this instrument. Rather than
// interpreting the event payload, it proactively runs a reconcile pass, so
// replayed events are naturally idempotent.
func (c *Controller) ProcessFill(ctx context.Context, fill exchange.FillEvent) {
	if fill.Symbol != c.ins.Symbol {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.auditor.Audit(ctx, c.st, time.Now()); err != nil {
		log.Printf("controller %s: audit on fill: %v", c.ins.Symbol, err)
		return
	}
	c.persist()
}

// ForceClose flattens the open position on operator command.
func (c *Controller) ForceClose(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Position == nil {
		return fmt.Errorf("controller %s: no open position", c.ins.Symbol)
	}
	exitPrice, err := c.exec.Close(ctx, c.ins.Symbol, c.st.Position)
	if err != nil {
		return err
	}
	c.bookClose(ctx, exitPrice, "manual: "+reason, time.Now())
	c.persist()
	return nil
}

// Pause blocks new entries. Open positions keep being managed.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.Paused = true
	c.persist()
	c.bus.Publish(events.Note{Event: events.EventTradingPaused, Symbol: c.ins.Symbol, At: time.Now()})
}

// Resume re-enables entries.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.Paused = false
	c.persist()
	c.bus.Publish(events.Note{Event: events.EventTradingResumed, Symbol: c.ins.Symbol, At: time.Now()})
}

// ResetState wipes the local belief for this instrument. Operator-only
// escape hatch after manual intervention; the next reconcile pass rebuilds
// from venue truth.
func (c *Controller) ResetState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := &state.InstrumentState{Symbol: c.ins.Symbol}
	fresh.RollDay(time.Now(), c.st.DayStartBalance)
	c.st = fresh
	c.persist()
}

// Status is a point-in-time view for the command surface.
type Status struct {
	Symbol        string          `json:"symbol"`
	Policy        string          `json:"policy"`
	Phase         string          `json:"phase"`
	Paused        bool            `json:"paused"`
	CooldownUntil time.Time       `json:"cooldown_until,omitempty"`
	Position      *state.Position `json:"position,omitempty"`
	DailyPnL      float64         `json:"daily_pnl"`
	DailyTrades   int             `json:"daily_trades"`
	Healthy       bool            `json:"healthy"`
}

// Status reports the controller's current view.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	s := Status{
		Symbol:      c.ins.Symbol,
		Policy:      c.ins.Policy,
		Phase:       lifecycle.PhaseOf(c.st, c.entryInFlight, now).String(),
		Paused:      c.st.Paused,
		DailyPnL:    c.st.DailyPnL(),
		DailyTrades: len(c.st.Trades),
		Healthy:     c.gov.Healthy(),
	}
	if c.st.InCooldown(now) {
		s.CooldownUntil = c.st.CooldownUntil
	}
	if c.st.Position != nil {
		cp := *c.st.Position
		s.Position = &cp
	}
	return s
}

func (c *Controller) persist() {
	if err := c.store.Save(c.st); err != nil {
		log.Printf("controller %s: persist: %v", c.ins.Symbol, err)
	}
}

func (c *Controller) critical(now time.Time, reason string) {
	log.Printf("controller %s: CRITICAL: %s", c.ins.Symbol, reason)
	c.bus.Publish(events.Note{Event: events.EventCriticalAlert, Symbol: c.ins.Symbol, Reason: reason, At: now})
}
