// Package orchestrator owns the set of instrument controllers and the
// shared market/user streams feeding them.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"perp-pilot/internal/controller"
	"perp-pilot/internal/events"
	"perp-pilot/internal/journal"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

// streamBackoff caps the reconnect delay after a dropped stream.
const (
	streamBackoffBase = time.Second
	streamBackoffMax  = time.Minute
)

// Orchestrator fans candle and fill streams out to per-instrument
// controllers and supports adding/removing instruments at runtime.
type Orchestrator struct {
	client  exchange.Client
	store   *state.Store
	journal *journal.Journal
	bus     *events.Bus
	opts    controller.Options

	interval string

	mu          sync.RWMutex
	controllers map[string]*controller.Controller

	resub  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an orchestrator with no instruments attached yet.
func New(client exchange.Client, store *state.Store, jr *journal.Journal, bus *events.Bus, interval string, opts controller.Options) *Orchestrator {
	return &Orchestrator{
		client:      client,
		store:       store,
		journal:     jr,
		bus:         bus,
		opts:        opts,
		interval:    interval,
		controllers: make(map[string]*controller.Controller),
		resub:       make(chan struct{}, 1),
	}
}

// Add attaches and starts a controller for the instrument. The candle
// stream resubscribes to include it.
func (o *Orchestrator) Add(ctx context.Context, ins config.Instrument) error {
	o.mu.Lock()
	if _, ok := o.controllers[ins.Symbol]; ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: %s already attached", ins.Symbol)
	}
	ctrl, err := controller.New(ins, o.client, o.store, o.journal, o.bus, o.opts)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if err := ctrl.Start(ctx, o.interval); err != nil {
		o.mu.Unlock()
		return err
	}
	o.controllers[ins.Symbol] = ctrl
	o.mu.Unlock()

	o.requestResubscribe()
	log.Printf("orchestrator: attached %s (%s)", ins.Symbol, ins.Policy)
	return nil
}

// Remove detaches an instrument. The controller's state file survives so a
// later Add resumes where it left off.
func (o *Orchestrator) Remove(symbol string) error {
	o.mu.Lock()
	ctrl, ok := o.controllers[symbol]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: %s not attached", symbol)
	}
	delete(o.controllers, symbol)
	o.mu.Unlock()

	ctrl.Stop()
	o.requestResubscribe()
	log.Printf("orchestrator: detached %s", symbol)
	return nil
}

// Get returns the controller for symbol, if attached.
func (o *Orchestrator) Get(symbol string) (*controller.Controller, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ctrl, ok := o.controllers[symbol]
	return ctrl, ok
}

// Symbols lists attached instruments in stable order.
func (o *Orchestrator) Symbols() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.controllers))
	for s := range o.controllers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Statuses snapshots every attached controller.
func (o *Orchestrator) Statuses() []controller.Status {
	o.mu.RLock()
	ctrls := make([]*controller.Controller, 0, len(o.controllers))
	for _, c := range o.controllers {
		ctrls = append(ctrls, c)
	}
	o.mu.RUnlock()

	out := make([]controller.Status, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Run starts the stream pumps and blocks until ctx is cancelled, then stops
// every controller.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(2)
	go o.candlePump(ctx)
	go o.fillPump(ctx)

	<-ctx.Done()
	o.wg.Wait()

	o.mu.Lock()
	ctrls := make([]*controller.Controller, 0, len(o.controllers))
	for _, c := range o.controllers {
		ctrls = append(ctrls, c)
	}
	o.controllers = make(map[string]*controller.Controller)
	o.mu.Unlock()
	for _, c := range ctrls {
		c.Stop()
	}
}

// Shutdown cancels Run.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) requestResubscribe() {
	select {
	case o.resub <- struct{}{}:
	default:
	}
}

// candlePump keeps one multiplexed candle subscription over the attached
// set, resubscribing when the set changes or the stream drops.
func (o *Orchestrator) candlePump(ctx context.Context) {
	defer o.wg.Done()
	backoff := streamBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		symbols := o.Symbols()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-o.resub:
			}
			continue
		}

		ch, stop, err := o.client.SubscribeCandles(ctx, symbols, o.interval)
		if err != nil {
			log.Printf("orchestrator: candle subscribe: %v (retry in %s)", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = streamBackoffBase
		log.Printf("orchestrator: candle stream up for %v", symbols)

		if !o.drainCandles(ctx, ch, stop) {
			return
		}
	}
}

// drainCandles consumes the stream until it drops, ctx ends, or a
// resubscribe is requested. Returns false only on ctx cancellation.
func (o *Orchestrator) drainCandles(ctx context.Context, ch <-chan exchange.Candle, stop func()) bool {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-o.resub:
			return true
		case c, ok := <-ch:
			if !ok {
				log.Printf("orchestrator: candle stream dropped")
				return true
			}
			o.dispatchCandle(ctx, c)
		}
	}
}

func (o *Orchestrator) dispatchCandle(ctx context.Context, c exchange.Candle) {
	ctrl, ok := o.Get(c.Symbol)
	if !ok {
		return
	}
	// A panicking controller must not take down its siblings.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: controller %s panicked on candle: %v", c.Symbol, r)
		}
	}()
	ctrl.ProcessCandle(ctx, c)
}

// fillPump keeps the user-data stream alive and routes fills to the owning
// controller.
func (o *Orchestrator) fillPump(ctx context.Context) {
	defer o.wg.Done()
	backoff := streamBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		ch, stop, err := o.client.SubscribeUserData(ctx)
		if err != nil {
			log.Printf("orchestrator: user stream subscribe: %v (retry in %s)", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = streamBackoffBase
		log.Printf("orchestrator: user stream up")

		if !o.drainFills(ctx, ch, stop) {
			return
		}
	}
}

func (o *Orchestrator) drainFills(ctx context.Context, ch <-chan exchange.FillEvent, stop func()) bool {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-ch:
			if !ok {
				log.Printf("orchestrator: user stream dropped")
				return true
			}
			o.dispatchFill(ctx, f)
		}
	}
}

func (o *Orchestrator) dispatchFill(ctx context.Context, f exchange.FillEvent) {
	ctrl, ok := o.Get(f.Symbol)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: controller %s panicked on fill: %v", f.Symbol, r)
		}
	}()
	ctrl.ProcessFill(ctx, f)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > streamBackoffMax {
		return streamBackoffMax
	}
	return d
}
