// Package order turns lifecycle decisions into exchange orders: market
// entries with confirmed fills, atomically installed protective brackets,
// stop moves, and the compensating flatten when protection cannot be
// guaranteed.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
)

var (
	// ErrUnconfirmed means an entry order was submitted but its fill could
	// not be confirmed within the attempt budget. The caller must not guess
	// whether a position exists.
	ErrUnconfirmed = errors.New("order: entry fill unconfirmed")
	// ErrBracketFailed means the initial protective bracket could not be
	// installed; the position has already been flattened best-effort.
	ErrBracketFailed = errors.New("order: bracket installation failed")
	// ErrTooSmall means the computed position size is under the venue
	// minimum notional.
	ErrTooSmall = errors.New("order: size below venue minimum")
)

const (
	confirmAttempts = 8
	confirmDelay    = 500 * time.Millisecond
)

// Executor executes orders for one instrument.
type Executor struct {
	client  exchange.Client
	ins     config.Instrument
	riskPct float64
}

// NewExecutor builds an executor bound to one instrument.
func NewExecutor(client exchange.Client, ins config.Instrument, riskPct float64) *Executor {
	return &Executor{client: client, ins: ins, riskPct: riskPct}
}

// Size computes the order quantity for an intent: riskPct of balance at the
// stop distance, capped by leverage, rounded down to the step size.
func (e *Executor) Size(entry, stop, balance float64) (float64, error) {
	dist := math.Abs(entry - stop)
	if dist <= 0 || balance <= 0 {
		return 0, fmt.Errorf("order: degenerate sizing inputs entry=%.4f stop=%.4f balance=%.2f", entry, stop, balance)
	}
	qty := balance * e.riskPct / dist
	maxQty := balance * float64(e.ins.Leverage) / entry
	if qty > maxQty {
		qty = maxQty
	}
	qty = math.Floor(qty/e.ins.StepSize) * e.ins.StepSize
	if qty*entry < e.ins.MinNotional {
		return 0, fmt.Errorf("%w: %.2f < %.2f", ErrTooSmall, qty*entry, e.ins.MinNotional)
	}
	return qty, nil
}

// entrySide maps the position side to the opening order side.
func entrySide(side state.Side) exchange.Side {
	if side == state.Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// Enter places the market entry and confirms its fill within a bounded
// attempt budget. On confirmation it returns the new Position with the
// bracket already installed; a bracket failure flattens the position and
// returns ErrBracketFailed. An unconfirmed fill returns ErrUnconfirmed and
// the caller applies its extended cooldown.
func (e *Executor) Enter(ctx context.Context, symbol string, side state.Side, qty, stop float64, takeProfits []float64, now time.Time) (*state.Position, error) {
	clientID := "ent-" + uuid.NewString()

	ack, err := e.client.PlaceMarketOrder(ctx, symbol, entrySide(side), qty, clientID, false)
	if err != nil {
		return nil, fmt.Errorf("place entry: %w", err)
	}

	fill, err := e.confirmFill(ctx, symbol, ack.ClientID, clientID)
	if err != nil {
		return nil, err
	}

	pos := &state.Position{
		Side:         side,
		Qty:          fill.ExecutedQty,
		EntryPrice:   fill.AvgPrice,
		EntryTime:    now,
		Stop:         stop,
		InitialStop:  stop,
		TakeProfits:  append([]float64(nil), takeProfits...),
		EntryOrderID: clientID,
	}

	if err := e.InstallBracket(ctx, symbol, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// confirmFill polls order status with a short backoff until FILLED or the
// budget is exhausted.
func (e *Executor) confirmFill(ctx context.Context, symbol, ackID, clientID string) (exchange.OrderAck, error) {
	id := clientID
	if id == "" {
		id = ackID
	}
	var last exchange.OrderAck
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(confirmDelay):
			case <-ctx.Done():
				return exchange.OrderAck{}, ctx.Err()
			}
		}
		ack, err := e.client.GetOrderStatus(ctx, symbol, id)
		if err != nil {
			log.Printf("order: %s confirm attempt %d error: %v", symbol, attempt+1, err)
			continue
		}
		last = ack
		switch ack.Status {
		case exchange.StatusFilled:
			return ack, nil
		case exchange.StatusRejected, exchange.StatusCanceled, exchange.StatusExpired:
			return exchange.OrderAck{}, fmt.Errorf("entry order %s terminal status %s: %w", id, ack.Status, exchange.ErrOrderRejected)
		}
	}
	return exchange.OrderAck{}, fmt.Errorf("%w: order %s last status %q", ErrUnconfirmed, id, last.Status)
}

// InstallBracket installs the protective stop and the take-profit ladder
// for a freshly confirmed fill. The stop leg's acknowledgement must carry a
// real order id; an apparently successful response without one is treated
// as failure. Any rejected leg flattens the whole position — never a
// partially protected state.
func (e *Executor) InstallBracket(ctx context.Context, symbol string, pos *state.Position) error {
	exitSide := entrySide(pos.Side).Opposite()

	stopID := "stp-" + uuid.NewString()
	ack, err := e.client.PlaceStopOrder(ctx, symbol, exitSide, pos.Stop, pos.Qty, stopID)
	if err == nil && ack.OrderID == "" {
		err = fmt.Errorf("stop ack missing order id")
	}
	if err != nil {
		e.flattenCompensate(ctx, symbol, pos, fmt.Sprintf("stop leg failed: %v", err))
		return fmt.Errorf("%w: stop leg: %v", ErrBracketFailed, err)
	}
	pos.StopOrderID = ack.OrderID

	legs := e.collapseLegs(pos)
	pos.TPOrderIDs = pos.TPOrderIDs[:0]
	for i, leg := range legs {
		tpID := fmt.Sprintf("tp%d-%s", i+1, uuid.NewString())
		ack, err := e.client.PlaceTakeProfitOrder(ctx, symbol, exitSide, leg.price, leg.qty, tpID)
		if err == nil && ack.OrderID == "" {
			err = fmt.Errorf("take-profit ack missing order id")
		}
		if err != nil {
			e.flattenCompensate(ctx, symbol, pos, fmt.Sprintf("tp leg %d failed: %v", i+1, err))
			return fmt.Errorf("%w: tp leg %d: %v", ErrBracketFailed, i+1, err)
		}
		pos.TPOrderIDs = append(pos.TPOrderIDs, ack.OrderID)
	}
	return nil
}

type bracketLeg struct {
	price float64
	qty   float64
}

// collapseLegs splits the position across the take-profit ladder, merging
// into fewer, larger legs when a leg's notional would fall under the venue
// minimum.
func (e *Executor) collapseLegs(pos *state.Position) []bracketLeg {
	prices := pos.TakeProfits
	n := len(prices)
	if n == 0 {
		return nil
	}
	for n > 1 {
		legQty := roundStep(pos.Qty/float64(n), e.ins.StepSize)
		if legQty*prices[0] >= e.ins.MinNotional {
			break
		}
		n--
	}

	legs := make([]bracketLeg, 0, n)
	remaining := pos.Qty
	// When collapsing, keep the nearest levels and let the last leg carry
	// the full remainder.
	for i := 0; i < n; i++ {
		qty := roundStep(pos.Qty/float64(n), e.ins.StepSize)
		if i == n-1 {
			qty = roundStep(remaining, e.ins.StepSize)
		}
		legs = append(legs, bracketLeg{price: prices[i], qty: qty})
		remaining -= qty
	}
	return legs
}

func roundStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// flattenCompensate is the bracket-failure path: best-effort market close of
// the now-unprotected position. Errors are logged, not returned — the
// caller already has a fatal error to surface.
func (e *Executor) flattenCompensate(ctx context.Context, symbol string, pos *state.Position, reason string) {
	log.Printf("order: %s compensating flatten: %s", symbol, reason)
	if err := e.Flatten(ctx, symbol, pos.Side, pos.Qty); err != nil {
		log.Printf("order: %s COMPENSATING FLATTEN FAILED, position may be unprotected: %v", symbol, err)
	}
}

// MoveStop replaces the protective stop with a new level. The new order is
// placed before the old one is cancelled, so a failure leaves the prior
// stop effective.
func (e *Executor) MoveStop(ctx context.Context, symbol string, pos *state.Position, newStop float64) error {
	exitSide := entrySide(pos.Side).Opposite()
	stopID := "stp-" + uuid.NewString()

	ack, err := e.client.PlaceStopOrder(ctx, symbol, exitSide, newStop, pos.Qty, stopID)
	if err == nil && ack.OrderID == "" {
		err = fmt.Errorf("stop ack missing order id")
	}
	if err != nil {
		return fmt.Errorf("move stop: %w", err)
	}

	old := pos.StopOrderID
	pos.StopOrderID = ack.OrderID
	pos.Stop = newStop
	if old != "" {
		if err := e.client.CancelOrder(ctx, symbol, old); err != nil {
			// The new stop is live; a stale sibling is annoying but safe.
			log.Printf("order: %s cancel old stop %s: %v", symbol, old, err)
		}
	}
	return nil
}

// PartialClose market-closes qty of the position (reduce-only) and confirms
// the fill, then retires the take-profit order for that leg so it cannot
// fire a second reduction later. Returns the average fill price.
func (e *Executor) PartialClose(ctx context.Context, symbol string, pos *state.Position, qty float64) (float64, error) {
	clientID := "prt-" + uuid.NewString()
	ack, err := e.client.PlaceMarketOrder(ctx, symbol, entrySide(pos.Side).Opposite(), qty, clientID, true)
	if err != nil {
		return 0, fmt.Errorf("partial close: %w", err)
	}
	fill, err := e.confirmFill(ctx, symbol, ack.ClientID, clientID)
	if err != nil {
		return 0, fmt.Errorf("partial close: %w", err)
	}
	if len(pos.TPOrderIDs) > 0 {
		if err := e.client.CancelOrder(ctx, symbol, pos.TPOrderIDs[0]); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			log.Printf("order: %s cancel tp leg %s: %v", symbol, pos.TPOrderIDs[0], err)
		}
		pos.TPOrderIDs = pos.TPOrderIDs[1:]
	}
	return fill.AvgPrice, nil
}

// Close market-closes the whole position after cancelling its protective
// orders, and confirms the fill.
func (e *Executor) Close(ctx context.Context, symbol string, pos *state.Position) (float64, error) {
	if err := e.client.CancelAllOrders(ctx, symbol); err != nil {
		return 0, fmt.Errorf("close: cancel protective orders: %w", err)
	}
	clientID := "cls-" + uuid.NewString()
	ack, err := e.client.PlaceMarketOrder(ctx, symbol, entrySide(pos.Side).Opposite(), pos.Qty, clientID, true)
	if err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	fill, err := e.confirmFill(ctx, symbol, ack.ClientID, clientID)
	if err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	return fill.AvgPrice, nil
}

// Flatten cancels every working order for the symbol and market-closes the
// given exposure without waiting for confirmation. Used for compensation
// and reconciliation healing, where getting flat beats bookkeeping.
func (e *Executor) Flatten(ctx context.Context, symbol string, side state.Side, qty float64) error {
	if err := e.client.CancelAllOrders(ctx, symbol); err != nil {
		log.Printf("order: %s flatten cancel-all: %v", symbol, err)
	}
	if qty <= 0 {
		return nil
	}
	clientID := "flt-" + uuid.NewString()
	if _, err := e.client.PlaceMarketOrder(ctx, symbol, entrySide(side).Opposite(), qty, clientID, true); err != nil {
		return fmt.Errorf("flatten %s: %w", symbol, err)
	}
	return nil
}
