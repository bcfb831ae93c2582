package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy is the single retry policy applied at the exchange boundary.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches typical venue rate windows: 4 attempts,
// 250ms doubling up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retrier wraps a Client with the shared rate limiter and retry policy.
// Every caller in the process shares one Retrier so the venue connection
// stays inside its request budget.
type Retrier struct {
	inner   Client
	limiter *rate.Limiter
	policy  RetryPolicy
}

// NewRetrier builds the production wrapper. rps is the sustained request
// budget for the shared connection; burst allows short spikes.
func NewRetrier(inner Client, rps float64, burst int, policy RetryPolicy) *Retrier {
	return &Retrier{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy:  policy,
	}
}

// do runs fn under the limiter with bounded exponential backoff on
// transient errors. Non-transient errors surface immediately.
func (r *Retrier) do(ctx context.Context, label string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.policy.delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		log.Printf("exchange: %s transient error (attempt %d/%d): %v", label, attempt+1, r.policy.MaxAttempts, err)
	}
	return fmt.Errorf("%s: retries exhausted: %w", label, err)
}

func (r *Retrier) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var out []Candle
	err := r.do(ctx, "get_candles", func() error {
		var e error
		out, e = r.inner.GetCandles(ctx, symbol, interval, limit)
		return e
	})
	return out, err
}

func (r *Retrier) GetBalance(ctx context.Context) (Balance, error) {
	var out Balance
	err := r.do(ctx, "get_balance", func() error {
		var e error
		out, e = r.inner.GetBalance(ctx)
		return e
	})
	return out, err
}

func (r *Retrier) GetOpenPosition(ctx context.Context, symbol string) (PositionInfo, error) {
	var out PositionInfo
	err := r.do(ctx, "get_position", func() error {
		var e error
		out, e = r.inner.GetOpenPosition(ctx, symbol)
		return e
	})
	return out, err
}

func (r *Retrier) GetAccountTrades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	err := r.do(ctx, "get_trades", func() error {
		var e error
		out, e = r.inner.GetAccountTrades(ctx, symbol, limit)
		return e
	})
	return out, err
}

// PlaceMarketOrder submits once, and on a transient failure confirms the
// order status by client id before any resubmission. A duplicate market
// entry is worse than a missed one.
func (r *Retrier) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64, clientID string, reduceOnly bool) (OrderAck, error) {
	return r.placeConfirmed(ctx, symbol, clientID, func() (OrderAck, error) {
		return r.inner.PlaceMarketOrder(ctx, symbol, side, qty, clientID, reduceOnly)
	})
}

func (r *Retrier) PlaceStopOrder(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientID string) (OrderAck, error) {
	return r.placeConfirmed(ctx, symbol, clientID, func() (OrderAck, error) {
		return r.inner.PlaceStopOrder(ctx, symbol, side, stopPrice, qty, clientID)
	})
}

func (r *Retrier) PlaceTakeProfitOrder(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientID string) (OrderAck, error) {
	return r.placeConfirmed(ctx, symbol, clientID, func() (OrderAck, error) {
		return r.inner.PlaceTakeProfitOrder(ctx, symbol, side, stopPrice, qty, clientID)
	})
}

// placeConfirmed implements confirm-before-retry for order placement.
func (r *Retrier) placeConfirmed(ctx context.Context, symbol, clientID string, place func() (OrderAck, error)) (OrderAck, error) {
	var ack OrderAck
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.policy.delay(attempt - 1)):
			case <-ctx.Done():
				return OrderAck{}, ctx.Err()
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return OrderAck{}, err
		}
		ack, lastErr = place()
		if lastErr == nil {
			return ack, nil
		}
		if !IsTransient(lastErr) {
			return OrderAck{}, lastErr
		}
		// The submission may have gone through before the transport failed.
		// Only resubmit once the venue confirms it never saw the order.
		status, err := r.GetOrderStatus(ctx, symbol, clientID)
		if err == nil {
			log.Printf("exchange: order %s confirmed after transient submit error (status=%s)", clientID, status.Status)
			return status, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return OrderAck{}, fmt.Errorf("order %s unconfirmed after transient error: %w", clientID, lastErr)
		}
	}
	return OrderAck{}, fmt.Errorf("place order %s: retries exhausted: %w", clientID, lastErr)
}

func (r *Retrier) GetOrderStatus(ctx context.Context, symbol, clientID string) (OrderAck, error) {
	var out OrderAck
	err := r.do(ctx, "order_status", func() error {
		var e error
		out, e = r.inner.GetOrderStatus(ctx, symbol, clientID)
		return e
	})
	return out, err
}

func (r *Retrier) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return r.do(ctx, "cancel_order", func() error {
		return r.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (r *Retrier) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.do(ctx, "cancel_all", func() error {
		return r.inner.CancelAllOrders(ctx, symbol)
	})
}

// Stream subscriptions pass through; reconnects and backoff are owned by the
// orchestrator, which knows the current instrument set.
func (r *Retrier) SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan Candle, func(), error) {
	return r.inner.SubscribeCandles(ctx, symbols, interval)
}

func (r *Retrier) SubscribeUserData(ctx context.Context) (<-chan FillEvent, func(), error) {
	return r.inner.SubscribeUserData(ctx)
}

var _ Client = (*Retrier)(nil)
