// Package exchange defines the typed boundary to the trading venue. The
// controller never talks to the venue SDK directly; everything goes through
// Client, and in production through Retrier which adds the shared rate limit
// and the one retry policy used across the process.
package exchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks a venue 429/418 style rejection. Retryable.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrUnavailable marks transient transport or 5xx failures. Retryable.
	ErrUnavailable = errors.New("exchange: temporarily unavailable")
	// ErrOrderRejected marks a terminal order rejection. Never retried.
	ErrOrderRejected = errors.New("exchange: order rejected")
	// ErrOrderNotFound is returned by GetOrderStatus for unknown order ids.
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// Client abstracts the venue REST/WS surface the controller consumes.
// All calls are safely retryable except order placement, which must be
// status-confirmed before any retry to avoid duplicate entries.
type Client interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetOpenPosition(ctx context.Context, symbol string) (PositionInfo, error)
	GetAccountTrades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64, clientID string, reduceOnly bool) (OrderAck, error)
	PlaceStopOrder(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientID string) (OrderAck, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientID string) (OrderAck, error)
	GetOrderStatus(ctx context.Context, symbol, clientID string) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// SubscribeCandles opens one multiplexed stream covering all symbols.
	// The returned stop function closes the stream and the channel.
	SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan Candle, func(), error)
	// SubscribeUserData streams fill/order updates for the account.
	SubscribeUserData(ctx context.Context) (<-chan FillEvent, func(), error)
}

// IsTransient reports whether err is worth retrying under the shared policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// APIError carries a venue error code alongside the wrapped sentinel.
type APIError struct {
	Code int
	Msg  string
	Kind error // one of the package sentinels
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Kind }
