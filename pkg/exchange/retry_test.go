package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/pkg/exchange"
	"perp-pilot/pkg/exchange/exchangetest"
)

func fastPolicy() exchange.RetryPolicy {
	return exchange.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryTransientThenSucceed(t *testing.T) {
	fake := exchangetest.New()
	calls := 0
	fake.StatusHook = func(clientID string) (exchange.OrderAck, error) {
		calls++
		if calls < 3 {
			return exchange.OrderAck{}, exchange.ErrUnavailable
		}
		return exchange.OrderAck{ClientID: clientID, Status: exchange.StatusFilled}, nil
	}
	r := exchange.NewRetrier(fake, 1000, 1000, fastPolicy())

	ack, err := r.GetOrderStatus(context.Background(), "BTCUSDT", "abc")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, ack.Status)
	assert.Equal(t, 3, calls)
}

func TestNoRetryOnTerminalError(t *testing.T) {
	fake := exchangetest.New()
	calls := 0
	fake.StatusHook = func(clientID string) (exchange.OrderAck, error) {
		calls++
		return exchange.OrderAck{}, exchange.ErrOrderNotFound
	}
	r := exchange.NewRetrier(fake, 1000, 1000, fastPolicy())

	_, err := r.GetOrderStatus(context.Background(), "BTCUSDT", "abc")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestPlaceOrderConfirmsBeforeResubmitting(t *testing.T) {
	fake := exchangetest.New()
	placed := 0
	fake.MarketHook = func(o exchangetest.MarketOrder) (exchange.OrderAck, error) {
		placed++
		// Submission reaches the venue, the response is lost.
		return exchange.OrderAck{}, exchange.ErrUnavailable
	}
	fake.StatusHook = func(clientID string) (exchange.OrderAck, error) {
		// The venue did see the order.
		return exchange.OrderAck{ClientID: clientID, Status: exchange.StatusFilled, ExecutedQty: 1, AvgPrice: 100}, nil
	}
	r := exchange.NewRetrier(fake, 1000, 1000, fastPolicy())

	ack, err := r.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 1, "ent-x", false)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, ack.Status)
	assert.Equal(t, 1, placed, "must not resubmit an order the venue already has")
}

func TestPlaceOrderResubmitsOnlyWhenVenueNeverSawIt(t *testing.T) {
	fake := exchangetest.New()
	placed := 0
	fake.MarketHook = func(o exchangetest.MarketOrder) (exchange.OrderAck, error) {
		placed++
		if placed == 1 {
			return exchange.OrderAck{}, exchange.ErrUnavailable
		}
		return exchange.OrderAck{OrderID: "7", ClientID: o.ClientID, Status: exchange.StatusFilled, ExecutedQty: o.Qty, AvgPrice: 100}, nil
	}
	fake.StatusHook = func(clientID string) (exchange.OrderAck, error) {
		return exchange.OrderAck{}, exchange.ErrOrderNotFound
	}
	r := exchange.NewRetrier(fake, 1000, 1000, fastPolicy())

	ack, err := r.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 1, "ent-y", false)
	require.NoError(t, err)
	assert.Equal(t, "7", ack.OrderID)
	assert.Equal(t, 2, placed)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, exchange.IsTransient(exchange.ErrRateLimited))
	assert.True(t, exchange.IsTransient(exchange.ErrUnavailable))
	assert.True(t, exchange.IsTransient(&exchange.APIError{Code: -1003, Msg: "too many requests", Kind: exchange.ErrRateLimited}))
	assert.False(t, exchange.IsTransient(exchange.ErrOrderRejected))
	assert.False(t, exchange.IsTransient(exchange.ErrOrderNotFound))
}
