// Package exchangetest provides an in-memory venue for tests. Default
// behavior fills market orders instantly at FillPrice and acknowledges
// trigger orders as working; hooks override individual calls to script
// failures.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"perp-pilot/pkg/exchange"
)

// MarketOrder records one market order submission.
type MarketOrder struct {
	Symbol     string
	Side       exchange.Side
	Qty        float64
	ClientID   string
	ReduceOnly bool
}

// TriggerOrder records one stop or take-profit submission.
type TriggerOrder struct {
	Symbol    string
	Side      exchange.Side
	StopPrice float64
	Qty       float64
	ClientID  string
	TakeProf  bool
}

// Fake implements exchange.Client against in-memory state.
type Fake struct {
	mu sync.Mutex

	BalanceV    exchange.Balance
	PositionV   exchange.PositionInfo
	PositionErr error
	TradesV     []exchange.TradeRecord
	CandlesV    []exchange.Candle
	FillPrice   float64

	MarketOrders   []MarketOrder
	TriggerOrders  []TriggerOrder
	Canceled       []string
	CancelAllCalls int

	orders map[string]exchange.OrderAck
	nextID int

	// Optional hooks. A nil hook means default behavior.
	MarketHook  func(o MarketOrder) (exchange.OrderAck, error)
	TriggerHook func(o TriggerOrder) (exchange.OrderAck, error)
	StatusHook  func(clientID string) (exchange.OrderAck, error)
	CancelHook  func(orderID string) error
}

// New returns a Fake with a funded balance and no open position.
func New() *Fake {
	return &Fake{
		BalanceV:  exchange.Balance{Asset: "USDT", Total: 10_000, Available: 10_000},
		FillPrice: 100,
		orders:    make(map[string]exchange.OrderAck),
	}
}

func (f *Fake) id() string {
	f.nextID++
	return fmt.Sprintf("%d", f.nextID)
}

func (f *Fake) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Candle(nil), f.CandlesV...), nil
}

func (f *Fake) GetBalance(ctx context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BalanceV, nil
}

func (f *Fake) GetOpenPosition(ctx context.Context, symbol string) (exchange.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PositionErr != nil {
		return exchange.PositionInfo{}, f.PositionErr
	}
	p := f.PositionV
	p.Symbol = symbol
	return p, nil
}

func (f *Fake) GetAccountTrades(ctx context.Context, symbol string, limit int) ([]exchange.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.TradeRecord(nil), f.TradesV...), nil
}

func (f *Fake) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64, clientID string, reduceOnly bool) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := MarketOrder{Symbol: symbol, Side: side, Qty: qty, ClientID: clientID, ReduceOnly: reduceOnly}
	f.MarketOrders = append(f.MarketOrders, o)
	if f.MarketHook != nil {
		ack, err := f.MarketHook(o)
		if err == nil {
			f.orders[clientID] = ack
		}
		return ack, err
	}
	ack := exchange.OrderAck{
		OrderID:     f.id(),
		ClientID:    clientID,
		Status:      exchange.StatusFilled,
		ExecutedQty: qty,
		AvgPrice:    f.FillPrice,
	}
	f.orders[clientID] = ack
	return ack, nil
}

func (f *Fake) PlaceStopOrder(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty float64, clientID string) (exchange.OrderAck, error) {
	return f.placeTrigger(TriggerOrder{Symbol: symbol, Side: side, StopPrice: stopPrice, Qty: qty, ClientID: clientID})
}

func (f *Fake) PlaceTakeProfitOrder(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty float64, clientID string) (exchange.OrderAck, error) {
	return f.placeTrigger(TriggerOrder{Symbol: symbol, Side: side, StopPrice: stopPrice, Qty: qty, ClientID: clientID, TakeProf: true})
}

func (f *Fake) placeTrigger(o TriggerOrder) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TriggerOrders = append(f.TriggerOrders, o)
	if f.TriggerHook != nil {
		ack, err := f.TriggerHook(o)
		if err == nil {
			f.orders[o.ClientID] = ack
		}
		return ack, err
	}
	ack := exchange.OrderAck{OrderID: f.id(), ClientID: o.ClientID, Status: exchange.StatusNew}
	f.orders[o.ClientID] = ack
	return ack, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, symbol, clientID string) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusHook != nil {
		return f.StatusHook(clientID)
	}
	ack, ok := f.orders[clientID]
	if !ok {
		return exchange.OrderAck{}, exchange.ErrOrderNotFound
	}
	return ack, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelHook != nil {
		if err := f.CancelHook(orderID); err != nil {
			return err
		}
	}
	f.Canceled = append(f.Canceled, orderID)
	return nil
}

func (f *Fake) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelAllCalls++
	return nil
}

func (f *Fake) SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan exchange.Candle, func(), error) {
	ch := make(chan exchange.Candle)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (f *Fake) SubscribeUserData(ctx context.Context) (<-chan exchange.FillEvent, func(), error) {
	ch := make(chan exchange.FillEvent)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

var _ exchange.Client = (*Fake)(nil)
