package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for an order side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus normalizes venue order status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Candle is one closed (or in-progress) kline for a symbol.
type Candle struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Balance reports the account margin balance.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// PositionInfo is the venue's view of an open position.
// Qty is signed: positive long, negative short, zero flat.
type PositionInfo struct {
	Symbol        string
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Flat reports whether the venue shows no open position.
func (p PositionInfo) Flat() bool {
	return p.Qty > -1e-9 && p.Qty < 1e-9
}

// OrderAck is the venue acknowledgement for a placed order.
type OrderAck struct {
	OrderID     string
	ClientID    string
	Status      OrderStatus
	ExecutedQty float64
	AvgPrice    float64
}

// FillEvent is a fill/order-update pushed on the user-data stream.
type FillEvent struct {
	Symbol     string
	OrderID    string
	TradeID    string
	Side       Side
	Qty        float64
	Price      float64
	Status     OrderStatus
	RealizedP  float64
	ReduceOnly bool
	EventTime  time.Time
}

// TradeRecord is one account trade, used when computing realized PnL for a
// close that happened venue-side.
type TradeRecord struct {
	Symbol   string
	OrderID  string
	Side     Side
	Qty      float64
	Price    float64
	Realized float64
	Fee      float64
	Time     time.Time
}
