// Package binance implements the exchange.Client boundary against Binance
// USDT-M futures.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perp-pilot/pkg/exchange"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client talks to the Binance USDT-M futures REST and websocket APIs.
type Client struct {
	cfg         Config
	baseURL     string
	streamURL   string
	httpClient  *http.Client
	timeSync    *timeSync
	rateLimiter *weightTracker

	// timeTimeout bounds the clock-sync probe so a stalled endpoint cannot
	// hold up a signed request waiting on Offset.
	timeTimeout time.Duration
}

// NewClient creates a futures client. Leverage and margin mode are set per
// symbol via Setup before trading it.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	stream := "wss://fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		stream = "wss://stream.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:         cfg,
		baseURL:     base,
		streamURL:   stream,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		timeTimeout: 5 * time.Second,
	}
	c.timeSync = newTimeSync(c.serverTime)
	c.rateLimiter = newWeightTracker(2400, time.Minute) // 2400 weight/min for futures
	return c
}

// Setup applies leverage and isolated margin for a symbol. Margin-type
// errors for the already-set mode are ignored (code -4046).
func (c *Client) Setup(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}

	params = url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", "ISOLATED")
	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params); err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil // no need to change margin type
		}
		return fmt.Errorf("set margin type %s: %w", symbol, err)
	}
	return nil
}

// GetCandles fetches closed klines, oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]exchange.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		cd, err := parseKlineRow(symbol, k)
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	return out, nil
}

// GetBalance returns the USDT margin balance.
func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return exchange.Balance{}, err
	}
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return exchange.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset == "USDT" {
			return exchange.Balance{
				Asset:     r.Asset,
				Total:     parseFloat(r.Balance),
				Available: parseFloat(r.AvailableBalance),
			}, nil
		}
	}
	return exchange.Balance{Asset: "USDT"}, nil
}

// GetOpenPosition returns the venue's one-way position for symbol. A flat
// position comes back with Qty zero.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (exchange.PositionInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return exchange.PositionInfo{}, err
	}
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return exchange.PositionInfo{}, fmt.Errorf("decode positions: %w", err)
	}
	for _, r := range rows {
		if r.Symbol == symbol {
			return exchange.PositionInfo{
				Symbol:        r.Symbol,
				Qty:           parseFloat(r.PositionAmt),
				EntryPrice:    parseFloat(r.EntryPrice),
				MarkPrice:     parseFloat(r.MarkPrice),
				UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			}, nil
		}
	}
	return exchange.PositionInfo{Symbol: symbol}, nil
}

// GetAccountTrades returns recent account trades, newest last.
func (c *Client) GetAccountTrades(ctx context.Context, symbol string, limit int) ([]exchange.TradeRecord, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol      string `json:"symbol"`
		OrderID     int64  `json:"orderId"`
		Side        string `json:"side"`
		Qty         string `json:"qty"`
		Price       string `json:"price"`
		RealizedPnl string `json:"realizedPnl"`
		Commission  string `json:"commission"`
		Time        int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode user trades: %w", err)
	}
	out := make([]exchange.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, exchange.TradeRecord{
			Symbol:   r.Symbol,
			OrderID:  strconv.FormatInt(r.OrderID, 10),
			Side:     exchange.Side(r.Side),
			Qty:      parseFloat(r.Qty),
			Price:    parseFloat(r.Price),
			Realized: parseFloat(r.RealizedPnl),
			Fee:      parseFloat(r.Commission),
			Time:     time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64, clientID string, reduceOnly bool) (exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(qty))
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")
	return c.submitOrder(ctx, params)
}

// PlaceStopOrder submits a close-position stop-market order triggered at
// stopPrice.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty float64, clientID string) (exchange.OrderAck, error) {
	return c.placeTrigger(ctx, symbol, "STOP_MARKET", side, stopPrice, qty, clientID)
}

// PlaceTakeProfitOrder submits a reduce-only take-profit-market order.
func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty float64, clientID string) (exchange.OrderAck, error) {
	return c.placeTrigger(ctx, symbol, "TAKE_PROFIT_MARKET", side, stopPrice, qty, clientID)
}

func (c *Client) placeTrigger(ctx context.Context, symbol, orderType string, side exchange.Side, stopPrice, qty float64, clientID string) (exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", orderType)
	params.Set("stopPrice", formatFloat(stopPrice))
	params.Set("quantity", formatFloat(qty))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}
	return c.submitOrder(ctx, params)
}

func (c *Client) submitOrder(ctx context.Context, params url.Values) (exchange.OrderAck, error) {
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return exchange.OrderAck{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderAck{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.ack(), nil
}

// GetOrderStatus looks up an order by client ID.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientID string) (exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return exchange.OrderAck{}, exchange.ErrOrderNotFound
		}
		return exchange.OrderAck{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderAck{}, fmt.Errorf("decode order status: %w", err)
	}
	return resp.ack(), nil
}

// CancelOrder cancels one order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// CancelAllOrders cancels every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

func (c *Client) serverTime() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) now() int64 {
	if off := c.timeSync.Offset(); off != 0 {
		return time.Now().UnixMilli() + off
	}
	return time.Now().UnixMilli()
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// doSigned signs and sends an authenticated request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance: API key/secret required")
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}

// classify maps a venue error response onto the exchange sentinels.
func classify(status int, body []byte) error {
	var venue struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &venue)

	kind := exchange.ErrOrderRejected
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		kind = exchange.ErrRateLimited
	case status >= 500:
		kind = exchange.ErrUnavailable
	case venue.Code == -1021: // timestamp outside recvWindow, retryable after resync
		kind = exchange.ErrUnavailable
	}
	if venue.Msg == "" {
		venue.Msg = fmt.Sprintf("http status %d: %s", status, string(body))
	}
	return &exchange.APIError{Code: venue.Code, Msg: venue.Msg, Kind: kind}
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (r orderResp) ack() exchange.OrderAck {
	return exchange.OrderAck{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Status:      mapStatus(r.Status),
		ExecutedQty: parseFloat(r.ExecutedQty),
		AvgPrice:    parseFloat(r.AvgPrice),
	}
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}

var _ exchange.Client = (*Client)(nil)
