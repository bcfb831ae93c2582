package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-pilot/pkg/exchange"
)

const listenKeyKeepAlive = 25 * time.Minute

// SubscribeCandles opens one combined kline stream over all symbols.
// Binance requires lowercase symbols for websocket streams.
func (c *Client) SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan exchange.Candle, func(), error) {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), interval))
	}
	u := fmt.Sprintf("%s/stream?streams=%s", c.streamURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial kline stream: %w", err)
	}

	out := make(chan exchange.Candle, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Connection may already be closed; errors are not actionable.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if isExpectedClose(err) {
					return
				}
				log.Printf("binance kline ws read: %v", err)
				return
			}
			cd, ok, err := parseKlineMessage(msg)
			if err != nil {
				log.Printf("binance kline ws parse: %v", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- cd:
			default:
				log.Printf("binance kline ws: slow consumer, dropping %s", cd.Symbol)
			}
		}
	}()

	return out, stop, nil
}

// SubscribeUserData streams order/fill updates over the account listen key,
// keeping the key alive in the background.
func (c *Client) SubscribeUserData(ctx context.Context) (<-chan exchange.FillEvent, func(), error) {
	key, err := c.createListenKey(ctx)
	if err != nil {
		return nil, nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL+"/ws/"+key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial user stream: %w", err)
	}

	out := make(chan exchange.FillEvent, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go c.keepAlive(key, done)

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if isExpectedClose(err) {
					return
				}
				log.Printf("binance user ws read: %v", err)
				return
			}
			fill, ok := parseUserMessage(msg)
			if !ok {
				continue
			}
			select {
			case out <- fill:
			default:
				log.Printf("binance user ws: slow consumer, dropping fill %s", fill.Symbol)
			}
		}
	}()

	return out, stop, nil
}

func (c *Client) keepAlive(key string, done <-chan struct{}) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.keepAliveListenKey(ctx, key); err != nil {
				log.Printf("binance listen key keepalive: %v", err)
			}
			cancel()
		}
	}
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	_, err = c.do(req)
	return err
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

// combined-stream kline payload
type klineMessage struct {
	Data struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func parseKlineMessage(msg []byte) (exchange.Candle, bool, error) {
	var m klineMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return exchange.Candle{}, false, err
	}
	if m.Data.Symbol == "" {
		return exchange.Candle{}, false, nil
	}
	k := m.Data.Kline
	return exchange.Candle{
		Symbol:    m.Data.Symbol,
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      parseFloat(k.Open),
		High:      parseFloat(k.High),
		Low:       parseFloat(k.Low),
		Close:     parseFloat(k.Close),
		Volume:    parseFloat(k.Volume),
		Closed:    k.Closed,
	}, true, nil
}

// ORDER_TRADE_UPDATE payload, trimmed to the fields routed upstream.
type userMessage struct {
	Event string `json:"e"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		TradeID       int64  `json:"t"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
}

func parseUserMessage(msg []byte) (exchange.FillEvent, bool) {
	var m userMessage
	if err := json.Unmarshal(msg, &m); err != nil || m.Event != "ORDER_TRADE_UPDATE" {
		return exchange.FillEvent{}, false
	}
	o := m.Order
	return exchange.FillEvent{
		Symbol:    o.Symbol,
		OrderID:   fmt.Sprintf("%d", o.OrderID),
		TradeID:   fmt.Sprintf("%d", o.TradeID),
		Side:      exchange.Side(o.Side),
		Qty:       parseFloat(o.LastQty),
		Price:     parseFloat(o.LastPrice),
		Status:    mapStatus(o.Status),
		RealizedP: parseFloat(o.RealizedPnL),
	}, true
}
