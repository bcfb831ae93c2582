package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
	"perp-pilot/pkg/exchange/binance"
)

// Quick end-to-end probe of the wrapped Binance futures API: signed reads,
// leverage/margin setup, and (optionally) one tiny market round trip.
//
// Usage:
//   BINANCE_TESTNET=true go run ./scripts/venue_api_check
//
// Environment:
//   BINANCE_API_KEY / BINANCE_API_SECRET  (same as the main process)
//   VENUE_CHECK_SYMBOL        (default "BTCUSDT")
//   VENUE_CHECK_PLACE_ORDERS  (default "false")
//       - false: read-only and cancel-style calls only
//       - true : also sends a minimal MARKET order and flattens it
//
// Keep VENUE_CHECK_PLACE_ORDERS=false until the read path is confirmed;
// order placement can fill for real when the account has balance.

func main() {
	log.Println("=== venue API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}

	symbol := getenv("VENUE_CHECK_SYMBOL", "BTCUSDT")
	placeOrders := getenv("VENUE_CHECK_PLACE_ORDERS", "false") == "true"
	log.Printf("testnet=%v symbol=%s placeOrders=%v", cfg.BinanceTestnet, symbol, placeOrders)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	venue := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})

	balance, err := venue.GetBalance(ctx)
	if err != nil {
		log.Fatalf("[BALANCE] %v", err)
	}
	log.Printf("[BALANCE] %s total=%.2f available=%.2f", balance.Asset, balance.Total, balance.Available)

	candles, err := venue.GetCandles(ctx, symbol, "1m", 5)
	if err != nil {
		log.Fatalf("[CANDLES] %v", err)
	}
	log.Printf("[CANDLES] got %d, last close=%.2f", len(candles), candles[len(candles)-1].Close)

	pos, err := venue.GetOpenPosition(ctx, symbol)
	if err != nil {
		log.Fatalf("[POSITION] %v", err)
	}
	log.Printf("[POSITION] qty=%.6f entry=%.2f", pos.Qty, pos.EntryPrice)

	if err := venue.Setup(ctx, symbol, 5); err != nil {
		log.Fatalf("[SETUP] leverage/margin: %v", err)
	}
	log.Println("[SETUP] leverage and isolated margin applied")

	if err := venue.CancelAllOrders(ctx, symbol); err != nil {
		log.Fatalf("[CANCEL-ALL] %v", err)
	}
	log.Println("[CANCEL-ALL] ok")

	if placeOrders {
		placeRoundTrip(ctx, venue, symbol)
	} else {
		log.Println("[ORDER] skipped (VENUE_CHECK_PLACE_ORDERS=false)")
	}

	log.Println("=== venue API check done ===")
}

// placeRoundTrip opens and immediately flattens a minimal position so the
// full place/status/reduce-only path is exercised.
func placeRoundTrip(ctx context.Context, venue *binance.Client, symbol string) {
	qty := 0.002 // above BTCUSDT min notional at typical prices

	entryID := "check-" + uuid.NewString()[:18]
	ack, err := venue.PlaceMarketOrder(ctx, symbol, exchange.SideBuy, qty, entryID, false)
	if err != nil {
		log.Fatalf("[ORDER] entry: %v", err)
	}
	log.Printf("[ORDER] entry ack: id=%s status=%s filled=%.6f avg=%.2f",
		ack.OrderID, ack.Status, ack.ExecutedQty, ack.AvgPrice)

	status, err := venue.GetOrderStatus(ctx, symbol, entryID)
	if err != nil {
		log.Fatalf("[ORDER] status: %v", err)
	}
	log.Printf("[ORDER] status: %s", status.Status)

	exitID := "check-" + uuid.NewString()[:18]
	if _, err := venue.PlaceMarketOrder(ctx, symbol, exchange.SideSell, qty, exitID, true); err != nil {
		log.Fatalf("[ORDER] flatten: %v", err)
	}
	log.Println("[ORDER] flattened")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
