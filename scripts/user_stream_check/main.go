package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange/binance"
)

// Connects the futures user-data stream and logs every fill/order update
// until interrupted. Useful for verifying listen-key handling and stream
// decoding against a testnet account before running the controller.
//
// Usage:
//   BINANCE_TESTNET=true go run ./scripts/user_stream_check

func main() {
	log.Println("=== user stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	log.Printf("testnet=%v", cfg.BinanceTestnet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	venue := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})

	fills, stop, err := venue.SubscribeUserData(ctx)
	if err != nil {
		log.Fatalf("subscribe user data: %v", err)
	}
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Println("listening; place or cancel a testnet order to see events (ctrl-c to exit)")
	for {
		select {
		case <-sig:
			log.Println("=== user stream check done ===")
			return
		case f, ok := <-fills:
			if !ok {
				log.Println("stream closed")
				return
			}
			log.Printf("[FILL] %s %s qty=%.6f price=%.4f status=%s reduceOnly=%v",
				f.Symbol, f.Side, f.Qty, f.Price, f.Status, f.ReduceOnly)
		}
	}
}
