package main

import (
	"context"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"perp-pilot/internal/indicators"
	"perp-pilot/internal/signal"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
	"perp-pilot/pkg/exchange/binance"
)

// Streams live candles for the configured instruments and logs what each
// signal policy would do, without touching the account. Market data needs
// no API keys; the rest of the process env (.env) applies as usual.
//
//   go run ./scripts/signal_dry_run

type track struct {
	ins    config.Instrument
	engine *signal.Engine
	window *indicators.Window
	ind    indicators.Set
	prev   exchange.Candle
}

func main() {
	log.Println("=== signal dry run starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		log.Fatalf("load instruments: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	venue := binance.NewClient(binance.Config{Testnet: cfg.BinanceTestnet})

	tracks := make(map[string]*track, len(instruments))
	symbols := make([]string, 0, len(instruments))
	for _, ins := range instruments {
		eng, err := signal.ForPolicy(ins.Policy)
		if err != nil {
			log.Fatalf("%s: %v", ins.Symbol, err)
		}
		tr := &track{ins: ins, engine: eng, window: indicators.NewWindow(ins.Params.PullbackEMA, 600)}

		candles, err := venue.GetCandles(ctx, ins.Symbol, cfg.CandleInterval, 600)
		if err != nil {
			log.Fatalf("%s: backfill: %v", ins.Symbol, err)
		}
		tr.window.Seed(candles)
		if len(candles) > 0 {
			tr.prev = candles[len(candles)-1]
		}
		tracks[ins.Symbol] = tr
		symbols = append(symbols, ins.Symbol)
		log.Printf("[%s] policy=%s backfilled %d candles", ins.Symbol, ins.Policy, len(candles))
	}

	candles, stop, err := venue.SubscribeCandles(ctx, symbols, cfg.CandleInterval)
	if err != nil {
		log.Fatalf("subscribe candles: %v", err)
	}
	defer stop()

	sig := make(chan os.Signal, 1)
	ossignal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("watching %d instruments on %s candles (ctrl-c to exit)", len(symbols), cfg.CandleInterval)
	for {
		select {
		case <-sig:
			log.Println("=== signal dry run done ===")
			return
		case cd, ok := <-candles:
			if !ok {
				log.Println("stream closed")
				return
			}
			if !cd.Closed {
				continue
			}
			tr := tracks[cd.Symbol]
			if tr == nil {
				continue
			}
			prev := tr.prev
			tr.window.Append(cd)
			tr.ind = tr.window.Compute(cd.CloseTime)
			tr.prev = cd

			intent := tr.engine.Evaluate(signal.Snapshot{
				Candle: cd, Prev: prev, Ind: tr.ind, Params: tr.ins.Params,
			})
			if intent == nil {
				log.Printf("[%s] close=%.4f atr=%.4f no setup", cd.Symbol, cd.Close, tr.ind.ATR)
				continue
			}
			log.Printf("[%s] WOULD ENTER %s @ %.4f stop=%.4f tps=%v (%s)",
				intent.Symbol, intent.Side, intent.Entry, intent.Stop, intent.TakeProfits, intent.Reason)
		}
	}
}
