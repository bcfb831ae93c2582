package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-pilot/internal/api"
	"perp-pilot/internal/controller"
	"perp-pilot/internal/events"
	"perp-pilot/internal/journal"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/orchestrator"
	"perp-pilot/internal/state"
	"perp-pilot/pkg/config"
	"perp-pilot/pkg/exchange"
	"perp-pilot/pkg/exchange/binance"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("perp-pilot %s starting", buildVersion)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		log.Fatalf("instruments: %v", err)
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	defer jr.Close()

	bus := events.NewBus()

	venue := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	client := exchange.NewRetrier(venue, cfg.RateLimitRPS, cfg.RateLimitBurst, exchange.DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Watch(ctx, bus, monitor.LogSink{})

	orch := orchestrator.New(client, store, jr, bus, cfg.CandleInterval, controller.Options{
		RiskPerTradePct:     cfg.RiskPerTradePct,
		MinBalance:          cfg.MinBalance,
		DailyLossLimitPct:   cfg.DailyLossLimitPct,
		MaxTradesPerDay:     cfg.MaxTradesPerDay,
		CooldownAfterWin:    cfg.CooldownAfterWin,
		CooldownAfterLoss:   cfg.CooldownAfterLoss,
		CooldownUnconfirmed: cfg.CooldownUnconfirmed,
		ReconcileInterval:   cfg.ReconcileInterval,
		ReconcileMaxFail:    cfg.ReconcileMaxFailures,
	})

	for _, ins := range instruments {
		if err := venue.Setup(ctx, ins.Symbol, ins.Leverage); err != nil {
			log.Fatalf("venue setup %s: %v", ins.Symbol, err)
		}
		if err := orch.Add(ctx, ins); err != nil {
			log.Fatalf("attach %s: %v", ins.Symbol, err)
		}
	}

	server := api.NewServer(orch, jr, cfg.JWTSecret)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		log.Printf("api listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()

	orchDone := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(orchDone)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
	server.Close()

	cancel()
	select {
	case <-orchDone:
	case <-time.After(30 * time.Second):
		log.Printf("orchestrator shutdown timed out")
	}
	log.Printf("stopped")
}
