package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"daytrader/internal/advisor"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/ledger"
	"daytrader/internal/logger"
	"daytrader/internal/market/alpaca"
	"daytrader/internal/server"
	"daytrader/internal/telegram"
)

const version = "0.3.1"

func main() {
	cfg := config.Load()
	cfg.Version = version
	logger.Setup("daytrader.log", cfg.MaxLogSizeMB, cfg.MaxLogBackups)
	log.Printf("Starting daytrader v%s", version)

	clk, err := clock.New(clock.Windows{
		EntryStart:      cfg.EntryWindowStart,
		EntryMinutes:    cfg.EntryWindowMinutes,
		PrewarmMinutes:  cfg.PrewarmMinutes,
		MandatoryExit:   cfg.MandatoryExitTime,
		FailsafeMinutes: cfg.FailsafeMinutes,
	})
	if err != nil {
		log.Fatalf("CRITICAL: invalid trading windows: %v", err)
	}

	store, err := ledger.Open(cfg.LedgerPath, decimal.NewFromFloat(cfg.InitialCash))
	if err != nil {
		log.Fatalf("CRITICAL: open ledger %s: %v", cfg.LedgerPath, err)
	}
	defer store.Close()

	broker := alpaca.NewProvider()
	adv := advisor.NewClient()

	eng := engine.New(cfg, clk, store, broker, adv, telegram.Notify)
	srv := server.New(cfg, eng, broker, clk)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("HTTP listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("CRITICAL: http server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegram.Notify(fmt.Sprintf("🤖 daytrader v%s is up", version))

	// Internal tick loop. The external scheduler may also hit /tick; the
	// engine coalesces overlapping invocations, so both can coexist.
	ticker := time.NewTicker(time.Duration(cfg.TickIntervalSec) * time.Second)
	defer ticker.Stop()

	eng.RunTick(ctx)
	for {
		select {
		case <-ticker.C:
			res := eng.RunTick(ctx)
			if res.Reason != "" {
				log.Printf("Tick: %s (%s)", res.State, res.Reason)
			} else {
				log.Printf("Tick: %s", res.State)
			}
			// Opportunistic fill sync while a position is open, so bracket
			// leg fills land without waiting for the external poll.
			if res.State == engine.StateOpen || res.State == engine.StateMandatoryExit {
				since := time.Now().Add(-time.Duration(cfg.FillWindowMinutes) * time.Minute)
				if _, err := eng.SyncFills(ctx, since); err != nil {
					log.Printf("Tick: fill sync: %v", err)
				}
			}
		case <-ctx.Done():
			log.Println("Shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP shutdown: %v", err)
			}
			telegram.Notify("🛑 daytrader shutting down")
			log.Println("Bye")
			return
		}
	}
}
