package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader-core/internal/api"
	"autotrader-core/internal/engine"
	"autotrader-core/internal/events"
	"autotrader-core/internal/gateway"
	"autotrader-core/internal/monitor"
	"autotrader-core/internal/notify"
	"autotrader-core/internal/order"
	"autotrader-core/internal/risk"
	"autotrader-core/internal/scheduler"
	"autotrader-core/internal/strategy"
	"autotrader-core/pkg/config"
	"autotrader-core/pkg/crypto"
	"autotrader-core/pkg/db"
	exchange "autotrader-core/pkg/exchanges/common"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1], os.Args[2:]); err != nil {
			log.Fatalf("%s: %v", os.Args[1], err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("autotrader-core starting, port %s, tick interval %s", cfg.Port, cfg.TickInterval)
	log.Printf("using database %s", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	store := database.Queries()

	// Shared across every account and every tick.
	limiter := exchange.NewRateLimiter(exchange.RateLimiterConfig{
		Capacity:       cfg.RateLimitCapacity,
		RefillPerSec:   cfg.RateLimitRefill,
		DefaultBackoff: cfg.RateLimitBackoff,
	})

	sealer, err := crypto.NewSealerFromEnv(os.Getenv)
	switch {
	case errors.Is(err, crypto.ErrNoKeys):
		log.Println("no MASTER_ENCRYPTION_KEY configured; live accounts will fail credential checks")
		sealer = nil
	case err != nil:
		log.Fatalf("encryption keys: %v", err)
	default:
		log.Printf("credential sealing enabled (key v%d)", sealer.CurrentVersion())
	}

	gwCfg := gateway.Config{
		Testnet:          cfg.BinanceTestnet,
		BaseURL:          cfg.BinanceBaseURL,
		DemoStartBalance: cfg.DemoStartBalance,
		QuoteCurrency:    cfg.QuoteCurrency,
	}
	prices := gateway.PublicPriceSource(gwCfg, limiter)
	venues := gateway.NewFactory(gwCfg, database, store, sealer, limiter, prices)

	riskCfg, profiles, err := risk.LoadConfigFile(cfg.RiskProfilesPath, risk.Config{
		MaxDailyLossPct:  cfg.MaxDailyLossPct,
		MaxDrawdownPct:   cfg.MaxDrawdownPct,
		MaxPositionPct:   cfg.MaxPositionPct,
		MaxOpenPositions: cfg.MaxOpenPositions,
	})
	if err != nil {
		log.Fatalf("risk config: %v", err)
	}
	gate := risk.NewGate(store, riskCfg)
	log.Printf("risk gate: daily loss %.2f%%, drawdown %.2f%%, position %.2f%%, max open %d",
		riskCfg.MaxDailyLossPct*100, riskCfg.MaxDrawdownPct*100, riskCfg.MaxPositionPct*100, riskCfg.MaxOpenPositions)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	executor := order.NewExecutor(order.Config{
		MaxRetries:      cfg.OrderMaxRetries,
		BaseDelay:       cfg.OrderBaseDelay,
		HardNotionalCap: cfg.OrderNotionalCap,
	}, bus, metrics)

	var analyzer strategy.Service = strategy.NewAnalyzer()
	backend := "local"
	if cfg.StrategyWorkerAddr != "" {
		worker, err := strategy.NewWorkerClient(cfg.StrategyWorkerAddr)
		if err != nil {
			log.Fatalf("strategy worker: %v", err)
		}
		defer worker.Close()
		analyzer = strategy.Fallback{Primary: worker, Secondary: analyzer}
		backend = "grpc:" + cfg.StrategyWorkerAddr
	}
	log.Printf("strategy backend: %s", backend)

	recorder := notify.NewRecorder(store, 2*time.Second)
	defer recorder.Close()
	notifiers := notify.Multi{notify.Log{}, recorder}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("telegram disabled: %v", err)
		} else {
			defer tg.Close()
			notifiers = append(notifiers, tg)
		}
	}

	(&monitor.Monitor{Bus: bus, Notifier: notifiers}).Start(ctx)

	processor := engine.NewProcessor(engine.ProcessorConfig{
		QuoteCurrency:      cfg.QuoteCurrency,
		DefaultInvestRatio: cfg.DefaultInvestRatio,
		SignalThreshold:    cfg.SignalThreshold,
		MinNotional:        cfg.MinNotional,
		CandleLimit:        cfg.CandleLimit,
		PendingTimeout:     cfg.PendingTimeout,
	}, engine.ProcessorDeps{
		Store:    store,
		Venues:   venues,
		Gate:     gate,
		Executor: executor,
		Strategy: analyzer,
		Profiles: profiles,
		Notifier: notifiers,
		Bus:      bus,
		Metrics:  metrics,
	})
	orchestrator := engine.NewOrchestrator(store, processor, cfg.MaxConcurrency, bus, metrics)
	health := monitor.NewHealthChecker(database, prices, "BTC/"+cfg.QuoteCurrency)
	runner := engine.NewRunner(engine.RunnerConfig{
		Interval:       cfg.TickInterval,
		TickTimeout:    cfg.TickTimeout,
		HealthEvery:    cfg.HealthCheckEvery,
		UnhealthyPause: cfg.UnhealthyPause,
	}, orchestrator, health, notifiers)

	cron := scheduler.New(ctx, store, gate, notifiers, cfg.EventRetention)
	if err := cron.RegisterAll(); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	cron.Start()
	defer cron.Stop()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	server := api.NewServer(api.Deps{
		Bus:     bus,
		Ticks:   orchestrator,
		Risk:    gate,
		Limiter: limiter,
		Health:  health,
		Store:   store,
		Metrics: metrics,
	}, api.SystemMeta{
		Version:      version,
		TickInterval: cfg.TickInterval,
		Testnet:      cfg.BinanceTestnet,
		Strategy:     backend,
	}, cfg.APIRatePerSec)
	httpServer := server.HTTPServer(":" + cfg.Port)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("api listening on :%s", cfg.Port)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("runner stopped: %v", err)
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
	if err := recorder.Flush(shutdownCtx); err != nil {
		log.Printf("flush system events: %v", err)
	}
}
