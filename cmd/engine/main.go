// Package main is the entry point for the Kotak Neo RSI-dip trading engine.
//
// The process:
//  1. Loads configuration
//  2. Initializes broker (execution), market data session, store, and the
//     call pipeline (rate limit -> circuit breaker -> retry -> session guard)
//  3. Wires EntryEngine, ExitEngine, and Reconciler against the TradeStore
//  4. Registers the fixed daily schedule (spec §4.6) and runs it until
//     interrupted
//
// Modes:
//   - "status": print current market/scheduler status and exit
//   - "run":     start the scheduler and block until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/candidates"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/circuit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/config"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/entry"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/exit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/market"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/notify"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/ratelimit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/reconcile"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/retrypolicy"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/scheduler"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/session"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to configuration file")
	mode := flag.String("mode", "status", "run mode: run | status")
	confirmLive := flag.Bool("confirm-live", false, "required safety flag to run in live trading mode")
	flag.Parse()

	logger := log.New(os.Stdout, "[engine] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Printf("config loaded: broker=%s mode=%s capital=%.2f", cfg.ActiveBroker, cfg.TradingMode, cfg.Capital)

	gateLiveMode(cfg, *confirmLive, logger)

	cal, err := market.NewCalendar(cfg.MarketCalendarPath)
	if err != nil {
		logger.Fatalf("failed to load market calendar: %v", err)
	}

	execBroker := newExecutionBroker(cfg, logger)
	dataBroker := newDataBroker(cfg, logger)

	st, err := store.New(cfg.Paths.LedgerPath)
	if err != nil {
		logger.Fatalf("failed to open ledger: %v", err)
	}

	notifier := newNotifier(cfg, logger)

	rl := ratelimit.New(time.Duration(float64(time.Second) / nonZero(cfg.Pacing.APIRateLimitPerSec, 1.0)))
	breakers := circuit.NewRegistry()
	retry := retrypolicy.New(retrypolicy.DefaultConfig, logger)
	execGuard := session.New(execBroker.Login, logger)
	execPipeline := callpipeline.New(rl, breakers, retry, execGuard)
	_ = execPipeline // execution calls go through Broker directly; reserved for future direct REST use

	dataGuard := session.New(dataBroker.Login, logger)
	dataPipeline := callpipeline.New(rl, breakers, retry, dataGuard)

	md := newMarketData(cfg, dataBroker, dataPipeline, logger)

	entryCfg := entryConfigFrom(cfg)
	entryEngine := entry.New(st, execBroker, notifier, md.avgVolume, md.currentPrice, logger)

	exitEngine := exit.New(st, execBroker, md.candles, md.livePrice, cfg.Pacing.MaxWorkers, logger)

	reconciler := reconcile.New(st, execBroker, notifier, logger)

	watcher := config.NewConfigWatcher(*configPath, cfg, logger)
	watcher.OnChange(func(_, newCfg *config.Config) {
		entryCfg = entryConfigFrom(newCfg)
		rl.SetMinInterval(time.Duration(float64(time.Second) / nonZero(newCfg.Pacing.APIRateLimitPerSec, 1.0)))
		logger.Println("[engine] applied reloaded sizing/pacing config")
	})
	if err := watcher.Start(); err != nil {
		logger.Printf("WARNING: config watcher not started: %v", err)
	}
	defer watcher.Stop()

	sched := scheduler.New(cal, logger)
	registerJobs(sched, cfg, &entryCfg, st, entryEngine, exitEngine, reconciler, notifier, md, dataBroker, logger)

	if *mode == "status" {
		fmt.Println(sched.Status())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dataBroker != nil {
		if err := dataBroker.Login(ctx); err != nil {
			logger.Printf("WARNING: market data session not established at startup: %v", err)
		}
	}

	go runLiveFeed(ctx, md, st, logger)

	if err := sched.Start(ctx); err != nil {
		logger.Fatalf("failed to start scheduler: %v", err)
	}
	logger.Println("engine running — ctrl-c to stop")

	<-ctx.Done()
	logger.Println("shutdown signal received, draining in-flight jobs")
	select {
	case <-sched.Stop().Done():
	case <-time.After(30 * time.Second):
		logger.Println("drain deadline (30s) reached with jobs still running")
	}
	logger.Println("engine stopped")
}

// gateLiveMode enforces the two-factor confirmation live trading requires:
// the --confirm-live flag and the ALGO_LIVE_CONFIRMED=true environment
// variable must both be set, or the process refuses to start.
func gateLiveMode(cfg *config.Config, confirmLive bool, logger *log.Logger) {
	if cfg.TradingMode != config.ModeLive {
		logger.Println("PAPER MODE — simulated orders only, no real money at risk")
		return
	}

	envConfirmed := os.Getenv("ALGO_LIVE_CONFIRMED") == "true"
	if confirmLive && envConfirmed {
		logger.Println("LIVE MODE ACTIVE — real orders will be placed on the exchange")
		return
	}

	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  ╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "  ║                    LIVE MODE BLOCKED                       ║")
	fmt.Fprintln(os.Stderr, "  ╠═══════════════════════════════════════════════════════════╣")
	fmt.Fprintln(os.Stderr, "  ║  Live trading requires TWO explicit confirmations:         ║")
	fmt.Fprintln(os.Stderr, "  ║    1. CLI flag:  --confirm-live                            ║")
	fmt.Fprintln(os.Stderr, "  ║    2. Env var:   ALGO_LIVE_CONFIRMED=true                  ║")
	fmt.Fprintln(os.Stderr, "  ╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr, "")
	if !confirmLive {
		fmt.Fprintln(os.Stderr, "  MISSING: --confirm-live flag")
	}
	if !envConfirmed {
		fmt.Fprintln(os.Stderr, "  MISSING: ALGO_LIVE_CONFIRMED=true environment variable")
	}
	fmt.Fprintln(os.Stderr, "")
	os.Exit(1)
}

// newExecutionBroker selects the order-placing broker: PaperBroker for
// paper trading, or a registered live broker for live trading.
func newExecutionBroker(cfg *config.Config, logger *log.Logger) broker.Broker {
	if cfg.TradingMode == config.ModePaper {
		logger.Println("execution: PAPER broker (simulated fills)")
		return broker.NewPaperBroker(cfg.Capital)
	}

	raw, ok := cfg.BrokerConfig[cfg.ActiveBroker]
	if !ok {
		logger.Fatalf("no broker config found for %q", cfg.ActiveBroker)
	}
	b, err := broker.New(cfg.ActiveBroker, raw)
	if err != nil {
		logger.Fatalf("failed to initialize broker %q: %v", cfg.ActiveBroker, err)
	}
	logger.Printf("execution: LIVE broker %q", cfg.ActiveBroker)
	return b
}

// newDataBroker builds a broker session used only for market data (OHLCV,
// fundamentals, live ticks, scrip master) — independent of the execution
// broker, since a paper run still needs real quotes. When no kotakneo
// credentials are configured, or the broker cannot be built, it returns a
// zero-capital PaperBroker instead: market data calls then run without a
// live session and fail with errors that RetryPolicy/CircuitBreaker
// surface upstream rather than crash the process.
func newDataBroker(cfg *config.Config, logger *log.Logger) broker.Broker {
	raw, ok := cfg.BrokerConfig["kotakneo"]
	if !ok {
		logger.Println("WARNING: no kotakneo broker_config — market data disabled")
		return broker.NewPaperBroker(0)
	}
	b, err := broker.New("kotakneo", raw)
	if err != nil {
		logger.Printf("WARNING: market data broker unavailable: %v — market data disabled", err)
		return broker.NewPaperBroker(0)
	}
	return b
}

func newNotifier(cfg *config.Config, logger *log.Logger) notify.Notifier {
	log := notify.NewLogNotifier(logger)
	if cfg.Notify.TelegramBotToken == "" || cfg.Notify.TelegramChatID == "" {
		return log
	}
	tg := notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID)
	return notify.NewMultiNotifier(log, tg)
}

func entryConfigFrom(cfg *config.Config) entry.Config {
	return entry.Config{
		MaxPortfolioSize:            cfg.Sizing.MaxPortfolioSize,
		DefaultCapitalPerTrade:      decimal.NewFromFloat(cfg.Sizing.DefaultCapitalPerTrade),
		MinCombinedScore:            cfg.Sizing.MinCombinedScore,
		MaxPositionToAvgVolumeRatio: cfg.Sizing.MaxPositionToAvgVolumeRatio,
		DailyReentryCap:             cfg.Sizing.DailyReentryCap,
	}
}

func nonZero(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}

// runLiveFeed keeps the WebSocket tick cache connected and subscribed to
// every currently open position's broker symbol for the life of ctx.
func runLiveFeed(ctx context.Context, md *marketData, st *store.Store, logger *log.Logger) {
	if md.live == nil {
		return
	}
	go func() {
		if err := md.live.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("[engine] live price feed stopped: %v", err)
		}
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var symbols []string
			for _, p := range st.OpenPositions() {
				symbols = append(symbols, p.BrokerSymbol)
			}
			if len(symbols) > 0 {
				if err := md.live.Subscribe(symbols); err != nil {
					logger.Printf("[engine] subscribe failed: %v", err)
				}
			}
		}
	}
}

func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	entryCfg *entry.Config,
	st *store.Store,
	entryEngine *entry.Engine,
	exitEngine *exit.Engine,
	reconciler *reconcile.Reconciler,
	notifier notify.Notifier,
	md *marketData,
	dataBroker broker.Broker,
	logger *log.Logger,
) {
	sched.RegisterJob(scheduler.Job{
		Name: "retry-failed-orders",
		Type: scheduler.JobTypeRetryQueue,
		RunFunc: func(ctx context.Context) error {
			_, err := entryEngine.RetryFailedOrders(ctx, *entryCfg, broker.VarietyRegular, time.Now())
			return err
		},
	})

	sched.RegisterJob(scheduler.Job{
		Name: "market-open",
		Type: scheduler.JobTypeOpen,
		RunFunc: func(ctx context.Context) error {
			if err := md.refreshScripMaster(ctx, dataBroker); err != nil {
				logger.Printf("[engine] scrip master refresh failed: %v", err)
			}

			path, err := candidates.NewestFile(cfg.Paths.AIOutputDir)
			if err != nil {
				return fmt.Errorf("open job: %w", err)
			}
			cands, err := candidates.Load(path, entryCfg.MinCombinedScore)
			if err != nil {
				return fmt.Errorf("open job: %w", err)
			}
			if _, err := entryEngine.ProcessNewCandidates(ctx, *entryCfg, cands, broker.VarietyAMO, time.Now()); err != nil {
				return err
			}
			exitEngine.RunCycle(ctx, time.Now())
			return nil
		},
	})

	sched.RegisterJob(scheduler.Job{
		Name: "hourly-monitor",
		Type: scheduler.JobTypeHourly,
		RunFunc: func(ctx context.Context) error {
			now := time.Now()
			exitEngine.RunCycle(ctx, now)

			if _, err := reconciler.RunCycle(ctx, now); err != nil {
				logger.Printf("[engine] reconcile error: %v", err)
			}

			_, err := entryEngine.ProcessReentries(ctx, *entryCfg, md.indicatorsFor, now)
			return err
		},
	})

	sched.RegisterJob(scheduler.Job{
		Name: "end-of-day",
		Type: scheduler.JobTypeEOD,
		RunFunc: func(ctx context.Context) error {
			now := time.Now()
			if err := st.PurgeExpiredFailed(now); err != nil {
				return err
			}
			return notifier.Notify(notify.Summarize(notify.DailySummary{Date: now}))
		},
	})
}
