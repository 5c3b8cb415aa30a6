package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/engine"
	"funding_keeper/internal/history"
	"funding_keeper/internal/infrastructure/health"
	inframetrics "funding_keeper/internal/infrastructure/metrics"
	"funding_keeper/internal/keeper"
	"funding_keeper/internal/store"
	"funding_keeper/internal/trading/aggregator"
	"funding_keeper/internal/trading/carry"
	"funding_keeper/internal/trading/liquidity"
	"funding_keeper/internal/trading/planner"
	"funding_keeper/internal/trading/portfolio"
	"funding_keeper/internal/venue"
	"funding_keeper/internal/venue/paper"
	"funding_keeper/pkg/cli"
	"funding_keeper/pkg/concurrency"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/logging"
	"funding_keeper/pkg/retry"
	"funding_keeper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const quoteAsset = "USDT"

func main() {
	configPath := flag.String("config", "configs/keeper.yaml", "Path to configuration file")
	dryRun := flag.Bool("dry-run", false, "Force dry run regardless of config")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keeper version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if err := cli.ValidateInput(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config path: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.App.DryRun = true
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Starting keeper",
		"version", version,
		"dry_run", cfg.App.DryRun,
		"symbols", strings.Join(cfg.TradableSymbols(), ","),
	)

	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Failed to initialize metrics exporter", "error", err)
	}

	registry, err := venue.Build(cfg, logger)
	if err != nil {
		logger.Error("Failed to build venues", "error", err)
		os.Exit(1)
	}
	lenders, err := buildLenders(cfg, logger)
	if err != nil {
		logger.Error("Failed to build lending venues", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probeVenues(ctx, registry, logger)

	st, err := store.Open(store.Kind(cfg.Storage.Type), cfg.Storage.Path)
	if err != nil {
		logger.Error("Failed to open state store", "error", err)
		os.Exit(1)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "keeper_loops",
		MaxWorkers:  8,
		MaxCapacity: 128,
	}, logger)
	hist := history.New(history.Options{})
	aliases := aggregator.NewAliases()

	var perpList []core.IVenue
	for _, v := range registry.Perps() {
		perpList = append(perpList, v)
	}
	var lenderList []core.ILendingVenue
	for _, l := range lenders {
		lenderList = append(lenderList, l)
	}

	agg := aggregator.New(aggregator.Config{
		MinSpread: core.RateFromFloat(cfg.Strategy.MinSpread),
	}, perpList, lenderList, aliases, hist, pool, logger)

	liq := liquidity.NewOptimizer(liquidity.Config{
		FloorAPY:       core.APRFromFloat(cfg.Strategy.LiquidityFloorAPY * 100),
		MinPositionUSD: decimal.NewFromFloat(cfg.Strategy.MinPositionUSD),
	}, logger)

	fees := make(map[string]core.FeeRates, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		fees[name] = core.FeeRates{
			Maker: decimal.NewFromFloat(vc.FeeRates.Maker),
			Taker: decimal.NewFromFloat(vc.FeeRates.Taker),
		}
	}
	pl := planner.New(planner.Config{
		BalanceUsagePct:   decimal.NewFromFloat(cfg.Strategy.BalanceUsagePct),
		Leverage:          decimal.NewFromFloat(cfg.Strategy.Leverage),
		MinPositionUSD:    decimal.NewFromFloat(cfg.Strategy.MinPositionUSD),
		MaxBreakEvenHours: decimal.NewFromFloat(cfg.Strategy.MaxBreakEvenDays * 24),
		Fees:              fees,
	}, registry.Perps(), aliases, liq, logger)

	port := portfolio.New(portfolio.Config{
		TargetAPY:      core.APRFromFloat(cfg.Strategy.TargetAPY * 100),
		Leverage:       decimal.NewFromFloat(cfg.Strategy.Leverage),
		MinPositionUSD: decimal.NewFromFloat(cfg.Strategy.MinPositionUSD),
	}, hist, logger)

	eng := engine.New(engine.Config{
		DriftLimit:   decimal.NewFromFloat(cfg.Strategy.DriftLimit),
		AdoptUnknown: cfg.Reconcile.AdoptGhosts,
		CloseUnknown: cfg.Reconcile.CloseUnknown,
	}, registry.All(), st, logger)

	// Crash-safe restart: restore persisted pairs, verify them against the
	// venues, only then start accepting plans.
	if err := eng.Restore(ctx); err != nil {
		logger.Error("Failed to restore engine state", "error", err)
		os.Exit(1)
	}
	if err := eng.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
		os.Exit(1)
	}

	ctrl := buildCarryController(cfg, registry, lenders, logger)

	acc := diag.NewAccumulator()
	k := keeper.New(keeper.Deps{
		Config:     cfg,
		Venues:     registry.All(),
		Engine:     eng,
		Aggregator: agg,
		Portfolio:  port,
		Planner:    pl,
		Store:      st,
		Pool:       pool,
		Health:     ctrl,
		Sink:       acc,
		Logger:     logger,
	})

	healthMgr := health.NewHealthManager(logger)
	for name, v := range registry.All() {
		v := v
		healthMgr.Register(name, func() error {
			probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return v.CheckHealth(probeCtx)
		})
	}

	metricsSrv := inframetrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	metricsSrv.Start()

	diagSrv := diag.NewServer(cfg.Telemetry.DiagnosticsPort, diag.Deps{
		Engine: eng,
		Health: healthMgr,
		Venues: registry.All(),
		Acc:    acc,
		Logger: logger,
	})
	go func() {
		if err := diagSrv.Start(); err != nil {
			logger.Error("Diagnostics server failed", "error", err)
		}
	}()

	logger.Info("Keeper running")
	if err := k.Run(ctx); err != nil {
		logger.Error("Keeper exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := diagSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("Diagnostics server shutdown failed", "error", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
	logger.Info("Keeper stopped")
}

// buildLenders constructs the lending-kind venues. Only the paper adapter
// has a lending implementation; a live pool adapter would slot in here.
func buildLenders(cfg *config.Config, logger core.ILogger) (map[string]core.ILendingVenue, error) {
	lenders := make(map[string]core.ILendingVenue)
	for name, vc := range cfg.Venues {
		if vc.Kind != "lending" {
			continue
		}
		if vc.Adapter != "paper" && !cfg.App.DryRun {
			return nil, fmt.Errorf("venue %s: no live adapter for lending venues", name)
		}
		lenders[name] = paper.NewLender(name)
		logger.Info("Lending venue registered", "venue", name)
	}
	return lenders, nil
}

// probeVenues checks connectivity before the loops start. Transient
// failures retry with backoff; a venue that stays down is reported but
// does not block startup, reconciliation covers it later.
func probeVenues(ctx context.Context, registry *venue.Registry, logger core.ILogger) {
	for name, v := range registry.All() {
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsRetryable, func() error {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return v.CheckHealth(probeCtx)
		})
		if err != nil {
			logger.Warn("Venue health probe failed", "venue", name, "error", err)
		} else {
			logger.Info("Venue healthy", "venue", name)
		}
	}
}

// buildCarryController wires the leveraged carry strategy when a lending
// venue is configured. It trades the first whitelisted symbol against the
// first perp venue. min_carry_apy is a fraction in config and percentage
// points in the controller.
func buildCarryController(cfg *config.Config, registry *venue.Registry, lenders map[string]core.ILendingVenue, logger core.ILogger) keeper.HealthChecker {
	l := cfg.Leveraged
	if l.MaxLeverage == 0 && l.TargetHF == 0 {
		return nil
	}
	if len(lenders) == 0 {
		logger.Info("Leveraged strategy disabled, no lending venue configured")
		return nil
	}
	symbols := cfg.TradableSymbols()
	if len(symbols) == 0 {
		return nil
	}
	symbol := symbols[0]

	var perp core.IVenue
	for _, v := range registry.Perps() {
		perp = v
		break
	}
	if perp == nil {
		return nil
	}
	var lender core.ILendingVenue
	for _, lv := range lenders {
		lender = lv
		break
	}

	ctrl := carry.New(carry.Config{
		MinHF:                decimal.NewFromFloat(l.MinHF),
		TargetHF:             decimal.NewFromFloat(l.TargetHF),
		EmergencyHF:          decimal.NewFromFloat(l.EmergencyHF),
		WarnHF:               decimal.NewFromFloat(l.WarnHF),
		MaxLeverage:          decimal.NewFromFloat(l.MaxLeverage),
		FundingFlipThreshold: decimal.NewFromFloat(l.FundingFlipThreshold),
		MinCarryAPY:          decimal.NewFromFloat(l.MinCarryAPY * 100),
		MaxPositionUSD:       decimal.NewFromFloat(l.MaxPositionUSD),
		DriftLimit:           decimal.NewFromFloat(cfg.Strategy.DriftLimit),
		RescueCooldown:       time.Duration(l.RescueCooldownSeconds) * time.Second,
	}, perp, lender, symbol, strings.TrimSuffix(symbol, quoteAsset), quoteAsset, logger)

	logger.Info("Leveraged carry controller enabled",
		"symbol", symbol, "perp", perp.GetName())
	return ctrl
}
