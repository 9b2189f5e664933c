// Package bootstrap assembles the decision core: configuration,
// logging, telemetry, and the dependency-injected component graph. All
// shared components are constructed here exactly once and passed by
// reference; nothing in the core reaches for process-wide state.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"decision_core/internal/arbiter"
	"decision_core/internal/budget"
	"decision_core/internal/bus"
	"decision_core/internal/config"
	"decision_core/internal/core"
	"decision_core/internal/correlation"
	"decision_core/internal/gatekeeper"
	"decision_core/internal/infrastructure/metrics"
	"decision_core/internal/ledger"
	"decision_core/internal/logging"
	"decision_core/internal/portfolio"
	"decision_core/internal/sizing"
	"decision_core/pkg/concurrency"
	"decision_core/pkg/telemetry"
)

// App holds the wired component graph for one decision core instance.
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Bus     *bus.SignalBus
	Ledger  *ledger.DecisionLedger
	Budget  *budget.Manager
	Manager *portfolio.Manager

	pool          *concurrency.WorkerPool
	metricsServer *metrics.Server
}

// NewApp loads configuration and builds the component graph, dependency
// leaves first.
// The executor and market data provider are external collaborators
// supplied by the host process.
func NewApp(configPath string, executor core.IExecutor, marketData core.IMarketDataProvider) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	totalCapital := decimal.NewFromFloat(cfg.Capital.TotalCapital)
	budgetManager, err := budget.NewManager(totalCapital, cfg.Capital.Allocations, logger)
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}

	tracker := correlation.NewTracker(cfg.Correlation, logger)
	gate := gatekeeper.NewIntegrator(cfg.Gatekeeper, logger)
	decisionLedger := ledger.NewDecisionLedger(cfg.Ledger.Capacity, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "resolve",
		MaxWorkers:  cfg.Concurrency.ResolvePoolSize,
		MaxCapacity: cfg.Concurrency.ResolvePoolBuffer,
	}, logger)

	signalBus := bus.NewSignalBus(
		arbiter.NewArbiter(cfg.Arbiter, gate, tracker, logger),
		pool,
		logger,
	)

	manager := portfolio.NewManager(cfg, portfolio.Deps{
		Bus:          signalBus,
		Ledger:       decisionLedger,
		Budget:       budgetManager,
		Sizer:        sizing.NewSizer(cfg.Sizing, totalCapital, logger),
		Correlations: tracker,
		Gatekeeper:   gate,
		Executor:     executor,
		MarketData:   marketData,
		Logger:       logger,
	})

	return &App{
		Cfg:           cfg,
		Logger:        logger,
		Bus:           signalBus,
		Ledger:        decisionLedger,
		Budget:        budgetManager,
		Manager:       manager,
		pool:          pool,
		metricsServer: metricsServer,
	}, nil
}

// Run drives the decision tick loop until a termination signal arrives,
// then exports the ledger for audit and shuts everything down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.metricsServer != nil {
		a.metricsServer.Start()
	}
	a.Logger.Info("Decision core starting",
		"tick_interval_ms", a.Cfg.System.TickIntervalMs,
		"families", a.Budget.Families())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tickLoop(ctx) })

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Decision core stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("Decision core stopped")
	return nil
}

func (a *App) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(a.Cfg.System.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	// Correlations are rebuilt far less often than decisions are made.
	recompute := time.NewTicker(time.Hour)
	defer recompute.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recompute.C:
			a.Manager.RecomputeCorrelations()
		case <-ticker.C:
			if _, err := a.Manager.RunTick(); err != nil {
				// A tick error is an invariant violation; stop loudly
				// rather than trade through a logic defect.
				return err
			}
		}
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cfg.Ledger.ExportPath != "" {
		if err := a.Ledger.Export(ctx, a.Cfg.Ledger.ExportPath); err != nil {
			a.Logger.Error("Ledger export on shutdown failed", "error", err.Error())
		}
	}
	a.Logger.Info("Stopping resolve pool", "stats", a.pool.Stats())
	a.pool.Stop()
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.Logger.Error("Metrics server shutdown failed", "error", err.Error())
		}
	}
}
