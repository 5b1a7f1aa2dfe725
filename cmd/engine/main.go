// Command engine launches the QuantBridge trading runtime: state store,
// event bus, accounting and order engines, risk and journal subscribers,
// strategies, and the configured market data feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/quantbridge/quantbridge/db/migrations"
	"github.com/quantbridge/quantbridge/internal/app/commission"
	"github.com/quantbridge/quantbridge/internal/app/execution"
	appjournal "github.com/quantbridge/quantbridge/internal/app/journal"
	"github.com/quantbridge/quantbridge/internal/app/orderengine"
	"github.com/quantbridge/quantbridge/internal/app/orderqueue"
	"github.com/quantbridge/quantbridge/internal/app/performance"
	"github.com/quantbridge/quantbridge/internal/app/position"
	"github.com/quantbridge/quantbridge/internal/app/risk"
	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/app/strategy/script"
	"github.com/quantbridge/quantbridge/internal/app/strategy/strategies"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/broker/paper"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
	"github.com/quantbridge/quantbridge/internal/infra/database"
	"github.com/quantbridge/quantbridge/internal/infra/feed"
	"github.com/quantbridge/quantbridge/internal/infra/persistence/migrations"
	"github.com/quantbridge/quantbridge/internal/infra/persistence/postgres"
	"github.com/quantbridge/quantbridge/internal/infra/statestore/memory"
	pgstate "github.com/quantbridge/quantbridge/internal/infra/statestore/postgres"
	"github.com/quantbridge/quantbridge/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	engineLoggerPrefix       = "engine "
	shutdownTimeout          = 30 * time.Second
	componentShutdownTimeout = 5 * time.Second
	busShutdownTimeout       = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := loadConfig(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, feed=%s, storage=%s",
		cfg.Environment, cfg.Feed.Source, cfg.Storage.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	store, pool, err := initStateStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise state store: %v", err)
	}

	bus := eventbus.NewMemoryBus(cfg.Bus.MemoryBusConfig())

	calc, err := commission.New(cfg.Commission)
	if err != nil {
		logger.Fatalf("initialise commission schedule: %v", err)
	}

	positions, err := position.NewManager(cfg.Position, bus, store, nil)
	if err != nil {
		logger.Fatalf("initialise position manager: %v", err)
	}
	if err := positions.Start(ctx); err != nil {
		logger.Fatalf("start position manager: %v", err)
	}

	queue := orderqueue.New(cfg.Queue, store, nil)

	broker, err := paper.New(cfg.Broker, bus, nil)
	if err != nil {
		logger.Fatalf("initialise paper broker: %v", err)
	}
	if err := broker.Start(ctx); err != nil {
		logger.Fatalf("start paper broker: %v", err)
	}

	orders, err := orderengine.NewEngine(cfg.Engine, bus, store, queue, broker, positions, calc, nil)
	if err != nil {
		logger.Fatalf("initialise order engine: %v", err)
	}
	if err := orders.Start(ctx); err != nil {
		logger.Fatalf("start order engine: %v", err)
	}

	executions, err := execution.NewManager(cfg.Execution, bus, store, calc, nil)
	if err != nil {
		logger.Fatalf("initialise execution manager: %v", err)
	}
	if err := executions.Start(ctx); err != nil {
		logger.Fatalf("start execution manager: %v", err)
	}

	perf := performance.NewTracker(cfg.Performance, bus, store, nil)
	if err := perf.Start(ctx); err != nil {
		logger.Fatalf("start performance tracker: %v", err)
	}

	guard, err := risk.NewManager(cfg.Risk, bus, nil)
	if err != nil {
		logger.Fatalf("initialise risk manager: %v", err)
	}
	if err := guard.Start(ctx); err != nil {
		logger.Fatalf("start risk manager: %v", err)
	}

	journalWriter := initJournal(ctx, logger, cfg, bus, pool, perf)

	strategyEngine, err := initStrategies(ctx, logger, cfg, bus, store)
	if err != nil {
		logger.Fatalf("initialise strategies: %v", err)
	}

	var lifecycle conc.WaitGroup
	if err := startFeed(ctx, cfg, bus, store, logger, &lifecycle); err != nil {
		logger.Fatalf("start feed: %v", err)
	}

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, shutdownPlan{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		strategies: strategyEngine,
		journal:    journalWriter,
		guard:      guard,
		perf:       perf,
		executions: executions,
		orders:     orders,
		broker:     broker,
		positions:  positions,
		bus:        bus,
		store:      store,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig reads the named file, falling back to defaults only when the
// operator did not name one and the default path is absent.
func loadConfig(ctx context.Context, flagValue string) (config.AppConfig, bool, error) {
	path := flagValue
	explicit := path != ""
	if !explicit {
		path = filepath.Clean(defaultConfigPath)
	}

	cfg, err := config.Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.DefaultAppConfig(), false, nil
	}
	return config.AppConfig{}, false, err
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.EnableMetrics != nil {
		telemetryCfg.EnableMetrics = *cfg.Telemetry.EnableMetrics
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initStateStore selects the configured backend. The pgx pool is returned
// alongside so the journal can share it; it is nil for the memory backend.
func initStateStore(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (statestore.Store, *pgxpool.Pool, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.Database.RunMigrations {
			if err := migrations.ApplyFS(ctx, cfg.Storage.Database.DSN, dbmigrations.Files, logger); err != nil {
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := database.Connect(ctx, cfg.Storage.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		postgres.ObservePoolMetrics(pool, "primary")
		logger.Printf("state store backed by postgres")
		return pgstate.New(pool), pool, nil
	default:
		logger.Printf("state store backed by memory")
		return memory.New(), nil, nil
	}
}

// initJournal wires the trade journal when a database pool is available.
// The memory profile trades without one.
func initJournal(ctx context.Context, logger *log.Logger, cfg config.AppConfig, bus eventbus.Bus, pool *pgxpool.Pool, perf *performance.Tracker) *appjournal.Writer {
	if pool == nil {
		logger.Printf("trade journal disabled: no database configured")
		return nil
	}
	writer := appjournal.NewWriter(cfg.Journal, bus, postgres.NewJournalStore(pool), perf, nil)
	if err := writer.Start(ctx); err != nil {
		logger.Printf("start trade journal: %v", err)
		return nil
	}
	return writer
}

func initStrategies(ctx context.Context, logger *log.Logger, cfg config.AppConfig, bus eventbus.Bus, store statestore.Store) (*strategy.Engine, error) {
	var modules strategy.ModuleSource
	if loader, err := script.NewLoader(cfg.Strategies.Directory, nil); err != nil {
		logger.Printf("scripted strategies unavailable: %v", err)
	} else {
		modules = loader
	}

	engine := strategy.NewEngine(cfg.Strategies, bus, store, modules, nil)
	if err := engine.Register(strategies.Definitions()...); err != nil {
		return nil, fmt.Errorf("register strategy catalog: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start strategy engine: %w", err)
	}
	return engine, nil
}

// startFeed launches the configured market data source. A drained source
// (replay reaching end of file) leaves the engine running so working
// orders and accounting can settle.
func startFeed(ctx context.Context, cfg config.AppConfig, bus eventbus.Bus, store statestore.Store, logger *log.Logger, lifecycle *conc.WaitGroup) error {
	publisher := feed.NewPublisher(cfg.Feed.Source, bus, store, nil)
	source, err := feed.New(cfg.Feed, publisher, nil)
	if err != nil {
		return err
	}
	lifecycle.Go(func() {
		if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("feed %s stopped: %v", source.Name(), err)
			return
		}
		logger.Printf("feed %s drained", source.Name())
	})
	logger.Printf("feed %s streaming %d symbols", source.Name(), len(cfg.Feed.Symbols))
	return nil
}

type shutdownPlan struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	strategies *strategy.Engine
	journal    *appjournal.Writer
	guard      *risk.Manager
	perf       *performance.Tracker
	executions *execution.Manager
	orders     *orderengine.Engine
	broker     *paper.Broker
	positions  *position.Manager
	bus        eventbus.Bus
	store      statestore.Store
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// performGracefulShutdown unwinds the runtime in reverse start order: feed
// first so no new work arrives, the bus last among event components so
// in-flight deliveries drain.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, plan shutdownPlan) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	closeStep := func(name string, fn func()) {
		shutdownStep(name, componentShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				fn()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	logger.Print("shutdown: cancelling main context")
	if plan.mainCancel != nil {
		plan.mainCancel()
	}
	if plan.lifecycle != nil {
		closeStep("waiting for feed", plan.lifecycle.Wait)
	}
	if plan.strategies != nil {
		closeStep("stopping strategies", plan.strategies.Close)
	}
	if plan.journal != nil {
		closeStep("stopping trade journal", plan.journal.Close)
	}
	if plan.guard != nil {
		closeStep("stopping risk manager", plan.guard.Close)
	}
	if plan.perf != nil {
		closeStep("stopping performance tracker", plan.perf.Close)
	}
	if plan.executions != nil {
		closeStep("stopping execution manager", plan.executions.Close)
	}
	if plan.orders != nil {
		closeStep("stopping order engine", plan.orders.Close)
	}
	if plan.broker != nil {
		closeStep("stopping paper broker", plan.broker.Close)
	}
	if plan.positions != nil {
		closeStep("stopping position manager", plan.positions.Close)
	}
	if plan.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				plan.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}
	if plan.store != nil {
		closeStep("closing state store", func() {
			if err := plan.store.Close(); err != nil {
				logger.Printf("close state store: %v", err)
			}
		})
	}
	if plan.pool != nil {
		closeStep("closing database pool", plan.pool.Close)
	}
	if plan.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, plan.telemetry.Shutdown)
	}
}
