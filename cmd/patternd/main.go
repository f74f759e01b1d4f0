// Patternd is the learned-pattern governance daemon.
//
// It consumes pattern observations and injection outcomes from NATS,
// maintains rolling reliability metrics, promotes and demotes patterns
// through their lifecycle, and serves the read-side query API over HTTP.
//
// Configuration is loaded from a YAML file and environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	patternd
//
//	# Configure via file and environment
//	SERVER_HTTP_PORT=9290 patternd -config /etc/patternd/config.yaml
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

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/evaluator"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/feedback"
	"github.com/fyrsmithlabs/patternd/internal/forecast"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/rolling"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  patternd           Start the patternd daemon\n")
			fmt.Fprintf(os.Stderr, "  patternd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("patternd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled.
//
// Initialization order: config, logger, stores, NATS, tracker seeding,
// evaluators, worker pool, event consumer, HTTP server. Shutdown reverses
// it via the deps Close.
func run(ctx context.Context, configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting patternd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("pattern_db", cfg.Storage.PatternDBPath),
		zap.Bool("nats_enabled", cfg.NATS.URL != ""))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	srv, err := server.New(server.Deps{
		Config:   cfg,
		Store:    deps.patternStore,
		Feedback: deps.feedbackSvc,
		Promoter: deps.promoter,
		Demoter:  deps.demoter,
		Forecast: deps.estimator,
		Gatherer: deps.registry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := deps.pool.Start(ctx); err != nil {
		return fmt.Errorf("starting evaluation pool: %w", err)
	}
	defer deps.pool.Stop()

	logger.Info("Daemon configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Int("evaluator_workers", cfg.Evaluator.Workers))

	return srv.Start(ctx)
}

// dependencies holds the daemon's infrastructure and services.
type dependencies struct {
	registry     *prometheus.Registry
	patternStore *store.SQLiteStore
	idemStore    events.IdempotencyStore
	natsConn     *nats.Conn
	consumer     *events.Consumer
	tracker      *rolling.Tracker
	promoter     *evaluator.Promoter
	demoter      *evaluator.Demoter
	pool         *evaluator.Pool
	feedbackSvc  feedback.Service
	estimator    *forecast.Estimator
	logger       *zap.Logger
}

// Close releases resources in reverse initialization order.
func (d *dependencies) Close() {
	if d.consumer != nil {
		if err := d.consumer.Close(); err != nil {
			d.logger.Warn("draining event subscriptions", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.idemStore != nil {
		if err := d.idemStore.Close(); err != nil {
			d.logger.Warn("closing idempotency store", zap.Error(err))
		}
	}
	if d.patternStore != nil {
		if err := d.patternStore.Close(); err != nil {
			d.logger.Warn("closing pattern store", zap.Error(err))
		}
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &dependencies{registry: registry, logger: logger}

	patternStore, err := store.NewSQLiteStore(cfg.Storage.PatternDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening pattern store: %w", err)
	}
	d.patternStore = patternStore

	badgerCfg := events.DefaultBadgerConfig(cfg.Storage.IdempotencyDBPath)
	if ttl := cfg.Storage.IdempotencyTTL.Duration(); ttl > 0 {
		badgerCfg.TTL = ttl
	}
	idemStore, err := events.NewBadgerIdempotencyStore(badgerCfg)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("opening idempotency store: %w", err)
	}
	d.idemStore = idemStore

	d.feedbackSvc, err = feedback.NewSQLiteService(patternStore.DB(), logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating feedback service: %w", err)
	}

	d.tracker = rolling.NewTracker(registry)
	d.estimator = forecast.NewEstimator()
	if err := seedTracker(ctx, patternStore, d.tracker); err != nil {
		d.Close()
		return nil, fmt.Errorf("seeding reliability tracker: %w", err)
	}

	retryCfg := evaluator.RetryConfig{
		MaxRetries:        cfg.Evaluator.Retry.MaxRetries,
		InitialBackoff:    cfg.Evaluator.Retry.InitialBackoff.Duration(),
		MaxBackoff:        cfg.Evaluator.Retry.MaxBackoff.Duration(),
		BackoffMultiplier: cfg.Evaluator.Retry.BackoffMultiplier,
	}
	evalMetrics := evaluator.NewMetrics(registry)

	var publisher events.Publisher
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.natsConn = nc
		publisher, err = events.NewNATSPublisher(nc)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating publisher: %w", err)
		}
	} else {
		// API-only mode: transitions are recorded but not announced.
		logger.Warn("NATS URL empty, running API-only without event streams")
		publisher = events.NewMemoryPublisher()
	}

	d.promoter, err = evaluator.NewPromoter(patternStore, d.tracker, publisher, logger,
		cfg.Evaluator.Thresholds, retryCfg, evalMetrics)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating promoter: %w", err)
	}
	d.demoter, err = evaluator.NewDemoter(patternStore, d.tracker, publisher, logger,
		cfg.Evaluator.Thresholds, retryCfg, evalMetrics)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating demoter: %w", err)
	}

	d.pool, err = evaluator.NewPool(d.promoter, d.demoter, patternStore, logger,
		evaluator.WithWorkers(cfg.Evaluator.Workers),
		evaluator.WithScanInterval(cfg.Evaluator.ScanInterval.Duration()))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating evaluation pool: %w", err)
	}

	if d.natsConn != nil {
		d.consumer, err = events.NewConsumer(patternStore, d.tracker, idemStore, d.demoter.Disable, logger,
			events.WithEnqueue(d.pool.Enqueue),
			events.WithSampler(d.estimator.Observe),
			events.WithConsumerMetrics(registry))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating consumer: %w", err)
		}
		if err := d.consumer.Subscribe(d.natsConn); err != nil {
			d.Close()
			return nil, fmt.Errorf("subscribing consumer: %w", err)
		}
	}

	return d, nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(1*time.Second),
		nats.Timeout(cfg.NATS.RequestTimeout.Duration()),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	return nc, nil
}

// seedTracker rebuilds in-memory reliability state from persisted rows
// after a restart. The run count is approximated by the rolling window
// occupancy: the window bound caps it, which only makes the EMA adapt
// faster until fresh evidence accumulates.
func seedTracker(ctx context.Context, s store.PatternStore, tracker *rolling.Tracker) error {
	offset := 0
	for {
		page, err := s.List(ctx, store.ListFilter{
			CurrentOnly: true,
			Limit:       store.MaxListLimit,
			Offset:      offset,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, rec := range page {
			tracker.Seed(rec.ID, rec.Rolling.Reliability, rec.Rolling.InjectionCount)
		}
		offset += len(page)
	}
}
