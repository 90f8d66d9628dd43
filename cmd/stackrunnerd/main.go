// Command stackrunnerd is the processor daemon: it wires the task catalog,
// stack engine/store, subprocess runner, request queue, cascade engine, and
// control flag together, runs a pool of processor workers, serves the
// submission surface over HTTP, and shuts down cleanly on SIGTERM/SIGINT.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sourcegraph/conc/pool"

	"stackrunner/internal/cascade"
	"stackrunner/internal/catalog"
	"stackrunner/internal/config"
	"stackrunner/internal/controlflag"
	"stackrunner/internal/logging"
	"stackrunner/internal/metrics"
	"stackrunner/internal/processor"
	"stackrunner/internal/requestqueue"
	"stackrunner/internal/stack"
	"stackrunner/internal/submission"
	"stackrunner/internal/subprocess"
	"stackrunner/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "Path to a stackrunnerd config file (YAML)")
	flag.Parse()

	logger := logging.New("stackrunnerd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stackrunnerd exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	tp, err := tracing.NewProvider(ctx, "stackrunnerd", "")
	if err != nil {
		logger.Error("tracing disabled, continuing without a provider: %v", err)
	} else {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	cat, err := catalog.New(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	stackStore, err := stack.OpenSQLiteStore(cfg.StackDBPath)
	if err != nil {
		return fmt.Errorf("open stack store: %w", err)
	}
	if err := stackStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure stack schema: %w", err)
	}

	flagDB, err := sql.Open("sqlite3", cfg.ControlFlagDBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open control flag db: %w", err)
	}
	defer flagDB.Close()
	killSwitch := controlflag.New(flagDB)
	if err := killSwitch.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure control flag schema: %w", err)
	}

	requests, err := requestqueue.NewAdapter(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cat)
	if err != nil {
		return fmt.Errorf("connect request queue: %w", err)
	}
	defer requests.Close(context.Background())
	if err := requests.EnsureConstraints(ctx); err != nil {
		return fmt.Errorf("ensure request queue constraints: %w", err)
	}

	cascadeStore, err := cascade.OpenStore(cfg.CascadeDBPath)
	if err != nil {
		return fmt.Errorf("open cascade store: %w", err)
	}
	if err := cascadeStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure cascade schema: %w", err)
	}
	cascadeEng := cascade.NewEngine(cascadeStore, requests)
	stopSweep, err := cascadeEng.Start(ctx, cfg.CascadeCronExpr)
	if err != nil {
		return fmt.Errorf("start cascade sweep: %w", err)
	}
	defer stopSweep()

	runner := subprocess.NewProcessRunner("")
	m := metrics.New()

	workerPool := pool.New().WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := cfg.WorkerID
		if cfg.WorkerCount > 1 {
			workerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
		}
		workerCfg := processor.Config{
			WorkerID:       workerID,
			PollInterval:   cfg.PollInterval,
			MaxPollBackoff: cfg.MaxPollBackoff,
			ShutdownGrace:  cfg.ShutdownGrace,
		}
		worker := processor.NewWorker(workerCfg, requests, stackStore, cat, runner, killSwitch, cascadeEng, m)
		workerPool.Go(func(ctx context.Context) error { return worker.Run(ctx) })
	}

	svc := submission.NewService(requests, stackStore, cat)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: submission.NewRouter(svc)}
	go func() {
		logger.Info("submission surface listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return workerPool.Wait()
}
