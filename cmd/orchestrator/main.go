package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/avelsk/gatherd/internal/api"
	ckptapp "github.com/avelsk/gatherd/internal/app/checkpoint"
	chunkingapp "github.com/avelsk/gatherd/internal/app/chunking"
	"github.com/avelsk/gatherd/internal/app/reconcile"
	"github.com/avelsk/gatherd/internal/app/reporting"
	wfapp "github.com/avelsk/gatherd/internal/app/workflow"
	"github.com/avelsk/gatherd/internal/config"
	"github.com/avelsk/gatherd/internal/infra/eventbus/kafka"
	runnerkafka "github.com/avelsk/gatherd/internal/infra/runner/kafka"
	ckptmem "github.com/avelsk/gatherd/internal/infra/storage/checkpoint/memory"
	ckptpg "github.com/avelsk/gatherd/internal/infra/storage/checkpoint/postgres"
	chunkpg "github.com/avelsk/gatherd/internal/infra/storage/chunking/postgres"
	wfpg "github.com/avelsk/gatherd/internal/infra/storage/workflow/postgres"
	"github.com/avelsk/gatherd/pkg/common"
	"github.com/avelsk/gatherd/pkg/common/logger"
	"github.com/avelsk/gatherd/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":     svcName,
		"hostname":    hostname,
		"environment": cfg.Service.Environment,
		"app":         serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Service.OTELEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Service.OTELSamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.Service.Name)
	mp := otel.GetMeterProvider()

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	go serveDebug(ctx, cfg.Service.DebugAddr, logg)

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		logg.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "Migrations applied successfully. Starting application...")

	storeMetrics, err := ckptapp.NewStoreMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create checkpoint store metrics", "error", err)
		os.Exit(1)
	}
	orchestratorMetrics, err := wfapp.NewOrchestratorMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create orchestrator metrics", "error", err)
		os.Exit(1)
	}
	engineMetrics, err := reconcile.NewEngineMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create reconciliation metrics", "error", err)
		os.Exit(1)
	}
	publisherMetrics, err := kafka.NewPublisherMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create publisher metrics", "error", err)
		os.Exit(1)
	}
	runnerMetrics, err := runnerkafka.NewRunnerMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create runner metrics", "error", err)
		os.Exit(1)
	}

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		logg.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	publisher, err := kafka.ConnectPublisher(&kafka.PublisherConfig{
		WorkflowTopic:   cfg.Kafka.WorkflowTopic,
		ChunkTopic:      cfg.Kafka.ChunkTopic,
		CheckpointTopic: cfg.Kafka.CheckpointTopic,
	}, kafkaClient, logg, publisherMetrics, tracer)
	if err != nil {
		logg.Error(ctx, "failed to connect kafka publisher", "error", err)
		os.Exit(1)
	}

	taskRunner, err := runnerkafka.NewRunner(kafkaClient, runnerkafka.Config{
		TaskTopic:   cfg.Kafka.TaskTopic,
		StatusTopic: cfg.Kafka.StatusTopic,
		GroupID:     cfg.Kafka.GroupID,
	}, logg, runnerMetrics, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create task runner", "error", err)
		os.Exit(1)
	}

	checkpointStore := ckptapp.NewStore(
		ckptmem.NewFastStore(),
		ckptpg.NewRecordStore(pool, tracer),
		ckptapp.StoreConfig{
			ActiveTTL:         cfg.Checkpoint.ActiveTTL,
			CompletedTTL:      cfg.Checkpoint.CompletedTTL,
			FailedTTL:         cfg.Checkpoint.FailedTTL,
			DegradedTTL:       cfg.Checkpoint.DegradedTTL,
			CompressThreshold: cfg.Checkpoint.CompressThreshold,
			RetryQueueSize:    cfg.Checkpoint.RetryQueueSize,
		},
		logg, tracer, storeMetrics,
	)

	chunkRepo := chunkpg.NewChunkStore(pool, tracer)
	chunkingService := chunkingapp.NewService(chunkRepo, publisher, logg, tracer,
		chunkingapp.WithMaxRetries(cfg.Chunking.MaxRetries))

	workflowRepo := wfpg.NewWorkflowStore(pool, tracer)
	taskRepo := wfpg.NewTaskStore(pool, tracer)
	orchestrator := wfapp.NewOrchestrator(workflowRepo, taskRepo, publisher,
		logg, tracer, orchestratorMetrics,
		wfapp.WithMaxConcurrent(cfg.Workflow.MaxConcurrent),
		wfapp.WithRetryBackoff(cfg.Workflow.RetryBaseDelay, cfg.Workflow.RetryMaxDelay),
	)

	reconcileEngine := reconcile.NewEngine(
		checkpointStore, chunkRepo, taskRunner, publisher,
		reconcile.Config{
			StalenessThreshold: cfg.Reconciliation.StalenessThreshold,
			MaxChunkRetries:    cfg.Reconciliation.MaxChunkRetries,
			RunnerRPS:          cfg.Reconciliation.RunnerRPS,
			RunnerBurst:        cfg.Reconciliation.RunnerBurst,
		},
		logg, tracer, engineMetrics,
	)

	reportingService := reporting.NewService(
		chunkingService, checkpointStore, workflowRepo, reconcileEngine, logg, tracer)

	apiServer := &http.Server{
		Addr:         cfg.Service.APIAddr,
		Handler:      api.NewServer(reportingService, orchestrator, logg, tracer).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logg.Info(ctx, "API server listening", "addr", cfg.Service.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := checkpointStore.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("checkpoint store: %w", err)
		}
	}()
	go func() {
		if err := taskRunner.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("task runner: %w", err)
		}
	}()

	logg.Info(ctx, "Orchestrator initialized")
	ready.Store(true)

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "Failed to shut down API server", "error", err)
		}
		if err := publisher.Close(); err != nil {
			logg.Error(shutdownCtx, "Failed to close kafka publisher", "error", err)
		}
		if err := taskRunner.Close(); err != nil {
			logg.Error(shutdownCtx, "Failed to close task runner", "error", err)
		}

	case err := <-errCh:
		logg.Error(ctx, "Background component error", "error", err)
		os.Exit(1)
	}
}

// serveDebug exposes pprof and runtime visualization on a loopback-friendly
// listener separate from the health probes.
func serveDebug(ctx context.Context, addr string, logg *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := statsviz.Register(mux); err != nil {
		logg.Error(ctx, "failed to register statsviz", "error", err)
	}

	if err := http.ListenAndServe(addr, mux); err != nil {
		logg.Error(ctx, "debug server stopped", "error", err)
	}
}

// runMigrations applies all up migrations using a single connection borrowed
// from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
