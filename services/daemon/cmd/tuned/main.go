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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tuned/pkg/bus"
	"tuned/pkg/db"
	"tuned/pkg/s3"
	"tuned/pkg/telemetry"
	"tuned/services/api"
	"tuned/services/daemon/internal/config"
	"tuned/services/orchestrator"
	"tuned/services/runner"
	"tuned/services/trainer"
)

const runStreamName = "TUNED_RUNS"

func main() {
	if err := run("tuned"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := db.OpenORM(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	// Object storage and the bus are optional; the handlers that need them
	// answer 424 when they are absent.
	s3Client, err := s3.NewClientFromEnv()
	if err != nil {
		logger.Printf("WARN object storage disabled: %v", err)
		s3Client = nil
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(runStreamName, "tuned.runs.*"); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
	} else {
		logger.Printf("WARN TUNED_NATS_URL not set; run lifecycle events disabled")
	}

	registry := runner.SimulatedRegistry()
	if !cfg.Simulate {
		// Same recipes, but training must present real credentials.
		for _, name := range registry.Names() {
			rec, err := registry.Resolve(name)
			if err != nil {
				return err
			}
			rec.Offline = false
			if err := registry.Register(rec); err != nil {
				return err
			}
		}
	}

	creds, err := trainer.CredentialsFromEnv()
	if err != nil {
		return fmt.Errorf("load trainer credentials: %w", err)
	}

	executor := &runner.Executor{
		ORM:             orm,
		Credentials:     creds,
		Logger:          logger,
		MonitorInterval: cfg.MonitorInterval,
	}
	supervisor, err := runner.NewSupervisor(orm, eventBus, registry, executor, logger)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	if eventBus != nil {
		watcher, err := orchestrator.NewWatcher(orm, eventBus, logger)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watcher.Close()
	}

	apiLayer, err := api.New(&api.Store{
		DB:  pool,
		ORM: orm,
		S3:  s3Client,
		Bus: eventBus,
	}, supervisor, api.Config{
		DataDir:        cfg.DataDir,
		ArtifactBucket: cfg.ArtifactBucket,
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: middleware(mux),
	}

	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s (recipes: %v)", server.Addr, registry.Names())

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Cancel in-flight runs and wait for each to record a terminal status, so
	// restart recovery has nothing to clean up after a graceful stop.
	supervisor.CancelAll()
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := supervisor.Shutdown(graceCtx); err != nil {
		logger.Printf("WARN shutdown left runs unfinished: %v", err)
	}
	return nil
}
