// Command parley is the main entry point for the Parley group-chat
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/rag"
	"github.com/parley-ai/parley/internal/runtime"
	"github.com/parley-ai/parley/internal/secrets"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so everything below records against the real
	// providers.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parley"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	box, err := secrets.NewBox(cfg.Secrets.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialise secret box", "err", err)
		return 1
	}

	st, pool, err := store.Open(ctx, cfg.Database.URL, box)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer pool.Close()
	slog.Info("store ready")

	vectorPool, err := rag.Open(ctx, cfg.Database.VectorStoreURL)
	if err != nil {
		slog.Error("failed to open vector store", "err", err)
		return 1
	}
	defer vectorPool.Close()
	engine := rag.NewEngine(vectorPool, st)
	slog.Info("vector store ready")

	orch := orchestrator.New(st, engine,
		runtime.OpenAIProviderFactory(cfg.Orchestrator.LLMCallTimeout),
		orchestrator.Options{
			LLMCallTimeout:   cfg.Orchestrator.LLMCallTimeout,
			IdleEviction:     cfg.Orchestrator.SessionIdleEviction,
			MaxHistory:       cfg.Orchestrator.MaxHistoryPerRequest,
			SubscriberBuffer: cfg.Orchestrator.SubscriberBuffer,
			SchedulerSeed:    cfg.Orchestrator.SchedulerSeed,
			Logger:           logger,
		})
	defer orch.Close()

	checks := health.New(
		health.DatabaseChecker("database", pool),
		health.DatabaseChecker("vector_store", vectorPool),
	)

	srv := server.New(st, orch, engine,
		server.WithLogger(logger),
		server.WithHealth(checks),
		server.WithMetrics(metrics),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds a text slog.Logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
