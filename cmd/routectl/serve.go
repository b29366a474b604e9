package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/db"
	"github.com/Kocoro-lab/taskrouter/internal/health"
	"github.com/Kocoro-lab/taskrouter/internal/httpapi"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/orchestration"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
	"github.com/Kocoro-lab/taskrouter/internal/tracing"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the routing and run API over HTTP",
	Long: `Serves /v1/analyze, /v1/decide and /v1/runs with SSE and websocket run
streams, /metrics and /health. Runs use the echo caller; no provider is
contacted. With registry.watch the model registry is reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()
	}

	pool, err := agents.LoadFile(cfg.Registry.AgentsPath)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	current, closeRegistry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry()

	engine, err := newEngine()
	if err != nil {
		return err
	}

	checks := health.NewManager(cfg.Server.HealthTimeout, logger)
	_ = checks.Register(health.NewRegistryChecker(current))

	mgr := streaming.NewManager(cfg.Streaming.Capacity)
	publisher, redisClient, closePublisher := newPublisher(mgr)
	defer closePublisher()
	if redisClient != nil {
		_ = checks.Register(health.NewRedisChecker(redisClient, false))
	}

	opts := []orchestration.Option{
		orchestration.WithLogger(logger),
		orchestration.WithPublisher(publisher),
	}
	apiOpts := []httpapi.Option{httpapi.WithLogger(logger), httpapi.WithBaseContext(ctx)}
	if cfg.Archive.Enabled {
		archive, err := db.Open(ctx, cfg.Archive.Config, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, orchestration.WithArchive(archive))
		apiOpts = append(apiOpts, httpapi.WithRunStore(archive))
		_ = checks.Register(health.NewDatabaseChecker(archive))
	}

	ocfg := cfg.Orchestration
	if ocfg.SynthesizerID == "" {
		ocfg.SynthesizerID = cfg.Routing.SynthesizerID
	}
	executor := orchestration.NewExecutor(newCaller(orchestration.EchoCaller{}), ocfg, opts...)

	api := httpapi.NewServer(engine, executor, pool, current, mgr, apiOpts...)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	health.NewHTTPHandler(checks, logger).RegisterRoutes(mux)

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	// No write timeout: event streams stay open for the life of a run
	server := &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP API shutdown failed", zap.Error(err))
	}
	api.Wait()
	return nil
}

func withCORS(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}).Handler(h)
}

// openRegistry returns the snapshot accessor; with registry.watch the
// snapshot follows the file
func openRegistry(ctx context.Context) (func() *models.Registry, func(), error) {
	if !cfg.Registry.Watch {
		reg, err := models.LoadFile(cfg.Registry.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load models: %w", err)
		}
		return func() *models.Registry { return reg }, func() {}, nil
	}
	w, err := models.NewWatcher(cfg.Registry.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load models: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, nil, err
	}
	return w.Current, func() { _ = w.Close() }, nil
}
