// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/mkb/internal/api"
	"github.com/starford/mkb/internal/docservice"
	"github.com/starford/mkb/internal/index"
	"github.com/starford/mkb/internal/mkql"
	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/query"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/sse"
	"github.com/starford/mkb/internal/temporal"
	"github.com/starford/mkb/internal/vault"
)

// App bundles the wired core components for any entry point: the HTTP
// server, the one-shot CLI commands, and the MCP server.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Service  *docservice.Service
	Store    *index.Store
	Registry *schema.Registry
	Executor *query.Executor
}

// Close releases the index handle.
func (a *App) Close() error {
	return a.Store.Close()
}

// Bootstrap constructs the full core stack from configuration: schema
// registry, rejection log, temporal gate, vault, index, and query executor.
func Bootstrap(cfg *Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	registry, err := schema.Load(filepath.Join(cfg.Vault.Path, vault.SchemasDir))
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	rejectLog, err := temporal.NewRejectLog(filepath.Join(cfg.Vault.Path, vault.RejectDir))
	if err != nil {
		return nil, fmt.Errorf("init rejection log: %w", err)
	}

	profiles := cfg.Decay.Resolve()
	gate := temporal.NewGate(profiles, nil, rejectLog)

	fs, err := vault.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	v := vault.New(fs, gate, registry)

	dbPath := cfg.Index.Resolve(cfg.Vault.Path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	store, err := index.Open(dbPath, profiles)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	embedder := query.NewCachedEmbedder(query.MockEmbedder{})
	opts := mkql.DefaultOptions()
	opts.FTSAvailable = index.FTSEnabled()
	if cfg.Index.Guardrail > 0 {
		opts.Guardrail = cfg.Index.Guardrail
	}
	if cfg.Index.LinkDepthCap > 0 {
		opts.LinkDepthCap = cfg.Index.LinkDepthCap
	}
	executor := query.NewExecutor(store, registry, embedder, opts)

	svc := docservice.New(v, store, gate, registry, executor, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Service:  svc,
		Store:    store,
		Registry: registry,
		Executor: executor,
	}, nil
}

// NewLogger builds the process-wide structured JSON logger.
func NewLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Run starts the long-running server: initial sync, file watcher, embedding
// refresher, staleness sweeper, and the HTTP API.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := NewLogger(cfg.App.LogLevel)
	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("index_path", cfg.Index.Resolve(cfg.Vault.Path)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	core, err := Bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Service.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	apiRouter := api.NewRouter(core.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// File watcher keeps the index in lockstep with the vault.
	g.Go(func() error {
		if err := core.Service.Watch(gCtx, func(kind models.ChangeKind, path string) {
			broker.PublishDocumentEvent(string(kind), path)
		}); err != nil {
			logger.Error("watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Embedding refresher drains the dirty bits.
	refresher := query.NewRefresher(core.Store, query.NewCachedEmbedder(query.MockEmbedder{}))
	if cfg.Embedding.BatchSize > 0 {
		refresher.BatchSize = cfg.Embedding.BatchSize
	}
	if cfg.Embedding.FlushEvery != "" {
		if d, err := temporal.ParseDuration(cfg.Embedding.FlushEvery); err == nil && d != temporal.Never {
			refresher.FlushEvery = d
		}
	}
	g.Go(func() error {
		refresher.Run(gCtx)
		return nil
	})

	// Staleness sweeper.
	if cfg.GC.SweepInterval != "" {
		if interval, err := temporal.ParseDuration(cfg.GC.SweepInterval); err == nil && interval != temporal.Never {
			g.Go(func() error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-gCtx.Done():
						return nil
					case <-ticker.C:
						report, err := core.Store.SweepStale(gCtx, time.Now())
						if err != nil {
							logger.Warn("sweep failed", slog.String("error", err.Error()))
							continue
						}
						logger.Info("sweep complete",
							slog.Int("scanned", report.Scanned),
							slog.Int("stale", len(report.Stale)),
							slog.Int("archived", len(report.Archived)))
					}
				}
			})
		}
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
