package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/narivals/rivals-ledger/internal/api"
	"github.com/narivals/rivals-ledger/internal/award"
	"github.com/narivals/rivals-ledger/internal/bot"
	"github.com/narivals/rivals-ledger/internal/challonge"
	"github.com/narivals/rivals-ledger/internal/config"
	"github.com/narivals/rivals-ledger/internal/events"
	"github.com/narivals/rivals-ledger/internal/ledger"
	"github.com/narivals/rivals-ledger/internal/metrics"
	"github.com/narivals/rivals-ledger/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when a token is configured, the Discord bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Event sinks ---
	hub := events.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	cleanup = append(cleanup, stopHub)

	sinks := events.Fanout{hub}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pub.Close)
		sinks = append(sinks, pub)
		slog.Info("publishing ledger events to NATS", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	// --- Ledger and awards ---
	svc := ledger.NewService(st, sinks, cfg.Store.Timeout)
	if err := svc.SeedMetrics(ctx); err != nil {
		return fmt.Errorf("load market: %w", err)
	}

	if cfg.Challonge.APIKey == "" {
		slog.Warn("challonge.api_key not set, award requests will be rejected by the bracket service")
	}
	awarder := award.NewAwarder(challonge.NewClient(cfg.Challonge), svc, cfg.Award.Concurrency)
	cleanup = append(cleanup, awarder.Close)

	// --- Discord bot ---
	if cfg.Discord.Token != "" {
		botCfg := cfg.Discord.Config
		botCfg.Version = version
		session, err := bot.NewSession(cfg.Discord.Token, bot.NewDispatcher(svc, awarder, botCfg), botCfg.LinksChannel)
		if err != nil {
			return err
		}
		if err := session.Open(); err != nil {
			return err
		}
		cleanup = append(cleanup, func() {
			if err := session.Close(); err != nil {
				slog.Error("discord close error", "err", err)
			}
		})
		slog.Info("discord bot connected", "channels", botCfg.Channels)
	} else {
		slog.Warn("discord.token not set, running HTTP API only")
	}

	if cfg.Server.AdminAPIKey == "" {
		slog.Warn("server.admin_api_key not set, admin endpoints are disabled")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newRouter(cfg, hub, api.NewHandler(svc, awarder, cfg.Server.AdminAPIKey)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rivals ledger listening", "addr", srv.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rivals ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func newRouter(cfg *config.Config, hub *events.Hub, h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"rivals-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route sits outside the timeout middleware.
	r.Get("/api/v1/ws", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		h.Routes(r)
	})
	return r
}

// cors allows the dashboard frontend to call the API cross-origin.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.APIKeyHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// openStore builds the configured backend, optionally fronted by the Redis
// cache. The returned func releases its resources.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Store.AutoMigrate {
			if err := store.MigratePostgres(cfg.Database.URL, false); err != nil {
				return nil, nil, err
			}
		}
		pool, err := store.ConnectPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case config.BackendSQLite:
		sq, err := store.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := sq.Close(); err != nil {
				slog.Error("sqlite close error", "err", err)
			}
		})
		st = sq
		slog.Info("opened SQLite store", "path", cfg.SQLite.Path)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			closeAll()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
	}
	return st, closeAll, nil
}
