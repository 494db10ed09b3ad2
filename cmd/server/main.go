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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/potshot/pool-engine/internal/api"
	"github.com/potshot/pool-engine/internal/config"
	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/logging"
	"github.com/potshot/pool-engine/internal/market"
	"github.com/potshot/pool-engine/internal/metrics"
	"github.com/potshot/pool-engine/internal/session"
	"github.com/potshot/pool-engine/internal/settlement"
	"github.com/potshot/pool-engine/internal/stake"
)

func main() {
	os.Exit(start(os.Args[1:]))
}

// start returns the process exit code, so deferred cleanup such as flushing
// the log file runs before the process exits.
func start(args []string) int {
	fs := flag.NewFlagSet("pool-engine", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to TOML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("pool-engine exited", "err", err)
		return 1
	}
	fmt.Println("pool-engine stopped")
	return 0
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	client := kv.NewClient(st, kv.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
	})

	// --- Core ---
	ldg := ledger.New(client)
	markets := market.NewRegistry(client)
	stakes := stake.NewBook(client, ldg, markets)
	engine := settlement.NewEngine(markets, stakes, ldg)
	sessions := session.NewManager(client, ldg, session.UUIDProvider{}, session.Options{
		StartingBalance: cfg.Game.StartingBalance,
		AdminNames:      cfg.Game.AdminNames,
		AdminToken:      cfg.Game.AdminToken,
	})

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(sessions, markets, ldg, engine, api.WSOptions{
		AllowedOrigins: cfg.Server.CORSOrigins,
		Watcher: settlement.WatcherOptions{
			SweepInterval: cfg.Game.SweepInterval.Duration,
			SettleTimeout: cfg.Game.SettleTimeout.Duration,
		},
	})

	svc := api.NewService(sessions, markets, stakes, ldg, engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine","store":"` + cfg.Store.Backend + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The socket is long-lived, so it sits outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			svc.Routes(r, nil)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("pool-engine listening", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pool-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "err", err)
		}
		if err := wsHub.Shutdown(shutdownCtx); err != nil {
			slog.Error("ws shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// openStore builds the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pcfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pcfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		st := kv.NewPostgresStore(pool)
		if cfg.Postgres.RunMigration {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		slog.Info("connected to PostgreSQL")
		return st, nil

	case "redis":
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("connected to Redis")
		return kv.NewRedisStore(rdb), nil

	case "badger":
		st, err := kv.OpenBadger(kv.BadgerOptions{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return nil, err
		}
		slog.Info("opened Badger store", "dir", cfg.Badger.Dir, "in_memory", cfg.Badger.InMemory)
		return st, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return kv.NewMemoryStore(), nil
	}
}

// cors answers preflight requests and sets the allow headers for the
// configured origins.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.UserHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
