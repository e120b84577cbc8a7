package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/tipledger/internal/api"
	"github.com/example/tipledger/internal/config"
	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/cache"
	"github.com/example/tipledger/internal/ledger/memory"
	"github.com/example/tipledger/internal/ledger/postgres"
	"github.com/example/tipledger/internal/ledger/sqlite"
	"github.com/example/tipledger/internal/metrics"
	"github.com/example/tipledger/pkg/audit"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	if cfg.SeedAccounts > 0 {
		n, err := ledger.SeedAccounts(ctx, store, cfg.SeedPrefix, cfg.SeedAccounts, cfg.SeedBalance)
		if err != nil {
			return fmt.Errorf("failed to seed accounts: %w", err)
		}
		logger.Info("seeded accounts", "created", n, "prefix", cfg.SeedPrefix, "balance", cfg.SeedBalance.String())
	}

	m := metrics.New()
	chain := audit.NewChainLogger(cfg.AuditRetain)

	engine := ledger.NewEngine(store, cfg.Limits(),
		ledger.WithLogger(logger),
		ledger.WithObserver(m),
		ledger.WithAuditor(chain),
	)

	aggOpts := []ledger.AggregatorOption{ledger.WithAggregatorLogger(logger)}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, leaderboard cache will miss", "addr", cfg.RedisAddr, "error", err)
		}
		aggOpts = append(aggOpts, ledger.WithLeaderboardCache(
			&cache.RedisLeaderboard{Redis: redisClient, Prefix: "tipledger"},
			cfg.LeaderboardTTL,
		))
	}
	agg := ledger.NewAggregator(store, aggOpts...)

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Tips:         engine,
		Reader:       agg,
		Reconciler:   ledger.NewReconciler(store),
		AuditLog:     chain,
		Metrics:      m,
		Auditor:      chain,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("tipledger listening", "addr", cfg.Addr, "env", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("tipledger stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore picks the backend named by the database URL.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, io.Closer, error) {
	kind, target := cfg.StoreKind()
	logger.Info("opening store", "kind", kind)

	switch kind {
	case "postgres":
		pool, err := postgres.Connect(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool, postgres.WithPageSize(cfg.PageSize)), closerFunc(func() error {
			pool.Close()
			return nil
		}), nil
	case "sqlite":
		db, err := sqlite.Open(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.New(db, sqlite.WithPageSize(cfg.PageSize)), db, nil
	}
	logger.Warn("no database configured, state is kept in memory and lost on exit")
	return memory.New(), closerFunc(func() error { return nil }), nil
}
