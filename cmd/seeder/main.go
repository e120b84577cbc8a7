// Command seeder creates accounts with an opening balance so a fresh
// database can take tips. Account ids are seed-0000, seed-0001 and so on.
// Postgres is loaded with COPY; a sqlite file gets one insert per account
// and skips ids it already holds. An in-memory server seeds itself with
// tipledger -seed-accounts.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/postgres"
	"github.com/example/tipledger/internal/ledger/sqlite"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	fs := flag.NewFlagSet("seeder", flag.ExitOnError)
	var (
		dbURL   = fs.String("database-url", "", "postgres:// URL or sqlite file path")
		count   = fs.Int("accounts", 1000, "number of accounts to create")
		prefix  = fs.String("prefix", "seed", "account id prefix")
		balance decimal.Decimal
	)
	fs.TextVar(&balance, "balance", decimal.NewFromInt(100), "opening balance of each account")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("TIPLEDGER"), ff.WithIgnoreUndefined(true)); err != nil {
		logger.Error("failed to parse flags", "error", err)
		os.Exit(2)
	}
	if *dbURL == "" {
		logger.Error("database url is required")
		os.Exit(2)
	}

	ctx := context.Background()
	n, err := seed(ctx, *dbURL, *prefix, *count, balance)
	if err != nil {
		logger.Error("seeding failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seeded accounts", "count", n, "balance", balance.String())
}

func seed(ctx context.Context, dbURL, prefix string, count int, balance decimal.Decimal) (int64, error) {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		pool, err := postgres.Connect(ctx, dbURL)
		if err != nil {
			return 0, err
		}
		defer pool.Close()

		accounts := make([]ledger.NewAccount, count)
		for i := range accounts {
			accounts[i] = ledger.NewAccount{ID: ledger.SeedAccountID(prefix, i), OpeningBalance: balance}
		}
		return postgres.New(pool).BulkCreateAccounts(ctx, accounts)
	}

	db, err := sqlite.Open(ctx, strings.TrimPrefix(dbURL, "sqlite://"))
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n, err := ledger.SeedAccounts(ctx, sqlite.New(db), prefix, count, balance)
	return int64(n), err
}
