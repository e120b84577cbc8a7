// Package config reads server settings from flags, TIPLEDGER_* environment
// variables and an optional plain config file, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peterbourgon/ff"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
)

const EnvPrefix = "TIPLEDGER"

// Config holds the application configuration.
type Config struct {
	Environment string
	Addr        string
	DatabaseURL string
	RedisAddr   string
	LogLevel    slog.Level

	MinTip           decimal.Decimal
	MaxTip           decimal.Decimal
	Precision        int
	MaxMessageLength int
	MaxRetries       int
	StorageTimeout   time.Duration

	LeaderboardTTL time.Duration
	PageSize       int
	MaxBodyBytes   int64
	AuditRetain    int

	// SeedAccounts > 0 creates that many funded accounts at startup.
	SeedAccounts int
	SeedPrefix   string
	SeedBalance  decimal.Decimal
}

// Parse builds a Config from args and the environment and validates it.
func Parse(args []string) (*Config, error) {
	defaults := ledger.DefaultLimits()
	c := &Config{}

	fs := flag.NewFlagSet("tipledger", flag.ContinueOnError)
	fs.StringVar(&c.Environment, "env", "development", "deployment environment: development, test, staging or production")
	fs.StringVar(&c.Addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres:// URL, sqlite:// URL or sqlite file path; empty keeps state in memory")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for the leaderboard cache; empty disables it")
	fs.TextVar(&c.LogLevel, "log-level", slog.LevelInfo, "log level: debug, info, warn or error")
	fs.TextVar(&c.MinTip, "min-tip", defaults.MinTip, "smallest tip amount")
	fs.TextVar(&c.MaxTip, "max-tip", defaults.MaxTip, "largest tip amount")
	fs.IntVar(&c.Precision, "precision", int(defaults.Precision), "decimal places allowed in a tip amount")
	fs.IntVar(&c.MaxMessageLength, "max-message-length", defaults.MaxMessageLength, "longest tip message in characters")
	fs.IntVar(&c.MaxRetries, "max-retries", defaults.MaxRetries, "retries of a storage step after a conflict")
	fs.DurationVar(&c.StorageTimeout, "storage-timeout", defaults.StorageTimeout, "deadline of a single storage step")
	fs.DurationVar(&c.LeaderboardTTL, "leaderboard-ttl", 5*time.Second, "how long a cached leaderboard is served")
	fs.IntVar(&c.PageSize, "page-size", 500, "ledger entries read per query when replaying an account")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<16, "largest accepted request body")
	fs.IntVar(&c.AuditRetain, "audit-retain", 1000, "audit entries kept in memory")
	fs.IntVar(&c.SeedAccounts, "seed-accounts", 0, "accounts to create at startup; existing ids are kept")
	fs.StringVar(&c.SeedPrefix, "seed-prefix", "seed", "id prefix of seeded accounts")
	fs.TextVar(&c.SeedBalance, "seed-balance", decimal.NewFromInt(100), "opening balance of seeded accounts")
	fs.String("config", "", "optional config file, one 'flag value' per line")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, EnvPrefix+"_ENV")
	}
	if c.Addr == "" {
		missing = append(missing, EnvPrefix+"_ADDR")
	}
	if c.Environment == "production" || c.Environment == "staging" {
		if c.DatabaseURL == "" {
			missing = append(missing, EnvPrefix+"_DATABASE_URL")
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	var problems []string
	if !c.MinTip.IsPositive() {
		problems = append(problems, "min-tip must be positive")
	}
	if c.MaxTip.LessThan(c.MinTip) {
		problems = append(problems, "max-tip must not be below min-tip")
	}
	if c.Precision < 0 || c.Precision > 18 {
		problems = append(problems, "precision must be between 0 and 18")
	} else if !c.MinTip.Round(int32(c.Precision)).Equal(c.MinTip) {
		problems = append(problems, "min-tip has more decimal places than precision allows")
	}
	if c.MaxMessageLength <= 0 {
		problems = append(problems, "max-message-length must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max-retries must not be negative")
	}
	if c.StorageTimeout <= 0 {
		problems = append(problems, "storage-timeout must be positive")
	}
	if c.PageSize <= 0 {
		problems = append(problems, "page-size must be positive")
	}
	if c.SeedAccounts < 0 {
		problems = append(problems, "seed-accounts must not be negative")
	}
	if c.SeedBalance.IsNegative() {
		problems = append(problems, "seed-balance must not be negative")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Limits returns the engine limits the configuration describes.
func (c *Config) Limits() ledger.Limits {
	return ledger.Limits{
		MinTip:           c.MinTip,
		MaxTip:           c.MaxTip,
		Precision:        int32(c.Precision),
		MaxMessageLength: c.MaxMessageLength,
		MaxRetries:       c.MaxRetries,
		StorageTimeout:   c.StorageTimeout,
	}
}

// StoreKind names the backend DatabaseURL selects: "memory", "postgres" or
// "sqlite". For sqlite the second value is the file path.
func (c *Config) StoreKind() (kind, target string) {
	switch {
	case c.DatabaseURL == "":
		return "memory", ""
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres", c.DatabaseURL
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	}
	return "sqlite", c.DatabaseURL
}
