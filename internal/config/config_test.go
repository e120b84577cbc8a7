package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, slog.LevelInfo, c.LogLevel)

	limits := c.Limits()
	assert.True(t, decimal.RequireFromString("0.01").Equal(limits.MinTip))
	assert.True(t, decimal.RequireFromString("10000").Equal(limits.MaxTip))
	assert.Equal(t, int32(2), limits.Precision)
	assert.Equal(t, 256, limits.MaxMessageLength)

	kind, _ := c.StoreKind()
	assert.Equal(t, "memory", kind)
}

func TestParseFromEnvAndFlags(t *testing.T) {
	t.Setenv("TIPLEDGER_DATABASE_URL", "sqlite:///var/lib/tipledger.db")
	t.Setenv("TIPLEDGER_MAX_TIP", "500.50")
	t.Setenv("TIPLEDGER_LOG_LEVEL", "debug")
	t.Setenv("TIPLEDGER_STORAGE_TIMEOUT", "250ms")

	c, err := Parse([]string{"-max-tip", "25", "-addr", "127.0.0.1:9000"})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("25").Equal(c.MaxTip), "flags win over the environment")
	assert.Equal(t, "127.0.0.1:9000", c.Addr)
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
	assert.Equal(t, 250*time.Millisecond, c.StorageTimeout)

	kind, target := c.StoreKind()
	assert.Equal(t, "sqlite", kind)
	assert.Equal(t, "/var/lib/tipledger.db", target)
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tipledger.conf")
	require.NoError(t, os.WriteFile(path, []byte("database-url postgres://ledger@db/tips\nprecision 0\nmin-tip 1\n"), 0o600))

	c, err := Parse([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Precision)
	kind, target := c.StoreKind()
	assert.Equal(t, "postgres", kind)
	assert.Equal(t, "postgres://ledger@db/tips", target)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"production needs a database", []string{"-env", "production"}, "TIPLEDGER_DATABASE_URL"},
		{"empty address", []string{"-addr", ""}, "TIPLEDGER_ADDR"},
		{"zero min tip", []string{"-min-tip", "0"}, "min-tip must be positive"},
		{"inverted bounds", []string{"-min-tip", "5", "-max-tip", "1"}, "max-tip must not be below min-tip"},
		{"min tip finer than precision", []string{"-precision", "1"}, "more decimal places"},
		{"bad timeout", []string{"-storage-timeout", "0s"}, "storage-timeout must be positive"},
		{"negative seed balance", []string{"-seed-accounts", "3", "-seed-balance", "-1"}, "seed-balance must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRejectsMalformedValues(t *testing.T) {
	_, err := Parse([]string{"-max-tip", "lots"})
	assert.Error(t, err)
}

func TestParseSeedSettings(t *testing.T) {
	t.Setenv("TIPLEDGER_SEED_ACCOUNTS", "25")

	c, err := Parse([]string{"-seed-balance", "12.50"})
	require.NoError(t, err)
	assert.Equal(t, 25, c.SeedAccounts)
	assert.Equal(t, "seed", c.SeedPrefix)
	assert.True(t, decimal.RequireFromString("12.5").Equal(c.SeedBalance))
}
