package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/ledgertest"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ledger.ErrorKind
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ledger.KindConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ledger.KindConflict},
		{"check violation", &pgconn.PgError{Code: "23514"}, ledger.KindStorage},
		{"network", errors.New("connection reset"), ledger.KindStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("apply delta", tt.err)
			assert.Equal(t, tt.want, ledger.KindOf(err))
			assert.True(t, ledger.IsTransient(err))
		})
	}
}

func TestUniqueViolation(t *testing.T) {
	constraint, ok := uniqueViolation(&pgconn.PgError{Code: "23505", ConstraintName: idempotencyIndex})
	assert.True(t, ok)
	assert.Equal(t, idempotencyIndex, constraint)

	_, ok = uniqueViolation(&pgconn.PgError{Code: "23503"})
	assert.False(t, ok)
}

func TestNumericRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.01", "10000", "123.45", "-2.50"} {
		d := ledgertest.D(s)
		assert.True(t, d.Equal(fromNumeric(numeric(d))), s)
	}
}

// TestStoreSuite runs against a real database when
// TIPLEDGER_TEST_DATABASE_URL is set. Each test starts from empty tables.
func TestStoreSuite(t *testing.T) {
	url := os.Getenv("TIPLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TIPLEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	suite.Run(t, &ledgertest.Suite{NewStore: func(t *testing.T) ledger.Store {
		_, err := pool.Exec(ctx, `TRUNCATE ledger_entries, tips, accounts RESTART IDENTITY`)
		require.NoError(t, err)
		return New(pool, WithPageSize(2))
	}})
}

func TestBulkCreateAccounts(t *testing.T) {
	url := os.Getenv("TIPLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TIPLEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx, `TRUNCATE ledger_entries, tips, accounts RESTART IDENTITY`)
	require.NoError(t, err)

	s := New(pool)
	n, err := s.BulkCreateAccounts(ctx, []ledger.NewAccount{
		{ID: "alice", OpeningBalance: ledgertest.D("100.50")},
		{ID: "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	alice, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("100.50").Equal(alice.Balance))
	assert.True(t, alice.Active)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}
