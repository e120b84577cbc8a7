package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const idempotencyIndex = "idx_tips_idempotency_live"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		balance NUMERIC NOT NULL CHECK (balance >= 0),
		opening_balance NUMERIC NOT NULL CHECK (opening_balance >= 0),
		total_sent_count BIGINT NOT NULL DEFAULT 0,
		total_received_count BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tips (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		sender_id TEXT NOT NULL REFERENCES accounts(id),
		recipient_id TEXT NOT NULL REFERENCES accounts(id),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'refunded')),
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		CHECK (sender_id <> recipient_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + idempotencyIndex + ` ON tips(idempotency_key) WHERE status <> 'failed'`,
	`CREATE INDEX IF NOT EXISTS idx_tips_sender ON tips(sender_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tips_recipient ON tips(recipient_id, seq)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tip_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		balance_before NUMERIC NOT NULL,
		balance_after NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_tip ON ledger_entries(tip_id)`,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	return nil
}

// Connect opens a pool against url and applies migrations.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
