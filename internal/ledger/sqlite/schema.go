package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		balance TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		total_sent_count INTEGER NOT NULL DEFAULT 0,
		total_received_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tips (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		idempotency_key TEXT NOT NULL,
		sender_id TEXT NOT NULL REFERENCES accounts(id),
		recipient_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'refunded')),
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		CHECK (sender_id <> recipient_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tips_idempotency_live ON tips(idempotency_key) WHERE status <> 'failed'`,
	`CREATE INDEX IF NOT EXISTS idx_tips_sender ON tips(sender_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tips_recipient ON tips(recipient_id, seq)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tip_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_tip ON ledger_entries(tip_id)`,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	return nil
}

// Open opens a SQLite database at path with settings suited to the store:
// one connection, WAL journal, foreign keys and a busy timeout.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
