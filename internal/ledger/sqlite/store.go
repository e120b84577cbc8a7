// Package sqlite stores the ledger in SQLite through database/sql. Every
// engine transfer runs inside one database transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
)

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.Transactor = (*Store)(nil)
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a ledger.Store over a *sql.DB, or over a *sql.Tx inside InTx.
type Store struct {
	db       *sql.DB
	q        querier
	pageSize int
	now      func() time.Time
}

type Option func(*Store)

// WithPageSize sets how many entries EntriesFor reads per query.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, q: db, pageSize: 500, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn against a store bound to a new transaction. Calls on a store
// already bound to a transaction join it.
func (s *Store) InTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	txStore := &Store{q: tx, pageSize: s.pageSize, now: s.now}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit transaction", err)
	}
	return nil
}

func wrap(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &ledger.ConflictError{Resource: "database", ID: op, Reason: se.Error()}
	}
	return &ledger.StorageError{Op: op, Err: err}
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `seq, id, balance, opening_balance, total_sent_count, total_received_count, version, active, created_at`

func scanAccount(row scanner) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.Seq, &a.ID, &a.Balance, &a.OpeningBalance,
		&a.TotalSentCount, &a.TotalReceivedCount, &a.Version, &a.Active, &a.CreatedAt)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, in ledger.NewAccount) (ledger.Account, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.OpeningBalance.IsNegative() {
		return ledger.Account{}, fmt.Errorf("opening balance of account %s is negative: %s", in.ID, in.OpeningBalance)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, opening_balance, created_at)
		VALUES (?, ?, ?, ?)
	`, in.ID, in.OpeningBalance.String(), in.OpeningBalance.String(), s.now().UTC())
	if err != nil {
		if isUnique(err) {
			return ledger.Account{}, &ledger.ConflictError{Resource: "account", ID: in.ID, Reason: "already exists"}
		}
		return ledger.Account{}, wrap("create account", err)
	}
	return s.GetAccount(ctx, in.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, &ledger.AccountNotFoundError{AccountID: id}
		}
		return ledger.Account{}, wrap("get account", err)
	}
	return acc, nil
}

func (s *Store) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (ledger.DeltaResult, error) {
	acc, err := s.GetAccount(ctx, req.AccountID)
	if err != nil {
		return ledger.DeltaResult{}, err
	}
	if acc.Version != req.ExpectedVersion {
		return ledger.DeltaResult{}, &ledger.ConflictError{Resource: "account", ID: req.AccountID, Reason: "version changed since read"}
	}
	before := acc.Balance
	after := before.Add(req.Amount)
	if after.IsNegative() {
		return ledger.DeltaResult{}, &ledger.InsufficientFundsError{AccountID: req.AccountID, Balance: before, Requested: req.Amount.Neg()}
	}

	sent, received := req.Counters()
	res, err := s.q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?,
			total_sent_count = total_sent_count + ?,
			total_received_count = total_received_count + ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, after.String(), sent, received, req.AccountID, req.ExpectedVersion)
	if err != nil {
		return ledger.DeltaResult{}, wrap("apply delta", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.DeltaResult{}, wrap("apply delta", err)
	}
	if n == 0 {
		return ledger.DeltaResult{}, &ledger.ConflictError{Resource: "account", ID: req.AccountID, Reason: "version changed during update"}
	}

	acc.Balance = after
	acc.Version++
	acc.TotalSentCount += sent
	acc.TotalReceivedCount += received
	return ledger.DeltaResult{Account: acc, Before: before}, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, wrap("list accounts", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list accounts", err)
	}
	return out, nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE accounts SET active = ?, version = version + 1
		WHERE id = ? AND active <> ?
	`, active, id, active)
	if err != nil {
		return wrap("set active", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap("set active", err)
	} else if n == 0 {
		_, err := s.GetAccount(ctx, id)
		return err
	}
	return nil
}

const entryColumns = `seq, id, account_id, tip_id, direction, amount, balance_before, balance_after, created_at`

func scanEntry(row scanner) (ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(&e.Seq, &e.ID, &e.AccountID, &e.TipID, &e.Direction,
		&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
	return e, err
}

func (s *Store) Append(ctx context.Context, e ledger.Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, tip_id, direction, amount, balance_before, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.TipID, string(e.Direction), e.Amount.String(),
		e.BalanceBefore.String(), e.BalanceAfter.String(), e.CreatedAt)
	if err != nil {
		return "", wrap("append entry", err)
	}
	return e.ID, nil
}

// EntriesFor pages through the account's entries by seq. No cursor stays
// open while the caller runs.
func (s *Store) EntriesFor(ctx context.Context, accountID string) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		var after int64
		for {
			page, err := s.queryEntries(ctx, `
				SELECT `+entryColumns+` FROM ledger_entries
				WHERE account_id = ? AND seq > ?
				ORDER BY seq LIMIT ?
			`, accountID, after, s.pageSize)
			if err != nil {
				yield(ledger.Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *Store) EntriesForTip(ctx context.Context, tipID string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE tip_id = ? ORDER BY seq`, tipID)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("read entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("read entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("read entries", err)
	}
	return out, nil
}

const tipColumns = `id, idempotency_key, sender_id, recipient_id, amount, message, status, failure_reason, created_at, completed_at`

func scanTip(row scanner) (ledger.Tip, error) {
	var (
		t         ledger.Tip
		completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.SenderID, &t.RecipientID, &t.Amount,
		&t.Message, &t.Status, &t.FailureReason, &t.CreatedAt, &completed)
	if completed.Valid {
		at := completed.Time
		t.CompletedAt = &at
	}
	return t, err
}

func (s *Store) CreateTip(ctx context.Context, t ledger.Tip) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tips (id, idempotency_key, sender_id, recipient_id, amount, message, status, failure_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.IdempotencyKey, t.SenderID, t.RecipientID, t.Amount.String(),
		t.Message, string(t.Status), t.FailureReason, t.CreatedAt, t.CompletedAt)
	if err != nil {
		if isUnique(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return &ledger.ConflictError{Resource: "tip", ID: t.ID, Reason: "already exists"}
		}
		return wrap("create tip", err)
	}
	return nil
}

func (s *Store) UpdateTip(ctx context.Context, t ledger.Tip) error {
	cur, err := s.GetTip(ctx, t.ID)
	if err != nil {
		return err
	}
	if !ledger.CanTransition(cur.Status, t.Status) {
		return &ledger.InvalidStateTransitionError{TipID: t.ID, From: cur.Status, To: t.Status}
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE tips SET status = ?, failure_reason = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(t.Status), t.FailureReason, t.CompletedAt, t.ID, string(cur.Status))
	if err != nil {
		return wrap("update tip", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap("update tip", err)
	} else if n == 0 {
		return &ledger.ConflictError{Resource: "tip", ID: t.ID, Reason: "status changed during update"}
	}
	return nil
}

func (s *Store) getTip(ctx context.Context, where string, args ...any) (ledger.Tip, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+tipColumns+` FROM tips WHERE `+where, args...)
	t, err := scanTip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Tip{}, ledger.ErrTipNotFound
		}
		return ledger.Tip{}, wrap("get tip", err)
	}
	return t, nil
}

func (s *Store) GetTip(ctx context.Context, id string) (ledger.Tip, error) {
	return s.getTip(ctx, `id = ?`, id)
}

func (s *Store) GetTipByIdempotencyKey(ctx context.Context, key string) (ledger.Tip, error) {
	return s.getTip(ctx, `idempotency_key = ? AND status <> 'failed' ORDER BY seq DESC LIMIT 1`, key)
}

func (s *Store) ListTips(ctx context.Context, f ledger.TipFilter) ([]ledger.Tip, error) {
	where := `(sender_id = ? OR recipient_id = ?)`
	args := []any{f.AccountID, f.AccountID}
	switch f.Direction {
	case ledger.Sent:
		where, args = `sender_id = ?`, []any{f.AccountID}
	case ledger.Received:
		where, args = `recipient_id = ?`, []any{f.AccountID}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, `SELECT `+tipColumns+` FROM tips WHERE `+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, wrap("list tips", err)
	}
	defer rows.Close()

	var out []ledger.Tip
	for rows.Next() {
		t, err := scanTip(rows)
		if err != nil {
			return nil, wrap("list tips", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tips", err)
	}
	return out, nil
}

// CountTips sums in Go since amounts are stored as text.
func (s *Store) CountTips(ctx context.Context) (int64, decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT amount FROM tips WHERE status = 'completed'`)
	if err != nil {
		return 0, decimal.Zero, wrap("count tips", err)
	}
	defer rows.Close()

	var (
		n     int64
		total = decimal.Zero
	)
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return 0, decimal.Zero, wrap("count tips", err)
		}
		n++
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return 0, decimal.Zero, wrap("count tips", err)
	}
	return n, total, nil
}
