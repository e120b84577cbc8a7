// Package postgres stores the ledger in PostgreSQL through pgx. Transfers run
// in SERIALIZABLE transactions; serialization failures surface as conflicts
// for the engine to retry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
)

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.Transactor = (*Store)(nil)
)

// querier is the part of pgxpool.Pool and pgx.Tx the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type Store struct {
	pool     *pgxpool.Pool
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

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, q: pool, pageSize: 500, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn in a SERIALIZABLE read-write transaction. Calls on a store
// already bound to a transaction join it.
func (s *Store) InTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&Store{q: tx, pageSize: s.pageSize, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit transaction", err)
	}
	return nil
}

// wrap maps serialization failures and deadlocks to conflicts and
// everything else to a storage error.
func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return &ledger.ConflictError{Resource: "database", ID: op, Reason: pgErr.Message}
		}
	}
	return &ledger.StorageError{Op: op, Err: err}
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

const accountColumns = `seq, id, balance, opening_balance, total_sent_count, total_received_count, version, active, created_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                ledger.Account
		balance, opening pgtype.Numeric
	)
	err := row.Scan(&a.Seq, &a.ID, &balance, &opening,
		&a.TotalSentCount, &a.TotalReceivedCount, &a.Version, &a.Active, &a.CreatedAt)
	a.Balance = fromNumeric(balance)
	a.OpeningBalance = fromNumeric(opening)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, in ledger.NewAccount) (ledger.Account, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.OpeningBalance.IsNegative() {
		return ledger.Account{}, fmt.Errorf("opening balance of account %s is negative: %s", in.ID, in.OpeningBalance)
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO accounts (id, balance, opening_balance, created_at)
		VALUES ($1, $2, $2, $3)
		RETURNING `+accountColumns,
		in.ID, numeric(in.OpeningBalance), s.now().UTC())
	acc, err := scanAccount(row)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.Account{}, &ledger.ConflictError{Resource: "account", ID: in.ID, Reason: "already exists"}
		}
		return ledger.Account{}, wrap("create account", err)
	}
	return acc, nil
}

// BulkCreateAccounts loads accounts with COPY. It is meant for seeding and
// does not check for existing ids beyond the primary key.
func (s *Store) BulkCreateAccounts(ctx context.Context, accounts []ledger.NewAccount) (int64, error) {
	now := s.now().UTC()
	rows := make([][]any, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.OpeningBalance.IsNegative() {
			return 0, fmt.Errorf("opening balance of account %s is negative: %s", a.ID, a.OpeningBalance)
		}
		rows = append(rows, []any{a.ID, numeric(a.OpeningBalance), numeric(a.OpeningBalance), now})
	}
	n, err := s.q.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "balance", "opening_balance", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return n, wrap("bulk create accounts", err)
	}
	return n, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	acc, err := scanAccount(s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	if before.Add(req.Amount).IsNegative() {
		return ledger.DeltaResult{}, &ledger.InsufficientFundsError{AccountID: req.AccountID, Balance: before, Requested: req.Amount.Neg()}
	}

	sent, received := req.Counters()
	updated, err := scanAccount(s.q.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2,
			total_sent_count = total_sent_count + $3,
			total_received_count = total_received_count + $4,
			version = version + 1
		WHERE id = $1 AND version = $5
		RETURNING `+accountColumns,
		req.AccountID, numeric(req.Amount), sent, received, req.ExpectedVersion))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.DeltaResult{}, &ledger.ConflictError{Resource: "account", ID: req.AccountID, Reason: "version changed during update"}
		}
		return ledger.DeltaResult{}, wrap("apply delta", err)
	}
	return ledger.DeltaResult{Account: updated, Before: before}, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
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
	tag, err := s.q.Exec(ctx, `
		UPDATE accounts SET active = $2, version = version + 1
		WHERE id = $1 AND active <> $2
	`, id, active)
	if err != nil {
		return wrap("set active", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetAccount(ctx, id)
		return err
	}
	return nil
}

const entryColumns = `seq, id, account_id, tip_id, direction, amount, balance_before, balance_after, created_at`

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                     ledger.Entry
		direction             string
		amount, before, after pgtype.Numeric
	)
	err := row.Scan(&e.Seq, &e.ID, &e.AccountID, &e.TipID, &direction,
		&amount, &before, &after, &e.CreatedAt)
	e.Direction = ledger.Direction(direction)
	e.Amount = fromNumeric(amount)
	e.BalanceBefore = fromNumeric(before)
	e.BalanceAfter = fromNumeric(after)
	return e, err
}

func (s *Store) Append(ctx context.Context, e ledger.Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, tip_id, direction, amount, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.AccountID, e.TipID, string(e.Direction), numeric(e.Amount),
		numeric(e.BalanceBefore), numeric(e.BalanceAfter), e.CreatedAt)
	if err != nil {
		return "", wrap("append entry", err)
	}
	return e.ID, nil
}

// EntriesFor pages through the account's entries by seq so no cursor stays
// open while the caller runs.
func (s *Store) EntriesFor(ctx context.Context, accountID string) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		var after int64
		for {
			page, err := s.queryEntries(ctx, `
				SELECT `+entryColumns+` FROM ledger_entries
				WHERE account_id = $1 AND seq > $2
				ORDER BY seq LIMIT $3
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
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE tip_id = $1 ORDER BY seq`, tipID)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.Query(ctx, query, args...)
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

func scanTip(row pgx.Row) (ledger.Tip, error) {
	var (
		t      ledger.Tip
		status string
		amount pgtype.Numeric
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.SenderID, &t.RecipientID, &amount,
		&t.Message, &status, &t.FailureReason, &t.CreatedAt, &t.CompletedAt)
	t.Status = ledger.TipStatus(status)
	t.Amount = fromNumeric(amount)
	return t, err
}

func (s *Store) CreateTip(ctx context.Context, t ledger.Tip) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO tips (id, idempotency_key, sender_id, recipient_id, amount, message, status, failure_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.IdempotencyKey, t.SenderID, t.RecipientID, numeric(t.Amount),
		t.Message, string(t.Status), t.FailureReason, t.CreatedAt, t.CompletedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == idempotencyIndex {
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
	tag, err := s.q.Exec(ctx, `
		UPDATE tips SET status = $2, failure_reason = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`, t.ID, string(t.Status), t.FailureReason, t.CompletedAt, string(cur.Status))
	if err != nil {
		return wrap("update tip", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.ConflictError{Resource: "tip", ID: t.ID, Reason: "status changed during update"}
	}
	return nil
}

func (s *Store) getTip(ctx context.Context, where string, args ...any) (ledger.Tip, error) {
	t, err := scanTip(s.q.QueryRow(ctx, `SELECT `+tipColumns+` FROM tips WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Tip{}, ledger.ErrTipNotFound
		}
		return ledger.Tip{}, wrap("get tip", err)
	}
	return t, nil
}

func (s *Store) GetTip(ctx context.Context, id string) (ledger.Tip, error) {
	return s.getTip(ctx, `id = $1`, id)
}

func (s *Store) GetTipByIdempotencyKey(ctx context.Context, key string) (ledger.Tip, error) {
	return s.getTip(ctx, `idempotency_key = $1 AND status <> 'failed' ORDER BY seq DESC LIMIT 1`, key)
}

func (s *Store) ListTips(ctx context.Context, f ledger.TipFilter) ([]ledger.Tip, error) {
	where := `(sender_id = $1 OR recipient_id = $1)`
	switch f.Direction {
	case ledger.Sent:
		where = `sender_id = $1`
	case ledger.Received:
		where = `recipient_id = $1`
	}
	// LIMIT NULL means no limit.
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := s.q.Query(ctx, `SELECT `+tipColumns+` FROM tips WHERE `+where+` ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		f.AccountID, limit, f.Offset)
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

func (s *Store) CountTips(ctx context.Context) (int64, decimal.Decimal, error) {
	var (
		n     int64
		total pgtype.Numeric
	)
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM tips WHERE status = 'completed'
	`).Scan(&n, &total)
	if err != nil {
		return 0, decimal.Zero, wrap("count tips", err)
	}
	return n, fromNumeric(total), nil
}
