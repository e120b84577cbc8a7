package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/ledgertest"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, opts...)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, &ledgertest.Suite{NewStore: func(t *testing.T) ledger.Store {
		// A small page size makes EntriesFor cross page boundaries.
		return openTestStore(t, WithPageSize(2))
	}})
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acc, err := s.CreateAccount(ctx, ledger.NewAccount{ID: "alice", OpeningBalance: ledgertest.D("50")})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.ApplyDelta(ctx, ledger.DeltaRequest{AccountID: "alice", Amount: ledgertest.D("-20"), ExpectedVersion: acc.Version}); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, ledger.Entry{AccountID: "alice", TipID: "t1", Direction: ledger.Debit, Amount: ledgertest.D("20")}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("50").Equal(after.Balance))
	assert.Equal(t, acc.Version, after.Version)
	entries, err := s.EntriesForTip(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		_, err := s.CreateAccount(ctx, ledger.NewAccount{ID: id})
		require.NoError(t, err)
	}
	tip := ledger.Tip{
		ID: "t1", IdempotencyKey: "k", SenderID: "alice", RecipientID: "bob",
		Amount: ledgertest.D("1"), Status: ledger.StatusPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTip(ctx, tip))

	dup := tip
	dup.ID = "t2"
	assert.ErrorIs(t, s.CreateTip(ctx, dup), ledger.ErrDuplicateIdempotencyKey)

	failed, err := tip.Fail(ledger.KindStorage)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTip(ctx, failed))
	require.NoError(t, s.CreateTip(ctx, dup), "failed tips release their key")

	got, err := s.GetTipByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.ID)

	_, err = s.CreateAccount(ctx, ledger.NewAccount{ID: "alice"})
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	ctx := context.Background()
	diskErr := errors.New("disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`)).
		WithArgs("alice").
		WillReturnError(diskErr)
	_, err = s.GetAccount(ctx, "alice")
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get account", se.Op)
	assert.ErrorIs(t, err, diskErr)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	_, err = s.GetAccount(ctx, "ghost")
	assert.Equal(t, ledger.KindAccountNotFound, ledger.KindOf(err))

	mock.ExpectExec(`INSERT INTO ledger_entries`).WillReturnError(diskErr)
	_, err = s.Append(ctx, ledger.Entry{AccountID: "alice", TipID: "t", Direction: ledger.Credit, Amount: ledgertest.D("1")})
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaLostRaceIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM accounts WHERE id = \?`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "balance", "opening_balance", "total_sent_count", "total_received_count", "version", "active", "created_at"}).
			AddRow(1, "alice", "10", "10", 0, 0, 3, true, now))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("7", int64(1), int64(0), "alice", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = s.ApplyDelta(context.Background(), ledger.DeltaRequest{AccountID: "alice", Amount: ledgertest.D("-3"), ExpectedVersion: 3})
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxFailedCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is closed"))

	err = s.InTx(context.Background(), func(ledger.Store) error { return nil })
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = s.InTx(context.Background(), func(ledger.Store) error {
		return &ledger.InsufficientFundsError{AccountID: "alice"}
	})
	assert.Equal(t, ledger.KindInsufficientFunds, ledger.KindOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedAccountsIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := ledger.SeedAccounts(ctx, s, "load", 4, ledgertest.D("10"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = ledger.SeedAccounts(ctx, s, "load", 5, ledgertest.D("10"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 5)
	assert.Equal(t, "load-0004", accounts[4].ID)
	assert.True(t, ledger.NewReconciler(s).CheckConservation(ctx).IsValid)
}
