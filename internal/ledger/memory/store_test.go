package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/ledger/ledgertest"
	"github.com/example/tipledger/pkg/audit"
)

func TestStoreSuite(t *testing.T) {
	suite.Run(t, &ledgertest.Suite{NewStore: func(t *testing.T) ledger.Store { return New() }})
}

var errDisk = errors.New("disk unavailable")

// faultyStore fails chosen operations of an embedded memory store.
type faultyStore struct {
	*Store
	failCredit     bool
	failCompensate bool
	failAppendAt   int32
	appends        atomic.Int32
	creditDelay    time.Duration
}

func (f *faultyStore) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (ledger.DeltaResult, error) {
	if req.Compensating && f.failCompensate {
		return ledger.DeltaResult{}, &ledger.StorageError{Op: "apply delta", Err: errDisk}
	}
	if !req.Compensating && req.Amount.IsPositive() {
		if f.failCredit {
			return ledger.DeltaResult{}, &ledger.StorageError{Op: "apply delta", Err: errDisk}
		}
		if f.creditDelay > 0 {
			select {
			case <-time.After(f.creditDelay):
			case <-ctx.Done():
				return ledger.DeltaResult{}, &ledger.StorageError{Op: "apply delta", Err: ctx.Err()}
			}
		}
	}
	return f.Store.ApplyDelta(ctx, req)
}

func (f *faultyStore) Append(ctx context.Context, e ledger.Entry) (string, error) {
	if n := f.appends.Add(1); f.failAppendAt > 0 && n == f.failAppendAt {
		return "", &ledger.StorageError{Op: "append entry", Err: errDisk}
	}
	return f.Store.Append(ctx, e)
}

func setup(t *testing.T, f *faultyStore, limits ledger.Limits, opts ...ledger.Option) *ledger.Engine {
	t.Helper()
	f.Store = New()
	ctx := context.Background()
	_, err := f.CreateAccount(ctx, ledger.NewAccount{ID: "alice", OpeningBalance: ledgertest.D("100")})
	require.NoError(t, err)
	_, err = f.CreateAccount(ctx, ledger.NewAccount{ID: "bob", OpeningBalance: ledgertest.D("0")})
	require.NoError(t, err)
	opts = append(opts, ledger.WithLogger(ledgertest.Discard()))
	return ledger.NewEngine(f, limits, opts...)
}

func sendTen(e *ledger.Engine) (ledger.Tip, error) {
	return e.SendTip(context.Background(), ledger.SendTipRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      ledgertest.D("10"),
	})
}

func onlyTip(t *testing.T, s *Store) ledger.Tip {
	t.Helper()
	tips, err := s.ListTips(context.Background(), ledger.TipFilter{AccountID: "alice", Direction: ledger.Both})
	require.NoError(t, err)
	require.Len(t, tips, 1)
	return tips[0]
}

func TestCreditFailureRollsBackDebit(t *testing.T) {
	f := &faultyStore{failCredit: true}
	e := setup(t, f, ledger.DefaultLimits())

	_, err := sendTen(e)
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))
	assert.True(t, ledger.IsTransient(err))

	alice, err := f.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("100").Equal(alice.Balance))
	assert.Equal(t, int64(0), alice.TotalSentCount)

	tip := onlyTip(t, f.Store)
	assert.Equal(t, ledger.StatusFailed, tip.Status)
	entries, err := f.EntriesForTip(context.Background(), tip.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec := ledger.NewReconciler(f)
	assert.True(t, rec.CheckAccount(context.Background(), "alice").IsValid)
	assert.True(t, rec.CheckConservation(context.Background()).IsValid)
}

func TestFailedCompensationIsIrreconcilable(t *testing.T) {
	f := &faultyStore{failCredit: true, failCompensate: true}
	chain := audit.NewChainLogger(10)
	e := setup(t, f, ledger.DefaultLimits(), ledger.WithAuditor(chain))

	_, err := sendTen(e)
	var irr *ledger.IrreconcilableStateError
	require.ErrorAs(t, err, &irr)
	assert.Equal(t, "alice", irr.AccountID)
	assert.ErrorIs(t, err, errDisk)
	assert.False(t, ledger.IsTransient(err))

	tip := onlyTip(t, f.Store)
	assert.Equal(t, ledger.StatusPending, tip.Status, "left for an operator")
	assert.Equal(t, irr.TipID, tip.ID)

	recent := chain.Recent(0)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Payload, `"reason":"irreconcilable_state"`)
}

func TestAppendFailureWritesReversingEntry(t *testing.T) {
	f := &faultyStore{failAppendAt: 2}
	e := setup(t, f, ledger.DefaultLimits())

	_, err := sendTen(e)
	require.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	ctx := context.Background()
	alice, err := f.GetAccount(ctx, "alice")
	require.NoError(t, err)
	bob, err := f.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("100").Equal(alice.Balance))
	assert.True(t, bob.Balance.IsZero())
	assert.Equal(t, int64(0), bob.TotalReceivedCount)

	tip := onlyTip(t, f.Store)
	assert.Equal(t, ledger.StatusFailed, tip.Status)
	entries, err := f.EntriesForTip(ctx, tip.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.Debit, entries[0].Direction)
	assert.Equal(t, ledger.Credit, entries[1].Direction)

	rec := ledger.NewReconciler(f)
	assert.True(t, rec.CheckAccount(ctx, "alice").IsValid)
	assert.True(t, rec.CheckAccount(ctx, "bob").IsValid)
	assert.True(t, rec.CheckTip(ctx, tip.ID).IsValid)
}

func TestStorageTimeoutTriggersRollback(t *testing.T) {
	f := &faultyStore{creditDelay: time.Second}
	limits := ledger.DefaultLimits()
	limits.StorageTimeout = 20 * time.Millisecond
	e := setup(t, f, limits)

	_, err := sendTen(e)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	alice, err := f.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("100").Equal(alice.Balance))
	assert.Equal(t, ledger.StatusFailed, onlyTip(t, f.Store).Status)
}

type countingObserver struct {
	completed, failed, retried, compensated atomic.Int32
}

func (o *countingObserver) TipCompleted(ledger.Tip, time.Duration) { o.completed.Add(1) }
func (o *countingObserver) TipFailed(ledger.ErrorKind)             { o.failed.Add(1) }
func (o *countingObserver) ConflictRetried()                       { o.retried.Add(1) }
func (o *countingObserver) Compensated(bool)                       { o.compensated.Add(1) }

// racyStore bumps the sender's version once right before the first debit,
// as a second process sharing the data would.
type racyStore struct {
	*Store
	bumped atomic.Bool
}

func (r *racyStore) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (ledger.DeltaResult, error) {
	if req.Amount.IsNegative() && r.bumped.CompareAndSwap(false, true) {
		if err := r.Store.SetActive(ctx, req.AccountID, false); err != nil {
			return ledger.DeltaResult{}, err
		}
		if err := r.Store.SetActive(ctx, req.AccountID, true); err != nil {
			return ledger.DeltaResult{}, err
		}
	}
	return r.Store.ApplyDelta(ctx, req)
}

func TestConflictIsRetried(t *testing.T) {
	r := &racyStore{Store: New()}
	ctx := context.Background()
	_, err := r.CreateAccount(ctx, ledger.NewAccount{ID: "alice", OpeningBalance: ledgertest.D("100")})
	require.NoError(t, err)
	_, err = r.CreateAccount(ctx, ledger.NewAccount{ID: "bob"})
	require.NoError(t, err)

	obs := &countingObserver{}
	e := ledger.NewEngine(r, ledger.DefaultLimits(), ledger.WithObserver(obs), ledger.WithLogger(ledgertest.Discard()))

	tip, err := sendTen(e)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tip.Status)
	assert.Equal(t, int32(1), obs.retried.Load())
	assert.Equal(t, int32(1), obs.completed.Load())
	assert.Equal(t, int32(0), obs.failed.Load())

	alice, err := r.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("90").Equal(alice.Balance))
}

// gatedStore holds every credit until gate is closed and counts lookups of
// one idempotency key.
type gatedStore struct {
	*Store
	gate      chan struct{}
	crediting chan struct{}
	watchKey  string
	lookups   atomic.Int32
}

func (g *gatedStore) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (ledger.DeltaResult, error) {
	if !req.Compensating && req.Amount.IsPositive() {
		select {
		case g.crediting <- struct{}{}:
		default:
		}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return ledger.DeltaResult{}, &ledger.StorageError{Op: "apply delta", Err: ctx.Err()}
		}
	}
	return g.Store.ApplyDelta(ctx, req)
}

func (g *gatedStore) GetTipByIdempotencyKey(ctx context.Context, key string) (ledger.Tip, error) {
	if key == g.watchKey {
		g.lookups.Add(1)
	}
	return g.Store.GetTipByIdempotencyKey(ctx, key)
}

type sendResult struct {
	tip ledger.Tip
	err error
}

func TestCallerCancelDoesNotFailSharedRequest(t *testing.T) {
	g := &gatedStore{
		Store:     New(),
		gate:      make(chan struct{}),
		crediting: make(chan struct{}, 1),
		watchKey:  "k",
	}
	ctx := context.Background()
	_, err := g.CreateAccount(ctx, ledger.NewAccount{ID: "alice", OpeningBalance: ledgertest.D("100")})
	require.NoError(t, err)
	_, err = g.CreateAccount(ctx, ledger.NewAccount{ID: "bob"})
	require.NoError(t, err)
	e := ledger.NewEngine(g, ledger.DefaultLimits(), ledger.WithLogger(ledgertest.Discard()))

	send := func(ctx context.Context, key, amount string) <-chan sendResult {
		ch := make(chan sendResult, 1)
		go func() {
			tip, err := e.SendTip(ctx, ledger.SendTipRequest{
				SenderID:       "alice",
				RecipientID:    "bob",
				Amount:         ledgertest.D(amount),
				IdempotencyKey: key,
			})
			ch <- sendResult{tip, err}
		}()
		return ch
	}

	// The first tip holds both account locks while its credit waits.
	first := send(ctx, "first", "10")
	<-g.crediting

	b := send(ctx, "k", "5")
	require.Eventually(t, func() bool { return g.lookups.Load() == 1 }, time.Second, time.Millisecond)

	actx, cancel := context.WithCancel(ctx)
	a := send(actx, "k", "5")
	cancel()

	ra := <-a
	require.ErrorIs(t, ra.err, context.Canceled)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(ra.err))
	assert.True(t, ledger.IsTransient(ra.err))

	close(g.gate)
	require.NoError(t, (<-first).err)
	rb := <-b
	require.NoError(t, rb.err)
	assert.Equal(t, ledger.StatusCompleted, rb.tip.Status)

	retried := <-send(ctx, "k", "5")
	require.NoError(t, retried.err)
	assert.Equal(t, rb.tip.ID, retried.tip.ID)

	alice, err := g.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("85").Equal(alice.Balance))
}

func TestSeedAccountsMakesStoreUsable(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.CreateAccount(ctx, ledger.NewAccount{ID: "seed-0001", OpeningBalance: ledgertest.D("3")})
	require.NoError(t, err)

	n, err := ledger.SeedAccounts(ctx, s, "seed", 3, ledgertest.D("50"))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "existing ids are skipped")

	n, err = ledger.SeedAccounts(ctx, s, "seed", 3, ledgertest.D("50"))
	require.NoError(t, err)
	assert.Zero(t, n)

	kept, err := s.GetAccount(ctx, "seed-0001")
	require.NoError(t, err)
	assert.True(t, ledgertest.D("3").Equal(kept.Balance))

	e := ledger.NewEngine(s, ledger.DefaultLimits(), ledger.WithLogger(ledgertest.Discard()))
	tip, err := e.SendTip(ctx, ledger.SendTipRequest{SenderID: "seed-0000", RecipientID: "seed-0002", Amount: ledgertest.D("20")})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tip.Status)
}
