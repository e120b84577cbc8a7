package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStore owns balances and the counters derived with them.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc NewAccount) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	// ApplyDelta adds req.Amount to the balance if the account is still at
	// req.ExpectedVersion. It fails with *InsufficientFundsError when the
	// balance would go negative and *ConflictError on a version mismatch.
	ApplyDelta(ctx context.Context, req DeltaRequest) (DeltaResult, error)
	// ListAccounts returns every account in creation order.
	ListAccounts(ctx context.Context) ([]Account, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// Ledger is the append-only history of balance changes.
type Ledger interface {
	Append(ctx context.Context, e Entry) (string, error)
	// EntriesFor yields an account's entries in creation order. The sequence
	// can be ranged over more than once; each pass reads storage afresh.
	EntriesFor(ctx context.Context, accountID string) iter.Seq2[Entry, error]
	EntriesForTip(ctx context.Context, tipID string) ([]Entry, error)
}

// TipStore persists tip records.
type TipStore interface {
	CreateTip(ctx context.Context, t Tip) error
	// UpdateTip persists a status change. Moves outside AllowedTransitions
	// fail with *InvalidStateTransitionError.
	UpdateTip(ctx context.Context, t Tip) error
	GetTip(ctx context.Context, id string) (Tip, error)
	// GetTipByIdempotencyKey returns the pending or completed tip holding key.
	GetTipByIdempotencyKey(ctx context.Context, key string) (Tip, error)
	ListTips(ctx context.Context, f TipFilter) ([]Tip, error)
	// CountTips returns the number and total amount of completed tips.
	CountTips(ctx context.Context) (int64, decimal.Decimal, error)
}

// Store is a full persistence backend.
type Store interface {
	AccountStore
	Ledger
	TipStore
}

// Transactor is implemented by stores that can apply several writes
// atomically. fn receives a Store bound to the transaction; the transaction
// commits when fn returns nil.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

// Observer receives engine outcomes, typically for metrics.
type Observer interface {
	TipCompleted(t Tip, elapsed time.Duration)
	TipFailed(kind ErrorKind)
	ConflictRetried()
	Compensated(ok bool)
}

type nopObserver struct{}

func (nopObserver) TipCompleted(Tip, time.Duration) {}
func (nopObserver) TipFailed(ErrorKind)             {}
func (nopObserver) ConflictRetried()                {}
func (nopObserver) Compensated(bool)                {}
