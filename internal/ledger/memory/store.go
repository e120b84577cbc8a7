// Package memory is an in-process ledger store. It has no multi-row
// transactions, so the engine runs against it with compensation.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts   map[string]*ledger.Account
	accountSeq int64

	tips    map[string]*ledger.Tip
	tipIDs  []string
	liveKey map[string]string

	entries   []ledger.Entry
	byAccount map[string][]int
	byTip     map[string][]int

	now func() time.Time
}

func New() *Store {
	return &Store{
		accounts:  make(map[string]*ledger.Account),
		tips:      make(map[string]*ledger.Tip),
		liveKey:   make(map[string]string),
		byAccount: make(map[string][]int),
		byTip:     make(map[string][]int),
		now:       time.Now,
	}
}

func storageErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &ledger.StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, in ledger.NewAccount) (ledger.Account, error) {
	if err := storageErr(ctx, "create account"); err != nil {
		return ledger.Account{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.OpeningBalance.IsNegative() {
		return ledger.Account{}, fmt.Errorf("opening balance of account %s is negative: %s", in.ID, in.OpeningBalance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[in.ID]; ok {
		return ledger.Account{}, &ledger.ConflictError{Resource: "account", ID: in.ID, Reason: "already exists"}
	}
	s.accountSeq++
	acc := &ledger.Account{
		ID:             in.ID,
		Seq:            s.accountSeq,
		Balance:        in.OpeningBalance,
		OpeningBalance: in.OpeningBalance,
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	s.accounts[in.ID] = acc
	return *acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	if err := storageErr(ctx, "get account"); err != nil {
		return ledger.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, &ledger.AccountNotFoundError{AccountID: id}
	}
	return *acc, nil
}

func (s *Store) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (ledger.DeltaResult, error) {
	if err := storageErr(ctx, "apply delta"); err != nil {
		return ledger.DeltaResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[req.AccountID]
	if !ok {
		return ledger.DeltaResult{}, &ledger.AccountNotFoundError{AccountID: req.AccountID}
	}
	if acc.Version != req.ExpectedVersion {
		return ledger.DeltaResult{}, &ledger.ConflictError{
			Resource: "account",
			ID:       req.AccountID,
			Reason:   "version changed since read",
		}
	}
	before := acc.Balance
	after := before.Add(req.Amount)
	if after.IsNegative() {
		return ledger.DeltaResult{}, &ledger.InsufficientFundsError{
			AccountID: req.AccountID,
			Balance:   before,
			Requested: req.Amount.Neg(),
		}
	}

	acc.Balance = after
	acc.Version++
	sent, received := req.Counters()
	acc.TotalSentCount += sent
	acc.TotalReceivedCount += received
	return ledger.DeltaResult{Account: *acc, Before: before}, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	if err := storageErr(ctx, "list accounts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	if err := storageErr(ctx, "set active"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return &ledger.AccountNotFoundError{AccountID: id}
	}
	if acc.Active != active {
		acc.Active = active
		acc.Version++
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e ledger.Entry) (string, error) {
	if err := storageErr(ctx, "append entry"); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = int64(len(s.entries) + 1)
	s.entries = append(s.entries, e)
	s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], len(s.entries)-1)
	s.byTip[e.TipID] = append(s.byTip[e.TipID], len(s.entries)-1)
	return e.ID, nil
}

func (s *Store) EntriesFor(ctx context.Context, accountID string) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		if err := storageErr(ctx, "read entries"); err != nil {
			yield(ledger.Entry{}, err)
			return
		}
		for _, e := range s.snapshot(s.byAccount, accountID) {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) EntriesForTip(ctx context.Context, tipID string) ([]ledger.Entry, error) {
	if err := storageErr(ctx, "read entries"); err != nil {
		return nil, err
	}
	return s.snapshot(s.byTip, tipID), nil
}

func (s *Store) snapshot(index map[string][]int, key string) []ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entry, 0, len(index[key]))
	for _, i := range index[key] {
		out = append(out, s.entries[i])
	}
	return out
}

func (s *Store) CreateTip(ctx context.Context, t ledger.Tip) error {
	if err := storageErr(ctx, "create tip"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tips[t.ID]; ok {
		return &ledger.ConflictError{Resource: "tip", ID: t.ID, Reason: "already exists"}
	}
	if _, ok := s.liveKey[t.IdempotencyKey]; ok && t.Status != ledger.StatusFailed {
		return ledger.ErrDuplicateIdempotencyKey
	}
	cp := t
	s.tips[t.ID] = &cp
	s.tipIDs = append(s.tipIDs, t.ID)
	if t.Status != ledger.StatusFailed {
		s.liveKey[t.IdempotencyKey] = t.ID
	}
	return nil
}

func (s *Store) UpdateTip(ctx context.Context, t ledger.Tip) error {
	if err := storageErr(ctx, "update tip"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tips[t.ID]
	if !ok {
		return ledger.ErrTipNotFound
	}
	if !ledger.CanTransition(cur.Status, t.Status) {
		return &ledger.InvalidStateTransitionError{TipID: t.ID, From: cur.Status, To: t.Status}
	}
	cur.Status = t.Status
	cur.FailureReason = t.FailureReason
	cur.CompletedAt = t.CompletedAt
	if t.Status == ledger.StatusFailed && s.liveKey[cur.IdempotencyKey] == cur.ID {
		delete(s.liveKey, cur.IdempotencyKey)
	}
	return nil
}

func (s *Store) GetTip(ctx context.Context, id string) (ledger.Tip, error) {
	if err := storageErr(ctx, "get tip"); err != nil {
		return ledger.Tip{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tips[id]
	if !ok {
		return ledger.Tip{}, ledger.ErrTipNotFound
	}
	return *t, nil
}

func (s *Store) GetTipByIdempotencyKey(ctx context.Context, key string) (ledger.Tip, error) {
	if err := storageErr(ctx, "get tip"); err != nil {
		return ledger.Tip{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.liveKey[key]
	if !ok {
		return ledger.Tip{}, ledger.ErrTipNotFound
	}
	return *s.tips[id], nil
}

func (s *Store) ListTips(ctx context.Context, f ledger.TipFilter) ([]ledger.Tip, error) {
	if err := storageErr(ctx, "list tips"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Tip
	skipped := 0
	for i := len(s.tipIDs) - 1; i >= 0; i-- {
		t := s.tips[s.tipIDs[i]]
		if !f.Matches(*t) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountTips(ctx context.Context) (int64, decimal.Decimal, error) {
	if err := storageErr(ctx, "count tips"); err != nil {
		return 0, decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	total := decimal.Zero
	for _, t := range s.tips {
		if t.Status == ledger.StatusCompleted {
			n++
			total = total.Add(t.Amount)
		}
	}
	return n, total, nil
}
