package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/example/tipledger/pkg/audit"
)

// Limits bounds what a single tip may carry and how hard the engine works
// against its store.
type Limits struct {
	MinTip           decimal.Decimal
	MaxTip           decimal.Decimal
	Precision        int32
	MaxMessageLength int
	MaxRetries       int
	StorageTimeout   time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MinTip:           decimal.New(1, -2),
		MaxTip:           decimal.New(10000, 0),
		Precision:        2,
		MaxMessageLength: 256,
		MaxRetries:       3,
		StorageTimeout:   5 * time.Second,
	}
}

// SendTipRequest is the input to Engine.SendTip. An empty IdempotencyKey
// gets a fresh one, which makes the call non-repeatable.
type SendTipRequest struct {
	SenderID       string
	RecipientID    string
	Amount         decimal.Decimal
	Message        string
	IdempotencyKey string
}

// Auditor records tip events in a tamper-evident log.
type Auditor interface {
	Record(ev audit.Event) *audit.LogEntry
}

// Engine moves value between accounts. It is safe for concurrent use.
type Engine struct {
	store    Store
	limits   Limits
	locks    *keyedMutex
	inflight singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flight
	logger   *slog.Logger
	observer Observer
	auditor  Auditor
	now      func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store Store, limits Limits, opts ...Option) *Engine {
	if limits.MaxRetries < 0 {
		limits.MaxRetries = 0
	}
	e := &Engine{
		store:    store,
		limits:   limits,
		locks:    newKeyedMutex(),
		flights:  make(map[string]*flight),
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks the request-only preconditions in order: distinct
// accounts, amount bounds and precision, message length.
func (e *Engine) Validate(req SendTipRequest) error {
	if req.SenderID == req.RecipientID {
		return &SelfTipError{AccountID: req.SenderID}
	}
	l := e.limits
	if !req.Amount.IsPositive() ||
		req.Amount.LessThan(l.MinTip) ||
		req.Amount.GreaterThan(l.MaxTip) ||
		!req.Amount.Round(l.Precision).Equal(req.Amount) {
		return &InvalidAmountError{Amount: req.Amount, Min: l.MinTip, Max: l.MaxTip, Precision: l.Precision}
	}
	if n := utf8.RuneCountInString(req.Message); l.MaxMessageLength > 0 && n > l.MaxMessageLength {
		return &InvalidMessageError{Length: n, Max: l.MaxMessageLength}
	}
	return nil
}

// SendTip transfers req.Amount from the sender to the recipient and returns
// the completed tip. Repeating a call with the same idempotency key and
// parameters returns the tip of the first successful call.
func (e *Engine) SendTip(ctx context.Context, req SendTipRequest) (Tip, error) {
	if err := e.Validate(req); err != nil {
		e.observer.TipFailed(KindOf(err))
		return Tip{}, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	if err := ctx.Err(); err != nil {
		err = &StorageError{Op: "send tip", Err: err}
		e.observer.TipFailed(KindOf(err))
		return Tip{}, err
	}

	key := flightKey(req)
	f := e.join(ctx, key)
	defer e.leave(key, f)

	ch := e.inflight.DoChan(key, func() (interface{}, error) {
		return e.sendTip(f.ctx, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			e.observer.TipFailed(KindOf(res.Err))
			return Tip{}, res.Err
		}
		return res.Val.(Tip), nil
	case <-ctx.Done():
		// The shared call keeps running for the other callers; a retry with
		// the same key picks up its outcome.
		err := &StorageError{Op: "await transfer", Err: ctx.Err()}
		e.observer.TipFailed(KindOf(err))
		return Tip{}, err
	}
}

// flight is the context shared by every caller coalesced on one request. It
// is canceled once all of them have gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (e *Engine) join(ctx context.Context, key string) *flight {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

func (e *Engine) leave(key string, f *flight) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
	}
}

func flightKey(req SendTipRequest) string {
	return strings.Join([]string{req.IdempotencyKey, req.SenderID, req.RecipientID, req.Amount.String(), req.Message}, "\x00")
}

func (e *Engine) sendTip(ctx context.Context, req SendTipRequest) (Tip, error) {
	start := e.now()

	if t, ok, err := e.replay(ctx, req); err != nil {
		return Tip{}, err
	} else if ok {
		return t, nil
	}

	unlock, err := e.locks.lockAll(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return Tip{}, &StorageError{Op: "acquire account locks", Err: err}
	}
	defer unlock()

	sender, recipient, err := e.loadParties(ctx, req)
	if err != nil {
		return Tip{}, err
	}

	tip := Tip{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		Message:        req.Message,
		Status:         StatusPending,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.createTip(ctx, tip); err != nil {
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return Tip{}, err
		}
		if t, ok, rerr := e.replay(ctx, req); rerr != nil {
			return Tip{}, rerr
		} else if ok {
			return t, nil
		}
		return Tip{}, &ConflictError{Resource: "tip", ID: req.IdempotencyKey, Reason: "request in progress"}
	}

	// The tip is persisted: from here on it runs to a terminal state even if
	// the caller goes away.
	wctx := context.WithoutCancel(ctx)

	var done Tip
	if tx, ok := e.store.(Transactor); ok {
		done, err = e.transferTx(wctx, tx, tip)
	} else {
		done, err = e.transferCompensating(wctx, tip, sender, recipient)
	}
	if err != nil {
		return Tip{}, e.fail(wctx, tip, err)
	}

	e.observer.TipCompleted(done, e.now().Sub(start))
	e.record("tip_sent", done, "")
	e.logger.Debug("tip_completed",
		"tip_id", done.ID,
		"sender_id", done.SenderID,
		"recipient_id", done.RecipientID,
		"amount", done.Amount.String(),
	)
	return done, nil
}

// replay resolves a request against an earlier tip with the same key. ok is
// true when a completed tip should be returned as is.
func (e *Engine) replay(ctx context.Context, req SendTipRequest) (Tip, bool, error) {
	opctx, cancel := e.op(ctx)
	defer cancel()

	t, err := e.store.GetTipByIdempotencyKey(opctx, req.IdempotencyKey)
	if errors.Is(err, ErrTipNotFound) {
		return Tip{}, false, nil
	}
	if err != nil {
		return Tip{}, false, err
	}
	if !t.sameRequest(req) {
		return Tip{}, false, &IdempotencyMismatchError{Key: req.IdempotencyKey, TipID: t.ID}
	}
	switch t.Status {
	case StatusCompleted:
		e.logger.Debug("tip_replayed", "tip_id", t.ID, "idempotency_key", req.IdempotencyKey)
		return t, true, nil
	case StatusPending:
		return Tip{}, false, &ConflictError{Resource: "tip", ID: req.IdempotencyKey, Reason: "request in progress"}
	}
	return Tip{}, false, nil
}

func (e *Engine) loadParties(ctx context.Context, req SendTipRequest) (Account, Account, error) {
	opctx, cancel := e.op(ctx)
	defer cancel()

	sender, err := e.store.GetAccount(opctx, req.SenderID)
	if err != nil {
		return Account{}, Account{}, err
	}
	recipient, err := e.store.GetAccount(opctx, req.RecipientID)
	if err != nil {
		return Account{}, Account{}, err
	}
	if err := checkActive(sender, recipient); err != nil {
		return Account{}, Account{}, err
	}
	return sender, recipient, nil
}

func checkActive(accounts ...Account) error {
	for _, a := range accounts {
		if !a.Active {
			return &AccountInactiveError{AccountID: a.ID}
		}
	}
	return nil
}

func (e *Engine) createTip(ctx context.Context, t Tip) error {
	opctx, cancel := e.op(ctx)
	defer cancel()
	return e.store.CreateTip(opctx, t)
}

// transferTx applies both deltas, both entries and the status change in one
// store transaction, retrying the whole unit on conflict.
func (e *Engine) transferTx(ctx context.Context, tx Transactor, tip Tip) (Tip, error) {
	var done Tip
	err := e.retry(ctx, func() error {
		txctx, cancel := e.op(ctx)
		defer cancel()
		return tx.InTx(txctx, func(s Store) error {
			sender, err := s.GetAccount(txctx, tip.SenderID)
			if err != nil {
				return err
			}
			recipient, err := s.GetAccount(txctx, tip.RecipientID)
			if err != nil {
				return err
			}
			if err := checkActive(sender, recipient); err != nil {
				return err
			}

			debit, err := s.ApplyDelta(txctx, DeltaRequest{AccountID: sender.ID, Amount: tip.Amount.Neg(), ExpectedVersion: sender.Version})
			if err != nil {
				return err
			}
			credit, err := s.ApplyDelta(txctx, DeltaRequest{AccountID: recipient.ID, Amount: tip.Amount, ExpectedVersion: recipient.Version})
			if err != nil {
				return err
			}
			for _, en := range []Entry{e.entry(tip, debit, tip.Amount.Neg()), e.entry(tip, credit, tip.Amount)} {
				if _, err := s.Append(txctx, en); err != nil {
					return err
				}
			}

			done, err = tip.Complete(e.now())
			if err != nil {
				return err
			}
			return s.UpdateTip(txctx, done)
		})
	})
	return done, err
}

// appliedDelta is a balance change already made on behalf of a tip.
type appliedDelta struct {
	result DeltaResult
	amount decimal.Decimal
	logged bool
}

// transferCompensating runs the transfer as separate store calls and undoes
// whatever was applied if a later step fails.
func (e *Engine) transferCompensating(ctx context.Context, tip Tip, sender, recipient Account) (Tip, error) {
	var steps []appliedDelta

	for _, leg := range []struct {
		acc    *Account
		amount decimal.Decimal
	}{
		{&sender, tip.Amount.Neg()},
		{&recipient, tip.Amount},
	} {
		var res DeltaResult
		err := e.retry(ctx, func() error {
			var err error
			res, err = e.applyDelta(ctx, leg.acc, leg.amount, false)
			return err
		})
		if err != nil {
			if len(steps) == 0 {
				return Tip{}, err
			}
			return Tip{}, e.compensate(ctx, tip, err, steps)
		}
		steps = append(steps, appliedDelta{result: res, amount: leg.amount})
	}

	for i := range steps {
		if err := e.appendEntry(ctx, e.entry(tip, steps[i].result, steps[i].amount)); err != nil {
			return Tip{}, e.compensate(ctx, tip, err, steps)
		}
		steps[i].logged = true
	}

	done, err := tip.Complete(e.now())
	if err != nil {
		return Tip{}, err
	}
	// Entries are written, so the transfer stands even if the status write
	// fails; the reconciler reports such tips.
	if err := e.retry(ctx, func() error {
		opctx, cancel := e.op(ctx)
		defer cancel()
		return e.store.UpdateTip(opctx, done)
	}); err != nil {
		e.logger.Error("tip_status_write_failed", "tip_id", tip.ID, "error", err)
	}
	return done, nil
}

// compensate reverses steps newest first. Reversals of logged steps get a
// reversing entry so the account still replays to its balance.
func (e *Engine) compensate(ctx context.Context, tip Tip, cause error, steps []appliedDelta) error {
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		acc := st.result.Account
		reverse := st.amount.Neg()

		var res DeltaResult
		err := e.retry(ctx, func() error {
			var err error
			res, err = e.applyDelta(ctx, &acc, reverse, true)
			return err
		})
		if err == nil && st.logged {
			err = e.appendEntry(ctx, e.entry(tip, res, reverse))
		}
		if err != nil {
			e.observer.Compensated(false)
			ierr := &IrreconcilableStateError{
				TipID:           tip.ID,
				AccountID:       acc.ID,
				Amount:          st.amount,
				Cause:           cause,
				CompensationErr: err,
			}
			e.logger.Error("tip_irreconcilable",
				"tip_id", tip.ID,
				"account_id", acc.ID,
				"amount", st.amount.String(),
				"cause", cause,
				"compensation_error", err,
			)
			return ierr
		}
	}
	e.observer.Compensated(true)
	e.logger.Warn("tip_compensated", "tip_id", tip.ID, "cause", cause)
	return cause
}

// applyDelta refreshes acc after a version conflict so a retry uses the
// current version.
func (e *Engine) applyDelta(ctx context.Context, acc *Account, amount decimal.Decimal, compensating bool) (DeltaResult, error) {
	opctx, cancel := e.op(ctx)
	defer cancel()

	res, err := e.store.ApplyDelta(opctx, DeltaRequest{
		AccountID:       acc.ID,
		Amount:          amount,
		ExpectedVersion: acc.Version,
		Compensating:    compensating,
	})
	if KindOf(err) == KindConflict {
		if fresh, gerr := e.store.GetAccount(opctx, acc.ID); gerr == nil {
			*acc = fresh
		}
	}
	return res, err
}

func (e *Engine) appendEntry(ctx context.Context, en Entry) error {
	opctx, cancel := e.op(ctx)
	defer cancel()
	_, err := e.store.Append(opctx, en)
	return err
}

func (e *Engine) entry(tip Tip, res DeltaResult, signed decimal.Decimal) Entry {
	dir := Credit
	if signed.IsNegative() {
		dir = Debit
	}
	return Entry{
		ID:            uuid.NewString(),
		AccountID:     res.Account.ID,
		TipID:         tip.ID,
		Direction:     dir,
		Amount:        signed.Abs(),
		BalanceBefore: res.Before,
		BalanceAfter:  res.Account.Balance,
		CreatedAt:     e.now().UTC(),
	}
}

// fail records the outcome of a tip that did not complete. Irreconcilable
// tips stay pending so they remain visible to operators.
func (e *Engine) fail(ctx context.Context, tip Tip, cause error) error {
	kind := KindOf(cause)
	e.record("tip_failed", tip, string(kind))
	if kind == KindIrreconcilable {
		return cause
	}

	failed, err := tip.Fail(kind)
	if err == nil {
		opctx, cancel := e.op(ctx)
		err = e.store.UpdateTip(opctx, failed)
		cancel()
	}
	if err != nil {
		e.logger.Error("tip_mark_failed_error", "tip_id", tip.ID, "error", err)
	}
	e.logger.Warn("tip_failed", "tip_id", tip.ID, "kind", kind, "error", cause)
	return cause
}

func (e *Engine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.limits.MaxRetries; attempt++ {
		err = fn()
		if KindOf(err) != KindConflict || attempt == e.limits.MaxRetries {
			return err
		}
		e.observer.ConflictRetried()
		select {
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func (e *Engine) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.limits.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.limits.StorageTimeout)
}

func (e *Engine) record(kind string, t Tip, reason string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(audit.Event{
		Kind:        kind,
		TipID:       t.ID,
		SenderID:    t.SenderID,
		RecipientID: t.RecipientID,
		Amount:      t.Amount.String(),
		Reason:      reason,
	})
}
