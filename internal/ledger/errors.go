package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies ledger errors for callers deciding whether to retry.
type ErrorKind string

const (
	KindSelfTip             ErrorKind = "self_tip"
	KindInvalidAmount       ErrorKind = "invalid_amount"
	KindInvalidMessage      ErrorKind = "invalid_message"
	KindAccountNotFound     ErrorKind = "account_not_found"
	KindAccountInactive     ErrorKind = "account_inactive"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindConflict            ErrorKind = "conflict"
	KindStorage             ErrorKind = "storage"
	KindIrreconcilable      ErrorKind = "irreconcilable_state"
	KindIdempotencyMismatch ErrorKind = "idempotency_mismatch"
	KindInvalidTransition   ErrorKind = "invalid_state_transition"
	KindInvalidMetric       ErrorKind = "invalid_metric"
	KindNotFound            ErrorKind = "not_found"
	KindUnknown             ErrorKind = "unknown"
)

var (
	ErrTipNotFound = errors.New("tip not found")
	// ErrDuplicateIdempotencyKey is returned by TipStore.CreateTip when a
	// pending or completed tip already holds the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already in use")
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first typed ledger error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, ErrTipNotFound) {
		return KindNotFound
	}
	return KindUnknown
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindStorage:
		return true
	}
	return false
}

type SelfTipError struct {
	AccountID string
}

func (e *SelfTipError) Error() string {
	return fmt.Sprintf("account %s cannot tip itself", e.AccountID)
}

func (e *SelfTipError) Kind() ErrorKind { return KindSelfTip }

type InvalidAmountError struct {
	Amount    decimal.Decimal
	Min       decimal.Decimal
	Max       decimal.Decimal
	Precision int32
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: must be between %s and %s with at most %d decimal places",
		e.Amount, e.Min, e.Max, e.Precision)
}

func (e *InvalidAmountError) Kind() ErrorKind { return KindInvalidAmount }

type InvalidMessageError struct {
	Length int
	Max    int
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("message is %d characters, maximum is %d", e.Length, e.Max)
}

func (e *InvalidMessageError) Kind() ErrorKind { return KindInvalidMessage }

type AccountNotFoundError struct {
	AccountID string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found", e.AccountID)
}

func (e *AccountNotFoundError) Kind() ErrorKind { return KindAccountNotFound }

type AccountInactiveError struct {
	AccountID string
}

func (e *AccountInactiveError) Error() string {
	return fmt.Sprintf("account %s is inactive", e.AccountID)
}

func (e *AccountInactiveError) Kind() ErrorKind { return KindAccountInactive }

type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance in account %s: have %s, need %s", e.AccountID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Kind() ErrorKind { return KindInsufficientFunds }

// ConflictError signals a concurrent modification or a request already in
// flight. It is safe to retry.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Kind() ErrorKind { return KindConflict }

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Kind() ErrorKind { return KindStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// IrreconcilableStateError means a partially applied tip could not be
// compensated. The affected account needs operator attention.
type IrreconcilableStateError struct {
	TipID           string
	AccountID       string
	Amount          decimal.Decimal
	Cause           error
	CompensationErr error
}

func (e *IrreconcilableStateError) Error() string {
	return fmt.Sprintf("tip %s left account %s off by %s: %v; compensation failed: %v",
		e.TipID, e.AccountID, e.Amount, e.Cause, e.CompensationErr)
}

func (e *IrreconcilableStateError) Kind() ErrorKind { return KindIrreconcilable }

func (e *IrreconcilableStateError) Unwrap() []error {
	return []error{e.Cause, e.CompensationErr}
}

type IdempotencyMismatchError struct {
	Key   string
	TipID string
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("idempotency key %s was used for tip %s with different parameters", e.Key, e.TipID)
}

func (e *IdempotencyMismatchError) Kind() ErrorKind { return KindIdempotencyMismatch }

type InvalidStateTransitionError struct {
	TipID string
	From  TipStatus
	To    TipStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for tip %s", e.From, e.To, e.TipID)
}

func (e *InvalidStateTransitionError) Kind() ErrorKind { return KindInvalidTransition }

type InvalidMetricError struct {
	Metric string
}

func (e *InvalidMetricError) Error() string {
	return fmt.Sprintf("unknown leaderboard metric %q", e.Metric)
}

func (e *InvalidMetricError) Kind() ErrorKind { return KindInvalidMetric }
