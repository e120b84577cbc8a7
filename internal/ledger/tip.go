package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TipStatus is the lifecycle state of a tip.
type TipStatus string

const (
	StatusPending   TipStatus = "pending"
	StatusCompleted TipStatus = "completed"
	StatusFailed    TipStatus = "failed"
	// StatusRefunded has no inbound transition yet. A refund will be a new
	// compensating tip, the original stays completed.
	StatusRefunded TipStatus = "refunded"
)

// Tip is a single value transfer request and its outcome.
type Tip struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	SenderID       string          `json:"sender_id"`
	RecipientID    string          `json:"recipient_id"`
	Amount         decimal.Decimal `json:"amount"`
	Message        string          `json:"message,omitempty"`
	Status         TipStatus       `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// AllowedTransitions returns the status graph of a tip.
func AllowedTransitions() map[TipStatus][]TipStatus {
	return map[TipStatus][]TipStatus{
		StatusPending:   {StatusCompleted, StatusFailed},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusRefunded:  {},
	}
}

// CanTransition reports whether a tip may move from one status to another.
func CanTransition(from, to TipStatus) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of the tip moved to status to.
func (t Tip) Transition(to TipStatus) (Tip, error) {
	if !CanTransition(t.Status, to) {
		return t, &InvalidStateTransitionError{TipID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	return t, nil
}

// Complete marks a pending tip completed at the given time.
func (t Tip) Complete(at time.Time) (Tip, error) {
	next, err := t.Transition(StatusCompleted)
	if err != nil {
		return t, err
	}
	at = at.UTC()
	next.CompletedAt = &at
	return next, nil
}

// Fail marks a pending tip failed with the kind of error that stopped it.
func (t Tip) Fail(reason ErrorKind) (Tip, error) {
	next, err := t.Transition(StatusFailed)
	if err != nil {
		return t, err
	}
	next.FailureReason = string(reason)
	return next, nil
}

// sameRequest reports whether a stored tip was created from the same
// parameters as req.
func (t Tip) sameRequest(req SendTipRequest) bool {
	return t.SenderID == req.SenderID &&
		t.RecipientID == req.RecipientID &&
		t.Amount.Equal(req.Amount) &&
		t.Message == req.Message
}
