package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's spendable balance and running tip counters.
type Account struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	Balance            decimal.Decimal `json:"balance"`
	OpeningBalance     decimal.Decimal `json:"opening_balance"`
	TotalSentCount     int64           `json:"total_sent_count"`
	TotalReceivedCount int64           `json:"total_received_count"`
	Version            int64           `json:"version"`
	Active             bool            `json:"active"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NewAccount is the input to AccountStore.CreateAccount. A zero
// OpeningBalance creates an empty account.
type NewAccount struct {
	ID             string
	OpeningBalance decimal.Decimal
}

// Direction is the side of a ledger entry.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Entry is one immutable line of the ledger. BalanceBefore and BalanceAfter
// are the account balance snapshots around the delta that produced it.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	AccountID     string          `json:"account_id"`
	TipID         string          `json:"tip_id"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Signed returns the entry amount as a balance delta.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// DeltaRequest asks the account store to add Amount (negative for a debit)
// to an account whose version is still ExpectedVersion.
//
// Compensating deltas reverse an earlier delta of the same tip: they undo
// the counter increment of the delta they reverse instead of adding one.
type DeltaRequest struct {
	AccountID       string
	Amount          decimal.Decimal
	ExpectedVersion int64
	Compensating    bool
}

// Counters returns the changes to TotalSentCount and TotalReceivedCount
// that applying r implies.
func (r DeltaRequest) Counters() (sent, received int64) {
	switch {
	case r.Compensating && r.Amount.IsPositive():
		return -1, 0
	case r.Compensating:
		return 0, -1
	case r.Amount.IsNegative():
		return 1, 0
	}
	return 0, 1
}

// DeltaResult is the account after the delta plus the balance it had before.
type DeltaResult struct {
	Account Account
	Before  decimal.Decimal
}

// TipDirection filters tips relative to an account.
type TipDirection string

const (
	Sent     TipDirection = "sent"
	Received TipDirection = "received"
	Both     TipDirection = "both"
)

// TipFilter selects tips for ListTips, newest first.
type TipFilter struct {
	AccountID string
	Direction TipDirection
	Limit     int
	Offset    int
}

func (f TipFilter) Matches(t Tip) bool {
	switch f.Direction {
	case Sent:
		return t.SenderID == f.AccountID
	case Received:
		return t.RecipientID == f.AccountID
	default:
		return t.SenderID == f.AccountID || t.RecipientID == f.AccountID
	}
}
