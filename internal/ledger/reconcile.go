package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reconciler checks stored state against the ledger. It only reads.
type Reconciler struct {
	store Store
	now   func() time.Time
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	AccountID      string                 `json:"account_id,omitempty"`
	TipID          string                 `json:"tip_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

func (r *Reconciler) result(kind string, valid bool, msg string) *ValidationResult {
	return &ValidationResult{
		IsValid:        valid,
		ValidationType: kind,
		Message:        msg,
		Timestamp:      r.now(),
	}
}

// CheckAccount replays an account's entries from its opening balance. Every
// entry must start where the previous one ended and the replay must end at
// the stored balance.
func (r *Reconciler) CheckAccount(ctx context.Context, accountID string) *ValidationResult {
	res := r.result("account_replay", false, "")
	res.AccountID = accountID

	acc, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to load account: %v", err)
		return res
	}

	running := acc.OpeningBalance
	var count int
	for e, err := range r.store.EntriesFor(ctx, accountID) {
		if err != nil {
			res.Message = fmt.Sprintf("failed to read entries: %v", err)
			return res
		}
		count++
		if !e.BalanceBefore.Equal(running) {
			res.Message = fmt.Sprintf("entry %s starts at %s, expected %s", e.ID, e.BalanceBefore, running)
			res.Details = map[string]interface{}{"entry_id": e.ID, "seq": e.Seq}
			return res
		}
		running = running.Add(e.Signed())
		if !e.BalanceAfter.Equal(running) {
			res.Message = fmt.Sprintf("entry %s ends at %s, expected %s", e.ID, e.BalanceAfter, running)
			res.Details = map[string]interface{}{"entry_id": e.ID, "seq": e.Seq}
			return res
		}
	}

	res.Details = map[string]interface{}{
		"entries":        count,
		"replay_balance": running.String(),
		"stored_balance": acc.Balance.String(),
	}
	if !running.Equal(acc.Balance) {
		res.Message = fmt.Sprintf("balance drift: ledger replays to %s, account holds %s", running, acc.Balance)
		return res
	}
	res.IsValid = true
	res.Message = "ledger replay matches stored balance"
	return res
}

// CheckTip verifies the double-entry rule for one tip: a completed tip has
// one debit on the sender and one credit on the recipient for the tip
// amount; any other tip nets to zero on every account.
func (r *Reconciler) CheckTip(ctx context.Context, tipID string) *ValidationResult {
	res := r.result("double_entry", false, "")
	res.TipID = tipID

	tip, err := r.store.GetTip(ctx, tipID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to load tip: %v", err)
		return res
	}
	entries, err := r.store.EntriesForTip(ctx, tipID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to read entries: %v", err)
		return res
	}
	res.Details = map[string]interface{}{"status": string(tip.Status), "entries": len(entries)}

	if tip.Status == StatusCompleted {
		var debits, credits int
		for _, e := range entries {
			switch {
			case e.Direction == Debit && e.AccountID == tip.SenderID && e.Amount.Equal(tip.Amount):
				debits++
			case e.Direction == Credit && e.AccountID == tip.RecipientID && e.Amount.Equal(tip.Amount):
				credits++
			}
		}
		if len(entries) != 2 || debits != 1 || credits != 1 {
			res.Message = fmt.Sprintf("completed tip has %d entries (%d matching debits, %d matching credits), expected one of each", len(entries), debits, credits)
			return res
		}
		res.IsValid = true
		res.Message = "debit and credit entries match the tip"
		return res
	}

	net := make(map[string]decimal.Decimal)
	for _, e := range entries {
		net[e.AccountID] = net[e.AccountID].Add(e.Signed())
	}
	for accountID, v := range net {
		if !v.IsZero() {
			res.AccountID = accountID
			res.Message = fmt.Sprintf("%s tip moves %s on account %s", tip.Status, v, accountID)
			return res
		}
	}
	res.IsValid = true
	res.Message = fmt.Sprintf("%s tip has no net effect", tip.Status)
	return res
}

// CheckConservation verifies that transfers neither created nor destroyed
// value: current balances sum to the opening balances.
func (r *Reconciler) CheckConservation(ctx context.Context) *ValidationResult {
	res := r.result("conservation", false, "")

	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("failed to list accounts: %v", err)
		return res
	}
	var opening, current decimal.Decimal
	for _, a := range accounts {
		opening = opening.Add(a.OpeningBalance)
		current = current.Add(a.Balance)
	}
	res.Details = map[string]interface{}{
		"accounts":      len(accounts),
		"opening_total": opening.String(),
		"current_total": current.String(),
	}
	if !opening.Equal(current) {
		res.Message = fmt.Sprintf("balances sum to %s, opening balances to %s", current, opening)
		return res
	}
	res.IsValid = true
	res.Message = "total balance conserved"
	return res
}

// CheckAll runs CheckAccount for every account and CheckConservation,
// returning only failed results.
func (r *Reconciler) CheckAll(ctx context.Context) ([]*ValidationResult, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var failed []*ValidationResult
	for _, a := range accounts {
		if res := r.CheckAccount(ctx, a.ID); !res.IsValid {
			failed = append(failed, res)
		}
	}
	if res := r.CheckConservation(ctx); !res.IsValid {
		failed = append(failed, res)
	}
	return failed, nil
}
