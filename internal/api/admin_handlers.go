package api

import (
	"net/http"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/security"
	"github.com/example/tipledger/pkg/audit"
)

type reconcileResponse struct {
	CorrelationID string                     `json:"correlation_id"`
	Valid         bool                       `json:"valid"`
	Results       []*ledger.ValidationResult `json:"results"`
}

type auditLogResponse struct {
	CorrelationID string            `json:"correlation_id"`
	ChainValid    bool              `json:"chain_valid"`
	Entries       []*audit.LogEntry `json:"entries"`
}

// handleReconcile replays every account. Results lists only failed checks;
// the response is 200 either way.
func handleReconcile(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reconciler == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "reconciler_unavailable")
			return
		}

		results, err := deps.Reconciler.CheckAll(r.Context())
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		valid := len(results) == 0
		if !valid {
			deps.Logger.Error("reconcile_failed", "cid", security.CorrelationIDFromContext(r.Context()))
		}

		writeJSON(w, r, http.StatusOK, reconcileResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Valid:         valid,
			Results:       append([]*ledger.ValidationResult{}, results...),
		})
	}
}

func handleAuditLog(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.AuditLog == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
			return
		}
		n, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		if n == 0 {
			n = 50
		}

		entries := deps.AuditLog.Recent(n)
		writeJSON(w, r, http.StatusOK, auditLogResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			ChainValid:    audit.VerifyChain(entries),
			Entries:       entries,
		})
	}
}
