package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a ledger error to an HTTP status. The error kind doubles
// as the response code.
func statusFor(err error) (int, string) {
	kind := ledger.KindOf(err)
	switch kind {
	case ledger.KindSelfTip, ledger.KindInvalidAmount, ledger.KindInvalidMessage, ledger.KindInvalidMetric:
		return http.StatusBadRequest, string(kind)
	case ledger.KindAccountNotFound, ledger.KindNotFound:
		return http.StatusNotFound, string(kind)
	case ledger.KindAccountInactive, ledger.KindInsufficientFunds, ledger.KindIdempotencyMismatch:
		return http.StatusUnprocessableEntity, string(kind)
	case ledger.KindConflict, ledger.KindInvalidTransition:
		return http.StatusConflict, string(kind)
	case ledger.KindStorage:
		return http.StatusServiceUnavailable, string(kind)
	case ledger.KindIrreconcilable:
		return http.StatusInternalServerError, string(kind)
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeLedgerError reports err to the client. Messages of internal
// failures stay in the logs.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = ""
	}
	if status == http.StatusConflict || ledger.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
	}
	security.WriteJSONErrorMessage(w, r, status, code, msg)
}
