package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/tipledger/internal/security"
	"github.com/example/tipledger/pkg/audit"
)

// Auditor appends free-form lines to the audit chain.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware records every state-changing request. Reads are not
// audited.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			cid := security.CorrelationIDFromContext(r.Context())
			payload := fmt.Sprintf("cid=%s method=%s path=%s account=%s idempotency_key=%s status=%d dur_ms=%d",
				cid, r.Method, r.URL.Path, r.Header.Get(accountHeader), r.Header.Get(idempotencyHeader), sw.status, dur.Milliseconds())
			a.Append(payload)
		})
	}
}
