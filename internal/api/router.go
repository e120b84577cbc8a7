package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/metrics"
	"github.com/example/tipledger/internal/security"
	"github.com/example/tipledger/pkg/audit"
)

const (
	accountHeader     = "X-Account-ID"
	idempotencyHeader = "Idempotency-Key"
)

type Dependencies struct {
	Logger *slog.Logger

	Tips interface {
		SendTip(ctx context.Context, req ledger.SendTipRequest) (ledger.Tip, error)
	}
	Reader interface {
		GetTip(ctx context.Context, id string) (ledger.Tip, error)
		ListTips(ctx context.Context, f ledger.TipFilter) ([]ledger.Tip, error)
		StatsFor(ctx context.Context, id string) (ledger.AccountStats, error)
		Leaderboard(ctx context.Context, metric ledger.Metric, limit int) ([]ledger.LeaderboardEntry, error)
		PlatformStats(ctx context.Context) (ledger.PlatformStats, error)
	}
	Reconciler interface {
		CheckAll(ctx context.Context) ([]*ledger.ValidationResult, error)
	}
	AuditLog interface {
		Recent(n int) []*audit.LogEntry
	}

	Metrics      *metrics.Metrics
	Auditor      Auditor
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	sendTipV, err := security.NewJSONSchemaValidator("send_tip.json", sendTipSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.InstrumentHandler)
	}
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(sendTipV.Middleware).Post("/tips", handleSendTip(deps))
		r.Get("/tips/{id}", handleGetTip(deps))

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/tips", handleListTips(deps))
			r.Get("/stats", handleStats(deps))
		})

		r.Get("/leaderboard", handleLeaderboard(deps))
		r.Get("/stats", handlePlatformStats(deps))

		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconcile", handleReconcile(deps))
			r.Get("/audit", handleAuditLog(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
