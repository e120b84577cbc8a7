package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/tipledger/internal/ledger"
	"github.com/example/tipledger/internal/security"
)

type sendTipRequest struct {
	RecipientID string `json:"recipient_id"`
	Amount      string `json:"amount"`
	Message     string `json:"message"`
}

type tipResponse struct {
	CorrelationID string     `json:"correlation_id"`
	Tip           ledger.Tip `json:"tip"`
}

type listTipsResponse struct {
	CorrelationID string       `json:"correlation_id"`
	Tips          []ledger.Tip `json:"tips"`
	Limit         int          `json:"limit"`
	Offset        int          `json:"offset"`
}

type statsResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Stats         ledger.AccountStats `json:"stats"`
}

type leaderboardResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Metric        ledger.Metric             `json:"metric"`
	Entries       []ledger.LeaderboardEntry `json:"entries"`
}

type platformStatsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Stats         ledger.PlatformStats `json:"stats"`
}

func handleSendTip(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Tips == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		sender := r.Header.Get(accountHeader)
		if sender == "" {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "missing_account_id", accountHeader+" header is required")
			return
		}

		var req sendTipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, string(ledger.KindInvalidAmount), "amount is not a decimal number")
			return
		}

		tip, err := deps.Tips.SendTip(r.Context(), ledger.SendTipRequest{
			SenderID:       sender,
			RecipientID:    req.RecipientID,
			Amount:         amount,
			Message:        req.Message,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, tipResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Tip:           tip,
		})
	}
}

func handleGetTip(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		tip, err := deps.Reader.GetTip(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, tipResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Tip:           tip,
		})
	}
}

func handleListTips(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		filter := ledger.TipFilter{AccountID: chi.URLParam(r, "id"), Direction: ledger.Both}
		switch d := ledger.TipDirection(r.URL.Query().Get("direction")); d {
		case "":
		case ledger.Sent, ledger.Received, ledger.Both:
			filter.Direction = d
		default:
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "direction must be sent, received or both")
			return
		}
		var ok bool
		if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
			return
		}
		if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
			return
		}

		tips, err := deps.Reader.ListTips(r.Context(), filter)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		if tips == nil {
			tips = []ledger.Tip{}
		}

		writeJSON(w, r, http.StatusOK, listTipsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Tips:          tips,
			Limit:         filter.Limit,
			Offset:        filter.Offset,
		})
	}
}

func handleStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		stats, err := deps.Reader.StatsFor(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, statsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Stats:         stats,
		})
	}
}

func handleLeaderboard(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		metric := ledger.MetricBalance
		if v := r.URL.Query().Get("metric"); v != "" {
			m, err := ledger.ParseMetric(v)
			if err != nil {
				writeLedgerError(w, r, err)
				return
			}
			metric = m
		}
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}

		entries, err := deps.Reader.Leaderboard(r.Context(), metric, limit)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		if entries == nil {
			entries = []ledger.LeaderboardEntry{}
		}

		writeJSON(w, r, http.StatusOK, leaderboardResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Metric:        metric,
			Entries:       entries,
		})
	}
}

func handlePlatformStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		stats, err := deps.Reader.PlatformStats(r.Context())
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, platformStatsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Stats:         stats,
		})
	}
}

// queryInt reads an optional non-negative integer parameter. On a bad
// value it writes the error response and returns ok=false.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", name+" must be a non-negative integer")
		return 0, false
	}
	return i, true
}
