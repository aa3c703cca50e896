package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/services"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// LedgerReader reads a user's balances and entries.
type LedgerReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (*ledger.Balance, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type LedgerHandler struct {
	Ledger LedgerReader
	Logger *slog.Logger
}

// Balance handles GET /api/v1/balance.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	b, err := h.Ledger.Balance(r.Context(), a.ID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// History handles GET /api/v1/ledger?limit=N, newest first.
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer","code":"invalid"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := h.Ledger.History(r.Context(), a.ID, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
