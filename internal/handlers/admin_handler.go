package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/services"
)

// Sweeper runs one auto-release pass.
type Sweeper interface {
	Sweep(ctx context.Context, batchSize int) (services.SweepResult, error)
}

// Cashouts settles and reverses cash-outs and audits balances.
type Cashouts interface {
	SettleCashout(ctx context.Context, userID uuid.UUID, credits int64, note string) (*models.LedgerEntry, error)
	ReverseCashout(ctx context.Context, userID uuid.UUID, credits int64, note string) (*models.LedgerEntry, error)
	Reconcile(ctx context.Context, userID uuid.UUID) (*ledger.Reconciliation, error)
}

// AdminHandler serves /api/v1/admin. Routes are wrapped in
// middleware.RequireAdmin; the services re-check the flag on escrow overrides.
type AdminHandler struct {
	Escrows   EscrowOps
	Sweeper   Sweeper
	Cashouts  Cashouts
	BatchSize int
	Logger    *slog.Logger
}

type adminNoteRequest struct {
	Note string `json:"note"`
}

type cashoutRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int64     `json:"credits"`
	Note    string    `json:"note"`
}

func (h *AdminHandler) escrowOverride(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, a services.Actor, id uuid.UUID, note string) (interface{}, error)) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid escrow id","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	var req adminNoteRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	out, err := fn(r.Context(), a, id, req.Note)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	logOrDefault(h.Logger).Info("admin escrow override", "admin_id", a.ID, "escrow_id", id, "path", r.URL.Path)
	writeJSON(w, http.StatusOK, out)
}

// ForceRelease handles POST /api/v1/admin/escrows/{id}/force-release.
func (h *AdminHandler) ForceRelease(w http.ResponseWriter, r *http.Request) {
	h.escrowOverride(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID, note string) (interface{}, error) {
		return h.Escrows.ForceRelease(ctx, a, id, note)
	})
}

// Refund handles POST /api/v1/admin/escrows/{id}/refund.
func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.escrowOverride(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID, note string) (interface{}, error) {
		return h.Escrows.Refund(ctx, a, id, note)
	})
}

// RunAutoRelease handles POST /api/v1/admin/auto-release/run.
func (h *AdminHandler) RunAutoRelease(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Sweep(r.Context(), h.BatchSize)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) SettleCashout(w http.ResponseWriter, r *http.Request) {
	h.cashout(w, r, h.Cashouts.SettleCashout)
}

func (h *AdminHandler) ReverseCashout(w http.ResponseWriter, r *http.Request) {
	h.cashout(w, r, h.Cashouts.ReverseCashout)
}

func (h *AdminHandler) cashout(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID uuid.UUID, credits int64, note string) (*models.LedgerEntry, error)) {
	var req cashoutRequest
	if err := decodeBody(r, &req); err != nil || req.UserID == uuid.Nil {
		http.Error(w, `{"error":"user_id and credits are required","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	entry, err := fn(r.Context(), req.UserID, req.Credits, req.Note)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Reconcile handles GET /api/v1/admin/users/{id}/reconcile.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid user id","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	rec, err := h.Cashouts.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if !rec.Balanced {
		logOrDefault(h.Logger).Warn("balance drift", "user_id", id, "cached", rec.Cached, "ledger", rec.Ledger)
	}
	writeJSON(w, http.StatusOK, rec)
}
