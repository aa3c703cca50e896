package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/services"
)

// EscrowOps is the escrow lifecycle exposed over HTTP.
type EscrowOps interface {
	Create(ctx context.Context, actor services.Actor, listingID uuid.UUID) (*models.Escrow, error)
	Get(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Escrow, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Escrow, error)
	ConfirmCompletion(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Escrow, error)
	ConfirmDelivery(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Escrow, error)
	Release(ctx context.Context, actor services.Actor, id uuid.UUID) (*services.Settlement, error)
	Dispute(ctx context.Context, actor services.Actor, id uuid.UUID, reason string) (*models.Escrow, error)
	CancelDispute(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Escrow, error)
	ForceRelease(ctx context.Context, actor services.Actor, id uuid.UUID, note string) (*services.Settlement, error)
	Refund(ctx context.Context, actor services.Actor, id uuid.UUID, note string) (*models.Escrow, error)
}

// EscrowHandler serves the party-facing escrow endpoints.
type EscrowHandler struct {
	Escrows EscrowOps
	Logger  *slog.Logger
}

type createEscrowRequest struct {
	ListingID uuid.UUID `json:"listing_id"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /api/v1/escrows.
func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	var req createEscrowRequest
	if err := decodeBody(r, &req); err != nil || req.ListingID == uuid.Nil {
		http.Error(w, `{"error":"listing_id is required","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	e, err := h.Escrows.Create(r.Context(), a, req.ListingID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// List handles GET /api/v1/escrows.
func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	list, err := h.Escrows.ListForUser(r.Context(), a.ID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if list == nil {
		list = []*models.Escrow{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": list})
}

// Get handles GET /api/v1/escrows/{id}.
func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.Get(ctx, a, id)
	})
}

func (h *EscrowHandler) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.ConfirmCompletion(ctx, a, id)
	})
}

func (h *EscrowHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.ConfirmDelivery(ctx, a, id)
	})
}

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.Release(ctx, a, id)
	})
}

// Dispute handles POST /api/v1/escrows/{id}/dispute with a required reason.
func (h *EscrowHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.Dispute(ctx, a, id, req.Reason)
	})
}

func (h *EscrowHandler) CancelDispute(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error) {
		return h.Escrows.CancelDispute(ctx, a, id)
	})
}

func (h *EscrowHandler) withEscrow(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, a services.Actor, id uuid.UUID) (interface{}, error)) {
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
	out, err := fn(r.Context(), a, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
