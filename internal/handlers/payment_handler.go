package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/payments"
	"github.com/livingledger/backend/internal/services"
)

const maxWebhookBytes = 1 << 20

// Purchases is the credit purchase flow.
type Purchases interface {
	StartCheckout(ctx context.Context, userID uuid.UUID, credits int64, idempotencyKey string) (*payments.Session, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*payments.PurchaseResult, error)
	VerifySession(ctx context.Context, caller uuid.UUID, sessionID string) (*payments.PurchaseResult, error)
}

type PaymentHandler struct {
	Purchases Purchases
	Logger    *slog.Logger
}

type checkoutRequest struct {
	Credits int64 `json:"credits"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

// Checkout handles POST /api/v1/credits/checkout. The Idempotency-Key header
// is forwarded so a retried click reuses the same session.
func (h *PaymentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	var req checkoutRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	sess, err := h.Purchases.StartCheckout(r.Context(), a.ID, req.Credits, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: sess.ID, URL: sess.URL})
}

// Verify handles POST /api/v1/credits/verify after the processor redirect.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(r)
	if !ok {
		writeError(w, h.Logger, services.ErrUnauthenticated)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body","code":"invalid"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Purchases.VerifySession(r.Context(), a.ID, req.SessionID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Webhook handles POST /api/v1/webhooks/payments. It is unauthenticated; the
// signature header is the only proof of origin.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, `{"error":"payload too large","code":"invalid"}`, http.StatusRequestEntityTooLarge)
		return
	}
	res, err := h.Purchases.HandleWebhook(r.Context(), body, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			logOrDefault(h.Logger).Warn("webhook signature rejected", "remote", r.RemoteAddr)
		}
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
