package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/middleware"
	"github.com/livingledger/backend/internal/payments"
	"github.com/livingledger/backend/internal/services"
)

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	DaysRemaining *int   `json:"days_remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and a reason the client can act on.
// Internal failures are logged and reported without detail.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	log = logOrDefault(log)
	status, code := classify(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	var notReady *services.NotReadyError
	if errors.As(err, &notReady) {
		days := notReady.DaysRemaining
		resp.DaysRemaining = &days
	}
	if status >= 500 {
		log.Error("request failed", "error", err)
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

func logOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payments.ErrSessionMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, payments.ErrInvalidCredits), errors.Is(err, payments.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, payments.ErrBadSignature):
		return http.StatusBadRequest, "bad_signature"
	case errors.Is(err, payments.ErrNotPaid):
		return http.StatusBadRequest, "payment_pending"
	case errors.Is(err, payments.ErrProcessorUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	var se *payments.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway, "processor_error"
	}

	kind := services.KindOf(err)
	switch kind {
	case services.KindUnauthorized:
		return http.StatusUnauthorized, kind.String()
	case services.KindForbidden:
		return http.StatusForbidden, kind.String()
	case services.KindNotFound:
		return http.StatusNotFound, kind.String()
	case services.KindInvalid, services.KindPrecondition, services.KindNotReady:
		return http.StatusBadRequest, kind.String()
	case services.KindConflict:
		return http.StatusConflict, kind.String()
	}
	return http.StatusInternalServerError, kind.String()
}

func actor(r *http.Request) (services.Actor, bool) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok || id.UserID == uuid.Nil {
		return services.Actor{}, false
	}
	return services.Actor{ID: id.UserID, Admin: id.Admin}, true
}

func pathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body into v. An empty body is allowed.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
