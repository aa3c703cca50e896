package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/auth"
)

type contextKey string

const (
	ctxIdentityKey contextKey = "identity"
	// ctxIdentitySlot lets RequestLog, which runs outside Authenticate, see
	// the identity resolved further down the chain.
	ctxIdentitySlot contextKey = "identity_slot"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
	Admin  bool
}

// Authenticate verifies the Bearer token with the identity provider and
// resolves the caller's admin flag before the handler runs.
func Authenticate(svc auth.Service, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := svc.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			admin, err := svc.IsAdmin(r.Context(), userID)
			if err != nil {
				log.Warn("admin lookup failed", "user_id", userID, "error", err)
				admin = false
			}
			ctx := WithIdentity(r.Context(), Identity{UserID: userID, Admin: admin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers without the admin flag. Use after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromCtx(r.Context())
		if !ok {
			http.Error(w, `{"error":"authentication required","code":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !id.Admin {
			http.Error(w, `{"error":"admin privileges required","code":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromCtx returns the authenticated caller, if any.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(Identity)
	return id, ok
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if slot, ok := ctx.Value(ctxIdentitySlot).(*Identity); ok {
		*slot = id
	}
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
