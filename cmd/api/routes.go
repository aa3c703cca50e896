package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/livingledger/backend/internal/auth"
	"github.com/livingledger/backend/internal/config"
	"github.com/livingledger/backend/internal/handlers"
	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/middleware"
	"github.com/livingledger/backend/internal/services"
)

type routerDeps struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	pool      *pgxpool.Pool
	auth      auth.Service
	escrows   *services.EscrowService
	ledger    *ledger.Service
	purchases handlers.Purchases
}

// newRouter builds the HTTP surface. Chain for authenticated routes:
// RequestLog -> CORS -> Authenticate -> RateLimit -> (RequireAdmin) -> handler.
func newRouter(ctx context.Context, d routerDeps) http.Handler {
	eh := &handlers.EscrowHandler{Escrows: d.escrows, Logger: d.logger}
	lh := &handlers.LedgerHandler{Ledger: d.ledger, Logger: d.logger}
	ph := &handlers.PaymentHandler{Purchases: d.purchases, Logger: d.logger}
	ah := &handlers.AdminHandler{
		Escrows:   d.escrows,
		Sweeper:   d.escrows,
		Cashouts:  d.ledger,
		BatchSize: d.cfg.AutoRelease.BatchSize,
		Logger:    d.logger,
	}

	limiter := middleware.NewLimiterStore(rate.Limit(d.cfg.HTTP.RateLimit.RPS), d.cfg.HTTP.RateLimit.Burst, 10*time.Minute)
	limiter.StartJanitor(ctx, time.Minute)

	authn := middleware.Authenticate(d.auth, d.logger)
	limit := middleware.RateLimit(limiter)
	user := func(h http.HandlerFunc) http.Handler { return authn(limit(h)) }
	admin := func(h http.HandlerFunc) http.Handler { return authn(limit(middleware.RequireAdmin(h))) }

	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/escrows", user(eh.Create))
	mux.Handle("GET /api/v1/escrows", user(eh.List))
	mux.Handle("GET /api/v1/escrows/{id}", user(eh.Get))
	mux.Handle("POST /api/v1/escrows/{id}/confirm-completion", user(eh.ConfirmCompletion))
	mux.Handle("POST /api/v1/escrows/{id}/confirm-delivery", user(eh.ConfirmDelivery))
	mux.Handle("POST /api/v1/escrows/{id}/release", user(eh.Release))
	mux.Handle("POST /api/v1/escrows/{id}/dispute", user(eh.Dispute))
	mux.Handle("POST /api/v1/escrows/{id}/dispute/cancel", user(eh.CancelDispute))

	mux.Handle("GET /api/v1/ledger", user(lh.History))
	mux.Handle("GET /api/v1/balance", user(lh.Balance))

	mux.Handle("POST /api/v1/credits/checkout", user(ph.Checkout))
	mux.Handle("POST /api/v1/credits/verify", user(ph.Verify))
	// Signed by the processor; no bearer token.
	mux.HandleFunc("POST /api/v1/webhooks/payments", ph.Webhook)

	mux.Handle("POST /api/v1/admin/escrows/{id}/force-release", admin(ah.ForceRelease))
	mux.Handle("POST /api/v1/admin/escrows/{id}/refund", admin(ah.Refund))
	mux.Handle("POST /api/v1/admin/auto-release/run", admin(ah.RunAutoRelease))
	mux.Handle("POST /api/v1/admin/cashouts/settle", admin(ah.SettleCashout))
	mux.Handle("POST /api/v1/admin/cashouts/reverse", admin(ah.ReverseCashout))
	mux.Handle("GET /api/v1/admin/users/{id}/reconcile", admin(ah.Reconcile))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   d.cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)

	return middleware.RequestLog(d.logger)(corsHandler)
}
