package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"golang.org/x/sync/errgroup"

	"github.com/livingledger/backend/internal/auth"
	"github.com/livingledger/backend/internal/config"
	"github.com/livingledger/backend/internal/jobs"
	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/logging"
	"github.com/livingledger/backend/internal/metrics"
	"github.com/livingledger/backend/internal/notify"
	"github.com/livingledger/backend/internal/payments"
	"github.com/livingledger/backend/internal/repository"
	"github.com/livingledger/backend/internal/services"
)

func main() {
	if err := run(); err != nil {
		slog.Error("living ledger stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(os.Stdout, cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	logger.Info("migrations applied")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	profiles := repository.NewProfileRepo(pool)
	escrows := repository.NewEscrowRepo(pool)
	listings := repository.NewListingRepo(pool)
	ledgerSvc := ledger.NewService(pool, repository.NewLedgerRepo(pool), profiles, m)

	fees, err := services.NewFeePolicy(cfg.Fee.Version, cfg.Fee.Rate)
	if err != nil {
		return err
	}

	// The notifier enqueues through the river client, which needs the
	// workers (and so the escrow service) first. The insert func is set
	// once the client exists.
	var insertMu sync.Mutex
	var insertFn jobs.InsertFunc
	insert := func(ctx context.Context, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("job queue not ready")
		}
		return fn(ctx, args)
	}

	escrowSvc := &services.EscrowService{
		Pool:         pool,
		Escrows:      escrows,
		Listings:     listings,
		Profiles:     profiles,
		Ledger:       ledgerSvc,
		Fees:         fees,
		SafetyWindow: cfg.Escrow.SafetyWindow(),
		Notifier:     jobs.NewRiverNotifier(insert),
		Logger:       logger,
		Metrics:      m,
	}

	mailer := notify.NewClient(notify.Config{
		BaseURL: cfg.Notify.BaseURL,
		APIKey:  cfg.Notify.APIKey,
		From:    cfg.Notify.From,
		Timeout: cfg.Notify.Timeout,
	})

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewAutoReleaseWorker(escrowSvc, logger))
	river.AddWorker(workers, jobs.NewNotifyWorker(profiles, mailer, logger, m))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.River.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			jobs.PeriodicAutoRelease(cfg.AutoRelease.Interval, cfg.AutoRelease.BatchSize, cfg.AutoRelease.RunOnStart),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, args river.JobArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	verifier, err := payments.NewWebhookVerifier(cfg.Payments.WebhookSecret, cfg.Payments.WebhookTolerance)
	if err != nil {
		return err
	}
	processor := payments.NewClient(payments.ClientConfig{
		BaseURL:    cfg.Payments.BaseURL,
		APIKey:     cfg.Payments.APIKey,
		SuccessURL: cfg.Payments.SuccessURL,
		CancelURL:  cfg.Payments.CancelURL,
		Timeout:    cfg.Payments.Timeout,
	})
	paymentSvc := payments.NewService(processor, ledgerSvc, verifier, cfg.Payments.MaxCredits, logger, m)

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, profiles)

	handler := newRouter(ctx, routerDeps{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		pool:      pool,
		auth:      authSvc,
		escrows:   escrowSvc,
		ledger:    ledgerSvc,
		purchases: paymentSvc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("starting http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
