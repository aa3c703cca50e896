package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/livingledger/backend/internal/metrics"
)

var (
	ErrInvalidCredits  = errors.New("credits must be a positive whole number within the purchase limit")
	ErrNotPaid         = errors.New("payment has not completed")
	ErrSessionMismatch = errors.New("checkout session belongs to another user")
)

// Processor is the payment processor API.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
}

// Crediter records a purchase once per payment reference.
type Crediter interface {
	CreditPurchase(ctx context.Context, userID uuid.UUID, credits int64, paymentRef string) (bool, error)
}

// PurchaseResult describes the outcome of a webhook or verification.
type PurchaseResult struct {
	SessionID string    `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Credits   int64     `json:"credits"`
	Paid      bool      `json:"paid"`
	Applied   bool      `json:"applied"`
}

type Service struct {
	processor  Processor
	ledger     Crediter
	verifier   *WebhookVerifier
	maxCredits int64
	log        *slog.Logger
	metrics    *metrics.Metrics
	lookups    singleflight.Group
}

func NewService(p Processor, l Crediter, v *WebhookVerifier, maxCredits int64, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Service{processor: p, ledger: l, verifier: v, maxCredits: maxCredits, log: log, metrics: m}
}

// StartCheckout opens a hosted checkout for credits on behalf of userID.
func (s *Service) StartCheckout(ctx context.Context, userID uuid.UUID, credits int64, idempotencyKey string) (*Session, error) {
	if credits <= 0 || (s.maxCredits > 0 && credits > s.maxCredits) {
		return nil, ErrInvalidCredits
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	sess, err := s.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:         userID,
		Credits:        credits,
		IdempotencyKey: fmt.Sprintf("checkout:%s:%s", userID, idempotencyKey),
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	s.log.Info("checkout session created", "user_id", userID, "credits", credits, "session_id", sess.ID)
	return sess, nil
}

// HandleWebhook credits a completed checkout delivered by the processor.
// Other event types and unpaid sessions are acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*PurchaseResult, error) {
	ev, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.metrics.Purchases.WithLabelValues("webhook", "rejected").Inc()
		return nil, err
	}
	if ev.Type != EventCheckoutCompleted {
		s.log.Debug("ignoring webhook event", "event_id", ev.ID, "type", ev.Type)
		return &PurchaseResult{SessionID: ev.Data.Object.ID}, nil
	}
	return s.settle(ctx, "webhook", &ev.Data.Object)
}

// VerifySession asks the processor about sessionID and credits it if paid.
// The caller must be the user the session was created for.
func (s *Service) VerifySession(ctx context.Context, caller uuid.UUID, sessionID string) (*PurchaseResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidPayload)
	}
	// Concurrent verifications of one session share a processor call.
	v, err, _ := s.lookups.Do(sessionID, func() (interface{}, error) {
		return s.processor.GetSession(ctx, sessionID)
	})
	if err != nil {
		s.metrics.Purchases.WithLabelValues("verify", "error").Inc()
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess := v.(*Session)
	userID, _, err := sess.Metadata.parse()
	if err != nil {
		return nil, err
	}
	if userID != caller {
		return nil, ErrSessionMismatch
	}
	res, err := s.settle(ctx, "verify", sess)
	if err != nil {
		return nil, err
	}
	if !res.Paid {
		return res, ErrNotPaid
	}
	return res, nil
}

func (s *Service) settle(ctx context.Context, path string, sess *Session) (*PurchaseResult, error) {
	userID, credits, err := sess.Metadata.parse()
	if err != nil {
		s.metrics.Purchases.WithLabelValues(path, "rejected").Inc()
		return nil, err
	}
	res := &PurchaseResult{SessionID: sess.ID, UserID: userID, Credits: credits, Paid: sess.Paid()}
	if !res.Paid {
		return res, nil
	}
	if sess.AmountCents > 0 && sess.AmountCents != credits*CentsPerCredit {
		s.metrics.Purchases.WithLabelValues(path, "rejected").Inc()
		return nil, fmt.Errorf("%w: amount %d does not match %d credits", ErrInvalidPayload, sess.AmountCents, credits)
	}
	applied, err := s.ledger.CreditPurchase(ctx, userID, credits, sess.ID)
	if err != nil {
		s.metrics.Purchases.WithLabelValues(path, "error").Inc()
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	res.Applied = applied
	result := "duplicate"
	if applied {
		result = "applied"
		s.log.Info("credits purchased", "user_id", userID, "credits", credits, "session_id", sess.ID, "path", path)
	}
	s.metrics.Purchases.WithLabelValues(path, result).Inc()
	return res, nil
}
