package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/livingledger/backend/internal/metrics"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidEntry is returned when an entry fails validation before insert.
	ErrInvalidEntry = errors.New("invalid ledger entry")
	// ErrInvalidAmount is returned for non-positive credit amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number of credits")
)

// Repo is the persistence the ledger needs.
type Repo interface {
	Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	InsertIdempotent(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error)
	CashableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
	Sums(ctx context.Context, userID uuid.UUID) (repository.LedgerSums, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// Profiles reads the cached balance aggregate.
type Profiles interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error)
}

// TxBeginner starts a database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the only writer of credit movements. Balances follow from the
// inserted entries; nothing here writes a balance column.
type Service struct {
	pool     TxBeginner
	repo     Repo
	profiles Profiles
	metrics  *metrics.Metrics
}

func NewService(pool TxBeginner, repo Repo, profiles Profiles, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Discard()
	}
	return &Service{pool: pool, repo: repo, profiles: profiles, metrics: m}
}

// Observe counts entries once the transaction that posted them has committed.
func (s *Service) Observe(entries ...*models.LedgerEntry) {
	for _, e := range entries {
		s.metrics.LedgerEntries.WithLabelValues(string(e.Type)).Inc()
	}
}

// Post validates e and inserts it inside tx.
func (s *Service) Post(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if err := validate(e); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if err := s.repo.Insert(ctx, tx, e); err != nil {
		return fmt.Errorf("insert %s entry: %w", e.Type, err)
	}
	return nil
}

func validate(e *models.LedgerEntry) error {
	switch {
	case e.UserID == uuid.Nil:
		return fmt.Errorf("%w: missing user", ErrInvalidEntry)
	case e.Amount == 0:
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	case !e.Source.Valid():
		return fmt.Errorf("%w: unknown credit source %q", ErrInvalidEntry, e.Source)
	case e.RelatedOfferID != nil && e.RelatedRequestID != nil:
		return fmt.Errorf("%w: both offer and request set", ErrInvalidEntry)
	}
	return nil
}

// CreditPurchase records purchased credits keyed by the processor's payment
// reference. A replayed reference writes nothing and reports applied=false.
func (s *Service) CreditPurchase(ctx context.Context, userID uuid.UUID, credits int64, paymentRef string) (applied bool, err error) {
	if credits <= 0 {
		return false, ErrInvalidAmount
	}
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return false, fmt.Errorf("%w: missing payment reference", ErrInvalidEntry)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	e := &models.LedgerEntry{
		ID:                 uuid.New(),
		UserID:             userID,
		Amount:             credits,
		Description:        fmt.Sprintf("Purchased %d credits", credits),
		Type:               models.TxPurchase,
		Source:             models.SourcePurchased,
		ExternalPaymentRef: &paymentRef,
	}
	if err := validate(e); err != nil {
		return false, err
	}
	applied, err = s.repo.InsertIdempotent(ctx, tx, e)
	if err != nil {
		return false, fmt.Errorf("insert purchase: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	if applied {
		s.Observe(e)
	}
	return applied, nil
}

// SettleCashout debits credits paid out to the user. Only cash-out eligible
// credits can leave the platform.
func (s *Service) SettleCashout(ctx context.Context, userID uuid.UUID, credits int64, note string) (*models.LedgerEntry, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.profiles.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	cashable, err := s.repo.CashableTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if credits > cashable || credits > p.EarnedCredits || credits > p.Balance {
		return nil, ErrInsufficientFunds
	}
	e := &models.LedgerEntry{
		UserID:      userID,
		Amount:      -credits,
		Description: describe("Cashout approved", note),
		Type:        models.TxCashoutApproved,
		Source:      models.SourceEarned,
		CanCashout:  true,
	}
	if err := s.Post(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Observe(e)
	return e, nil
}

// ReverseCashout returns credits of a rejected payout to the user's earned
// bucket through a ledger entry.
func (s *Service) ReverseCashout(ctx context.Context, userID uuid.UUID, credits int64, note string) (*models.LedgerEntry, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.profiles.GetByIDForUpdate(ctx, tx, userID); err != nil {
		return nil, err
	}
	e := &models.LedgerEntry{
		UserID:      userID,
		Amount:      credits,
		Description: describe("Cashout rejected", note),
		Type:        models.TxCashoutRejected,
		Source:      models.SourceEarned,
		CanCashout:  true,
	}
	if err := s.Post(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Observe(e)
	return e, nil
}

// Balance is the cached aggregate plus the cash-out eligible amount.
type Balance struct {
	Balance          int64 `json:"balance"`
	PurchasedCredits int64 `json:"purchased_credits"`
	EarnedCredits    int64 `json:"earned_credits"`
	Cashable         int64 `json:"cashable_credits"`
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	p, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	sums, err := s.repo.Sums(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Balance:          p.Balance,
		PurchasedCredits: p.PurchasedCredits,
		EarnedCredits:    p.EarnedCredits,
		Cashable:         sums.Cashable,
	}, nil
}

// Reconciliation compares cached profile fields with ledger sums.
type Reconciliation struct {
	UserID   uuid.UUID `json:"user_id"`
	Cached   Balance   `json:"cached"`
	Ledger   Balance   `json:"ledger"`
	Balanced bool      `json:"balanced"`
}

// Reconcile recomputes a user's balances from the ledger and reports whether
// they match the cached aggregate.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	p, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	sums, err := s.repo.Sums(ctx, userID)
	if err != nil {
		return nil, err
	}
	r := &Reconciliation{
		UserID: userID,
		Cached: Balance{Balance: p.Balance, PurchasedCredits: p.PurchasedCredits, EarnedCredits: p.EarnedCredits, Cashable: sums.Cashable},
		Ledger: Balance{Balance: sums.Total, PurchasedCredits: sums.Purchased, EarnedCredits: sums.Earned, Cashable: sums.Cashable},
	}
	r.Balanced = r.Cached == r.Ledger
	return r, nil
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func describe(base, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return base
	}
	return base + ": " + note
}
