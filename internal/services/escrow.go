package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/livingledger/backend/internal/metrics"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/repository"
)

// DefaultSafetyWindow is how long funds stay held after a one-sided delivery.
const DefaultSafetyWindow = 7 * 24 * time.Hour

// TxBeginner starts a database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowRepo is the escrow persistence the service needs.
type EscrowRepo interface {
	ActiveCounter
	Create(ctx context.Context, tx pgx.Tx, e *models.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Escrow, error)
	Update(ctx context.Context, tx pgx.Tx, e *models.Escrow, expected models.EscrowStatus) error
	ListByParty(ctx context.Context, userID uuid.UUID) ([]*models.Escrow, error)
	ListAutoReleaseCandidates(ctx context.Context, now time.Time, after *repository.SweepCursor, limit int) ([]repository.SweepCursor, error)
}

// ListingRepo resolves offers and requests.
type ListingRepo interface {
	ResolveForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Listing, error)
	MarkSoldOut(ctx context.Context, ref models.ListingRef) error
}

// ProfileLocker locks a profile row for a balance check.
type ProfileLocker interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error)
}

// Poster writes ledger entries inside a transaction.
type Poster interface {
	Post(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	Observe(entries ...*models.LedgerEntry)
}

// Actor is the authenticated caller of an escrow operation.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// Settlement is the outcome of a release.
type Settlement struct {
	Escrow          *models.Escrow `json:"escrow"`
	PlatformFee     int64          `json:"platform_fee"`
	ProviderCredits int64          `json:"provider_credits"`
	FeeVersion      string         `json:"fee_version"`
}

// EscrowService runs the escrow lifecycle. Every balance-affecting operation
// locks the escrow (and for creation the payer's profile and the listing) in
// one transaction, checks the current status, posts ledger entries and writes
// the new status with a compare-and-set on the status it read.
type EscrowService struct {
	Pool         TxBeginner
	Escrows      EscrowRepo
	Listings     ListingRepo
	Profiles     ProfileLocker
	Ledger       Poster
	Fees         FeePolicy
	SafetyWindow time.Duration
	Notifier     Notifier
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

func (s *EscrowService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *EscrowService) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *EscrowService) window() time.Duration {
	if s.SafetyWindow <= 0 {
		return DefaultSafetyWindow
	}
	return s.SafetyWindow
}

func (s *EscrowService) observe(op string, err error) {
	if s.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	s.Metrics.EscrowOps.WithLabelValues(op, result).Inc()
}

func (s *EscrowService) notify(ctx context.Context, notes ...Notification) {
	if s.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		err := s.Notifier.Notify(ctx, n)
		if s.Metrics != nil {
			result := "enqueued"
			if err != nil {
				result = "enqueue_failed"
			}
			s.Metrics.Notifications.WithLabelValues(result).Inc()
		}
		if err != nil {
			s.log().Warn("notification not enqueued", "kind", n.Kind, "user_id", n.UserID, "escrow_id", n.EscrowID, "error", err)
		}
	}
}

// Create funds a new escrow for listingID from the caller's balance. The
// caller is the payer and the listing owner is the provider.
func (s *EscrowService) Create(ctx context.Context, actor Actor, listingID uuid.UUID) (e *models.Escrow, err error) {
	defer func() { s.observe("create", err) }()
	if actor.ID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	listing, err := s.Listings.ResolveForUpdate(ctx, tx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve listing: %w", err)
	}
	if listing.OwnerID == actor.ID {
		return nil, ErrSelfPurchase
	}
	total := listing.Total()
	if total <= 0 {
		return nil, ErrInvalidPrice
	}

	payer, err := s.Profiles.GetByIDForUpdate(ctx, tx, actor.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock payer: %w", err)
	}
	if payer.Balance < total {
		return nil, ErrInsufficientFunds
	}
	if err := checkCapacity(ctx, tx, s.Escrows, listing); err != nil {
		return nil, err
	}

	now := s.now()
	e = &models.Escrow{
		ID:                 uuid.New(),
		PayerID:            actor.ID,
		ProviderID:         listing.OwnerID,
		CreditsHeld:        total,
		Listing:            listing.Ref,
		Status:             models.EscrowHeld,
		ReleaseAvailableAt: now.Add(s.window()),
	}
	if err := s.Escrows.Create(ctx, tx, e); err != nil {
		return nil, fmt.Errorf("insert escrow: %w", err)
	}
	hold := &models.LedgerEntry{
		UserID:          actor.ID,
		Amount:          -total,
		Description:     fmt.Sprintf("Escrow hold for %s", listing.Ref),
		Type:            models.TxEscrowHold,
		RelatedEscrowID: &e.ID,
	}
	hold.RelateListing(listing.Ref)
	if err := s.Ledger.Post(ctx, tx, hold); err != nil {
		return nil, err
	}
	soldOut, err := atCapacity(ctx, tx, s.Escrows, listing)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Ledger.Observe(hold)

	if soldOut {
		if err := s.Listings.MarkSoldOut(ctx, listing.Ref); err != nil {
			s.log().Warn("mark listing sold out", "listing", listing.Ref.String(), "error", err)
		}
	}
	s.log().Info("escrow created", "escrow_id", e.ID, "payer_id", e.PayerID, "provider_id", e.ProviderID, "credits", total)
	s.notify(ctx, Notification{Kind: NotifyEscrowCreated, UserID: e.ProviderID, EscrowID: e.ID, Credits: total})
	return e, nil
}

// mutate loads the escrow under lock, applies fn and writes it back only if
// its status is still the one that was read.
func (s *EscrowService) mutate(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error)) (*models.Escrow, []*models.LedgerEntry, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.Escrows.GetByIDForUpdate(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock escrow: %w", err)
	}
	expected := e.Status
	entries, err := fn(tx, e)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Escrows.Update(ctx, tx, e, expected); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, nil, ErrConcurrentUpdate
		}
		return nil, nil, fmt.Errorf("update escrow: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	s.Ledger.Observe(entries...)
	return e, entries, nil
}

// ConfirmCompletion is the provider's confirmation that the work is done.
func (s *EscrowService) ConfirmCompletion(ctx context.Context, actor Actor, id uuid.UUID) (e *models.Escrow, err error) {
	defer func() { s.observe("confirm_completion", err) }()
	e, _, err = s.mutate(ctx, id, func(_ pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		if actor.ID != e.ProviderID {
			return nil, ErrNotProvider
		}
		return nil, confirmCompletion(e, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Notification{Kind: NotifyCompletionConfirmed, UserID: e.PayerID, EscrowID: e.ID})
	return e, nil
}

// ConfirmDelivery is the buyer's confirmation of receipt.
func (s *EscrowService) ConfirmDelivery(ctx context.Context, actor Actor, id uuid.UUID) (e *models.Escrow, err error) {
	defer func() { s.observe("confirm_delivery", err) }()
	e, _, err = s.mutate(ctx, id, func(_ pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		if actor.ID != e.PayerID {
			return nil, ErrNotPayer
		}
		return nil, confirmDelivery(e, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Notification{Kind: NotifyDeliveryConfirmed, UserID: e.ProviderID, EscrowID: e.ID})
	return e, nil
}

// releaseEntries credits the provider the full held amount and debits the
// platform fee as a separate entry.
func (s *EscrowService) releaseEntries(e *models.Escrow) (entries []*models.LedgerEntry, fee, net int64) {
	fee, net = s.Fees.Split(e.CreditsHeld)
	earned := &models.LedgerEntry{
		UserID:          e.ProviderID,
		Amount:          e.CreditsHeld,
		Description:     "Escrow release",
		Type:            models.TxEarned,
		Source:          models.SourceEarned,
		CanCashout:      true,
		RelatedEscrowID: &e.ID,
	}
	earned.RelateListing(e.Listing)
	entries = append(entries, earned)
	if fee > 0 {
		feeEntry := &models.LedgerEntry{
			UserID:          e.ProviderID,
			Amount:          -fee,
			Description:     fmt.Sprintf("Platform fee (%s)", s.Fees),
			Type:            models.TxPlatformFee,
			Source:          models.SourceEarned,
			CanCashout:      true,
			RelatedEscrowID: &e.ID,
		}
		feeEntry.RelateListing(e.Listing)
		entries = append(entries, feeEntry)
	}
	return entries, fee, net
}

func (s *EscrowService) postAll(ctx context.Context, tx pgx.Tx, entries []*models.LedgerEntry) error {
	for _, entry := range entries {
		if err := s.Ledger.Post(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *EscrowService) settle(ctx context.Context, id uuid.UUID, check func(e *models.Escrow, now time.Time) error) (*Settlement, error) {
	var fee, net int64
	e, _, err := s.mutate(ctx, id, func(tx pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		now := s.now()
		if err := check(e, now); err != nil {
			return nil, err
		}
		var entries []*models.LedgerEntry
		entries, fee, net = s.releaseEntries(e)
		if err := s.postAll(ctx, tx, entries); err != nil {
			return nil, err
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return &Settlement{Escrow: e, PlatformFee: fee, ProviderCredits: net, FeeVersion: s.Fees.Version}, nil
}

// Release pays out a confirmed escrow, or a delivered one whose safety window
// has elapsed. Either party or an admin may call it.
func (s *EscrowService) Release(ctx context.Context, actor Actor, id uuid.UUID) (st *Settlement, err error) {
	defer func() { s.observe("release", err) }()
	st, err = s.settle(ctx, id, func(e *models.Escrow, now time.Time) error {
		if !actor.Admin && !e.IsParty(actor.ID) {
			return ErrNotParty
		}
		if err := releasable(e, now); err != nil {
			return err
		}
		markReleased(e, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("escrow released", "escrow_id", id, "by", actor.ID, "fee", st.PlatformFee, "provider_credits", st.ProviderCredits)
	s.notify(ctx, Notification{Kind: NotifyEscrowReleased, UserID: st.Escrow.ProviderID, EscrowID: id, Credits: st.ProviderCredits})
	return st, nil
}

// AutoRelease releases an escrow both parties confirmed once its window has
// elapsed. It shares the locked compare-and-set path with Release.
func (s *EscrowService) AutoRelease(ctx context.Context, id uuid.UUID) (st *Settlement, err error) {
	defer func() { s.observe("auto_release", err) }()
	st, err = s.settle(ctx, id, func(e *models.Escrow, now time.Time) error {
		if err := autoReleasable(e, now); err != nil {
			return err
		}
		markReleased(e, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Notification{Kind: NotifyEscrowReleased, UserID: st.Escrow.ProviderID, EscrowID: id, Credits: st.ProviderCredits})
	return st, nil
}

// Dispute freezes the escrow. Either party may report.
func (s *EscrowService) Dispute(ctx context.Context, actor Actor, id uuid.UUID, reason string) (e *models.Escrow, err error) {
	defer func() { s.observe("dispute", err) }()
	e, _, err = s.mutate(ctx, id, func(_ pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		if !e.IsParty(actor.ID) {
			return nil, ErrNotParty
		}
		return nil, openDispute(e, actor.ID, reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("dispute opened", "escrow_id", id, "reported_by", actor.ID)
	s.notify(ctx, Notification{Kind: NotifyDisputeOpened, UserID: e.Counterparty(actor.ID), EscrowID: id, Reason: *e.DisputeReason})
	return e, nil
}

// CancelDispute withdraws an open dispute. Only its reporter may cancel.
func (s *EscrowService) CancelDispute(ctx context.Context, actor Actor, id uuid.UUID) (e *models.Escrow, err error) {
	defer func() { s.observe("cancel_dispute", err) }()
	e, _, err = s.mutate(ctx, id, func(_ pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		if !e.IsParty(actor.ID) {
			return nil, ErrNotParty
		}
		return nil, cancelDispute(e, actor.ID)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Notification{Kind: NotifyDisputeCancelled, UserID: e.Counterparty(actor.ID), EscrowID: id})
	return e, nil
}

// ForceRelease is the admin resolution in the provider's favour. It applies
// the same fee policy as every other release.
func (s *EscrowService) ForceRelease(ctx context.Context, actor Actor, id uuid.UUID, note string) (st *Settlement, err error) {
	defer func() { s.observe("force_release", err) }()
	if !actor.Admin {
		return nil, ErrNotAdmin
	}
	st, err = s.settle(ctx, id, func(e *models.Escrow, now time.Time) error {
		return resolve(e, models.EscrowReleased, note, now)
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("escrow force released", "escrow_id", id, "admin_id", actor.ID, "fee", st.PlatformFee)
	s.notify(ctx,
		Notification{Kind: NotifyEscrowReleased, UserID: st.Escrow.ProviderID, EscrowID: id, Credits: st.ProviderCredits},
		Notification{Kind: NotifyEscrowReleased, UserID: st.Escrow.PayerID, EscrowID: id},
	)
	return st, nil
}

// Refund is the admin resolution in the payer's favour: the full held amount
// returns to the payer as refund credits.
func (s *EscrowService) Refund(ctx context.Context, actor Actor, id uuid.UUID, note string) (e *models.Escrow, err error) {
	defer func() { s.observe("refund", err) }()
	if !actor.Admin {
		return nil, ErrNotAdmin
	}
	e, _, err = s.mutate(ctx, id, func(tx pgx.Tx, e *models.Escrow) ([]*models.LedgerEntry, error) {
		if err := resolve(e, models.EscrowRefunded, note, s.now()); err != nil {
			return nil, err
		}
		refund := &models.LedgerEntry{
			UserID:          e.PayerID,
			Amount:          e.CreditsHeld,
			Description:     "Escrow refund",
			Type:            models.TxRefund,
			Source:          models.SourceRefund,
			RelatedEscrowID: &e.ID,
		}
		refund.RelateListing(e.Listing)
		if err := s.Ledger.Post(ctx, tx, refund); err != nil {
			return nil, err
		}
		return []*models.LedgerEntry{refund}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("escrow refunded", "escrow_id", id, "admin_id", actor.ID, "credits", e.CreditsHeld)
	s.notify(ctx,
		Notification{Kind: NotifyEscrowRefunded, UserID: e.PayerID, EscrowID: id, Credits: e.CreditsHeld},
		Notification{Kind: NotifyEscrowRefunded, UserID: e.ProviderID, EscrowID: id},
	)
	return e, nil
}

// Get returns an escrow visible to a party or an admin.
func (s *EscrowService) Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.Escrow, error) {
	e, err := s.Escrows.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !e.IsParty(actor.ID) {
		return nil, ErrNotParty
	}
	return e, nil
}

// ListForUser returns escrows where the user is payer or provider, newest first.
func (s *EscrowService) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Escrow, error) {
	return s.Escrows.ListByParty(ctx, userID)
}
