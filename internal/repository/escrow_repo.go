package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livingledger/backend/internal/models"
)

const escrowColumns = `id, payer_id, provider_id, credits_held, listing_kind, listing_id, status,
	release_available_at, payer_confirmed_at, provider_confirmed_at, delivered_at, released_at,
	dispute_status, dispute_reason, dispute_reported_at, dispute_reported_by, resolved_at, admin_note, created_at`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO escrows (id, payer_id, provider_id, credits_held, listing_kind, listing_id, status, release_available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.PayerID, e.ProviderID, e.CreditsHeld, string(e.Listing.Kind), e.Listing.ID, string(e.Status),
		e.ReleaseAvailableAt).Scan(&e.CreatedAt)
	return translate(err)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

// GetByIDForUpdate locks the escrow row. Call within a transaction.
func (r *EscrowRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Escrow, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
}

// Update writes the mutable columns of e, provided the stored status still equals
// expected. Returns ErrStale otherwise. credits_held and release_available_at are
// never written.
func (r *EscrowRepo) Update(ctx context.Context, tx pgx.Tx, e *models.Escrow, expected models.EscrowStatus) error {
	var disputeStatus *string
	if e.DisputeStatus != models.DisputeNone {
		s := string(e.DisputeStatus)
		disputeStatus = &s
	}
	tag, err := tx.Exec(ctx, `
		UPDATE escrows SET
			status = $3,
			payer_confirmed_at = $4,
			provider_confirmed_at = $5,
			delivered_at = $6,
			released_at = $7,
			dispute_status = $8,
			dispute_reason = $9,
			dispute_reported_at = $10,
			dispute_reported_by = $11,
			resolved_at = $12,
			admin_note = $13
		WHERE id = $1 AND status = $2
	`, e.ID, string(expected), string(e.Status), e.PayerConfirmedAt, e.ProviderConfirmedAt, e.DeliveredAt,
		e.ReleasedAt, disputeStatus, e.DisputeReason, e.DisputeReportedAt, e.DisputeReportedBy, e.ResolvedAt, e.AdminNote)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// CountActiveForListing counts escrows that consume a unit of the listing's quantity.
func (r *EscrowRepo) CountActiveForListing(ctx context.Context, tx pgx.Tx, ref models.ListingRef) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM escrows
		WHERE listing_kind = $1 AND listing_id = $2 AND status NOT IN ('refunded', 'cancelled')
	`, string(ref.Kind), ref.ID).Scan(&n)
	return n, translate(err)
}

func (r *EscrowRepo) ListByParty(ctx context.Context, userID uuid.UUID) ([]*models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE payer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// SweepCursor is a position in the auto-release candidate order.
type SweepCursor struct {
	ReleaseAvailableAt time.Time
	ID                 uuid.UUID
}

// ListAutoReleaseCandidates returns escrows both parties confirmed whose
// safety window has elapsed and that are neither settled, disputed nor
// cancelled, ordered by (release_available_at, id). A non-nil after resumes
// strictly past that position.
func (r *EscrowRepo) ListAutoReleaseCandidates(ctx context.Context, now time.Time, after *SweepCursor, limit int) ([]SweepCursor, error) {
	var afterAt *time.Time
	var afterID *uuid.UUID
	if after != nil {
		afterAt, afterID = &after.ReleaseAvailableAt, &after.ID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT release_available_at, id FROM escrows
		WHERE payer_confirmed_at IS NOT NULL
		  AND provider_confirmed_at IS NOT NULL
		  AND release_available_at <= $1
		  AND status NOT IN ('released', 'refunded', 'disputed', 'cancelled')
		  AND ($2::timestamptz IS NULL OR (release_available_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY release_available_at, id
		LIMIT $4
	`, now, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[SweepCursor])
}

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	var kind, status string
	var disputeStatus *string
	err := row.Scan(&e.ID, &e.PayerID, &e.ProviderID, &e.CreditsHeld, &kind, &e.Listing.ID, &status,
		&e.ReleaseAvailableAt, &e.PayerConfirmedAt, &e.ProviderConfirmedAt, &e.DeliveredAt, &e.ReleasedAt,
		&disputeStatus, &e.DisputeReason, &e.DisputeReportedAt, &e.DisputeReportedBy, &e.ResolvedAt, &e.AdminNote, &e.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	e.Listing.Kind = models.ListingKind(kind)
	e.Status = models.EscrowStatus(status)
	if disputeStatus != nil {
		e.DisputeStatus = models.DisputeStatus(*disputeStatus)
	}
	return &e, nil
}
