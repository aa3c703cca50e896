package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livingledger/backend/internal/models"
)

const entryColumns = `id, user_id, amount, description, transaction_type, credit_source, can_cashout,
	related_offer_id, related_request_id, related_escrow_id, external_payment_ref, created_at`

// LedgerSums is the per-source total of a user's entries.
type LedgerSums struct {
	Total     int64
	Purchased int64
	Earned    int64
	Cashable  int64
}

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// Insert appends an entry inside the given transaction. The transactions_apply
// trigger updates the owner's profile in the same statement.
func (r *LedgerRepo) Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, amount, description, transaction_type, credit_source, can_cashout,
			related_offer_id, related_request_id, related_escrow_id, external_payment_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		RETURNING created_at
	`, e.ID, e.UserID, e.Amount, e.Description, string(e.Type), string(e.Source), e.CanCashout,
		e.RelatedOfferID, e.RelatedRequestID, e.RelatedEscrowID, e.ExternalPaymentRef).Scan(&e.CreatedAt)
	return translate(err)
}

// InsertIdempotent inserts e unless an entry with the same external_payment_ref
// exists. It reports whether a row was written.
func (r *LedgerRepo) InsertIdempotent(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, amount, description, transaction_type, credit_source, can_cashout,
			related_offer_id, related_request_id, related_escrow_id, external_payment_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		ON CONFLICT (external_payment_ref) WHERE external_payment_ref IS NOT NULL DO NOTHING
		RETURNING created_at
	`, e.ID, e.UserID, e.Amount, e.Description, string(e.Type), string(e.Source), e.CanCashout,
		e.RelatedOfferID, e.RelatedRequestID, e.RelatedEscrowID, e.ExternalPaymentRef).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return true, nil
}

// CashableTx returns the sum of cash-out eligible credits for userID. Call after
// locking the profile row.
func (r *LedgerRepo) CashableTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1 AND can_cashout
	`, userID).Scan(&total)
	return total, translate(err)
}

func (r *LedgerRepo) Sums(ctx context.Context, userID uuid.UUID) (LedgerSums, error) {
	var s LedgerSums
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount) FILTER (WHERE credit_source = 'purchased'), 0),
			COALESCE(SUM(amount) FILTER (WHERE credit_source IN ('earned', 'refund')), 0),
			COALESCE(SUM(amount) FILTER (WHERE can_cashout), 0)
		FROM transactions WHERE user_id = $1
	`, userID).Scan(&s.Total, &s.Purchased, &s.Earned, &s.Cashable)
	return s, translate(err)
}

func (r *LedgerRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *LedgerRepo) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE related_escrow_id = $1 ORDER BY created_at
	`, escrowID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var typ string
		var source *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Description, &typ, &source, &e.CanCashout,
			&e.RelatedOfferID, &e.RelatedRequestID, &e.RelatedEscrowID, &e.ExternalPaymentRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = models.TransactionType(typ)
		if source != nil {
			e.Source = models.CreditSource(*source)
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
