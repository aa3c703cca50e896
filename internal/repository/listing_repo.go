package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livingledger/backend/internal/models"
)

// ListingRepo reads offers and requests. An id can belong to either table, so
// lookups try offers first and fall back to requests.
type ListingRepo struct {
	pool *pgxpool.Pool
}

func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

// ResolveForUpdate locks and returns the listing with the given id from
// whichever table holds it.
func (r *ListingRepo) ResolveForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Listing, error) {
	for _, kind := range []models.ListingKind{models.ListingOffer, models.ListingRequest} {
		l, err := scanListing(tx.QueryRow(ctx, `
			SELECT owner_id, price, quantity, is_physical, shipping_cost, is_sold_out
			FROM `+table(kind)+` WHERE id = $1 FOR UPDATE
		`, id), models.ListingRef{Kind: kind, ID: id})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return l, err
	}
	return nil, ErrNotFound
}

func (r *ListingRepo) MarkSoldOut(ctx context.Context, ref models.ListingRef) error {
	tag, err := r.pool.Exec(ctx, `UPDATE `+table(ref.Kind)+` SET is_sold_out = TRUE WHERE id = $1`, ref.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func table(kind models.ListingKind) string {
	if kind == models.ListingRequest {
		return "requests"
	}
	return "offers"
}

func scanListing(row pgx.Row, ref models.ListingRef) (*models.Listing, error) {
	l := models.Listing{Ref: ref}
	if err := row.Scan(&l.OwnerID, &l.Price, &l.Quantity, &l.IsPhysical, &l.ShippingCost, &l.IsSoldOut); err != nil {
		return nil, translate(err)
	}
	return &l, nil
}
