package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/livingledger/backend/internal/models"
)

// ActiveCounter counts escrows that consume a listing's quantity.
type ActiveCounter interface {
	CountActiveForListing(ctx context.Context, tx pgx.Tx, ref models.ListingRef) (int, error)
}

// checkCapacity rejects a purchase when every unit of a quantity-limited
// listing is already held by an escrow that was not refunded or cancelled.
func checkCapacity(ctx context.Context, tx pgx.Tx, c ActiveCounter, l *models.Listing) error {
	if l.Quantity == nil {
		return nil
	}
	n, err := c.CountActiveForListing(ctx, tx, l.Ref)
	if err != nil {
		return fmt.Errorf("count escrows for %s: %w", l.Ref, err)
	}
	if n >= *l.Quantity {
		return ErrSoldOut
	}
	return nil
}

// atCapacity recounts after an insert in the same transaction.
func atCapacity(ctx context.Context, tx pgx.Tx, c ActiveCounter, l *models.Listing) (bool, error) {
	if l.Quantity == nil {
		return false, nil
	}
	n, err := c.CountActiveForListing(ctx, tx, l.Ref)
	if err != nil {
		return false, fmt.Errorf("recount escrows for %s: %w", l.Ref, err)
	}
	return n >= *l.Quantity, nil
}
