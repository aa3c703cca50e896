package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livingledger/backend/internal/models"
)

const profileColumns = `id, email, display_name, is_admin, balance, purchased_credits, earned_credits, created_at, updated_at`

type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

// Create inserts a profile with zero balances. Balances only change through transactions.
func (r *ProfileRepo) Create(ctx context.Context, p *models.Profile) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, email, display_name, is_admin)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, p.ID, p.Email, p.DisplayName, p.IsAdmin).Scan(&p.CreatedAt, &p.UpdatedAt)
	return translate(err)
}

func (r *ProfileRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
}

// GetByIDForUpdate locks the profile row. Call within a transaction.
func (r *ProfileRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error) {
	return scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1 FOR UPDATE`, id))
}

func (r *ProfileRepo) IsAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	var admin bool
	err := r.pool.QueryRow(ctx, `SELECT is_admin FROM profiles WHERE id = $1`, id).Scan(&admin)
	return admin, translate(err)
}

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &p.IsAdmin, &p.Balance, &p.PurchasedCredits, &p.EarnedCredits, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}
