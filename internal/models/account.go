package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the per-user balance aggregate. Balance fields are maintained by the
// transactions trigger and are read-only from application code.
type Profile struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	DisplayName      string    `json:"display_name"`
	IsAdmin          bool      `json:"is_admin"`
	Balance          int64     `json:"balance"`
	PurchasedCredits int64     `json:"purchased_credits"`
	EarnedCredits    int64     `json:"earned_credits"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
