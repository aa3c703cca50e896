package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the escrow state machine position.
type EscrowStatus string

const (
	EscrowHeld      EscrowStatus = "held"
	EscrowDelivered EscrowStatus = "delivered"
	EscrowConfirmed EscrowStatus = "confirmed"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowCancelled EscrowStatus = "cancelled"
)

func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowHeld, EscrowDelivered, EscrowConfirmed, EscrowDisputed,
		EscrowReleased, EscrowRefunded, EscrowCancelled:
		return true
	}
	return false
}

// Settled reports whether the held credits have been paid out or returned.
func (s EscrowStatus) Settled() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Final reports whether no further mutation is permitted. Cancelled escrows are
// final even though they never settle through the ledger.
func (s EscrowStatus) Final() bool {
	return s.Settled() || s == EscrowCancelled
}

// CountsAgainstQuantity reports whether an escrow in this status consumes a unit
// of its listing's quantity.
func (s EscrowStatus) CountsAgainstQuantity() bool {
	return s != EscrowRefunded && s != EscrowCancelled
}

// DisputeStatus is empty when no dispute was ever opened.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = ""
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Escrow holds a payer's credits until the provider is paid or the payer refunded.
type Escrow struct {
	ID                  uuid.UUID     `json:"id"`
	PayerID             uuid.UUID     `json:"payer_id"`
	ProviderID          uuid.UUID     `json:"provider_id"`
	CreditsHeld         int64         `json:"credits_held"`
	Listing             ListingRef    `json:"listing"`
	Status              EscrowStatus  `json:"status"`
	ReleaseAvailableAt  time.Time     `json:"release_available_at"`
	PayerConfirmedAt    *time.Time    `json:"payer_confirmed_at,omitempty"`
	ProviderConfirmedAt *time.Time    `json:"provider_confirmed_at,omitempty"`
	DeliveredAt         *time.Time    `json:"delivered_at,omitempty"`
	ReleasedAt          *time.Time    `json:"released_at,omitempty"`
	DisputeStatus       DisputeStatus `json:"dispute_status,omitempty"`
	DisputeReason       *string       `json:"dispute_reason,omitempty"`
	DisputeReportedAt   *time.Time    `json:"dispute_reported_at,omitempty"`
	DisputeReportedBy   *uuid.UUID    `json:"dispute_reported_by,omitempty"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`
	AdminNote           *string       `json:"admin_note,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// IsParty reports whether userID is the payer or the provider.
func (e *Escrow) IsParty(userID uuid.UUID) bool {
	return userID == e.PayerID || userID == e.ProviderID
}

// Counterparty returns the other side of userID, or uuid.Nil if userID is not a party.
func (e *Escrow) Counterparty(userID uuid.UUID) uuid.UUID {
	switch userID {
	case e.PayerID:
		return e.ProviderID
	case e.ProviderID:
		return e.PayerID
	}
	return uuid.Nil
}

// BothConfirmed reports whether payer and provider have both confirmed.
func (e *Escrow) BothConfirmed() bool {
	return e.PayerConfirmedAt != nil && e.ProviderConfirmedAt != nil
}
