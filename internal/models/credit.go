package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType enumerates ledger entry types.
type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxEscrowHold      TransactionType = "escrow_hold"
	TxEarned          TransactionType = "earned"
	TxPlatformFee     TransactionType = "platform_fee"
	TxRefund          TransactionType = "refund"
	TxCashoutApproved TransactionType = "cashout_approved"
	TxCashoutRejected TransactionType = "cashout_rejected"
	TxBoost           TransactionType = "boost"
	TxUsernameChange  TransactionType = "username_change"
	TxEscrowConfirmed TransactionType = "escrow_confirmed"
	TxEscrowDelivered TransactionType = "escrow_delivered"
	TxEscrowRelease   TransactionType = "escrow_release"
	TxOther           TransactionType = "other"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxEscrowHold, TxEarned, TxPlatformFee, TxRefund,
		TxCashoutApproved, TxCashoutRejected, TxBoost, TxUsernameChange,
		TxEscrowConfirmed, TxEscrowDelivered, TxEscrowRelease, TxOther:
		return true
	}
	return false
}

// CreditSource selects which aggregate bucket an entry feeds. The empty value
// (stored as NULL) only moves the overall balance.
type CreditSource string

const (
	SourceNone      CreditSource = ""
	SourcePurchased CreditSource = "purchased"
	SourceEarned    CreditSource = "earned"
	SourceRefund    CreditSource = "refund"
)

func (s CreditSource) Valid() bool {
	switch s {
	case SourceNone, SourcePurchased, SourceEarned, SourceRefund:
		return true
	}
	return false
}

// LedgerEntry is one signed, immutable credit movement.
type LedgerEntry struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	Amount             int64           `json:"amount"`
	Description        string          `json:"description"`
	Type               TransactionType `json:"transaction_type"`
	Source             CreditSource    `json:"credit_source,omitempty"`
	CanCashout         bool            `json:"can_cashout"`
	RelatedOfferID     *uuid.UUID      `json:"related_offer_id,omitempty"`
	RelatedRequestID   *uuid.UUID      `json:"related_request_id,omitempty"`
	RelatedEscrowID    *uuid.UUID      `json:"related_escrow_id,omitempty"`
	ExternalPaymentRef *string         `json:"external_payment_ref,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// RelateListing sets the offer or request foreign key from ref.
func (e *LedgerEntry) RelateListing(ref ListingRef) {
	id := ref.ID
	switch ref.Kind {
	case ListingOffer:
		e.RelatedOfferID = &id
	case ListingRequest:
		e.RelatedRequestID = &id
	}
}
