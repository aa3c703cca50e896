package models

import (
	"fmt"

	"github.com/google/uuid"
)

// ListingKind discriminates the two listing tables.
type ListingKind string

const (
	ListingOffer   ListingKind = "offer"
	ListingRequest ListingKind = "request"
)

// ListingRef identifies the listing an escrow fulfils: exactly one of an offer or a request.
type ListingRef struct {
	Kind ListingKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

func OfferRef(id uuid.UUID) ListingRef   { return ListingRef{Kind: ListingOffer, ID: id} }
func RequestRef(id uuid.UUID) ListingRef { return ListingRef{Kind: ListingRequest, ID: id} }

func (r ListingRef) String() string { return fmt.Sprintf("%s:%s", r.Kind, r.ID) }

// Listing is the slice of an offer or request the escrow engine reads.
type Listing struct {
	Ref          ListingRef
	OwnerID      uuid.UUID
	Price        int64
	Quantity     *int
	IsPhysical   bool
	ShippingCost *int64
	IsSoldOut    bool
}

// Total is the credit amount a buyer must escrow: price plus shipping for physical goods.
func (l *Listing) Total() int64 {
	total := l.Price
	if l.IsPhysical && l.ShippingCost != nil {
		total += *l.ShippingCost
	}
	return total
}
