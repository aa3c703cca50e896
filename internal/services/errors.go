package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/repository"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotAdmin        = errors.New("admin privileges required")
	ErrNotParty        = errors.New("you are not a party to this escrow")
	ErrNotPayer        = errors.New("only the buyer can confirm delivery")
	ErrNotProvider     = errors.New("only the provider can confirm completion")
	ErrNotReporter     = errors.New("only the user who reported the dispute can cancel it")

	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrProfileNotFound = errors.New("profile not found")

	ErrSelfPurchase      = errors.New("you cannot purchase your own listing")
	ErrInvalidPrice      = errors.New("listing has no positive price")
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrSoldOut           = errors.New("listing is sold out")
	ErrAlreadyConfirmed  = errors.New("already confirmed")
	ErrNotDelivered      = errors.New("delivery has not been confirmed yet")
	ErrDisputed          = errors.New("escrow is under dispute")
	ErrAlreadyDisputed   = errors.New("escrow already has an open dispute")
	ErrDisputeNotOpen    = errors.New("no open dispute on this escrow")
	ErrReasonRequired    = errors.New("a dispute reason is required")
	ErrAlreadyReleased   = errors.New("escrow already released")
	ErrAlreadyRefunded   = errors.New("escrow already refunded")
	ErrEscrowCancelled   = errors.New("escrow was cancelled")
	ErrNotBothConfirmed  = errors.New("both parties have not confirmed")

	// ErrConcurrentUpdate is returned when the escrow changed between read and write.
	ErrConcurrentUpdate = errors.New("escrow was modified concurrently, retry")
)

// NotReadyError reports that the safety window has not elapsed yet.
type NotReadyError struct {
	AvailableAt   time.Time
	DaysRemaining int
}

func (e *NotReadyError) Error() string {
	unit := "days"
	if e.DaysRemaining == 1 {
		unit = "day"
	}
	return fmt.Sprintf("funds can be released in %d %s", e.DaysRemaining, unit)
}

// TransitionError reports an operation that the escrow's current status does not allow.
type TransitionError struct {
	Op   string
	From models.EscrowStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s an escrow in status %s", e.Op, e.From)
}

// Kind classifies errors for callers that need to pick a response.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindInvalid
	KindPrecondition
	KindNotReady
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindPrecondition:
		return "precondition_failed"
	case KindNotReady:
		return "not_ready"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// KindOf maps err to its Kind. Unknown errors are internal.
func KindOf(err error) Kind {
	var notReady *NotReadyError
	var transition *TransitionError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &notReady):
		return KindNotReady
	case errors.As(err, &transition):
		return KindPrecondition
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthorized
	case errors.Is(err, ErrNotAdmin), errors.Is(err, ErrNotParty), errors.Is(err, ErrNotPayer),
		errors.Is(err, ErrNotProvider), errors.Is(err, ErrNotReporter):
		return KindForbidden
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrListingNotFound),
		errors.Is(err, ErrProfileNotFound), errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidEntry):
		return KindInvalid
	case errors.Is(err, ErrSelfPurchase), errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrSoldOut),
		errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrNotDelivered), errors.Is(err, ErrDisputed),
		errors.Is(err, ErrAlreadyDisputed), errors.Is(err, ErrDisputeNotOpen), errors.Is(err, ErrAlreadyReleased),
		errors.Is(err, ErrAlreadyRefunded), errors.Is(err, ErrEscrowCancelled), errors.Is(err, ErrNotBothConfirmed):
		return KindPrecondition
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, repository.ErrStale), errors.Is(err, repository.ErrDuplicate):
		return KindConflict
	}
	return KindInternal
}
