package services

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/models"
)

const maxDisputeReason = 2000

// The functions below apply one transition to an escrow already loaded under a
// row lock. They mutate only the in-memory record; persistence and ledger
// posting happen in the caller's transaction.

func finalErr(e *models.Escrow) error {
	switch e.Status {
	case models.EscrowReleased:
		return ErrAlreadyReleased
	case models.EscrowRefunded:
		return ErrAlreadyRefunded
	case models.EscrowCancelled:
		return ErrEscrowCancelled
	}
	return nil
}

func frozen(e *models.Escrow) bool {
	return e.Status == models.EscrowDisputed || e.DisputeStatus == models.DisputeOpen
}

func confirmCompletion(e *models.Escrow, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if frozen(e) {
		return ErrDisputed
	}
	if e.ProviderConfirmedAt != nil {
		return ErrAlreadyConfirmed
	}
	if e.Status != models.EscrowHeld && e.Status != models.EscrowDelivered {
		return &TransitionError{Op: "confirm completion of", From: e.Status}
	}
	e.ProviderConfirmedAt = &now
	if e.PayerConfirmedAt != nil {
		e.Status = models.EscrowConfirmed
	} else {
		e.Status = models.EscrowDelivered
	}
	return nil
}

// confirmDelivery never touches ReleaseAvailableAt: the safety window runs from
// funding, not from delivery.
func confirmDelivery(e *models.Escrow, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if frozen(e) {
		return ErrDisputed
	}
	if e.PayerConfirmedAt != nil {
		return ErrAlreadyConfirmed
	}
	switch e.Status {
	case models.EscrowHeld:
		e.DeliveredAt = &now
	case models.EscrowDelivered:
	default:
		return &TransitionError{Op: "confirm delivery of", From: e.Status}
	}
	e.PayerConfirmedAt = &now
	if e.ProviderConfirmedAt != nil {
		e.Status = models.EscrowConfirmed
	} else {
		e.Status = models.EscrowDelivered
	}
	return nil
}

// releasable decides manual release: both confirmed releases immediately, a
// one-sided delivery waits out the safety window.
func releasable(e *models.Escrow, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if frozen(e) {
		return ErrDisputed
	}
	switch e.Status {
	case models.EscrowConfirmed:
		return nil
	case models.EscrowDelivered:
		return windowElapsed(e, now)
	case models.EscrowHeld:
		return ErrNotDelivered
	}
	return &TransitionError{Op: "release", From: e.Status}
}

// autoReleasable is the sweep's rule: both parties confirmed and the window
// has elapsed, from any open status.
func autoReleasable(e *models.Escrow, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if frozen(e) {
		return ErrDisputed
	}
	if !e.BothConfirmed() {
		return ErrNotBothConfirmed
	}
	return windowElapsed(e, now)
}

func windowElapsed(e *models.Escrow, now time.Time) error {
	if !now.Before(e.ReleaseAvailableAt) {
		return nil
	}
	return &NotReadyError{AvailableAt: e.ReleaseAvailableAt, DaysRemaining: daysUntil(now, e.ReleaseAvailableAt)}
}

func daysUntil(now, t time.Time) int {
	days := int(math.Ceil(t.Sub(now).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}

func markReleased(e *models.Escrow, now time.Time) {
	e.Status = models.EscrowReleased
	e.ReleasedAt = &now
}

func openDispute(e *models.Escrow, reporter uuid.UUID, reason string, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if frozen(e) {
		return ErrAlreadyDisputed
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if len(reason) > maxDisputeReason {
		// Cut on a rune boundary; a split rune is dropped.
		reason = strings.ToValidUTF8(reason[:maxDisputeReason], "")
	}
	e.Status = models.EscrowDisputed
	e.DisputeStatus = models.DisputeOpen
	e.DisputeReason = &reason
	e.DisputeReportedAt = &now
	e.DisputeReportedBy = &reporter
	e.ResolvedAt = nil
	return nil
}

// cancelDispute lifts the freeze. Confirmation timestamps survive, so the
// escrow returns to the status they imply: held with none, delivered with one,
// confirmed with both.
func cancelDispute(e *models.Escrow, caller uuid.UUID) error {
	if err := finalErr(e); err != nil {
		return err
	}
	if e.DisputeStatus != models.DisputeOpen || e.Status != models.EscrowDisputed {
		return ErrDisputeNotOpen
	}
	if e.DisputeReportedBy != nil && *e.DisputeReportedBy != caller {
		return ErrNotReporter
	}
	switch {
	case e.BothConfirmed():
		e.Status = models.EscrowConfirmed
	case e.PayerConfirmedAt != nil || e.ProviderConfirmedAt != nil:
		e.Status = models.EscrowDelivered
	default:
		e.Status = models.EscrowHeld
	}
	e.DisputeStatus = models.DisputeNone
	e.DisputeReason = nil
	e.DisputeReportedAt = nil
	e.DisputeReportedBy = nil
	return nil
}

// resolve closes an escrow by admin decision.
func resolve(e *models.Escrow, to models.EscrowStatus, note string, now time.Time) error {
	if err := finalErr(e); err != nil {
		return err
	}
	e.Status = to
	e.DisputeStatus = models.DisputeResolved
	e.ResolvedAt = &now
	if to == models.EscrowReleased {
		e.ReleasedAt = &now
	}
	if note = strings.TrimSpace(note); note != "" {
		e.AdminNote = &note
	}
	return nil
}
