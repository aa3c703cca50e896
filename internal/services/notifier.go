package services

import (
	"context"

	"github.com/google/uuid"
)

// NotificationKind names the event a user is told about.
type NotificationKind string

const (
	NotifyEscrowCreated       NotificationKind = "escrow_created"
	NotifyDeliveryConfirmed   NotificationKind = "delivery_confirmed"
	NotifyCompletionConfirmed NotificationKind = "completion_confirmed"
	NotifyEscrowReleased      NotificationKind = "escrow_released"
	NotifyDisputeOpened       NotificationKind = "dispute_opened"
	NotifyDisputeCancelled    NotificationKind = "dispute_cancelled"
	NotifyEscrowRefunded      NotificationKind = "escrow_refunded"
)

// Notification is sent after the transaction that caused it commits.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	UserID   uuid.UUID        `json:"user_id"`
	EscrowID uuid.UUID        `json:"escrow_id"`
	Credits  int64            `json:"credits,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Notifier delivers notifications. Errors are logged by the caller and never
// undo the operation that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
