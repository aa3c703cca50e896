package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/livingledger/backend/internal/metrics"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/notify"
	"github.com/livingledger/backend/internal/repository"
	"github.com/livingledger/backend/internal/services"
)

// RiverNotifier implements services.Notifier by enqueueing NotifyArgs.
type RiverNotifier struct {
	insert InsertFunc
}

func NewRiverNotifier(insert InsertFunc) *RiverNotifier {
	return &RiverNotifier{insert: insert}
}

func (n *RiverNotifier) Notify(ctx context.Context, note services.Notification) error {
	if note.UserID == uuid.Nil {
		return errors.New("notification without recipient")
	}
	return n.insert(ctx, NotifyArgs{Notification: note})
}

// ProfileReader resolves a recipient's email.
type ProfileReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, m notify.Message) error
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	profiles ProfileReader
	mailer   Mailer
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewNotifyWorker(p ProfileReader, m Mailer, log *slog.Logger, mt *metrics.Metrics) *NotifyWorker {
	if log == nil {
		log = slog.Default()
	}
	if mt == nil {
		mt = metrics.Discard()
	}
	return &NotifyWorker{profiles: p, mailer: m, log: log, metrics: mt}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	n := job.Args.Notification
	p, err := w.profiles.GetByID(ctx, n.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		w.log.Warn("notification recipient not found", "user_id", n.UserID, "kind", n.Kind)
		w.metrics.Notifications.WithLabelValues("dropped").Inc()
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if p.Email == "" {
		w.metrics.Notifications.WithLabelValues("dropped").Inc()
		return nil
	}
	if err := w.mailer.Send(ctx, compose(n, p)); err != nil {
		w.metrics.Notifications.WithLabelValues("failed").Inc()
		w.log.Error("notification send failed", "user_id", n.UserID, "kind", n.Kind, "escrow_id", n.EscrowID, "error", err)
		return err
	}
	w.metrics.Notifications.WithLabelValues("sent").Inc()
	return nil
}

func compose(n services.Notification, p *models.Profile) notify.Message {
	name := p.DisplayName
	if name == "" {
		name = "there"
	}
	var subject, body string
	switch n.Kind {
	case services.NotifyEscrowCreated:
		subject = "New order received"
		body = fmt.Sprintf("A buyer placed %d credits in escrow for your listing.", n.Credits)
	case services.NotifyDeliveryConfirmed:
		subject = "Buyer confirmed delivery"
		body = "The buyer confirmed delivery of your order."
	case services.NotifyCompletionConfirmed:
		subject = "Provider marked the order complete"
		body = "Please confirm delivery once you have received everything."
	case services.NotifyEscrowReleased:
		subject = "Escrow released"
		body = "The escrow for your order has been released."
		if n.Credits > 0 {
			body = fmt.Sprintf("%d credits were added to your balance.", n.Credits)
		}
	case services.NotifyDisputeOpened:
		subject = "A dispute was opened"
		body = "The other party opened a dispute: " + n.Reason
	case services.NotifyDisputeCancelled:
		subject = "Dispute cancelled"
		body = "The dispute on your order was withdrawn."
	case services.NotifyEscrowRefunded:
		subject = "Escrow refunded"
		body = "The escrow for your order was refunded to the buyer."
		if n.Credits > 0 {
			body = fmt.Sprintf("%d credits were returned to your balance.", n.Credits)
		}
	default:
		subject = "Order update"
		body = "There is an update on one of your orders."
	}
	return notify.Message{
		To:      p.Email,
		Subject: subject,
		Text:    fmt.Sprintf("Hi %s,\n\n%s\n\nEscrow: %s\n", name, body, n.EscrowID),
	}
}
