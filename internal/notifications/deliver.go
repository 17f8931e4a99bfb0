// Package notifications renders queued notifications and delivers them by
// email.
package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/events"
	"github.com/ocgsync/syncd/internal/metrics"
	"github.com/ocgsync/syncd/internal/worker"
)

const (
	subsystem = "notifications"

	// recordTimeout bounds the writes that follow a send.
	recordTimeout = 10 * time.Second
)

// Store is the transactional part of the repository used by the deliverer.
type Store interface {
	TxBegin(ctx context.Context) (uuid.UUID, error)
	TxCommit(ctx context.Context, clientID uuid.UUID) error
	TxRollback(ctx context.Context, clientID uuid.UUID) error

	GetPendingNotification(ctx context.Context, clientID uuid.UUID) (*db.Notification, error)
	UpdateNotification(ctx context.Context, clientID uuid.UUID, n *db.Notification, deliveryErr *string) error
}

type Config struct {
	// AllowedRecipients, when non-empty, restricts sending to these
	// addresses. Others are marked processed without being sent.
	AllowedRecipients []string
	SendTimeout       time.Duration
}

// Deliverer claims one pending notification per call, sends it and records
// the result. A notification is processed exactly once whatever the outcome.
type Deliverer struct {
	store     Store
	sender    Sender
	publisher events.Publisher
	allowed   map[string]struct{}
	config    Config
	logger    *zap.Logger
}

func NewDeliverer(store Store, sender Sender, publisher events.Publisher, cfg Config, logger *zap.Logger) *Deliverer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	var allowed map[string]struct{}
	for _, addr := range cfg.AllowedRecipients {
		if addr = normalizeEmail(addr); addr != "" {
			if allowed == nil {
				allowed = make(map[string]struct{})
			}
			allowed[addr] = struct{}{}
		}
	}

	return &Deliverer{
		store:     store,
		sender:    sender,
		publisher: publisher,
		allowed:   allowed,
		config:    cfg,
		logger:    logger,
	}
}

// ProcessOne runs one claim-send-record pass. Only database errors are
// returned; rendering and sending failures are recorded on the notification.
func (d *Deliverer) ProcessOne(ctx context.Context) (worker.Outcome, error) {
	clientID, err := d.store.TxBegin(ctx)
	if err != nil {
		return worker.NoWork, fmt.Errorf("begin transaction: %w", err)
	}

	n, err := d.store.GetPendingNotification(ctx, clientID)
	if err != nil {
		d.rollback(ctx, clientID)
		return worker.NoWork, fmt.Errorf("get pending notification: %w", err)
	}
	if n == nil {
		d.rollback(ctx, clientID)
		return worker.NoWork, nil
	}

	event := d.deliver(ctx, n)

	var deliveryErr *string
	if event.Error != "" {
		deliveryErr = &event.Error
	}

	// The message may already be out. Recording it must not be skipped
	// because shutdown started while it was being sent.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := d.store.UpdateNotification(recordCtx, clientID, n, deliveryErr); err != nil {
		d.rollback(recordCtx, clientID)
		return worker.NoWork, fmt.Errorf("update notification %s: %w", n.NotificationID, err)
	}

	if err := d.store.TxCommit(recordCtx, clientID); err != nil {
		return worker.NoWork, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordSyncOutcome(subsystem, string(event.Type))
	d.publish(ctx, event)

	return worker.Processed, nil
}

func (d *Deliverer) deliver(ctx context.Context, n *db.Notification) events.Event {
	logger := d.logger.With(
		zap.String("notification_id", n.NotificationID.String()),
		zap.String("kind", n.Kind),
	)

	event := events.Event{
		SubjectID:  n.NotificationID.String(),
		Attributes: map[string]string{"kind": n.Kind},
		OccurredAt: time.Now().UTC(),
	}

	rendered, err := Render(Kind(n.Kind), n.TemplateData)
	if err != nil {
		logger.Error("failed to render notification", zap.Error(err))
		event.Type = events.NotificationFailed
		event.Error = err.Error()
		return event
	}

	if !d.isAllowed(n.Email) {
		logger.Info("recipient not in allow list, skipping send")
		event.Type = events.NotificationSkipped
		return event
	}

	msg := &Message{
		To:          n.Email,
		Subject:     rendered.Subject,
		HTMLBody:    rendered.HTMLBody,
		Attachments: n.Attachments,
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.SendTimeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, msg); err != nil {
		logger.Error("failed to send notification", zap.Error(err))
		event.Type = events.NotificationFailed
		event.Error = err.Error()
		return event
	}

	logger.Info("notification sent")
	event.Type = events.NotificationDelivered
	return event
}

func (d *Deliverer) isAllowed(email string) bool {
	if len(d.allowed) == 0 {
		return true
	}
	_, ok := d.allowed[normalizeEmail(email)]
	return ok
}

func (d *Deliverer) rollback(ctx context.Context, clientID uuid.UUID) {
	if err := d.store.TxRollback(ctx, clientID); err != nil {
		d.logger.Warn("rollback failed",
			zap.String("client_id", clientID.String()),
			zap.Error(err),
		)
	}
}

func (d *Deliverer) publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish delivery event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
