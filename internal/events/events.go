// Package events describes the outcomes committed by the sync workers and
// fans them out to downstream publishers.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names a committed outcome.
type Type string

const (
	MeetingCreated Type = "meeting.created"
	MeetingUpdated Type = "meeting.updated"
	MeetingDeleted Type = "meeting.deleted"
	MeetingFailed  Type = "meeting.failed"

	NotificationDelivered Type = "notification.delivered"
	NotificationFailed    Type = "notification.failed"
	NotificationSkipped   Type = "notification.skipped"
)

// Event is published after the transaction that produced it has committed.
type Event struct {
	Type       Type              `json:"type"`
	SubjectID  string            `json:"subject_id"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Terminal reports whether the event records a failure that will not be
// retried.
func (e Event) Terminal() bool {
	return e.Type == MeetingFailed || e.Type == NotificationFailed
}

// Publisher delivers events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes each event to every publisher, collecting all errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
