package events

import (
	"context"
	"errors"
	"testing"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.events = append(p.events, e)
	return p.err
}

func TestEvent_Terminal(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{MeetingCreated, false},
		{MeetingUpdated, false},
		{MeetingDeleted, false},
		{MeetingFailed, true},
		{NotificationDelivered, false},
		{NotificationSkipped, false},
		{NotificationFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := (Event{Type: tt.typ}).Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMulti_PublishesToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("topic unavailable")}
	c := &recordingPublisher{}

	err := Multi{a, b, c}.Publish(context.Background(), Event{Type: MeetingCreated, SubjectID: "m1"})
	if err == nil || err.Error() != "topic unavailable" {
		t.Fatalf("expected joined error, got %v", err)
	}

	for i, p := range []*recordingPublisher{a, b, c} {
		if len(p.events) != 1 {
			t.Errorf("publisher %d: expected 1 event, got %d", i, len(p.events))
		}
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), Event{}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
