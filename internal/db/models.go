package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncAction is what the meeting sync worker has to do upstream for a meeting.
type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// Meeting is a video-conference meeting attached to an event or session
// that may be out of sync with the meetings provider.
type Meeting struct {
	MeetingID         uuid.UUID     `json:"meeting_id"`
	EventID           *uuid.UUID    `json:"event_id,omitempty"`
	SessionID         *uuid.UUID    `json:"session_id,omitempty"`
	Provider          string        `json:"provider"`
	ProviderMeetingID *string       `json:"provider_meeting_id,omitempty"`
	ProviderHostUser  *string       `json:"provider_host_user,omitempty"`
	JoinURL           *string       `json:"join_url,omitempty"`
	Password          *string       `json:"password,omitempty"`
	RecordingURL      *string       `json:"recording_url,omitempty"`
	Topic             string        `json:"topic"`
	StartsAt          time.Time     `json:"starts_at"`
	Timezone          string        `json:"timezone"`
	Duration          time.Duration `json:"duration"`
	Hosts             []string      `json:"hosts,omitempty"`
	RequiresPassword  bool          `json:"requires_password"`
	Delete            bool          `json:"delete"`
	SyncError         *string       `json:"sync_error,omitempty"`
}

// SyncAction derives the upstream action: deletion wins, then creation when
// the provider has not assigned an id yet, otherwise an update.
func (m *Meeting) SyncAction() SyncAction {
	switch {
	case m.Delete:
		return SyncActionDelete
	case m.ProviderMeetingID == nil || *m.ProviderMeetingID == "":
		return SyncActionCreate
	default:
		return SyncActionUpdate
	}
}

// EndsAt returns the end of the meeting's scheduled window.
func (m *Meeting) EndsAt() time.Time {
	return m.StartsAt.Add(m.Duration)
}

// ProviderMeeting holds the fields the provider assigns to a meeting.
type ProviderMeeting struct {
	ID       string  `json:"id"`
	JoinURL  string  `json:"join_url"`
	Password *string `json:"password,omitempty"`
}

// HostAssignment is an existing provider meeting occupying a host user.
type HostAssignment struct {
	User     string    `json:"user"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Notification is a queued outbound email for a single recipient.
type Notification struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	Kind           string          `json:"kind"`
	Email          string          `json:"email"`
	TemplateData   json.RawMessage `json:"template_data,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Processed      bool            `json:"processed"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Attachment is binary content linked to notifications, deduplicated by hash.
type Attachment struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
	FileName     string    `json:"file_name"`
	ContentType  string    `json:"content_type"`
	Data         []byte    `json:"-"`
	Hash         string    `json:"hash"`
}
