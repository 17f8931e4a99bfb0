package notifications

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects the template a notification is rendered with.
type Kind string

const (
	KindCommunityTeamInvitation Kind = "community-team-invitation"
	KindEmailVerification       Kind = "email-verification"
	KindEventCanceled           Kind = "event-canceled"
	KindEventPublished          Kind = "event-published"
	KindEventRescheduled        Kind = "event-rescheduled"
	KindGroupTeamInvitation     Kind = "group-team-invitation"
	KindGroupWelcome            Kind = "group-welcome"
	KindGroupCustom             Kind = "group-custom"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindCommunityTeamInvitation,
	KindEmailVerification,
	KindEventCanceled,
	KindEventPublished,
	KindEventRescheduled,
	KindGroupTeamInvitation,
	KindGroupWelcome,
	KindGroupCustom,
}

// templateData is the decoded template_data of one kind.
type templateData interface {
	validate() error
	subject() string
}

// newTemplateData returns an empty value of the data shape expected by kind.
func newTemplateData(kind Kind) (templateData, bool) {
	switch kind {
	case KindCommunityTeamInvitation:
		return &CommunityTeamInvitation{}, true
	case KindEmailVerification:
		return &EmailVerification{}, true
	case KindEventCanceled:
		return &EventCanceled{}, true
	case KindEventPublished:
		return &EventPublished{}, true
	case KindEventRescheduled:
		return &EventRescheduled{}, true
	case KindGroupTeamInvitation:
		return &GroupTeamInvitation{}, true
	case KindGroupWelcome:
		return &GroupWelcome{}, true
	case KindGroupCustom:
		return &GroupCustom{}, true
	default:
		return nil, false
	}
}

// Theme carries the branding of the community sending the email.
type Theme struct {
	PrimaryColor string `json:"primary_color"`
	LogoURL      string `json:"logo_url,omitempty"`
}

// EventSummary is the part of an event shown in event notifications.
type EventSummary struct {
	Name      string    `json:"name"`
	GroupName string    `json:"group_name"`
	StartsAt  time.Time `json:"starts_at"`
	Timezone  string    `json:"timezone"`
	Venue     string    `json:"venue,omitempty"`
	JoinURL   string    `json:"join_url,omitempty"`
}

func (e EventSummary) validate() error {
	var missing []string
	if e.Name == "" {
		missing = append(missing, "event.name")
	}
	if e.GroupName == "" {
		missing = append(missing, "event.group_name")
	}
	if e.StartsAt.IsZero() {
		missing = append(missing, "event.starts_at")
	}
	if e.Timezone == "" {
		missing = append(missing, "event.timezone")
	} else if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("event.timezone: %w", err)
	}
	return missingFields(missing)
}

type CommunityTeamInvitation struct {
	CommunityName string `json:"community_name"`
	Link          string `json:"link"`
	Theme         Theme  `json:"theme"`
}

func (d *CommunityTeamInvitation) validate() error {
	return required("community_name", d.CommunityName, "link", d.Link)
}

func (d *CommunityTeamInvitation) subject() string {
	return "You have been invited to join the " + d.CommunityName + " team"
}

type EmailVerification struct {
	Link  string `json:"link"`
	Theme Theme  `json:"theme"`
}

func (d *EmailVerification) validate() error { return required("link", d.Link) }

func (d *EmailVerification) subject() string { return "Verify your email address" }

type EventCanceled struct {
	Event EventSummary `json:"event"`
	Link  string       `json:"link"`
	Theme Theme        `json:"theme"`
}

func (d *EventCanceled) validate() error {
	if err := d.Event.validate(); err != nil {
		return err
	}
	return required("link", d.Link)
}

func (d *EventCanceled) subject() string { return "Event canceled: " + d.Event.Name }

type EventPublished struct {
	Event EventSummary `json:"event"`
	Link  string       `json:"link"`
	Theme Theme        `json:"theme"`
}

func (d *EventPublished) validate() error {
	if err := d.Event.validate(); err != nil {
		return err
	}
	return required("link", d.Link)
}

func (d *EventPublished) subject() string { return "New event: " + d.Event.Name }

type EventRescheduled struct {
	Event            EventSummary `json:"event"`
	PreviousStartsAt time.Time    `json:"previous_starts_at"`
	Link             string       `json:"link"`
	Theme            Theme        `json:"theme"`
}

func (d *EventRescheduled) validate() error {
	if err := d.Event.validate(); err != nil {
		return err
	}
	if d.PreviousStartsAt.IsZero() {
		return missingFields([]string{"previous_starts_at"})
	}
	return required("link", d.Link)
}

func (d *EventRescheduled) subject() string { return "Event rescheduled: " + d.Event.Name }

type GroupTeamInvitation struct {
	GroupName string `json:"group_name"`
	Link      string `json:"link"`
	Theme     Theme  `json:"theme"`
}

func (d *GroupTeamInvitation) validate() error {
	return required("group_name", d.GroupName, "link", d.Link)
}

func (d *GroupTeamInvitation) subject() string {
	return "You have been invited to join the " + d.GroupName + " team"
}

type GroupWelcome struct {
	GroupName string `json:"group_name"`
	Link      string `json:"link"`
	Theme     Theme  `json:"theme"`
}

func (d *GroupWelcome) validate() error {
	return required("group_name", d.GroupName, "link", d.Link)
}

func (d *GroupWelcome) subject() string { return "Welcome to " + d.GroupName }

// GroupCustom is a free-form message written by group organizers. Body is
// plain text; line breaks are kept.
type GroupCustom struct {
	GroupName string `json:"group_name"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Link      string `json:"link"`
	Theme     Theme  `json:"theme"`
}

func (d *GroupCustom) validate() error {
	return required("group_name", d.GroupName, "subject", d.Subject, "body", d.Body, "link", d.Link)
}

func (d *GroupCustom) subject() string { return d.GroupName + ": " + d.Subject }

// required takes name/value pairs and reports the names with empty values.
func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	return missingFields(missing)
}

func missingFields(names []string) error {
	if len(names) == 0 {
		return nil
	}
	return errors.New("missing required fields: " + strings.Join(names, ", "))
}
