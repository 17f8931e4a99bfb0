package meetings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/events"
	"github.com/ocgsync/syncd/internal/metrics"
	"github.com/ocgsync/syncd/internal/worker"
)

const (
	subsystem = "meetings"

	// recordTimeout bounds the writes that follow a provider call.
	recordTimeout = 10 * time.Second
)

// Store is the transactional part of the repository used by the syncer.
type Store interface {
	TxBegin(ctx context.Context) (uuid.UUID, error)
	TxCommit(ctx context.Context, clientID uuid.UUID) error
	TxRollback(ctx context.Context, clientID uuid.UUID) error

	GetMeetingOutOfSync(ctx context.Context, clientID uuid.UUID) (*db.Meeting, error)
	AddMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error
	UpdateMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error
	DeleteMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error
	SetMeetingSyncError(ctx context.Context, clientID uuid.UUID, m *db.Meeting, syncErr string) error
}

type Config struct {
	// CallTimeout bounds each provider call. Calls are not cancelled by
	// shutdown, only by this timeout.
	CallTimeout time.Duration
}

// Syncer claims one out-of-sync meeting per call and applies it upstream.
type Syncer struct {
	store     Store
	provider  Provider
	hosts     *HostPicker
	publisher events.Publisher
	config    Config
	logger    *zap.Logger
}

// NewSyncer creates a syncer. hosts may be nil when the provider does not
// need a host assigned per meeting.
func NewSyncer(store Store, provider Provider, hosts *HostPicker, publisher events.Publisher, cfg Config, logger *zap.Logger) *Syncer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Syncer{
		store:     store,
		provider:  provider,
		hosts:     hosts,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// ProcessOne runs one claim-sync-commit pass. Retryable provider errors and
// database errors roll the claim back and are returned. Terminal provider
// errors are recorded against the meeting and committed.
func (s *Syncer) ProcessOne(ctx context.Context) (worker.Outcome, error) {
	clientID, err := s.store.TxBegin(ctx)
	if err != nil {
		return worker.NoWork, fmt.Errorf("begin transaction: %w", err)
	}

	m, err := s.store.GetMeetingOutOfSync(ctx, clientID)
	if err != nil {
		s.rollback(ctx, clientID)
		return worker.NoWork, fmt.Errorf("get meeting out of sync: %w", err)
	}
	if m == nil {
		s.rollback(ctx, clientID)
		return worker.NoWork, nil
	}

	logger := s.logger.With(
		zap.String("meeting_id", m.MeetingID.String()),
		zap.String("action", string(m.SyncAction())),
	)

	event, err := s.sync(ctx, clientID, m)

	finishCtx, cancel := recordContext(ctx)
	defer cancel()

	if err != nil {
		s.rollback(finishCtx, clientID)
		return worker.NoWork, fmt.Errorf("sync meeting %s: %w", m.MeetingID, err)
	}

	if err := s.store.TxCommit(finishCtx, clientID); err != nil {
		return worker.NoWork, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordSyncOutcome(subsystem, string(event.Type))
	if event.Terminal() {
		logger.Warn("meeting sync failed permanently", zap.String("error", event.Error))
	} else {
		logger.Info("meeting synced")
	}

	s.publish(ctx, event)

	return worker.Processed, nil
}

// sync dispatches m to the provider and stores the result in the open
// transaction. The returned error means the transaction must be rolled back.
func (s *Syncer) sync(ctx context.Context, clientID uuid.UUID, m *db.Meeting) (events.Event, error) {
	var (
		typ events.Type
		err error
	)

	switch m.SyncAction() {
	case db.SyncActionCreate:
		typ, err = events.MeetingCreated, s.create(ctx, clientID, m)
	case db.SyncActionUpdate:
		typ, err = events.MeetingUpdated, s.update(ctx, clientID, m)
	case db.SyncActionDelete:
		typ, err = events.MeetingDeleted, s.delete(ctx, clientID, m)
	}

	event := events.Event{
		Type:       typ,
		SubjectID:  m.MeetingID.String(),
		Attributes: meetingAttributes(m),
		OccurredAt: time.Now().UTC(),
	}

	var pe *ProviderError
	if err == nil || !errors.As(err, &pe) || pe.Retryable() {
		return event, err
	}

	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	if err := s.store.SetMeetingSyncError(recordCtx, clientID, m, pe.Error()); err != nil {
		return event, err
	}

	event.Type = events.MeetingFailed
	event.Error = pe.Error()
	return event, nil
}

func (s *Syncer) create(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	if s.hosts != nil {
		host, err := s.hosts.Pick(ctx, clientID, m)
		if err != nil {
			return err
		}
		if host == "" {
			return ClientError("no host available between %s and %s",
				m.StartsAt.Format(time.RFC3339), m.EndsAt().Format(time.RFC3339))
		}
		m.ProviderHostUser = &host
	}

	var created *db.ProviderMeeting
	err := s.call(ctx, "create", func(ctx context.Context) (err error) {
		created, err = s.provider.CreateMeeting(ctx, m)
		return err
	})
	if err != nil {
		return err
	}

	m.ProviderMeetingID = &created.ID
	m.JoinURL = &created.JoinURL
	m.Password = created.Password

	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	return s.store.AddMeeting(recordCtx, clientID, m)
}

func (s *Syncer) update(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	id := *m.ProviderMeetingID

	err := s.call(ctx, "update", func(ctx context.Context) error {
		return s.provider.UpdateMeeting(ctx, id, m)
	})
	if err != nil {
		return err
	}

	// The provider may have regenerated fields such as the password.
	var current *db.ProviderMeeting
	err = s.call(ctx, "get", func(ctx context.Context) (err error) {
		current, err = s.provider.GetMeeting(ctx, id)
		return err
	})
	if err != nil {
		return err
	}

	m.JoinURL = &current.JoinURL
	m.Password = current.Password

	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	return s.store.UpdateMeeting(recordCtx, clientID, m)
}

func (s *Syncer) delete(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	if m.ProviderMeetingID != nil && *m.ProviderMeetingID != "" {
		id := *m.ProviderMeetingID

		err := s.call(ctx, "delete", func(ctx context.Context) error {
			return s.provider.DeleteMeeting(ctx, id)
		})
		if err != nil && !IsNotFound(err) {
			return err
		}
	}

	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	return s.store.DeleteMeeting(recordCtx, clientID, m)
}

// recordContext is used for every write that follows a provider call. The
// upstream change has already happened, so shutdown must not drop the local
// record of it.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// call runs one provider operation detached from shutdown cancellation and
// normalizes its error into a *ProviderError.
func (s *Syncer) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)

	result := "ok"
	if err != nil {
		pe := AsProviderError(err)
		result = pe.Kind.String()
		err = pe
	}
	metrics.RecordProviderCall(op, result, time.Since(start))

	return err
}

func (s *Syncer) rollback(ctx context.Context, clientID uuid.UUID) {
	if err := s.store.TxRollback(ctx, clientID); err != nil {
		s.logger.Warn("rollback failed",
			zap.String("client_id", clientID.String()),
			zap.Error(err),
		)
	}
}

func (s *Syncer) publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish sync event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func meetingAttributes(m *db.Meeting) map[string]string {
	attrs := map[string]string{"provider": m.Provider}
	if m.ProviderMeetingID != nil {
		attrs["provider_meeting_id"] = *m.ProviderMeetingID
	}
	if m.EventID != nil {
		attrs["event_id"] = m.EventID.String()
	}
	if m.SessionID != nil {
		attrs["session_id"] = m.SessionID.String()
	}
	return attrs
}
