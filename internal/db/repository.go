package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var meetingColumns = []string{
	"meeting_id",
	"event_id",
	"session_id",
	"provider",
	"provider_meeting_id",
	"provider_host_user",
	"join_url",
	"password",
	"topic",
	"starts_at",
	"timezone",
	"duration_minutes",
	"hosts",
	"requires_password",
	"marked_for_deletion",
}

// Repository runs the sync core's queries. Methods taking a client id run
// inside the transaction registered under it; the rest use the pool.
type Repository struct {
	db       *DB
	registry *TxRegistry
	sb       sq.StatementBuilderType
	logger   *zap.Logger
}

// NewRepository creates a repository backed by db and registry
func NewRepository(db *DB, registry *TxRegistry, logger *zap.Logger) *Repository {
	return &Repository{
		db:       db,
		registry: registry,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger:   logger,
	}
}

// TxBegin starts a registry transaction and returns its client id
func (r *Repository) TxBegin(ctx context.Context) (uuid.UUID, error) {
	return r.registry.Begin(ctx)
}

// TxCommit commits the transaction owned by clientID
func (r *Repository) TxCommit(ctx context.Context, clientID uuid.UUID) error {
	return r.registry.Commit(ctx, clientID)
}

// TxRollback rolls back the transaction owned by clientID
func (r *Repository) TxRollback(ctx context.Context, clientID uuid.UUID) error {
	return r.registry.Rollback(ctx, clientID)
}

// exec builds and runs a statement inside the client's transaction.
func (r *Repository) exec(ctx context.Context, clientID uuid.UUID, b sq.Sqlizer) (int64, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}

	var affected int64
	err = r.registry.Use(ctx, clientID, func(conn Conn) error {
		tag, err := conn.Exec(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInfrastructure, err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// ---- Meetings ----

// GetMeetingOutOfSync claims one meeting needing synchronization. The row
// stays locked until the transaction finishes; rows locked by other
// transactions are skipped. Returns nil when there is nothing to do.
func (r *Repository) GetMeetingOutOfSync(ctx context.Context, clientID uuid.UUID) (*Meeting, error) {
	q := r.sb.
		Select(meetingColumns...).
		From("meeting").
		Where(sq.Eq{"in_sync": false}).
		OrderBy("updated_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build meeting claim: %w", err)
	}

	var m *Meeting
	err = r.registry.Use(ctx, clientID, func(conn Conn) error {
		found, err := scanMeeting(conn.QueryRow(ctx, sqlStr, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: claim meeting: %w", ErrInfrastructure, err)
		}
		m = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

func scanMeeting(row pgx.Row) (*Meeting, error) {
	var (
		m               Meeting
		durationMinutes int
	)

	err := row.Scan(
		&m.MeetingID,
		&m.EventID,
		&m.SessionID,
		&m.Provider,
		&m.ProviderMeetingID,
		&m.ProviderHostUser,
		&m.JoinURL,
		&m.Password,
		&m.Topic,
		&m.StartsAt,
		&m.Timezone,
		&durationMinutes,
		&m.Hosts,
		&m.RequiresPassword,
		&m.Delete,
	)
	if err != nil {
		return nil, err
	}

	m.Duration = time.Duration(durationMinutes) * time.Minute
	return &m, nil
}

// AddMeeting stores the provider-assigned fields of a newly created meeting
// and marks it in sync.
func (r *Repository) AddMeeting(ctx context.Context, clientID uuid.UUID, m *Meeting) error {
	q := r.sb.
		Update("meeting").
		Set("provider_meeting_id", m.ProviderMeetingID).
		Set("provider_host_user", m.ProviderHostUser).
		Set("join_url", m.JoinURL).
		Set("password", m.Password).
		Set("in_sync", true).
		Set("sync_error", nil).
		Set("synced_at", sq.Expr("NOW()")).
		Where(sq.Eq{"meeting_id": m.MeetingID})

	if _, err := r.exec(ctx, clientID, q); err != nil {
		return fmt.Errorf("add meeting: %w", err)
	}
	return nil
}

// UpdateMeeting stores provider fields refreshed after an update and marks
// the meeting in sync.
func (r *Repository) UpdateMeeting(ctx context.Context, clientID uuid.UUID, m *Meeting) error {
	q := r.sb.
		Update("meeting").
		Set("join_url", m.JoinURL).
		Set("password", m.Password).
		Set("in_sync", true).
		Set("sync_error", nil).
		Set("synced_at", sq.Expr("NOW()")).
		Where(sq.Eq{"meeting_id": m.MeetingID})

	if _, err := r.exec(ctx, clientID, q); err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	return nil
}

// DeleteMeeting removes a meeting already deleted upstream.
func (r *Repository) DeleteMeeting(ctx context.Context, clientID uuid.UUID, m *Meeting) error {
	q := r.sb.
		Delete("meeting").
		Where(sq.Eq{"meeting_id": m.MeetingID})

	if _, err := r.exec(ctx, clientID, q); err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	return nil
}

// SetMeetingSyncError records a terminal sync error and marks the meeting
// in sync so it is not claimed again until it changes.
func (r *Repository) SetMeetingSyncError(ctx context.Context, clientID uuid.UUID, m *Meeting, syncErr string) error {
	q := r.sb.
		Update("meeting").
		Set("in_sync", true).
		Set("sync_error", syncErr).
		Set("synced_at", sq.Expr("NOW()")).
		Where(sq.Eq{"meeting_id": m.MeetingID})

	if _, err := r.exec(ctx, clientID, q); err != nil {
		return fmt.Errorf("set meeting sync error: %w", err)
	}
	return nil
}

// hostSelectionLockKey serializes host selection across workers. The lock is
// transaction scoped, so it is held until the claiming transaction finishes.
const hostSelectionLockKey = 7_301_244

// ListHostAssignments returns the provider meetings assigned to any of users
// that overlap [start, end). Concurrent callers wait for each other so two
// workers cannot both fill the last free slot of a host.
func (r *Repository) ListHostAssignments(ctx context.Context, clientID uuid.UUID, users []string, start, end time.Time) ([]HostAssignment, error) {
	if len(users) == 0 {
		return nil, nil
	}

	q := r.sb.
		Select(
			"provider_host_user",
			"starts_at",
			"starts_at + make_interval(mins => duration_minutes)",
		).
		From("meeting").
		Where(sq.Expr("provider_host_user = ANY(?)", users)).
		Where(sq.Eq{"marked_for_deletion": false}).
		Where(sq.NotEq{"provider_meeting_id": nil}).
		Where(sq.Lt{"starts_at": end}).
		Where(sq.Expr("starts_at + make_interval(mins => duration_minutes) > ?", start))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build host assignments: %w", err)
	}

	var out []HostAssignment
	err = r.registry.Use(ctx, clientID, func(conn Conn) error {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", hostSelectionLockKey); err != nil {
			return fmt.Errorf("%w: lock host selection: %w", ErrInfrastructure, err)
		}

		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("%w: query host assignments: %w", ErrInfrastructure, err)
		}
		defer rows.Close()

		for rows.Next() {
			var a HostAssignment
			if err := rows.Scan(&a.User, &a.StartsAt, &a.EndsAt); err != nil {
				return fmt.Errorf("%w: scan host assignment: %w", ErrInfrastructure, err)
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateMeetingRecordingURL sets the recording URL of the meeting with the
// given provider id. It runs outside any registry transaction.
func (r *Repository) UpdateMeetingRecordingURL(ctx context.Context, providerMeetingID, recordingURL string) error {
	q := r.sb.
		Update("meeting").
		Set("recording_url", recordingURL).
		Where(sq.Eq{"provider_meeting_id": providerMeetingID})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build recording url update: %w", err)
	}

	tag, err := r.db.Pool().Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update recording url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: provider id %s", ErrMeetingNotFound, providerMeetingID)
	}

	r.logger.Info("meeting recording url updated",
		zap.String("provider_meeting_id", providerMeetingID),
	)
	return nil
}

// ---- Notifications ----

// GetPendingNotification claims one unprocessed notification together with
// its attachments. Returns nil when the queue is empty.
func (r *Repository) GetPendingNotification(ctx context.Context, clientID uuid.UUID) (*Notification, error) {
	q := r.sb.
		Select("notification_id", "kind", "email", "template_data", "created_at").
		From("notification").
		Where(sq.Eq{"processed": false}).
		OrderBy("created_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build notification claim: %w", err)
	}

	attQ := r.sb.
		Select("a.attachment_id", "COALESCE(na.file_name, a.file_name)", "a.content_type", "a.data", "a.hash").
		From("attachment a").
		Join("notification_attachment na USING (attachment_id)").
		OrderBy("2 ASC")

	var n *Notification
	err = r.registry.Use(ctx, clientID, func(conn Conn) error {
		var (
			found        Notification
			templateData []byte
		)
		err := conn.QueryRow(ctx, sqlStr, args...).Scan(
			&found.NotificationID,
			&found.Kind,
			&found.Email,
			&templateData,
			&found.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: claim notification: %w", ErrInfrastructure, err)
		}
		found.TemplateData = templateData

		attSQL, attArgs, err := attQ.Where(sq.Eq{"na.notification_id": found.NotificationID}).ToSql()
		if err != nil {
			return fmt.Errorf("build attachments query: %w", err)
		}
		rows, err := conn.Query(ctx, attSQL, attArgs...)
		if err != nil {
			return fmt.Errorf("%w: query attachments: %w", ErrInfrastructure, err)
		}
		defer rows.Close()

		for rows.Next() {
			var a Attachment
			if err := rows.Scan(&a.AttachmentID, &a.FileName, &a.ContentType, &a.Data, &a.Hash); err != nil {
				return fmt.Errorf("%w: scan attachment: %w", ErrInfrastructure, err)
			}
			found.Attachments = append(found.Attachments, a)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: iterate attachments: %w", ErrInfrastructure, err)
		}

		n = &found
		return nil
	})
	if err != nil {
		return nil, err
	}

	return n, nil
}

// UpdateNotification marks a notification processed, recording the delivery
// error if any.
func (r *Repository) UpdateNotification(ctx context.Context, clientID uuid.UUID, n *Notification, deliveryErr *string) error {
	q := r.sb.
		Update("notification").
		Set("processed", true).
		Set("processed_at", sq.Expr("NOW()")).
		Set("error", deliveryErr).
		Where(sq.Eq{"notification_id": n.NotificationID})

	if _, err := r.exec(ctx, clientID, q); err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

// NewAttachment builds an attachment whose hash identifies its content.
func NewAttachment(fileName, contentType string, data []byte) Attachment {
	sum := sha256.Sum256(data)
	return Attachment{
		FileName:    fileName,
		ContentType: contentType,
		Data:        data,
		Hash:        hex.EncodeToString(sum[:]),
	}
}

// EnqueueNotification queues one notification per recipient. Attachments
// with the same content are stored once.
func (r *Repository) EnqueueNotification(
	ctx context.Context,
	kind string,
	recipients []string,
	templateData json.RawMessage,
	attachments []Attachment,
) ([]uuid.UUID, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	attachments = uniqueAttachments(attachments)

	type link struct {
		id       uuid.UUID
		fileName string
	}
	links := make([]link, 0, len(attachments))
	for _, a := range attachments {
		upsert := r.sb.
			Insert("attachment").
			Columns("attachment_id", "file_name", "content_type", "data", "hash").
			Values(uuid.New(), a.FileName, a.ContentType, a.Data, a.Hash).
			Suffix("ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash RETURNING attachment_id")

		sqlStr, args, err := upsert.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build attachment upsert: %w", err)
		}

		var id uuid.UUID
		if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("upsert attachment: %w", err)
		}
		links = append(links, link{id: id, fileName: a.FileName})
	}

	ids := make([]uuid.UUID, 0, len(recipients))
	for _, email := range recipients {
		id := uuid.New()

		var data any
		if len(templateData) > 0 {
			data = []byte(templateData)
		}

		insert := r.sb.
			Insert("notification").
			Columns("notification_id", "kind", "email", "template_data").
			Values(id, kind, email, data)

		sqlStr, args, err := insert.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build notification insert: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return nil, fmt.Errorf("insert notification: %w", err)
		}

		for _, l := range links {
			insertLink := r.sb.
				Insert("notification_attachment").
				Columns("notification_id", "attachment_id", "file_name").
				Values(id, l.id, l.fileName).
				Suffix("ON CONFLICT (notification_id, attachment_id) DO NOTHING")

			sqlStr, args, err := insertLink.ToSql()
			if err != nil {
				return nil, fmt.Errorf("build attachment link: %w", err)
			}
			if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
				return nil, fmt.Errorf("link attachment: %w", err)
			}
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notifications enqueued",
		zap.String("kind", kind),
		zap.Int("recipients", len(recipients)),
		zap.Int("attachments", len(links)),
	)

	return ids, nil
}

// uniqueAttachments fills in missing hashes and keeps the first attachment
// for each content hash, preserving order.
func uniqueAttachments(attachments []Attachment) []Attachment {
	seen := make(map[string]struct{}, len(attachments))
	out := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		if a.Hash == "" {
			a = NewAttachment(a.FileName, a.ContentType, a.Data)
		}
		if _, ok := seen[a.Hash]; ok {
			continue
		}
		seen[a.Hash] = struct{}{}
		out = append(out, a)
	}
	return out
}

// QueueDepths counts pending meetings and notifications.
func (r *Repository) QueueDepths(ctx context.Context) (meetings, notifications int64, err error) {
	err = r.db.Pool().QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM meeting WHERE in_sync = false),
			(SELECT COUNT(*) FROM notification WHERE processed = false)
	`).Scan(&meetings, &notifications)
	if err != nil {
		return 0, 0, fmt.Errorf("query queue depths: %w", err)
	}
	return meetings, notifications, nil
}
