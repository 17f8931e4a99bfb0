package meetings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/events"
)

// memStore is an in-memory Store with transactional visibility: a claimed
// row is skipped by other transactions until commit or rollback, and writes
// only become visible on commit. Like the registry, statements fail on a
// cancelled context while commit and rollback do not.
type memStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*memRow
	order    []uuid.UUID
	txs      map[uuid.UUID]*memTx
	lockedBy map[uuid.UUID]uuid.UUID

	assignments []db.HostAssignment

	claimErr error
	writeErr error

	commits   int
	rollbacks int
}

type memRow struct {
	meeting db.Meeting
	inSync  bool
	deleted bool
}

type memTx struct {
	writes []func()
}

func newMemStore(meetings ...db.Meeting) *memStore {
	s := &memStore{
		rows:     make(map[uuid.UUID]*memRow),
		txs:      make(map[uuid.UUID]*memTx),
		lockedBy: make(map[uuid.UUID]uuid.UUID),
	}
	for _, m := range meetings {
		s.rows[m.MeetingID] = &memRow{meeting: m}
		s.order = append(s.order, m.MeetingID)
	}
	return s
}

func (s *memStore) row(id uuid.UUID) *memRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *s.rows[id]
	return &r
}

func (s *memStore) TxBegin(ctx context.Context) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.txs[id] = &memTx{}
	return id, nil
}

func (s *memStore) finish(clientID uuid.UUID, apply bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[clientID]
	if !ok {
		return db.ErrTxNotFound
	}
	delete(s.txs, clientID)

	if apply {
		for _, w := range tx.writes {
			w()
		}
	}
	for rowID, owner := range s.lockedBy {
		if owner == clientID {
			delete(s.lockedBy, rowID)
		}
	}
	return nil
}

func (s *memStore) TxCommit(_ context.Context, clientID uuid.UUID) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return s.finish(clientID, true)
}

func (s *memStore) TxRollback(_ context.Context, clientID uuid.UUID) error {
	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()
	return s.finish(clientID, false)
}

func (s *memStore) GetMeetingOutOfSync(ctx context.Context, clientID uuid.UUID) (*db.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}
	for _, id := range s.order {
		r := s.rows[id]
		if r.inSync || r.deleted {
			continue
		}
		if _, locked := s.lockedBy[id]; locked {
			continue
		}
		s.lockedBy[id] = clientID
		m := r.meeting
		return &m, nil
	}
	return nil, nil
}

func (s *memStore) write(ctx context.Context, clientID uuid.UUID, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	tx, ok := s.txs[clientID]
	if !ok {
		return db.ErrTxNotFound
	}
	tx.writes = append(tx.writes, fn)
	return nil
}

func (s *memStore) AddMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	saved := *m
	return s.write(ctx, clientID, func() {
		r := s.rows[saved.MeetingID]
		r.meeting = saved
		r.meeting.SyncError = nil
		r.inSync = true
	})
}

func (s *memStore) UpdateMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	return s.AddMeeting(ctx, clientID, m)
}

func (s *memStore) DeleteMeeting(ctx context.Context, clientID uuid.UUID, m *db.Meeting) error {
	id := m.MeetingID
	return s.write(ctx, clientID, func() {
		s.rows[id].deleted = true
	})
}

func (s *memStore) SetMeetingSyncError(ctx context.Context, clientID uuid.UUID, m *db.Meeting, syncErr string) error {
	id := m.MeetingID
	return s.write(ctx, clientID, func() {
		r := s.rows[id]
		r.meeting.SyncError = &syncErr
		r.inSync = true
	})
}

func (s *memStore) ListHostAssignments(_ context.Context, _ uuid.UUID, users []string, start, end time.Time) ([]db.HostAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments, nil
}

// fakeProvider records calls and returns the configured error per operation.
type fakeProvider struct {
	mu sync.Mutex

	createErr error
	updateErr error
	deleteErr error
	getErr    error

	created map[uuid.UUID]int
	calls   []string
	hosts   []string

	password *string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{created: make(map[uuid.UUID]int)}
}

func (p *fakeProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) CreateMeeting(_ context.Context, m *db.Meeting) (*db.ProviderMeeting, error) {
	p.record("create")
	if p.createErr != nil {
		return nil, p.createErr
	}

	p.mu.Lock()
	p.created[m.MeetingID]++
	if m.ProviderHostUser != nil {
		p.hosts = append(p.hosts, *m.ProviderHostUser)
	}
	p.mu.Unlock()

	id := fmt.Sprintf("8%d", m.MeetingID.ID())
	return &db.ProviderMeeting{
		ID:       id,
		JoinURL:  "https://zoom.us/j/" + id,
		Password: p.password,
	}, nil
}

func (p *fakeProvider) UpdateMeeting(_ context.Context, _ string, _ *db.Meeting) error {
	p.record("update")
	return p.updateErr
}

func (p *fakeProvider) DeleteMeeting(_ context.Context, _ string) error {
	p.record("delete")
	return p.deleteErr
}

func (p *fakeProvider) GetMeeting(_ context.Context, id string) (*db.ProviderMeeting, error) {
	p.record("get")
	if p.getErr != nil {
		return nil, p.getErr
	}
	return &db.ProviderMeeting{ID: id, JoinURL: "https://zoom.us/j/" + id, Password: p.password}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

var errDBDown = errors.New("connection refused")

func strPtr(s string) *string { return &s }

func newMeeting() db.Meeting {
	return db.Meeting{
		MeetingID: uuid.New(),
		Provider:  "zoom",
		Topic:     "Monthly meetup",
		StartsAt:  time.Date(2026, 11, 5, 18, 0, 0, 0, time.UTC),
		Timezone:  "Europe/Madrid",
		Duration:  time.Hour,
	}
}
