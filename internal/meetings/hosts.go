package meetings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocgsync/syncd/internal/db"
)

// SelectHost picks the user with the fewest meetings overlapping
// [start, end), ties broken by pool order. Users already at maxPerUser are
// skipped. It returns false when the whole pool is saturated.
func SelectHost(users []string, assignments []db.HostAssignment, start, end time.Time, maxPerUser int) (string, bool) {
	load := make(map[string]int, len(users))
	for _, a := range assignments {
		if a.StartsAt.Before(end) && a.EndsAt.After(start) {
			load[a.User]++
		}
	}

	best, bestLoad := "", maxPerUser
	for _, u := range users {
		if n := load[u]; n < bestLoad {
			best, bestLoad = u, n
		}
	}

	return best, best != ""
}

// AssignmentLister loads existing host assignments inside the caller's
// transaction.
type AssignmentLister interface {
	ListHostAssignments(ctx context.Context, clientID uuid.UUID, users []string, start, end time.Time) ([]db.HostAssignment, error)
}

// HostPicker assigns a host user from a fixed pool to meetings being created.
type HostPicker struct {
	lister     AssignmentLister
	users      []string
	maxPerUser int
}

func NewHostPicker(lister AssignmentLister, users []string, maxPerUser int) *HostPicker {
	if maxPerUser <= 0 {
		maxPerUser = 1
	}
	return &HostPicker{lister: lister, users: users, maxPerUser: maxPerUser}
}

// Pick returns a host for m, or "" when every user is saturated during the
// meeting's window.
func (p *HostPicker) Pick(ctx context.Context, clientID uuid.UUID, m *db.Meeting) (string, error) {
	start, end := m.StartsAt, m.EndsAt()

	assignments, err := p.lister.ListHostAssignments(ctx, clientID, p.users, start, end)
	if err != nil {
		return "", fmt.Errorf("list host assignments: %w", err)
	}

	host, _ := SelectHost(p.users, assignments, start, end, p.maxPerUser)
	return host, nil
}
