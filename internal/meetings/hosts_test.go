package meetings

import (
	"testing"
	"time"

	"github.com/ocgsync/syncd/internal/db"
)

func TestSelectHost(t *testing.T) {
	base := time.Date(2026, 11, 5, 18, 0, 0, 0, time.UTC)
	start, end := base, base.Add(time.Hour)
	users := []string{"a", "b", "c"}

	at := func(user string, from, to time.Duration) db.HostAssignment {
		return db.HostAssignment{User: user, StartsAt: base.Add(from), EndsAt: base.Add(to)}
	}

	tests := []struct {
		name        string
		assignments []db.HostAssignment
		max         int
		want        string
		wantOK      bool
	}{
		{
			name:   "empty pool of assignments picks first user",
			max:    1,
			want:   "a",
			wantOK: true,
		},
		{
			name:        "skips saturated user",
			assignments: []db.HostAssignment{at("a", 0, time.Hour)},
			max:         1,
			want:        "b",
			wantOK:      true,
		},
		{
			name: "prefers least loaded",
			assignments: []db.HostAssignment{
				at("a", 0, time.Hour),
				at("b", 0, time.Hour),
				at("b", 30*time.Minute, 2*time.Hour),
			},
			max:    3,
			want:   "c",
			wantOK: true,
		},
		{
			name: "non-overlapping meetings do not count",
			assignments: []db.HostAssignment{
				at("a", -time.Hour, 0),
				at("a", time.Hour, 2*time.Hour),
			},
			max:    1,
			want:   "a",
			wantOK: true,
		},
		{
			name: "all saturated",
			assignments: []db.HostAssignment{
				at("a", 0, time.Hour),
				at("b", -30*time.Minute, 30*time.Minute),
				at("c", 59*time.Minute, 3*time.Hour),
			},
			max:    1,
			wantOK: false,
		},
		{
			name: "cap allows concurrent meetings",
			assignments: []db.HostAssignment{
				at("a", 0, time.Hour),
				at("b", 0, time.Hour),
				at("c", 0, time.Hour),
			},
			max:    2,
			want:   "a",
			wantOK: true,
		},
		{
			name:        "assignments for users outside the pool are ignored",
			assignments: []db.HostAssignment{at("z", 0, time.Hour)},
			max:         1,
			want:        "a",
			wantOK:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectHost(users, tt.assignments, start, end, tt.max)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("SelectHost() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSelectHost_EmptyPool(t *testing.T) {
	now := time.Now()
	if got, ok := SelectHost(nil, nil, now, now.Add(time.Hour), 5); ok {
		t.Errorf("expected no host, got %q", got)
	}
}
