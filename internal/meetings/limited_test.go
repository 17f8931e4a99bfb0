package meetings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBudget struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	keys       []string
}

func (b *stubBudget) Reserve(_ context.Context, key string) (bool, time.Duration, error) {
	b.keys = append(b.keys, key)
	return b.allowed, b.retryAfter, b.err
}

func TestLimitedProvider_Allowed(t *testing.T) {
	next := newFakeProvider()
	budget := &stubBudget{allowed: true}
	p := NewLimitedProvider(next, budget, "zoom", zap.NewNop())

	m := newMeeting()
	_, err := p.CreateMeeting(context.Background(), &m)
	require.NoError(t, err)
	require.NoError(t, p.UpdateMeeting(context.Background(), "1", &m))
	_, err = p.GetMeeting(context.Background(), "1")
	require.NoError(t, err)
	require.NoError(t, p.DeleteMeeting(context.Background(), "1"))

	assert.Equal(t, []string{"create", "update", "get", "delete"}, next.calls)
	assert.Equal(t, []string{"zoom", "zoom", "zoom", "zoom"}, budget.keys)
}

func TestLimitedProvider_Exhausted(t *testing.T) {
	next := newFakeProvider()
	p := NewLimitedProvider(next, &stubBudget{allowed: false, retryAfter: 42 * time.Second}, "zoom", zap.NewNop())

	err := p.DeleteMeeting(context.Background(), "1")

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrRateLimit, pe.Kind)
	assert.Equal(t, 42*time.Second, pe.RetryAfter)
	assert.True(t, pe.Retryable())
	assert.Zero(t, next.callCount())
}

func TestLimitedProvider_FailsOpen(t *testing.T) {
	next := newFakeProvider()
	p := NewLimitedProvider(next, &stubBudget{err: errors.New("redis: connection refused")}, "zoom", zap.NewNop())

	_, err := p.GetMeeting(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, next.callCount())
}

func TestProviderError_Retryable(t *testing.T) {
	tests := []struct {
		err  *ProviderError
		want bool
	}{
		{ClientError("bad request"), false},
		{NotFoundError(), false},
		{NetworkError(errors.New("reset")), true},
		{RateLimitError(time.Second), true},
		{ServerError("503"), true},
		{TokenError("expired"), true},
	}

	for _, tt := range tests {
		t.Run(tt.err.Kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundError()))
	assert.False(t, IsNotFound(ClientError("x")))
	assert.False(t, IsNotFound(errors.New("404")))
}
