package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/meetings"
)

// ErrCircuitOpen marks calls rejected without reaching the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ProtectedProvider wraps a meetings.Provider with a CircuitBreaker. Only
// retryable failures count against the provider: a 4xx or a missing meeting
// means the provider answered.
type ProtectedProvider struct {
	next    meetings.Provider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedProvider(next meetings.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedProvider) CreateMeeting(ctx context.Context, m *db.Meeting) (*db.ProviderMeeting, error) {
	var out *db.ProviderMeeting
	err := p.do("create", func() error {
		var err error
		out, err = p.next.CreateMeeting(ctx, m)
		return err
	})
	return out, err
}

func (p *ProtectedProvider) UpdateMeeting(ctx context.Context, providerMeetingID string, m *db.Meeting) error {
	return p.do("update", func() error {
		return p.next.UpdateMeeting(ctx, providerMeetingID, m)
	})
}

func (p *ProtectedProvider) DeleteMeeting(ctx context.Context, providerMeetingID string) error {
	return p.do("delete", func() error {
		return p.next.DeleteMeeting(ctx, providerMeetingID)
	})
}

func (p *ProtectedProvider) GetMeeting(ctx context.Context, providerMeetingID string) (*db.ProviderMeeting, error) {
	var out *db.ProviderMeeting
	err := p.do("get", func() error {
		var err error
		out, err = p.next.GetMeeting(ctx, providerMeetingID)
		return err
	})
	return out, err
}

func (p *ProtectedProvider) do(op string, call func() error) error {
	allowed, wait := p.breaker.Allow()
	if !allowed {
		p.logger.Warn("circuit breaker rejected provider call",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("operation", op),
			zap.Duration("retry_after", wait),
		)
		pe := meetings.ServerError("%s unavailable", p.breaker.config.Name)
		pe.RetryAfter = wait
		return fmt.Errorf("%w: %w", ErrCircuitOpen, pe)
	}

	err := call()
	if err != nil && meetings.AsProviderError(err).Retryable() {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("operation", op),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return err
}
