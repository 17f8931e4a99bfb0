package meetings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
)

// CallBudget is a shared allowance of provider calls.
type CallBudget interface {
	// Reserve takes one call from the budget under key. When the budget is
	// exhausted it returns false and the time until a call frees up.
	Reserve(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// LimitedProvider spends one unit of a shared budget per provider call, so
// all workers and replicas together stay under the provider's quota.
type LimitedProvider struct {
	next   Provider
	budget CallBudget
	key    string
	logger *zap.Logger
}

func NewLimitedProvider(next Provider, budget CallBudget, key string, logger *zap.Logger) *LimitedProvider {
	return &LimitedProvider{next: next, budget: budget, key: key, logger: logger}
}

// reserve fails open: a broken budget store must not stop syncing.
func (p *LimitedProvider) reserve(ctx context.Context) error {
	allowed, retryAfter, err := p.budget.Reserve(ctx, p.key)
	if err != nil {
		p.logger.Warn("provider call budget unavailable, allowing call", zap.Error(err))
		return nil
	}
	if !allowed {
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return RateLimitError(retryAfter)
	}
	return nil
}

func (p *LimitedProvider) CreateMeeting(ctx context.Context, m *db.Meeting) (*db.ProviderMeeting, error) {
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}
	return p.next.CreateMeeting(ctx, m)
}

func (p *LimitedProvider) UpdateMeeting(ctx context.Context, providerMeetingID string, m *db.Meeting) error {
	if err := p.reserve(ctx); err != nil {
		return err
	}
	return p.next.UpdateMeeting(ctx, providerMeetingID, m)
}

func (p *LimitedProvider) DeleteMeeting(ctx context.Context, providerMeetingID string) error {
	if err := p.reserve(ctx); err != nil {
		return err
	}
	return p.next.DeleteMeeting(ctx, providerMeetingID)
}

func (p *LimitedProvider) GetMeeting(ctx context.Context, providerMeetingID string) (*db.ProviderMeeting, error) {
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}
	return p.next.GetMeeting(ctx, providerMeetingID)
}
