// Package meetings keeps meetings on an external video-conference provider
// in sync with the local meeting records.
package meetings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocgsync/syncd/internal/db"
)

// Provider is a meetings platform. Every method fails with a *ProviderError.
type Provider interface {
	CreateMeeting(ctx context.Context, m *db.Meeting) (*db.ProviderMeeting, error)
	UpdateMeeting(ctx context.Context, providerMeetingID string, m *db.Meeting) error
	DeleteMeeting(ctx context.Context, providerMeetingID string) error
	GetMeeting(ctx context.Context, providerMeetingID string) (*db.ProviderMeeting, error)
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	ErrClient ErrorKind = iota
	ErrNetwork
	ErrNotFound
	ErrRateLimit
	ErrServer
	ErrToken
)

func (k ErrorKind) String() string {
	switch k {
	case ErrClient:
		return "client"
	case ErrNetwork:
		return "network"
	case ErrNotFound:
		return "not_found"
	case ErrRateLimit:
		return "rate_limit"
	case ErrServer:
		return "server"
	case ErrToken:
		return "token"
	default:
		return "unknown"
	}
}

type ProviderError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is the delay requested by the provider, if any.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	switch {
	case e.Kind == ErrRateLimit:
		return fmt.Sprintf("provider rate limit: retry after %s", e.RetryAfter)
	case e.Message == "":
		return fmt.Sprintf("provider %s error", e.Kind)
	default:
		return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
	}
}

// Retryable reports whether the same call may succeed later.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrNetwork, ErrRateLimit, ErrServer, ErrToken:
		return true
	default:
		return false
	}
}

// RetryDelay is the minimum pause the worker loop honors after this error.
func (e *ProviderError) RetryDelay() time.Duration {
	return e.RetryAfter
}

func ClientError(format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrClient, Message: fmt.Sprintf(format, args...)}
}

func NetworkError(err error) *ProviderError {
	return &ProviderError{Kind: ErrNetwork, Message: err.Error()}
}

func NotFoundError() *ProviderError {
	return &ProviderError{Kind: ErrNotFound}
}

func RateLimitError(retryAfter time.Duration) *ProviderError {
	return &ProviderError{Kind: ErrRateLimit, RetryAfter: retryAfter}
}

func ServerError(format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrServer, Message: fmt.Sprintf(format, args...)}
}

func TokenError(format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrToken, Message: fmt.Sprintf(format, args...)}
}

// AsProviderError returns the provider error in err's chain. Errors that are
// not provider errors are treated as network failures, so they are retried.
func AsProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return NetworkError(err)
}

// IsNotFound reports whether err is a provider not-found error.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrNotFound
}
