// Package sender abstracts outbound delivery. Each action kind maps to
// one Sender; the executor never knows how an action reaches the
// outside world, only whether the failure it got back is worth
// retrying.
package sender

import (
	"context"
	"fmt"

	"vaultline/internal/record"
)

// Receipt is the provider-side proof of delivery.
type Receipt struct {
	ID string
}

// Sender dispatches one outbound action.
type Sender interface {
	Dispatch(ctx context.Context, target, content string) (Receipt, error)
}

// Error kinds distinguish transient failures, which the executor
// retries with backoff, from permanent ones, which fail the request
// terminally.

type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return "auth: " + e.Msg }

type RateLimitError struct{ Msg string }

func (e *RateLimitError) Error() string { return "rate limited: " + e.Msg }

type InvalidTargetError struct{ Msg string }

func (e *InvalidTargetError) Error() string { return "invalid target: " + e.Msg }

type NetworkError struct{ Msg string }

func (e *NetworkError) Error() string { return "network: " + e.Msg }

// Transient reports whether a dispatch error is worth retrying.
// Auth and invalid-target failures never resolve on their own.
func Transient(err error) bool {
	switch err.(type) {
	case *AuthError, *InvalidTargetError:
		return false
	case *RateLimitError, *NetworkError:
		return true
	}
	// Unclassified errors (timeouts, crashed commands) default to
	// retryable.
	return true
}

// Registry maps action kinds to their senders.
type Registry map[record.Action]Sender

// For resolves the sender for an action kind.
func (r Registry) For(action record.Action) (Sender, error) {
	s, ok := r[action]
	if !ok {
		return nil, fmt.Errorf("unrecognized action %q", action)
	}
	return s, nil
}

// Noop acknowledges without delivering. Used for dry runs and tests.
type Noop struct{}

func (Noop) Dispatch(_ context.Context, target, _ string) (Receipt, error) {
	return Receipt{ID: "noop-" + target}, nil
}
