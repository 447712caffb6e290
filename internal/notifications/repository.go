// Package notifications delivers signup confirmations over SMS and email.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
)

// Repository is the delivery-state view of the signup store. Every Mark
// method returns domain.ErrNotPending once the signup left the pending state.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.Signup, error)
	MarkSent(ctx context.Context, id int64, attempts int, sentAt time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, lastErr string) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error
}

// Queue is the part of the dispatch queue a worker consumes.
type Queue interface {
	Dequeue(ctx context.Context, wait time.Duration) (*dispatch.Task, error)
	EnqueueAt(ctx context.Context, task dispatch.Task, at time.Time) error
	Claim(ctx context.Context, signupID int64, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, signupID int64, owner string) error
}
