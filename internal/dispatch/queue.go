// Package dispatch carries confirmation tasks from the request path to the
// notification workers.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Queue errors.
var (
	ErrEmpty       = errors.New("dispatch: queue empty")
	ErrUnavailable = errors.New("dispatch: queue unavailable")
)

// Task asks a worker to deliver the confirmation for one signup.
type Task struct {
	SignupID   int64     `json:"signup_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// NewTask creates a first-attempt task.
func NewTask(signupID int64) Task {
	return Task{SignupID: signupID, EnqueuedAt: time.Now().UTC()}
}

// Depth is the number of queued tasks.
type Depth struct {
	Ready   int64
	Delayed int64
}

// Queue is a durable task queue with delayed delivery and per-signup claims.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// EnqueueAt makes the task visible to Dequeue no earlier than at.
	EnqueueAt(ctx context.Context, task Task, at time.Time) error
	// Dequeue waits up to wait for a task and returns ErrEmpty if none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Task, error)
	// Claim takes exclusive ownership of a signup for ttl. It reports false
	// when another owner holds a live claim.
	Claim(ctx context.Context, signupID int64, owner string, ttl time.Duration) (bool, error)
	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, signupID int64, owner string) error
	IsClaimed(ctx context.Context, signupID int64) (bool, error)
	Depth(ctx context.Context) (Depth, error)
}
