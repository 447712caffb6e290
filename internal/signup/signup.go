// Package signup accepts public registrations, persists each email once and
// hands the confirmation off to the dispatch queue.
package signup

import (
	"context"
	"time"

	"github.com/bissquit/fanfest-signup/internal/dedup"
	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
)

// Submission is a signup request as received from the client.
type Submission struct {
	Name             string   `json:"name" validate:"required,min=2,max=100"`
	Email            string   `json:"email" validate:"required,email,max=120"`
	Phone            string   `json:"phone" validate:"omitempty,max=20"`
	ZipCode          string   `json:"zip_code" validate:"required,min=5,max=10"`
	EventsInterested []string `json:"events_interested" validate:"required,min=1,dive,required"`

	SourceIP  string `json:"-"`
	UserAgent string `json:"-"`
	SourceURL string `json:"-"`
}

// FormConfig is what a client needs to render the signup form.
type FormConfig struct {
	Title  string   `json:"title"`
	Events []string `json:"events"`
}

// Stats summarizes stored signups.
type Stats struct {
	Total    int64
	Today    int64
	ByStatus map[domain.NotificationStatus]int64
}

// Repository persists signups.
type Repository interface {
	// Create inserts the signup and fills its generated fields. It returns
	// domain.ErrDuplicateEmail when the email is already stored.
	Create(ctx context.Context, s *domain.Signup) error
	GetByID(ctx context.Context, id int64) (*domain.Signup, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Stats(ctx context.Context) (*Stats, error)
}

// DuplicateGuard is the pre-write duplicate check.
type DuplicateGuard interface {
	CheckAndReserve(ctx context.Context, email string) (dedup.Result, error)
	Confirm(ctx context.Context, email string)
	Release(ctx context.Context, email string)
}

// Enqueuer hands tasks to the notification workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, task dispatch.Task) error
}

// Config contains service configuration.
type Config struct {
	Title           string
	Events          []string
	FormCacheTTL    time.Duration
	EnqueueAttempts int
	EnqueueDelay    time.Duration
}
