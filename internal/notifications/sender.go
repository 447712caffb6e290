package notifications

import (
	"context"

	"github.com/bissquit/fanfest-signup/internal/domain"
)

// Notification is one rendered message for one destination.
type Notification struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers notifications over one channel.
type Sender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, notification Notification) error
}

// Recycler is implemented by senders that hold long-lived connections.
// Recycle drops them so a recycled worker slot starts fresh.
type Recycler interface {
	Recycle()
}
