package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/fanfest-signup/internal/domain"
)

// Dispatcher routes notifications to the sender of their channel.
type Dispatcher struct {
	senders map[domain.ChannelType]Sender
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(senders ...Sender) *Dispatcher {
	senderMap := make(map[domain.ChannelType]Sender)
	for _, s := range senders {
		senderMap[s.Type()] = s
	}
	return &Dispatcher{senders: senderMap}
}

// Send delivers the notification on the given channel.
func (d *Dispatcher) Send(ctx context.Context, channel domain.ChannelType, notification Notification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, channel)
	}
	return sender.Send(ctx, notification)
}

// Recycle asks every sender holding connections to drop them.
func (d *Dispatcher) Recycle() {
	for channel, s := range d.senders {
		if r, ok := s.(Recycler); ok {
			slog.Debug("recycling sender", "channel_type", channel)
			r.Recycle()
		}
	}
}
