package notifications

import (
	"strings"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
)

// MessagePayload contains data for rendering a confirmation.
type MessagePayload struct {
	SignupID     int64
	Title        string
	Name         string
	FirstName    string
	Events       []string
	RegisteredAt time.Time
}

// NewMessagePayload builds the render payload for a signup.
func NewMessagePayload(title string, s *domain.Signup) MessagePayload {
	name := titleCase(strings.TrimSpace(s.Name))
	first := name
	if fields := strings.Fields(name); len(fields) > 0 {
		first = fields[0]
	}

	return MessagePayload{
		SignupID:     s.ID,
		Title:        title,
		Name:         name,
		FirstName:    first,
		Events:       s.EventsInterested,
		RegisteredAt: s.CreatedAt,
	}
}
