// Package domain contains the signup domain model.
package domain

import (
	"errors"
	"strings"
	"time"
)

// NotificationStatus is the delivery state of the confirmation for a signup.
type NotificationStatus string

// Notification statuses. Sent and failed are terminal.
const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// IsTerminal reports whether no further delivery attempts are made in this status.
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationSent || s == NotificationFailed
}

// ChannelType is the delivery channel of a confirmation.
type ChannelType string

// Delivery channels.
const (
	ChannelTypeSMS   ChannelType = "sms"
	ChannelTypeEmail ChannelType = "email"
)

// Signup is one registration.
type Signup struct {
	ID               int64
	Name             string
	Email            string
	Phone            string
	ZipCode          string
	EventsInterested []string

	SourceIP  string
	UserAgent string
	SourceURL string
	CreatedAt time.Time

	NotificationStatus    NotificationStatus
	NotificationAttempts  int
	NotificationLastError *string
	NotificationSentAt    *time.Time
	NotificationUpdatedAt time.Time
}

// Channel returns the channel the confirmation goes out on.
func (s *Signup) Channel() ChannelType {
	if s.Phone != "" {
		return ChannelTypeSMS
	}
	return ChannelTypeEmail
}

// Destination returns the address for Channel.
func (s *Signup) Destination() string {
	if s.Phone != "" {
		return s.Phone
	}
	return s.Email
}

// ErrInvalidPhone is returned when a phone number cannot be normalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizeEmail trims and lower-cases an email address. Duplicate detection
// and the unique index both operate on this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone converts a US phone number to E.164. Separators are
// ignored; ten digits get the +1 country code, eleven digits must start
// with 1. An empty input returns an empty result.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", ErrInvalidPhone
	}
}
