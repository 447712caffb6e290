// Package sms provides SMS confirmation sending via the Twilio Messages API.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/notifications"
	"github.com/bissquit/fanfest-signup/internal/pkg/ctxlog"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	defaultTimeout = 10 * time.Second
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// Sender implements notifications.Sender for SMS.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new SMS sender. A sender that is enabled without
// credentials is kept disabled and every send fails permanently.
func NewSender(config Config) *Sender {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	if config.Enabled && (config.AccountSID == "" || config.AuthToken == "" || config.FromNumber == "") {
		slog.Warn("sms sender enabled without twilio credentials, disabling")
		config.Enabled = false
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"from_number", config.FromNumber,
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeSMS
}

// Recycle drops idle provider connections.
func (s *Sender) Recycle() {
	s.httpClient.CloseIdleConnections()
}

// Send sends the notification body to the E.164 number in notification.To.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		return notifications.ErrSenderDisabled
	}
	if notification.To == "" {
		return &PermanentError{Message: "destination number is empty"}
	}

	form := url.Values{
		"To":   {notification.To},
		"From": {s.config.FromNumber},
		"Body": {notification.Body},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.config.BaseURL, url.PathEscape(s.config.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(ctx, resp, notification.To)
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Sender) handleResponse(ctx context.Context, resp *http.Response, to string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		logger := ctxlog.FromContext(ctx)
		var msg messageResponse
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.Warn("unexpected twilio response body", "error", err)
		}
		logger.Debug("sms sent", "to", maskNumber(to), "sid", msg.SID, "status", msg.Status)
		return nil
	}

	message := providerMessage(body)

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: message}

	case http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", message)}
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, message)
	}
}

// providerMessage extracts the Twilio error code and message, keeping the
// raw body when it is not a Twilio error document.
func providerMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Code != 0 {
			return fmt.Sprintf("twilio %d: %s", e.Code, e.Message)
		}
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

// maskNumber hides all but the last four digits for logging.
func maskNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
