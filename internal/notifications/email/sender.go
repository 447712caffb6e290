// Package email provides email confirmation sending via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/notifications"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
}

// Sender implements notifications.Sender via SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Sender{
		config: config,
		auth:   auth,
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeEmail
}

// Send sends an email to notification.To. Errors are classified so the
// worker retries only temporary SMTP and network failures.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		return notifications.ErrSenderDisabled
	}

	err := s.sendEmail(ctx, notification.To, notification.Subject, notification.Body)
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return notifications.NewRetryableError(err)
	}
	return notifications.NewNonRetryableError(err)
}

func (s *Sender) sendEmail(ctx context.Context, to, subject, body string) error {
	msg := s.buildMessage(to, subject, body)
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprint(s.config.SMTPPort))

	tlsConfig := &tls.Config{
		ServerName: s.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	return s.sendWithSTARTTLS(ctx, addr, tlsConfig, to, msg)
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(to, subject, body string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	return []byte(msg.String())
}

// sendWithSTARTTLS sends an email, upgrading to TLS when the server offers it.
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// The SMTP exchange honours the caller's deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// IsRetryable determines if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// SMTP replies carry their code; 4xx are transient.
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500 || protoErr.Code == 552
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network timeout errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused is retryable
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures (retryable)
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
