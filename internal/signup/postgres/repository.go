// Package postgres provides the PostgreSQL implementation of the signup store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/signup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"
	emailIndex      = "signups_email_key"
)

const signupColumns = `
	id, name, email, COALESCE(phone, ''), zip_code, events_interested,
	COALESCE(source_ip, ''), COALESCE(user_agent, ''), COALESCE(source_url, ''),
	created_at, notification_status, notification_attempts,
	notification_last_error, notification_sent_at, notification_updated_at`

// Repository implements signup.Repository and notifications.Repository.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a signup in a single statement and fills the generated fields.
func (r *Repository) Create(ctx context.Context, s *domain.Signup) error {
	query := `
		INSERT INTO signups (name, email, phone, zip_code, events_interested, source_ip, user_agent, source_url)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
		RETURNING id, created_at, notification_status, notification_attempts, notification_updated_at
	`
	events := s.EventsInterested
	if events == nil {
		events = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		s.Name,
		s.Email,
		s.Phone,
		s.ZipCode,
		events,
		s.SourceIP,
		s.UserAgent,
		s.SourceURL,
	).Scan(&s.ID, &s.CreatedAt, &s.NotificationStatus, &s.NotificationAttempts, &s.NotificationUpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == emailIndex {
			return domain.ErrDuplicateEmail
		}
		return fmt.Errorf("insert signup: %w", err)
	}
	return nil
}

// GetByID retrieves a signup by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*domain.Signup, error) {
	query := `SELECT ` + signupColumns + ` FROM signups WHERE id = $1`

	s, err := scanSignup(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSignupNotFound
		}
		return nil, fmt.Errorf("get signup: %w", err)
	}
	return s, nil
}

// ExistsByEmail reports whether a signup with the normalized email is stored.
func (r *Repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM signups WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check signup email: %w", err)
	}
	return exists, nil
}

// Stats returns signup totals grouped by notification status.
func (r *Repository) Stats(ctx context.Context) (*signup.Stats, error) {
	query := `
		SELECT notification_status,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW()))
		FROM signups
		GROUP BY notification_status
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query signup stats: %w", err)
	}
	defer rows.Close()

	stats := &signup.Stats{ByStatus: make(map[domain.NotificationStatus]int64)}
	for rows.Next() {
		var status domain.NotificationStatus
		var total, today int64
		if err := rows.Scan(&status, &total, &today); err != nil {
			return nil, fmt.Errorf("scan signup stats: %w", err)
		}
		stats.ByStatus[status] = total
		stats.Total += total
		stats.Today += today
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signup stats: %w", err)
	}
	return stats, nil
}

// ListStalePending returns IDs of pending signups not updated since olderThan,
// oldest first.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM signups
		WHERE notification_status = 'pending' AND notification_updated_at < $1
		ORDER BY notification_updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale signups: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect stale signups: %w", err)
	}
	return ids, nil
}

// MarkSent records a successful delivery.
func (r *Repository) MarkSent(ctx context.Context, id int64, attempts int, sentAt time.Time) error {
	query := `
		UPDATE signups
		SET notification_status = 'sent',
		    notification_attempts = GREATEST(notification_attempts, $2),
		    notification_last_error = NULL,
		    notification_sent_at = $3,
		    notification_updated_at = NOW()
		WHERE id = $1 AND notification_status = 'pending'
	`
	return r.updatePending(ctx, "mark signup sent", query, id, attempts, sentAt)
}

// MarkRetry records a failed attempt that will be retried.
func (r *Repository) MarkRetry(ctx context.Context, id int64, attempts int, lastErr string) error {
	query := `
		UPDATE signups
		SET notification_attempts = GREATEST(notification_attempts, $2),
		    notification_last_error = $3,
		    notification_updated_at = NOW()
		WHERE id = $1 AND notification_status = 'pending'
	`
	return r.updatePending(ctx, "mark signup retry", query, id, attempts, lastErr)
}

// MarkFailed records a terminal delivery failure.
func (r *Repository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	query := `
		UPDATE signups
		SET notification_status = 'failed',
		    notification_attempts = GREATEST(notification_attempts, $2),
		    notification_last_error = $3,
		    notification_updated_at = NOW()
		WHERE id = $1 AND notification_status = 'pending'
	`
	return r.updatePending(ctx, "mark signup failed", query, id, attempts, lastErr)
}

func (r *Repository) updatePending(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotPending
	}
	return nil
}

func scanSignup(row pgx.Row) (*domain.Signup, error) {
	var s domain.Signup
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Email,
		&s.Phone,
		&s.ZipCode,
		&s.EventsInterested,
		&s.SourceIP,
		&s.UserAgent,
		&s.SourceURL,
		&s.CreatedAt,
		&s.NotificationStatus,
		&s.NotificationAttempts,
		&s.NotificationLastError,
		&s.NotificationSentAt,
		&s.NotificationUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
