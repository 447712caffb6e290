//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/fanfest-signup/internal/domain"
	pgutil "github.com/bissquit/fanfest-signup/internal/pkg/postgres"
	"github.com/bissquit/fanfest-signup/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := pgutil.Migrate(pgContainer.ConnectionString); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

var emailSeq atomic.Int64

func newSignup(t *testing.T) *domain.Signup {
	t.Helper()
	return &domain.Signup{
		Name:             "Alex Morgan",
		Email:            fmt.Sprintf("fan%d@example.com", emailSeq.Add(1)),
		Phone:            "+18165551234",
		ZipCode:          "64108",
		EventsInterested: []string{"Food Truck Festival", "Kids Zone Activities"},
		SourceIP:         "203.0.113.7",
		UserAgent:        "integration-test",
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	s := newSignup(t)
	require.NoError(t, repo.Create(ctx, s))
	assert.Positive(t, s.ID)
	assert.Equal(t, domain.NotificationPending, s.NotificationStatus)
	assert.Zero(t, s.NotificationAttempts)
	assert.False(t, s.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Email, got.Email)
	assert.Equal(t, s.Phone, got.Phone)
	assert.Equal(t, s.EventsInterested, got.EventsInterested)
	assert.Equal(t, "203.0.113.7", got.SourceIP)
	assert.Empty(t, got.SourceURL)
	assert.Nil(t, got.NotificationLastError)
	assert.Nil(t, got.NotificationSentAt)

	exists, err := repo.ExistsByEmail(ctx, s.Email)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepository_CreateWithoutPhone(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	s := newSignup(t)
	s.Phone = ""
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Phone)
	assert.Equal(t, domain.ChannelTypeEmail, got.Channel())
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	_, err := NewRepository(testDB).GetByID(context.Background(), 987654321)
	assert.ErrorIs(t, err, domain.ErrSignupNotFound)
}

func TestRepository_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	first := newSignup(t)
	require.NoError(t, repo.Create(ctx, first))

	second := newSignup(t)
	second.Email = first.Email
	assert.ErrorIs(t, repo.Create(ctx, second), domain.ErrDuplicateEmail)
}

func TestRepository_ConcurrentDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	email := newSignup(t).Email

	const n = 10
	var wg sync.WaitGroup
	var created, duplicates atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newSignup(t)
			s.Email = email
			switch err := repo.Create(ctx, s); {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, domain.ErrDuplicateEmail):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
}

func TestRepository_DeliveryState(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	t.Run("retry then sent", func(t *testing.T) {
		s := newSignup(t)
		require.NoError(t, repo.Create(ctx, s))

		require.NoError(t, repo.MarkRetry(ctx, s.ID, 1, "provider timeout"))
		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.NotificationPending, got.NotificationStatus)
		assert.Equal(t, 1, got.NotificationAttempts)
		require.NotNil(t, got.NotificationLastError)
		assert.Equal(t, "provider timeout", *got.NotificationLastError)

		sentAt := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, repo.MarkSent(ctx, s.ID, 2, sentAt))
		got, err = repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.NotificationSent, got.NotificationStatus)
		assert.Equal(t, 2, got.NotificationAttempts)
		assert.Nil(t, got.NotificationLastError)
		require.NotNil(t, got.NotificationSentAt)
		assert.True(t, sentAt.Equal(*got.NotificationSentAt))
	})

	t.Run("terminal state is final", func(t *testing.T) {
		s := newSignup(t)
		require.NoError(t, repo.Create(ctx, s))

		require.NoError(t, repo.MarkFailed(ctx, s.ID, 5, "invalid number"))
		assert.ErrorIs(t, repo.MarkSent(ctx, s.ID, 6, time.Now()), domain.ErrNotPending)
		assert.ErrorIs(t, repo.MarkRetry(ctx, s.ID, 6, "late"), domain.ErrNotPending)

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.NotificationFailed, got.NotificationStatus)
		assert.Equal(t, 5, got.NotificationAttempts)
	})

	t.Run("attempts never decrease", func(t *testing.T) {
		s := newSignup(t)
		require.NoError(t, repo.Create(ctx, s))

		require.NoError(t, repo.MarkRetry(ctx, s.ID, 3, "first"))
		require.NoError(t, repo.MarkRetry(ctx, s.ID, 2, "stale writer"))

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.NotificationAttempts)
	})
}

func TestRepository_ListStalePending(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	stale := newSignup(t)
	require.NoError(t, repo.Create(ctx, stale))
	_, err := testDB.Exec(ctx,
		`UPDATE signups SET notification_updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	fresh := newSignup(t)
	require.NoError(t, repo.Create(ctx, fresh))

	ids, err := repo.ListStalePending(ctx, time.Now().Add(-15*time.Minute), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, stale.ID)
	assert.NotContains(t, ids, fresh.ID)
}

func TestRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)

	before, err := repo.Stats(ctx)
	require.NoError(t, err)

	s := newSignup(t)
	require.NoError(t, repo.Create(ctx, s))
	require.NoError(t, repo.MarkSent(ctx, s.ID, 1, time.Now()))

	after, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Total+1, after.Total)
	assert.Equal(t, before.Today+1, after.Today)
	assert.Equal(t, before.ByStatus[domain.NotificationSent]+1, after.ByStatus[domain.NotificationSent])
}
