package signup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/fanfest-signup/internal/cache"
	"github.com/bissquit/fanfest-signup/internal/dedup"
	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/stretchr/testify/require"
)

var testEvents = []string{"Food Truck Festival", "Kids Zone Activities", "Photo Booth Experience"}

type mockRepository struct {
	mu        sync.Mutex
	byID      map[int64]*domain.Signup
	byEmail   map[string]int64
	nextID    int64
	createErr error
	existsErr error
	// skipExists hides stored rows from ExistsByEmail to simulate a race
	// that only the unique index catches.
	skipExists bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		byID:    make(map[int64]*domain.Signup),
		byEmail: make(map[string]int64),
	}
}

func (m *mockRepository) Create(ctx context.Context, s *domain.Signup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.byEmail[s.Email]; ok {
		return domain.ErrDuplicateEmail
	}

	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = time.Now().UTC()
	s.NotificationStatus = domain.NotificationPending
	s.NotificationUpdatedAt = s.CreatedAt

	stored := *s
	m.byID[s.ID] = &stored
	m.byEmail[s.Email] = s.ID
	return nil
}

func (m *mockRepository) GetByID(_ context.Context, id int64) (*domain.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrSignupNotFound
	}
	out := *s
	return &out, nil
}

func (m *mockRepository) ExistsByEmail(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsErr != nil {
		return false, m.existsErr
	}
	if m.skipExists {
		return false, nil
	}
	_, ok := m.byEmail[email]
	return ok, nil
}

func (m *mockRepository) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Stats{Total: int64(len(m.byID))}, nil
}

func (m *mockRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type mockQueue struct {
	mu       sync.Mutex
	tasks    []dispatch.Task
	failures int
}

func (q *mockQueue) Enqueue(_ context.Context, task dispatch.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failures != 0 {
		if q.failures > 0 {
			q.failures--
		}
		return errors.New("queue unavailable")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *mockQueue) enqueued() []dispatch.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dispatch.Task(nil), q.tasks...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	service *Service
	repo    *mockRepository
	queue   *mockQueue
	cache   *cache.Memory
	guard   *dedup.Guard
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := newMockRepository()
	queue := &mockQueue{}
	clock := &testClock{now: time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)}
	store := cache.NewMemory(cache.WithClock(clock.Now))

	guard, err := dedup.NewGuard(store, repo, dedup.Config{
		KeySecret:      "test",
		MarkerTTL:      time.Hour,
		ReservationTTL: 30 * time.Second,
	})
	require.NoError(t, err)

	svc := NewService(repo, guard, queue, store, Config{
		Title:           "Kansas City FIFA Fan Fest",
		Events:          testEvents,
		FormCacheTTL:    10 * time.Minute,
		EnqueueAttempts: 3,
		EnqueueDelay:    time.Millisecond,
	})

	return &testEnv{service: svc, repo: repo, queue: queue, cache: store, guard: guard, clock: clock}
}

func validSubmission() Submission {
	return Submission{
		Name:             "Alex Morgan",
		Email:            "Alex@Example.com",
		Phone:            "(816) 555-1234",
		ZipCode:          "64108",
		EventsInterested: []string{"Food Truck Festival"},
	}
}
