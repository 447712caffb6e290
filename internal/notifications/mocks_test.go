package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
)

type mockRepository struct {
	mu      sync.Mutex
	signups map[int64]*domain.Signup
	getErr  error
}

func newMockRepository(signups ...*domain.Signup) *mockRepository {
	m := &mockRepository{signups: make(map[int64]*domain.Signup)}
	for _, s := range signups {
		m.signups[s.ID] = s
	}
	return m
}

func (m *mockRepository) GetByID(_ context.Context, id int64) (*domain.Signup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.signups[id]
	if !ok {
		return nil, domain.ErrSignupNotFound
	}
	out := *s
	return &out, nil
}

func (m *mockRepository) update(id int64, attempts int, fn func(s *domain.Signup)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signups[id]
	if !ok || s.NotificationStatus != domain.NotificationPending {
		return domain.ErrNotPending
	}
	s.NotificationAttempts = max(s.NotificationAttempts, attempts)
	fn(s)
	return nil
}

func (m *mockRepository) MarkSent(_ context.Context, id int64, attempts int, sentAt time.Time) error {
	return m.update(id, attempts, func(s *domain.Signup) {
		s.NotificationStatus = domain.NotificationSent
		s.NotificationSentAt = &sentAt
		s.NotificationLastError = nil
	})
}

func (m *mockRepository) MarkRetry(_ context.Context, id int64, attempts int, lastErr string) error {
	return m.update(id, attempts, func(s *domain.Signup) {
		s.NotificationLastError = &lastErr
	})
}

func (m *mockRepository) MarkFailed(_ context.Context, id int64, attempts int, lastErr string) error {
	return m.update(id, attempts, func(s *domain.Signup) {
		s.NotificationStatus = domain.NotificationFailed
		s.NotificationLastError = &lastErr
	})
}

func (m *mockRepository) get(id int64) domain.Signup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.signups[id]
}

type scheduledTask struct {
	task dispatch.Task
	at   time.Time
}

type mockQueue struct {
	mu        sync.Mutex
	scheduled []scheduledTask
	claimedBy map[int64]string
	claimErr  error
	released  int
}

func newMockQueue() *mockQueue {
	return &mockQueue{claimedBy: make(map[int64]string)}
}

func (q *mockQueue) Dequeue(ctx context.Context, wait time.Duration) (*dispatch.Task, error) {
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
	return nil, dispatch.ErrEmpty
}

func (q *mockQueue) EnqueueAt(_ context.Context, task dispatch.Task, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled = append(q.scheduled, scheduledTask{task: task, at: at})
	return nil
}

func (q *mockQueue) Claim(_ context.Context, signupID int64, owner string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return false, q.claimErr
	}
	if _, ok := q.claimedBy[signupID]; ok {
		return false, nil
	}
	q.claimedBy[signupID] = owner
	return true, nil
}

func (q *mockQueue) Release(_ context.Context, signupID int64, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimedBy[signupID] == owner {
		delete(q.claimedBy, signupID)
		q.released++
	}
	return nil
}

func (q *mockQueue) scheduledTasks() []scheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]scheduledTask(nil), q.scheduled...)
}

type mockSender struct {
	mu       sync.Mutex
	channel  domain.ChannelType
	sent     []Notification
	errs     []error
	recycled int
}

func (s *mockSender) Type() domain.ChannelType { return s.channel }

func (s *mockSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *mockSender) Recycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recycled++
}

func (s *mockSender) messages() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

func pendingSignup(id int64, phone string) *domain.Signup {
	return &domain.Signup{
		ID:                 id,
		Name:               "alex morgan",
		Email:              "alex@example.com",
		Phone:              phone,
		ZipCode:            "64108",
		EventsInterested:   []string{"Food Truck Festival"},
		CreatedAt:          time.Date(2026, 6, 11, 18, 0, 0, 0, time.UTC),
		NotificationStatus: domain.NotificationPending,
	}
}
