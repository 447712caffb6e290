package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue for single-instance runs and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []Task
	delayed []delayedTask
	claims  map[int64]claim
	notify  chan struct{}
	now     func() time.Time
}

type delayedTask struct {
	task Task
	due  time.Time
}

type claim struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		claims: make(map[int64]claim),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	q.ready = append(q.ready, task)
	q.mu.Unlock()
	q.wake()
	return nil
}

// EnqueueAt implements Queue.
func (q *MemoryQueue) EnqueueAt(_ context.Context, task Task, at time.Time) error {
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedTask{task: task, due: at})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })
	q.mu.Unlock()
	q.wake()
	return nil
}

// pop promotes due tasks and takes the oldest ready one. The second result
// is the time until the next delayed task, or zero.
func (q *MemoryQueue) pop() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for len(q.delayed) > 0 && !q.delayed[0].due.After(now) {
		q.ready = append(q.ready, q.delayed[0].task)
		q.delayed = q.delayed[1:]
	}

	if len(q.ready) > 0 {
		task := q.ready[0]
		q.ready = q.ready[1:]
		return &task, 0
	}
	if len(q.delayed) > 0 {
		return nil, q.delayed[0].due.Sub(now)
	}
	return nil, 0
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Task, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		task, next := q.pop()
		if task != nil {
			return task, nil
		}

		var due *time.Timer
		var dueCh <-chan time.Time
		if next > 0 {
			due = time.NewTimer(next)
			dueCh = due.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-q.notify:
		case <-dueCh:
		}

		if due != nil {
			due.Stop()
		}
	}
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(_ context.Context, signupID int64, owner string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if c, ok := q.claims[signupID]; ok && now.Before(c.expiresAt) {
		return false, nil
	}
	q.claims[signupID] = claim{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Queue.
func (q *MemoryQueue) Release(_ context.Context, signupID int64, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c, ok := q.claims[signupID]; ok && c.owner == owner {
		delete(q.claims, signupID)
	}
	return nil
}

// IsClaimed implements Queue.
func (q *MemoryQueue) IsClaimed(_ context.Context, signupID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.claims[signupID]
	return ok && q.now().Before(c.expiresAt), nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{Ready: int64(len(q.ready)), Delayed: int64(len(q.delayed))}, nil
}
