package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/pkg/ctxlog"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	Concurrency       int
	MaxTasksPerWorker int
	ClaimTTL          time.Duration
	PollTimeout       time.Duration
	SendTimeout       time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:       8,
		MaxTasksPerWorker: 1000,
		ClaimTTL:          2 * time.Minute,
		PollTimeout:       5 * time.Second,
		SendTimeout:       30 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Outcome is the result of one delivery attempt.
type Outcome string

// Delivery outcomes.
const (
	OutcomeSent   Outcome = "sent"
	OutcomeRetry  Outcome = "retry"
	OutcomeFailed Outcome = "failed"
)

// Decide maps the result of attempt number attempt to the next delivery state.
func Decide(attempt, maxAttempts int, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSent
	case !isRetryable(err):
		return OutcomeFailed
	case attempt >= maxAttempts:
		return OutcomeFailed
	default:
		return OutcomeRetry
	}
}

// Worker consumes dispatch tasks and delivers confirmations.
type Worker struct {
	config     WorkerConfig
	queue      Queue
	repo       Repository
	dispatcher *Dispatcher
	renderer   *Renderer
	owner      string
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, queue Queue, repo Repository, dispatcher *Dispatcher, renderer *Renderer) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultWorkerConfig().SendTimeout
	}
	return &Worker{
		config:     config,
		queue:      queue,
		repo:       repo,
		dispatcher: dispatcher,
		renderer:   renderer,
		owner:      uuid.NewString(),
		now:        time.Now,
	}
}

// Start launches one supervised goroutine per slot. Slots stop taking new
// tasks when ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	slog.Info("starting notification worker",
		"owner", w.owner,
		"concurrency", w.config.Concurrency,
		"max_tasks_per_worker", w.config.MaxTasksPerWorker,
	)

	for slot := 0; slot < w.config.Concurrency; slot++ {
		w.wg.Add(1)
		go w.supervise(ctx, slot)
	}
}

// Stop stops taking tasks and waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("notification worker stopped", "owner", w.owner)
}

// supervise restarts a slot each time it reaches its task limit.
func (w *Worker) supervise(ctx context.Context, slot int) {
	defer w.wg.Done()

	for {
		processed := w.runSlot(ctx, slot)
		if ctx.Err() != nil {
			return
		}
		slog.Debug("recycling worker slot", "slot", slot, "processed", processed)
		recordSlotRecycle()
		w.dispatcher.Recycle()
	}
}

// runSlot processes tasks until the slot limit is hit or ctx is done.
func (w *Worker) runSlot(ctx context.Context, slot int) int {
	processed := 0
	for w.config.MaxTasksPerWorker <= 0 || processed < w.config.MaxTasksPerWorker {
		if ctx.Err() != nil {
			return processed
		}

		task, err := w.queue.Dequeue(ctx, w.config.PollTimeout)
		if err != nil {
			if errors.Is(err, dispatch.ErrEmpty) || ctx.Err() != nil {
				continue
			}
			slog.Error("failed to dequeue task", "slot", slot, "error", err)
			sleep(ctx, time.Second)
			continue
		}

		// A dequeued task runs to completion even if the worker is stopping.
		w.process(context.WithoutCancel(ctx), task)
		processed++
	}
	return processed
}

func (w *Worker) process(ctx context.Context, task *dispatch.Task) {
	ctx = ctxlog.With(ctx, "signup_id", task.SignupID, "owner", w.owner)
	logger := ctxlog.FromContext(ctx)

	claimed, err := w.queue.Claim(ctx, task.SignupID, w.owner, w.config.ClaimTTL)
	if err != nil {
		logger.Error("failed to claim signup", "error", err)
		w.requeue(ctx, *task, task.Attempt)
		return
	}
	if !claimed {
		logger.Debug("signup claimed by another worker")
		recordTaskSkipped("claimed")
		return
	}
	defer func() {
		if err := w.queue.Release(ctx, task.SignupID, w.owner); err != nil {
			logger.Warn("failed to release claim", "error", err)
		}
	}()

	signup, err := w.repo.GetByID(ctx, task.SignupID)
	if err != nil {
		if errors.Is(err, domain.ErrSignupNotFound) {
			logger.Warn("dropping task for unknown signup")
			recordTaskSkipped("missing")
			return
		}
		logger.Error("failed to load signup", "error", err)
		w.requeue(ctx, *task, task.Attempt)
		return
	}
	if signup.NotificationStatus.IsTerminal() {
		logger.Debug("signup already handled", "status", signup.NotificationStatus)
		recordTaskSkipped("terminal")
		return
	}

	attempt := max(task.Attempt, signup.NotificationAttempts) + 1
	channel := signup.Channel()

	start := w.now()
	sendErr := w.send(ctx, channel, signup)
	duration := w.now().Sub(start)
	recordNotificationDuration(string(channel), duration)

	outcome := Decide(attempt, w.config.MaxAttempts, sendErr)
	recordNotificationSent(string(channel), outcome)

	logger = logger.With("channel_type", channel, "attempt", attempt, "outcome", outcome)
	switch outcome {
	case OutcomeSent:
		w.persist(ctx, logger, func() error {
			return w.repo.MarkSent(ctx, signup.ID, attempt, w.now().UTC())
		})
		logger.Info("confirmation sent", "duration", duration)

	case OutcomeRetry:
		w.persist(ctx, logger, func() error {
			return w.repo.MarkRetry(ctx, signup.ID, attempt, sendErr.Error())
		})
		next := w.requeue(ctx, *task, attempt)
		logger.Warn("confirmation failed, retry scheduled", "next_attempt", next, "error", sendErr)

	case OutcomeFailed:
		reason := sendErr.Error()
		if isRetryable(sendErr) {
			reason = fmt.Sprintf("max attempts exceeded: %s", reason)
		}
		w.persist(ctx, logger, func() error {
			return w.repo.MarkFailed(ctx, signup.ID, attempt, reason)
		})
		logger.Error("confirmation failed permanently", "error", sendErr)
	}
}

func (w *Worker) send(ctx context.Context, channel domain.ChannelType, signup *domain.Signup) error {
	subject, body, err := w.renderer.Render(channel, signup)
	if err != nil {
		return NewNonRetryableError(fmt.Errorf("render: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	return w.dispatcher.Send(sendCtx, channel, Notification{
		To:      signup.Destination(),
		Subject: subject,
		Body:    body,
	})
}

// persist writes delivery state with a short retry. A row that already left
// pending means another attempt won and is not an error.
func (w *Worker) persist(ctx context.Context, logger *slog.Logger, write func() error) {
	err := retry.Do(
		func() error {
			err := write()
			if errors.Is(err, domain.ErrNotPending) {
				logger.Debug("signup no longer pending, state not updated")
				return nil
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		logger.Error("failed to persist delivery state", "error", err)
	}
}

// requeue schedules the task again after the backoff of attempt and returns
// the due time.
func (w *Worker) requeue(ctx context.Context, task dispatch.Task, attempt int) time.Time {
	next := w.calculateNextAttempt(max(attempt, 1))
	task.Attempt = attempt
	task.EnqueuedAt = w.now().UTC()
	if err := w.queue.EnqueueAt(ctx, task, next); err != nil {
		slog.Error("failed to requeue task, left for the sweeper",
			"signup_id", task.SignupID,
			"error", err,
		)
	}
	return next
}

func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
		if backoff > float64(w.config.MaxBackoff) {
			break
		}
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return w.now().Add(time.Duration(backoff))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
