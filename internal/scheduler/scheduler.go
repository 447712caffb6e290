// Package scheduler runs the periodic recovery sweep and metrics refresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/signup"
	"github.com/robfig/cron/v3"
)

// Store is the part of the signup store the scheduler reads.
type Store interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
	Stats(ctx context.Context) (*signup.Stats, error)
}

// Queue is the part of the dispatch queue the scheduler uses.
type Queue interface {
	Enqueue(ctx context.Context, task dispatch.Task) error
	IsClaimed(ctx context.Context, signupID int64) (bool, error)
	Depth(ctx context.Context) (dispatch.Depth, error)
}

// Config contains scheduler configuration.
type Config struct {
	Schedule      string
	StatsSchedule string
	StaleAfter    time.Duration
	BatchSize     int
	JobTimeout    time.Duration
}

// Scheduler re-enqueues signups whose confirmation task was lost and keeps
// the store and queue gauges current.
type Scheduler struct {
	config     Config
	store      Store
	queue      Queue
	collectors []func()
	cron       *cron.Cron
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCollector adds a function run on every stats refresh, such as a
// connection pool gauge update.
func WithCollector(fn func()) Option {
	return func(s *Scheduler) {
		s.collectors = append(s.collectors, fn)
	}
}

// New creates a scheduler. Jobs are registered by Start.
func New(config Config, store Store, queue Queue, opts ...Option) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}

	logger := cronLogger{logger: slog.Default().With("component", "scheduler")}
	s := &Scheduler{
		config: config,
		store:  store,
		queue:  queue,
		now:    time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the configured jobs and starts the cron engine. An empty
// schedule disables its job.
func (s *Scheduler) Start() error {
	if s.config.Schedule != "" {
		if _, err := s.cron.AddFunc(s.config.Schedule, s.runSweep); err != nil {
			return fmt.Errorf("add sweep job %q: %w", s.config.Schedule, err)
		}
	}
	if s.config.StatsSchedule != "" {
		if _, err := s.cron.AddFunc(s.config.StatsSchedule, s.runStats); err != nil {
			return fmt.Errorf("add stats job %q: %w", s.config.StatsSchedule, err)
		}
	}

	s.cron.Start()
	slog.Info("scheduler started",
		"sweep_schedule", s.config.Schedule,
		"stats_schedule", s.config.StatsSchedule,
		"stale_after", s.config.StaleAfter,
	)
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("scheduler stopped")
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out, jobs still running")
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		slog.Error("recovery sweep failed", "error", err)
	}
}

func (s *Scheduler) runStats() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	s.RefreshStats(ctx)
}

// Sweep re-enqueues pending signups untouched for longer than StaleAfter and
// not claimed by a worker. It returns the number of tasks enqueued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.StaleAfter)

	ids, err := s.store.ListStalePending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		recordSweep("error", 0)
		return 0, fmt.Errorf("list stale signups: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		claimed, err := s.queue.IsClaimed(ctx, id)
		if err != nil {
			recordSweep("error", requeued)
			return requeued, fmt.Errorf("check claim for signup %d: %w", id, err)
		}
		if claimed {
			continue
		}
		if err := s.queue.Enqueue(ctx, dispatch.NewTask(id)); err != nil {
			recordSweep("error", requeued)
			return requeued, fmt.Errorf("enqueue signup %d: %w", id, err)
		}
		requeued++
	}

	recordSweep("ok", requeued)
	if requeued > 0 {
		slog.Warn("re-enqueued stale signups", "count", requeued, "stale_after", s.config.StaleAfter)
	}
	return requeued, nil
}

// RefreshStats updates the signup, queue and collector gauges. Failures are
// logged and leave the previous values in place.
func (s *Scheduler) RefreshStats(ctx context.Context) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		slog.Warn("failed to read signup stats", "error", err)
	} else {
		signup.RecordStats(stats)
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		slog.Warn("failed to read queue depth", "error", err)
	} else {
		dispatch.RecordDepth(depth)
	}

	for _, collect := range s.collectors {
		collect()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
