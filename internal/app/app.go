// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/fanfest-signup/internal/admission"
	"github.com/bissquit/fanfest-signup/internal/cache"
	"github.com/bissquit/fanfest-signup/internal/config"
	"github.com/bissquit/fanfest-signup/internal/dedup"
	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/notifications"
	"github.com/bissquit/fanfest-signup/internal/notifications/email"
	"github.com/bissquit/fanfest-signup/internal/notifications/sms"
	"github.com/bissquit/fanfest-signup/internal/pkg/httputil"
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/bissquit/fanfest-signup/internal/pkg/postgres"
	"github.com/bissquit/fanfest-signup/internal/pkg/rdb"
	"github.com/bissquit/fanfest-signup/internal/receipt"
	"github.com/bissquit/fanfest-signup/internal/scheduler"
	"github.com/bissquit/fanfest-signup/internal/signup"
	signuppostgres "github.com/bissquit/fanfest-signup/internal/signup/postgres"
	"github.com/bissquit/fanfest-signup/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// startupTimeout bounds New when the caller passes a context without a
// deadline.
const startupTimeout = 2 * time.Minute

// Role selects what a process runs.
type Role int

const (
	// RoleAPI serves the signup endpoints. With worker.enabled it also
	// delivers confirmations in-process.
	RoleAPI Role = iota
	// RoleWorker delivers confirmations and runs the recovery sweep. It
	// serves only /health, /metrics and /version.
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "api"
}

// App represents the application instance.
type App struct {
	config    *config.Config
	role      Role
	logger    *slog.Logger
	db        *pgxpool.Pool
	redis     *redis.Client
	cache     cache.Store
	queue     dispatch.Queue
	repo      *signuppostgres.Repository
	server    *http.Server
	worker    *notifications.Worker
	scheduler *scheduler.Scheduler
	cancel    context.CancelFunc
}

// New connects to the configured dependencies and builds the components the
// role needs. Background loops (admission janitor, worker, scheduler) start
// here; Run only serves HTTP.
func New(ctx context.Context, cfg *config.Config, role Role) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if role == RoleWorker && cfg.Queue.Driver == config.DriverMemory {
		return nil, errors.New("the memory queue cannot be shared with a separate worker process")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancelStartup context.CancelFunc
		ctx, cancelStartup = context.WithTimeout(ctx, startupTimeout)
		defer cancelStartup()
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		config: cfg,
		role:   role,
		logger: logger,
		cancel: cancel,
	}

	if err := a.connect(ctx); err != nil {
		cancel()
		a.release()
		return nil, err
	}

	router, err := a.setup(bgCtx)
	if err != nil {
		_ = a.stopBackground(context.Background())
		a.release()
		return nil, fmt.Errorf("setup: %w", err)
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.config

	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.db = db

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	if cfg.Cache.Driver == config.DriverRedis || cfg.Queue.Driver == config.DriverRedis {
		client, err := rdb.Connect(ctx, rdb.Config{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			DialTimeout:     cfg.Redis.DialTimeout,
			ReadTimeout:     cfg.Redis.ReadTimeout,
			WriteTimeout:    cfg.Redis.WriteTimeout,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
	}

	if cfg.Cache.Driver == config.DriverMemory {
		a.cache = cache.NewMemory()
		a.logger.Warn("using in-process cache: rate limits and duplicate markers are not shared between instances")
	} else {
		a.cache = cache.NewRedis(a.redis)
	}

	if cfg.Queue.Driver == config.DriverMemory {
		a.queue = dispatch.NewMemoryQueue()
		a.logger.Warn("using in-process dispatch queue: pending tasks are lost on restart and recovered by the sweeper")
	} else {
		a.queue = dispatch.NewRedisQueue(a.redis, cfg.Queue.Prefix)
	}

	a.repo = signuppostgres.NewRepository(db)
	return nil
}

func (a *App) setup(ctx context.Context) (*chi.Mux, error) {
	runsWorker := a.role == RoleWorker || a.config.Worker.Enabled

	if runsWorker {
		worker, err := a.newWorker()
		if err != nil {
			return nil, err
		}
		a.worker = worker
		a.worker.Start(ctx)
	}

	if a.config.Sweeper.Enabled {
		if err := a.startScheduler(runsWorker); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.Server.CORSAllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/health", "/metrics"))
	r.Use(middleware.Recoverer)
	if a.config.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(a.config.Server.RequestTimeout))
	}
	if a.config.Server.MaxBodyBytes > 0 {
		r.Use(middleware.RequestSize(a.config.Server.MaxBodyBytes))
	}

	r.Get("/health", newHealthHandler(a.cache, a.db).ServeHTTP)
	r.Get("/version", a.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	if a.role == RoleAPI {
		handler, err := a.newSignupHandler()
		if err != nil {
			return nil, err
		}
		handler.RegisterRoutes(r, a.limiter(ctx))
	}

	a.logger.Info("application configured",
		"role", a.role.String(),
		"cache_driver", a.config.Cache.Driver,
		"queue_driver", a.config.Queue.Driver,
		"worker", runsWorker,
		"sweeper", a.config.Sweeper.Enabled,
		"admission", a.config.Admission.Enabled,
		"receipts", a.config.Receipt.Secret != "",
	)

	return r, nil
}

func (a *App) newSignupHandler() (*signup.Handler, error) {
	cfg := a.config

	guard, err := dedup.NewGuard(a.cache, a.repo, dedup.Config{
		KeySecret:      cfg.Duplicate.KeySecret,
		MarkerTTL:      cfg.Duplicate.MarkerTTL,
		ReservationTTL: cfg.Duplicate.ReservationTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create duplicate guard: %w", err)
	}
	if cfg.Duplicate.KeySecret == "" {
		a.logger.Warn("duplicate.key_secret is empty: email markers are hashed without a key")
	}

	service := signup.NewService(a.repo, guard, a.queue, a.cache, signup.Config{
		Title:           cfg.Form.Title,
		Events:          cfg.Form.Events,
		FormCacheTTL:    cfg.Form.CacheTTL,
		EnqueueAttempts: cfg.Queue.EnqueueAttempts,
		EnqueueDelay:    cfg.Queue.EnqueueDelay,
	})

	receipts := receipt.NewIssuer(receipt.Config{
		Secret: cfg.Receipt.Secret,
		TTL:    cfg.Receipt.TTL,
	})

	return signup.NewHandler(service, receipts, cfg.Admission.TrustXFF), nil
}

// limiter builds the admission middleware factory. With admission disabled
// every class passes through.
func (a *App) limiter(ctx context.Context) signup.LimitFunc {
	cfg := a.config.Admission
	if !cfg.Enabled {
		a.logger.Warn("admission control is disabled")
		return func(admission.Class) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}

	controller := admission.NewController(a.cache, map[admission.Class]admission.Rule{
		admission.ClassView:    {Limit: cfg.View.Limit, Window: cfg.View.Window},
		admission.ClassSubmit:  {Limit: cfg.Submit.Limit, Window: cfg.Submit.Window},
		admission.ClassSuccess: {Limit: cfg.Success.Limit, Window: cfg.Success.Window},
	}, admission.WithFallbackIdleTTL(cfg.FallbackIdleTTL))
	controller.StartJanitor(ctx)

	keyFn := admission.DefaultKeyFunc(cfg.KeyHeader, cfg.TrustXFF)
	return func(class admission.Class) func(http.Handler) http.Handler {
		return admission.Middleware(controller, class, keyFn)
	}
}

func (a *App) newWorker() (*notifications.Worker, error) {
	cfg := a.config

	smsSender := sms.NewSender(sms.Config{
		Enabled:    cfg.Notifications.SMS.Enabled,
		AccountSID: cfg.Notifications.SMS.AccountSID,
		AuthToken:  cfg.Notifications.SMS.AuthToken,
		FromNumber: cfg.Notifications.SMS.FromNumber,
		BaseURL:    cfg.Notifications.SMS.BaseURL,
		Timeout:    cfg.Notifications.SMS.Timeout,
	})
	if !cfg.Notifications.SMS.Enabled {
		slog.Warn("sms sender is disabled: signups with a phone number will be marked failed")
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Notifications.Email.Enabled,
		SMTPHost:     cfg.Notifications.Email.SMTPHost,
		SMTPPort:     cfg.Notifications.Email.SMTPPort,
		SMTPUser:     cfg.Notifications.Email.SMTPUser,
		SMTPPassword: cfg.Notifications.Email.SMTPPassword,
		FromAddress:  cfg.Notifications.Email.FromAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Notifications.Email.Enabled {
		slog.Warn("email sender is disabled: signups without a phone number will be marked failed")
	}

	renderer, err := notifications.NewRenderer(cfg.Form.Title)
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	dispatcher := notifications.NewDispatcher(smsSender, emailSender)

	return notifications.NewWorker(notifications.WorkerConfig{
		Concurrency:       cfg.Worker.Concurrency,
		MaxTasksPerWorker: cfg.Worker.MaxTasksPerWorker,
		ClaimTTL:          cfg.Worker.ClaimTTL,
		PollTimeout:       cfg.Worker.PollTimeout,
		SendTimeout:       cfg.Worker.SendTimeout,
		MaxAttempts:       cfg.Notifications.Retry.MaxAttempts,
		InitialBackoff:    cfg.Notifications.Retry.InitialBackoff,
		MaxBackoff:        cfg.Notifications.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Notifications.Retry.BackoffMultiplier,
	}, a.queue, a.repo, dispatcher, renderer), nil
}

// startScheduler starts the stats refresh everywhere and the recovery sweep
// only where confirmations are delivered, so API-only replicas do not all
// sweep the same rows.
func (a *App) startScheduler(sweep bool) error {
	cfg := a.config.Sweeper

	schedule := cfg.Schedule
	if !sweep {
		schedule = ""
	}

	opts := []scheduler.Option{
		scheduler.WithCollector(func() { metrics.RecordDBPoolMetrics(a.db) }),
	}
	if a.redis != nil {
		opts = append(opts, scheduler.WithCollector(func() { metrics.RecordRedisPoolMetrics(a.redis) }))
	}

	a.scheduler = scheduler.New(scheduler.Config{
		Schedule:      schedule,
		StatsSchedule: cfg.StatsSchedule,
		StaleAfter:    cfg.StaleAfter,
		BatchSize:     cfg.BatchSize,
	}, a.repo, a.queue, opts...)

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Run serves HTTP until Shutdown is called.
func (a *App) Run() error {
	a.logger.Info("starting server",
		"role", a.role.String(),
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, lets in-flight submissions finish their
// enqueue, then stops the worker and the scheduler and closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down", "role", a.role.String())

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}

	if err := a.stopBackground(ctx); err != nil {
		errs = append(errs, err)
	}

	a.release()

	return errors.Join(errs...)
}

func (a *App) stopBackground(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop(ctx)
	}

	var err error
	if a.worker != nil {
		done := make(chan struct{})
		go func() {
			a.worker.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("stop worker: %w", ctx.Err())
		}
	}

	a.cancel()
	return err
}

func (a *App) release() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the notification worker, or nil when this process does not
// deliver confirmations.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

// Scheduler returns the scheduler, or nil when sweeper.enabled is false.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "fanfest-signup")
}
