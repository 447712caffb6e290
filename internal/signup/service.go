package signup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bissquit/fanfest-signup/internal/cache"
	"github.com/bissquit/fanfest-signup/internal/dedup"
	"github.com/bissquit/fanfest-signup/internal/dispatch"
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/pkg/ctxlog"
	"github.com/codeGROOVE-dev/retry"
	"github.com/go-playground/validator/v10"
)

const formCacheKey = "form:config"

// Service implements the submission pipeline.
type Service struct {
	repo     Repository
	guard    DuplicateGuard
	queue    Enqueuer
	cache    cache.Store
	config   Config
	validate *validator.Validate
	events   map[string]struct{}
}

// NewService creates a signup service.
func NewService(repo Repository, guard DuplicateGuard, queue Enqueuer, c cache.Store, cfg Config) *Service {
	if cfg.FormCacheTTL <= 0 {
		cfg.FormCacheTTL = 10 * time.Minute
	}
	if cfg.EnqueueAttempts <= 0 {
		cfg.EnqueueAttempts = 1
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	events := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = struct{}{}
	}

	return &Service{
		repo:     repo,
		guard:    guard,
		queue:    queue,
		cache:    c,
		config:   cfg,
		validate: validate,
		events:   events,
	}
}

// FormConfig returns the form title and event options, served from the
// cache when possible.
func (s *Service) FormConfig(ctx context.Context) (*FormConfig, error) {
	log := ctxlog.FromContext(ctx)

	if raw, err := s.cache.Get(ctx, formCacheKey); err == nil {
		var fc FormConfig
		if err := json.Unmarshal([]byte(raw), &fc); err == nil {
			return &fc, nil
		}
		log.Warn("discarding malformed cached form config")
	} else if !errors.Is(err, cache.ErrNotFound) {
		log.Warn("form config cache unavailable", "error", err)
	}

	fc := &FormConfig{Title: s.config.Title, Events: s.config.Events}

	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("marshal form config: %w", err)
	}
	if err := s.cache.Set(ctx, formCacheKey, string(data), s.config.FormCacheTTL); err != nil {
		log.Warn("failed to cache form config", "error", err)
	}

	return fc, nil
}

// Submit validates and stores a submission and schedules its confirmation.
// Each normalized email is stored at most once; repeats return
// ErrDuplicateSubmission.
func (s *Service) Submit(ctx context.Context, sub Submission) (*domain.Signup, error) {
	signup, err := s.normalize(sub)
	if err != nil {
		recordSubmission(outcomeInvalid)
		return nil, err
	}

	log := ctxlog.FromContext(ctx)
	detached := context.WithoutCancel(ctx)

	res, err := s.guard.CheckAndReserve(ctx, signup.Email)
	if err != nil {
		recordSubmission(outcomeUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if res == dedup.Duplicate {
		recordSubmission(outcomeDuplicate)
		return nil, ErrDuplicateSubmission
	}

	if err := s.repo.Create(ctx, signup); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			s.guard.Confirm(detached, signup.Email)
			recordSubmission(outcomeDuplicate)
			return nil, ErrDuplicateSubmission
		}
		s.guard.Release(detached, signup.Email)
		recordSubmission(outcomeUnavailable)
		return nil, fmt.Errorf("%w: create signup: %w", ErrUnavailable, err)
	}

	s.guard.Confirm(detached, signup.Email)
	recordSubmission(outcomeCreated)

	if err := s.enqueue(detached, signup.ID); err != nil {
		// The row stays pending; the recovery sweep enqueues it later.
		log.Error("failed to enqueue confirmation", "signup_id", signup.ID, "error", err)
		recordEnqueueFailure()
	}

	log.Info("signup created", "signup_id", signup.ID, "channel", signup.Channel())

	return signup, nil
}

// enqueue retries briefly on a context detached from the request, so a
// client disconnect after commit does not drop the task.
func (s *Service) enqueue(ctx context.Context, signupID int64) error {
	task := dispatch.NewTask(signupID)
	return retry.Do(
		func() error { return s.queue.Enqueue(ctx, task) },
		retry.Attempts(uint(s.config.EnqueueAttempts)),
		retry.Delay(s.config.EnqueueDelay),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
	)
}

// Get returns a stored signup.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Signup, error) {
	signup, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSignupNotFound) {
			return nil, ErrSignupNotFound
		}
		return nil, fmt.Errorf("%w: get signup: %w", ErrUnavailable, err)
	}
	return signup, nil
}

func (s *Service) normalize(sub Submission) (*domain.Signup, error) {
	fields := make(map[string]string)

	// Checked before normalization, which would mask invalid bytes.
	for field, v := range map[string]string{
		"name":     sub.Name,
		"email":    sub.Email,
		"phone":    sub.Phone,
		"zip_code": sub.ZipCode,
	} {
		if !validText(v) {
			fields[field] = "contains invalid characters"
		}
	}
	for _, e := range sub.EventsInterested {
		if !validText(e) {
			fields["events_interested"] = "contains invalid characters"
			break
		}
	}

	sub.Name = strings.TrimSpace(sub.Name)
	sub.Email = domain.NormalizeEmail(sub.Email)
	sub.Phone = strings.TrimSpace(sub.Phone)
	sub.ZipCode = strings.TrimSpace(sub.ZipCode)

	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("validate submission: %w", err)
		}
		for _, fe := range verrs {
			field, _, _ := strings.Cut(fe.Field(), "[")
			if _, seen := fields[field]; !seen {
				fields[field] = validationMessage(fe)
			}
		}
	}

	phone, err := domain.NormalizePhone(sub.Phone)
	if err != nil {
		if _, seen := fields["phone"]; !seen {
			fields["phone"] = "must be a valid US phone number"
		}
	}

	events := make([]string, 0, len(sub.EventsInterested))
	seen := make(map[string]struct{}, len(sub.EventsInterested))
	for _, e := range sub.EventsInterested {
		e = strings.TrimSpace(e)
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		if _, ok := s.events[e]; !ok {
			if _, set := fields["events_interested"]; !set {
				fields["events_interested"] = fmt.Sprintf("unknown event %q", e)
			}
			continue
		}
		events = append(events, e)
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &domain.Signup{
		Name:             sub.Name,
		Email:            sub.Email,
		Phone:            phone,
		ZipCode:          sub.ZipCode,
		EventsInterested: events,
		SourceIP:         sourceIP(sub.SourceIP),
		UserAgent:        truncate(sub.UserAgent, 512),
		SourceURL:        truncate(sub.SourceURL, 2048),
	}, nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("select at least %s", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

// validText reports whether s can be stored in a PostgreSQL text column.
func validText(s string) bool {
	return utf8.ValidString(s) && strings.IndexByte(s, 0) < 0
}

// truncate makes s storable and cuts it to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if !validText(s) {
		s = strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// sourceIP returns the canonical form of ip, or a clamped copy when it does
// not parse.
func sourceIP(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return truncate(ip, 64)
}
