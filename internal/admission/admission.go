// Package admission decides whether a request may proceed under per-client,
// per-route-class rate limits.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/fanfest-signup/internal/cache"
)

// Class groups routes that share a limit.
type Class string

// Route classes.
const (
	ClassView    Class = "view"
	ClassSubmit  Class = "submit"
	ClassSuccess Class = "success"
)

// Rule allows Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the shared cache could not be reached and the
	// decision came from the local fallback limiter.
	Degraded bool
}

// Controller applies fixed-window limits stored in the shared cache.
type Controller struct {
	store    cache.Store
	rules    map[Class]Rule
	fallback *fallbackStore
}

// Option configures a Controller.
type Option func(*Controller)

// WithFallbackIdleTTL sets how long an idle fallback limiter is kept.
// Non-positive values keep the default.
func WithFallbackIdleTTL(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.fallback.idleTTL = d
		}
	}
}

// NewController creates a controller. Classes without a rule are not limited.
func NewController(store cache.Store, rules map[Class]Rule, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		rules:    rules,
		fallback: newFallbackStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartJanitor removes idle fallback limiters until ctx is cancelled.
func (c *Controller) StartJanitor(ctx context.Context) {
	c.fallback.startJanitor(ctx)
}

// Rule returns the rule for a class.
func (c *Controller) Rule(class Class) (Rule, bool) {
	r, ok := c.rules[class]
	return r, ok
}

// Admit counts a request from identity against the class window. Exactly
// Limit requests are admitted per window; later ones are denied until the
// window expires.
func (c *Controller) Admit(ctx context.Context, identity string, class Class) Decision {
	rule, ok := c.rules[class]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}
	}

	count, remaining, err := c.store.Incr(ctx, windowKey(class, identity), rule.Window)
	if err != nil {
		slog.Warn("admission cache unavailable, using local limiter",
			"class", class,
			"error", err,
		)
		recordCacheError(class)
		d := c.fallback.admit(class, identity, rule)
		recordDecision(class, d.Allowed, true)
		return d
	}

	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(count), 0),
	}
	if !d.Allowed {
		d.RetryAfter = roundRetryAfter(remaining)
	}
	recordDecision(class, d.Allowed, false)
	return d
}

func windowKey(class Class, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, identity)
}

// roundRetryAfter rounds up to whole seconds with a floor of one second.
func roundRetryAfter(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}
