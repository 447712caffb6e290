package app

import (
	"context"
	"net/http"
	"time"

	"github.com/bissquit/fanfest-signup/internal/pkg/ctxlog"
	"github.com/bissquit/fanfest-signup/internal/pkg/httputil"
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	checkUp   = "up"
	checkDown = "down"

	dependencyCache    = "cache"
	dependencyDatabase = "database"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// healthHandler probes the cache and the signup store. A cache outage only
// degrades the service, since admission falls back to local limits, but
// signups cannot be accepted without the database.
type healthHandler struct {
	cache   pinger
	db      pinger
	timeout time.Duration
	now     func() time.Time
}

func newHealthHandler(cache, db pinger) *healthHandler {
	return &healthHandler{
		cache:   cache,
		db:      db,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, 2)
	probe := func(name string, p pinger) {
		results <- result{name: name, err: p.Ping(ctx)}
	}
	go probe(dependencyCache, h.cache)
	go probe(dependencyDatabase, h.db)

	checks := make(map[string]string, 2)
	for range 2 {
		res := <-results
		up := res.err == nil
		metrics.RecordDependency(res.name, up)
		if up {
			checks[res.name] = checkUp
			continue
		}
		checks[res.name] = checkDown
		ctxlog.FromContext(r.Context()).Warn("health check failed",
			"dependency", res.name,
			"error", res.err,
		)
	}

	resp := healthResponse{
		Status:    StatusHealthy,
		Timestamp: h.now().UTC(),
		Checks:    checks,
	}
	switch {
	case checks[dependencyDatabase] == checkDown:
		resp.Status = StatusUnhealthy
	case checks[dependencyCache] == checkDown:
		resp.Status = StatusDegraded
	}

	status := http.StatusOK
	if resp.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, resp)
}
