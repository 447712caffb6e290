// Package dedup rejects repeat submissions for an email address before they
// reach the database.
package dedup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/fanfest-signup/internal/cache"
	"golang.org/x/crypto/blake2b"
)

// ErrUnavailable is returned when the authoritative store cannot be queried.
var ErrUnavailable = errors.New("duplicate check unavailable")

// Result of a duplicate check.
type Result int

// Check results.
const (
	Fresh Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Marker values.
const (
	markerReserved  = "reserved"
	markerCommitted = "committed"
)

// EmailChecker looks up persisted signups. It must read from the primary.
type EmailChecker interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// Config contains guard configuration.
type Config struct {
	// KeySecret keys the hash that turns an email into a cache key.
	KeySecret string
	MarkerTTL time.Duration
	// ReservationTTL bounds how long an unresolved reservation blocks the
	// email. It should cover one request.
	ReservationTTL time.Duration
}

// Guard checks the cache marker first and the store second, then reserves
// the email so concurrent submissions for it lose early.
type Guard struct {
	cache      cache.Store
	store      EmailChecker
	secret     []byte
	ttl        time.Duration
	reserveTTL time.Duration
}

// NewGuard creates a duplicate guard.
func NewGuard(c cache.Store, store EmailChecker, cfg Config) (*Guard, error) {
	if len(cfg.KeySecret) > blake2b.Size {
		return nil, fmt.Errorf("duplicate key secret longer than %d bytes", blake2b.Size)
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	if cfg.ReservationTTL > cfg.MarkerTTL {
		cfg.ReservationTTL = cfg.MarkerTTL
	}
	return &Guard{
		cache:      c,
		store:      store,
		secret:     []byte(cfg.KeySecret),
		ttl:        cfg.MarkerTTL,
		reserveTTL: cfg.ReservationTTL,
	}, nil
}

// CheckAndReserve reports whether email was already submitted. A Fresh
// result leaves a reservation marker that the caller resolves with Confirm
// or Release; an unresolved reservation expires after ReservationTTL. Cache
// failures are tolerated; store failures are not.
func (g *Guard) CheckAndReserve(ctx context.Context, email string) (Result, error) {
	key := g.markerKey(email)

	_, err := g.cache.Get(ctx, key)
	switch {
	case err == nil:
		recordCheck(tierCache)
		return Duplicate, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		slog.Warn("duplicate marker lookup failed, checking store", "error", err)
		recordCacheError("get")
	}

	exists, err := g.store.ExistsByEmail(ctx, email)
	if err != nil {
		return Fresh, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if exists {
		recordCheck(tierStore)
		if err := g.cache.Set(ctx, key, markerCommitted, g.ttl); err != nil {
			recordCacheError("backfill")
		}
		return Duplicate, nil
	}

	reserved, err := g.cache.SetNX(ctx, key, markerReserved, g.reserveTTL)
	if err != nil {
		slog.Warn("duplicate reservation failed, relying on unique index", "error", err)
		recordCacheError("reserve")
		recordCheck(tierNone)
		return Fresh, nil
	}
	if !reserved {
		recordCheck(tierReservation)
		return Duplicate, nil
	}

	recordCheck(tierNone)
	return Fresh, nil
}

// Confirm marks email as committed after the signup row is written.
func (g *Guard) Confirm(ctx context.Context, email string) {
	if err := g.cache.Set(ctx, g.markerKey(email), markerCommitted, g.ttl); err != nil {
		slog.Warn("failed to confirm duplicate marker", "error", err)
		recordCacheError("confirm")
	}
}

// Release drops the reservation after a write that did not persist the signup.
func (g *Guard) Release(ctx context.Context, email string) {
	if err := g.cache.Delete(ctx, g.markerKey(email)); err != nil {
		slog.Warn("failed to release duplicate marker", "error", err)
		recordCacheError("release")
	}
}

func (g *Guard) markerKey(email string) string {
	h, _ := blake2b.New256(g.secret)
	h.Write([]byte(email))
	return "signup:email:" + hex.EncodeToString(h.Sum(nil))
}
