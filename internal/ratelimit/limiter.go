package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
)

// Config holds limiter thresholds.
type Config struct {
	Requests       int
	Window         time.Duration
	OriginRequests int // zero disables origin limiting
}

// Limiter combines the per-identity window with per-origin buckets.
type Limiter struct {
	identities *Window
	origins    *Origins
	clock      shared.Clock
	logger     *slog.Logger
}

// New creates a Limiter. clock may be nil.
func New(cfg Config, clock shared.Clock, logger *slog.Logger) *Limiter {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		identities: NewWindow(cfg.Requests, cfg.Window),
		clock:      clock,
		logger:     logger.With("component", "ratelimit"),
	}
	if cfg.OriginRequests > 0 {
		l.origins = NewOrigins(cfg.OriginRequests, cfg.Window)
	}
	return l
}

// Start runs background eviction until ctx is done.
func (l *Limiter) Start(ctx context.Context) {
	l.identities.startEviction(ctx, func() time.Time {
		now := l.clock.Now()
		if l.origins != nil {
			l.origins.Evict(now)
		}
		return now
	})
}

// Check admits one attempt for identity from origin, or returns a
// RateLimited error carrying the retry-after delay. A rejection by either
// limiter consumes nothing from the other.
func (l *Limiter) Check(identity domain.Identity, origin string) error {
	now := l.clock.Now()

	var reservation *rate.Reservation
	if l.origins != nil && origin != "" {
		r, delay := l.origins.Reserve(origin, now)
		if delay > 0 {
			l.logger.Warn("Origin rate limited", "origin", origin, "retry_after", delay)
			return rateLimited(delay)
		}
		reservation = r
	}

	if ok, retry := l.identities.Allow(string(identity), now); !ok {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		l.logger.Warn("Identity rate limited", "identity", identity, "retry_after", retry)
		return rateLimited(retry)
	}
	return nil
}

// Remaining reports the identity's remaining attempts in the current window.
func (l *Limiter) Remaining(identity domain.Identity) int {
	return l.identities.Remaining(string(identity), l.clock.Now())
}

func rateLimited(retry time.Duration) error {
	e := domain.NewError(domain.KindRateLimited, "too many attempts, retry in %ds", retrySeconds(retry))
	e.RetryAfter = retry
	return e
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
