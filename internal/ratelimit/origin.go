package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Origins keeps a token bucket per request origin (client IP).
type Origins struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

// NewOrigins allows requests events per window for each origin, with the
// whole allowance available as burst.
func NewOrigins(requests int, window time.Duration) *Origins {
	if requests <= 0 {
		requests = 1
	}
	return &Origins{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		idle:    window,
	}
}

// Reserve takes a token for origin at now. A positive delay means the
// origin is over its rate; the returned reservation is already cancelled
// in that case.
func (o *Origins) Reserve(origin string, now time.Time) (*rate.Reservation, time.Duration) {
	o.mu.Lock()
	b, ok := o.buckets[origin]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(o.limit, o.burst)}
		o.buckets[origin] = b
	}
	b.lastSeen = now
	o.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, o.idle
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d
	}
	return r, 0
}

// Evict drops buckets idle for longer than one window.
func (o *Origins) Evict(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for k, b := range o.buckets {
		if now.Sub(b.lastSeen) > o.idle {
			delete(o.buckets, k)
			removed++
		}
	}
	return removed
}
