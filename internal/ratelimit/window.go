// Package ratelimit throttles automation requests per identity and per origin.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a sliding-window log limiter: at most limit events per key in
// any window-long interval.
type Window struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewWindow creates a sliding-window limiter.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records an event for key at now if the key is under its limit.
// When rejected it returns how long until the oldest event leaves the window.
func (w *Window) Allow(key string, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	recent := w.recentLocked(key, now)
	if len(recent) >= w.limit {
		w.requests[key] = recent
		retry := recent[0].Add(w.window).Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return false, retry
	}

	w.requests[key] = append(recent, now)
	return true, 0
}

// Remaining reports how many events key may still record at now.
func (w *Window) Remaining(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.limit - len(w.recentLocked(key, now))
	if n < 0 {
		return 0
	}
	return n
}

func (w *Window) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	var recent []time.Time
	for _, t := range w.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// Evict drops keys whose events have all left the window.
func (w *Window) Evict(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key := range w.requests {
		fresh := w.recentLocked(key, now)
		if len(fresh) == 0 {
			delete(w.requests, key)
			removed++
		} else {
			w.requests[key] = fresh
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// startEviction periodically removes expired keys until ctx is done,
// preventing unbounded memory growth.
func (w *Window) startEviction(ctx context.Context, now func() time.Time) {
	go func() {
		ticker := time.NewTicker(w.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Evict(now())
			case <-ctx.Done():
				return
			}
		}
	}()
}
