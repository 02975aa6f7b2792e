package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
)

const defaultReaperInterval = 5 * time.Second

// ExpireStale forces sessions older than the lifetime ceiling into
// failed/Timeout and drops terminal sessions past retention. It returns
// how many sessions were timed out and collected.
func (r *Registry) ExpireStale(now time.Time) (timedOut, collected int) {
	stale, gone := r.sweep(now)

	for _, s := range stale {
		reason := fmt.Sprintf("automation exceeded its maximum lifetime of %s", r.cfg.Timeout)
		// A concurrent terminal transition wins; the error is expected then.
		if err := s.tracker.Fail(domain.KindTimeout, reason); err == nil {
			timedOut++
			r.logger.Warn("Session timed out", "session_id", s.ID, "user_id", s.UserID, "age", now.Sub(s.CreatedAt))
		}
	}

	for _, s := range gone {
		if r.hub != nil {
			r.hub.Forget(s.ID)
		}
		collected++
	}
	if collected > 0 {
		r.logger.Debug("Collected retained sessions", "count", collected)
	}
	return timedOut, collected
}

// StartReaper runs a background goroutine that periodically enforces
// session lifetime and retention.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session reaper started", "interval", interval, "timeout", r.cfg.Timeout, "retention", r.cfg.Retention)

		for {
			select {
			case <-ticker.C:
				r.ExpireStale(r.clock.Now())
			case <-ctx.Done():
				r.logger.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
