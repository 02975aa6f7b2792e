package cache

import (
	"context"
	"time"
)

// RefreshOnce prewarms the artifact for the current challenge day and
// prunes expired entries from both tiers.
func (c *Cache) RefreshOnce(ctx context.Context, fetch FetchFunc) error {
	key := c.DayKey()
	res, err := c.GetOrFetch(ctx, key, fetch, Options{})
	if err != nil {
		c.logger.Error("Refresh worker failed to prewarm artifact", "key", key, "error", err)
		return err
	}
	c.logger.Info("Refresh worker prewarmed artifact", "key", key, "source", res.Source)

	if deleted, err := c.Prune(ctx); err != nil {
		c.logger.Error("Refresh worker failed to prune expired artifacts", "error", err)
	} else if deleted > 0 {
		c.logger.Info("Refresh worker pruned expired artifacts", "count", deleted)
	}
	return nil
}

// StartRefreshWorker runs a background goroutine that fires at every
// challenge rollover and refreshes the cache for the new day.
func (c *Cache) StartRefreshWorker(ctx context.Context, fetch FetchFunc) {
	go func() {
		c.logger.Info("Refresh worker started", "rollover_hour", c.cfg.Rollover.Hour, "location", c.cfg.Rollover.location().String())
		for {
			wait := c.cfg.Rollover.Until(c.cfg.Clock.Now())
			// Land just past the boundary so DayKey already reports the new day.
			timer := time.NewTimer(wait + time.Second)
			select {
			case <-timer.C:
				_ = c.RefreshOnce(ctx, fetch)
			case <-ctx.Done():
				timer.Stop()
				c.logger.Info("Refresh worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
