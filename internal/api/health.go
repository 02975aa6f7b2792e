package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/dailysolve/internal/cache"
	"github.com/ashureev/dailysolve/internal/health"
)

// Health handles GET /health. Unhealthy verdicts return 503 so load
// balancers can act on the status code alone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.HealthTimeout)
	defer cancel()

	report := h.deps.Health.Check(ctx)
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}

type cacheStatsResponse struct {
	ChallengeDate  string      `json:"challenge_date"`
	Cached         bool        `json:"cached"`
	ProblemTitle   string      `json:"problem_title,omitempty"`
	AgeSeconds     int64       `json:"age_seconds,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	QualityScore   float64     `json:"quality_score,omitempty"`
	IsSafe         bool        `json:"is_safe"`
	WarningsCount  int         `json:"warnings_count"`
	DurableEntries int64       `json:"durable_entries"`
	Volatile       cache.Stats `json:"volatile"`
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	key := h.deps.Cache.DayKey()
	resp := cacheStatsResponse{
		ChallengeDate: key,
		Volatile:      h.deps.Cache.Stats(),
	}
	if n, err := h.deps.Cache.DurableEntries(r.Context()); err != nil {
		h.logger.Warn("Failed to count durable entries", "error", err)
	} else {
		resp.DurableEntries = n
	}
	if entry := h.deps.Cache.Peek(r.Context(), key); entry != nil {
		expires := entry.ExpiresAt.UTC()
		resp.Cached = true
		resp.ProblemTitle = entry.Artifact.ProblemTitle
		resp.AgeSeconds = int64(entry.Age(h.deps.Cache.Now()).Seconds())
		resp.ExpiresAt = &expires
		resp.QualityScore = entry.Artifact.QualityScore
		resp.IsSafe = entry.Artifact.IsSafe
		resp.WarningsCount = len(entry.Artifact.Warnings)
	}
	JSON(w, http.StatusOK, resp)
}

type activeUsersResponse struct {
	Active    int            `json:"active"`
	Max       int            `json:"max"`
	Available int            `json:"available"`
	Phases    map[string]int `json:"phases"`
}

// ActiveUsers handles GET /users/active. Only counts are exposed.
func (h *Handler) ActiveUsers(w http.ResponseWriter, _ *http.Request) {
	running := h.deps.Sessions.Running()
	phases := make(map[string]int)
	for _, info := range running {
		phases[info.Phase]++
	}
	active, limit := h.deps.Sessions.Active(), h.deps.Sessions.Max()
	JSON(w, http.StatusOK, activeUsersResponse{
		Active:    active,
		Max:       limit,
		Available: max(limit-active, 0),
		Phases:    phases,
	})
}
