// Package health scores the orchestrator's dependencies and reports an
// overall verdict for the HTTP health endpoint and the gRPC health service.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/dailysolve/internal/shared"
)

// Status is the overall or per-component verdict.
type Status string

// Verdicts.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	healthyScore  = 0.8
	degradedScore = 0.6

	defaultProbeTimeout  = 5 * time.Second
	defaultSlowThreshold = time.Second
)

// Component is one probed dependency.
type Component struct {
	Name string
	// Critical components count towards the health score.
	Critical bool
	Probe    func(ctx context.Context) error
	// Recommendation is reported when the probe fails.
	Recommendation string
}

// ComponentStatus is the probe result for one component.
type ComponentStatus struct {
	Status    string  `json:"status"`
	Critical  bool    `json:"critical"`
	LatencyMS float64 `json:"latency_ms"`
}

// SessionStats reports registry occupancy.
type SessionStats struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Report is a full health verdict.
type Report struct {
	Status          Status                     `json:"status"`
	HealthScore     float64                    `json:"health_score"`
	Components      map[string]ComponentStatus `json:"components"`
	Sessions        SessionStats               `json:"sessions"`
	Recommendations []string                   `json:"recommendations"`
	ResponseTimeMS  float64                    `json:"response_time_ms"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// Checker runs component probes concurrently and scores the results.
type Checker struct {
	mu            sync.RWMutex
	components    []Component
	sessions      func() (active, limit int)
	probeTimeout  time.Duration
	slowThreshold time.Duration
	clock         shared.Clock
	logger        *slog.Logger
}

// NewChecker creates a checker. A zero probeTimeout selects the default.
func NewChecker(probeTimeout time.Duration, clock shared.Clock, logger *slog.Logger) *Checker {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		probeTimeout:  probeTimeout,
		slowThreshold: defaultSlowThreshold,
		clock:         clock,
		logger:        logger.With("component", "health"),
	}
}

// Register adds a component to every subsequent check.
func (c *Checker) Register(comp Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, comp)
}

// Sessions sets the occupancy source.
func (c *Checker) Sessions(fn func() (active, limit int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = fn
}

type probeResult struct {
	comp    Component
	err     error
	latency time.Duration
}

// Check probes every component and scores the result.
func (c *Checker) Check(ctx context.Context) Report {
	start := time.Now()

	c.mu.RLock()
	components := append([]Component(nil), c.components...)
	sessions := c.sessions
	c.mu.RUnlock()

	results := make([]probeResult, len(components))
	var wg sync.WaitGroup
	for i, comp := range components {
		wg.Add(1)
		go func(i int, comp Component) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
			defer cancel()
			began := time.Now()
			err := comp.Probe(probeCtx)
			results[i] = probeResult{comp: comp, err: err, latency: time.Since(began)}
		}(i, comp)
	}
	wg.Wait()

	report := Report{
		Components:      make(map[string]ComponentStatus, len(results)),
		Recommendations: []string{},
		Timestamp:       c.clock.Now().UTC(),
	}

	critical, healthyCritical := 0, 0
	slow := false
	for _, res := range results {
		status := "ok"
		switch {
		case res.err != nil:
			status = "unavailable"
			c.logger.Warn("Health probe failed", "check", res.comp.Name, "error", res.err)
			if res.comp.Recommendation != "" {
				report.Recommendations = append(report.Recommendations, res.comp.Recommendation)
			}
		case res.latency > c.slowThreshold:
			status = "slow"
			slow = true
			report.Recommendations = append(report.Recommendations,
				res.comp.Name+" is responding slowly")
		}
		if res.comp.Critical {
			critical++
			if res.err == nil {
				healthyCritical++
			}
		}
		report.Components[res.comp.Name] = ComponentStatus{
			Status:    status,
			Critical:  res.comp.Critical,
			LatencyMS: float64(res.latency.Microseconds()) / 1000,
		}
	}

	if sessions != nil {
		active, limit := sessions()
		report.Sessions = SessionStats{Active: active, Max: limit}
		if limit > 0 && active >= limit {
			report.Recommendations = append(report.Recommendations,
				"All automation slots are in use; raise MAX_CONCURRENT_SESSIONS or wait for runs to finish")
		}
	}

	report.HealthScore = 1
	if critical > 0 {
		report.HealthScore = float64(healthyCritical) / float64(critical)
	}
	report.Status = scoreStatus(report.HealthScore)
	if slow && report.Status == StatusHealthy {
		report.Status = StatusDegraded
	}
	sort.Strings(report.Recommendations)

	report.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	return report
}

func scoreStatus(score float64) Status {
	switch {
	case score >= healthyScore:
		return StatusHealthy
	case score >= degradedScore:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
