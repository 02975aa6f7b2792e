// Package domain contains core domain types for the daily challenge solver.
package domain

import (
	"time"
)

// Artifact is the generated daily challenge payload: problem metadata,
// solution text and the annotations produced while validating it.
// An Artifact is treated as immutable once it has been cached.
type Artifact struct {
	ChallengeKey  string    `json:"challenge_key"`
	ProblemTitle  string    `json:"problem_title"`
	ProblemSlug   string    `json:"problem_slug"`
	Code          string    `json:"code"`
	Language      string    `json:"language"`
	IsSafe        bool      `json:"is_safe"`
	QualityScore  float64   `json:"quality_score"`
	Warnings      []string  `json:"warnings"`
	FetchedAt     time.Time `json:"fetched_at"`
	FetchDuration int64     `json:"fetch_duration_ms"`
}

// CacheEntry wraps an Artifact with its insertion time and explicit expiry.
type CacheEntry struct {
	Key        string
	Artifact   *Artifact
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry must no longer be served at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Age returns how long the entry has been cached at now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}
