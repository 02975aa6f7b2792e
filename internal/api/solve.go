package api

import (
	"net/http"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/gate"
	"github.com/ashureev/dailysolve/internal/identity"
)

type solveRequest struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	ForceRefresh  bool   `json:"force_refresh"`
}

type solutionView struct {
	ProblemTitle string   `json:"problem_title"`
	ProblemSlug  string   `json:"problem_slug"`
	Language     string   `json:"language"`
	Code         string   `json:"code"`
	IsSafe       bool     `json:"is_safe"`
	QualityScore float64  `json:"quality_score"`
	Warnings     []string `json:"warnings"`
}

type solveResponse struct {
	Status         string       `json:"status"`
	SessionID      string       `json:"session_id"`
	ChallengeDate  string       `json:"challenge_date"`
	Solution       solutionView `json:"solution"`
	Source         string       `json:"source"`
	ResponseTimeMS int64        `json:"response_time_ms"`
}

// SolveDaily handles POST /solve-daily.
func (h *Handler) SolveDaily(w http.ResponseWriter, r *http.Request) {
	var body solveRequest
	if err := h.decode(w, r, &body); err != nil {
		WriteError(w, err)
		return
	}

	out, err := h.deps.Solver.SolveDaily(r.Context(), gate.Request{
		UserID:        body.UserID,
		Username:      body.Username,
		Password:      body.Password,
		EncryptionKey: body.EncryptionKey,
		ForceRefresh:  body.ForceRefresh,
		Origin:        identity.IPFromRequest(r),
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	JSON(w, http.StatusOK, solveResponse{
		Status:         "success",
		SessionID:      out.SessionID,
		ChallengeDate:  out.ChallengeKey,
		Solution:       newSolutionView(out.Artifact),
		Source:         string(out.Source),
		ResponseTimeMS: out.ResponseTime.Milliseconds(),
	})
}

type cachedSolutionResponse struct {
	Status         string        `json:"status"`
	Source         string        `json:"source"`
	CacheHit       bool          `json:"cache_hit"`
	ChallengeDate  string        `json:"challenge_date"`
	Solution       *solutionView `json:"solution,omitempty"`
	CachedAt       *time.Time    `json:"cached_at,omitempty"`
	Message        string        `json:"message,omitempty"`
	ResponseTimeMS int64         `json:"response_time_ms"`
}

// CachedSolution handles GET /solve-daily. It serves today's artifact from
// the cache only and never admits a session or calls the generator.
func (h *Handler) CachedSolution(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := h.deps.Cache.DayKey()
	resp := cachedSolutionResponse{
		Status:        "cache_miss",
		Source:        "cache",
		ChallengeDate: key,
		Message:       "No solution cached for today yet. Use POST /solve-daily to fetch one.",
	}
	if entry := h.deps.Cache.Peek(r.Context(), key); entry != nil {
		view := newSolutionView(entry.Artifact)
		cachedAt := entry.InsertedAt.UTC()
		resp.Status = "success"
		resp.CacheHit = true
		resp.Solution = &view
		resp.CachedAt = &cachedAt
		resp.Message = ""
	}
	resp.ResponseTimeMS = time.Since(start).Milliseconds()
	JSON(w, http.StatusOK, resp)
}

func newSolutionView(a *domain.Artifact) solutionView {
	warnings := a.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return solutionView{
		ProblemTitle: a.ProblemTitle,
		ProblemSlug:  a.ProblemSlug,
		Language:     a.Language,
		Code:         a.Code,
		IsSafe:       a.IsSafe,
		QualityScore: a.QualityScore,
		Warnings:     warnings,
	}
}
