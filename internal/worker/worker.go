// Package worker hands sessions off to the browser-driving automation worker.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/dailysolve/internal/domain"
)

// Job is everything a worker needs to submit the solution for one session.
type Job struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	ProblemSlug   string `json:"problem_slug"`
	ProblemTitle  string `json:"problem_title"`
	Language      string `json:"language"`
	Code          string `json:"code"`
	StatusURL     string `json:"status_url"`
	ReportToken   string `json:"report_token"`
}

// NewJob builds a job from a session's artifact.
func NewJob(sessionID, userID, username, password, encryptionKey string, artifact *domain.Artifact, statusBase, token string) Job {
	return Job{
		SessionID:     sessionID,
		UserID:        userID,
		Username:      username,
		Password:      password,
		EncryptionKey: encryptionKey,
		ProblemSlug:   artifact.ProblemSlug,
		ProblemTitle:  artifact.ProblemTitle,
		Language:      artifact.Language,
		Code:          artifact.Code,
		StatusURL:     StatusURL(statusBase, userID),
		ReportToken:   token,
	}
}

// StatusURL is where a worker posts progress for userID.
func StatusURL(base, userID string) string {
	return strings.TrimRight(base, "/") + "/automation-status/" + userID
}

// Launcher starts and stops workers.
type Launcher interface {
	// Launch starts a worker for job. It returns once the worker accepted
	// the job; progress arrives later through the status endpoint.
	Launch(ctx context.Context, job Job) error

	// Stop tears down the worker for sessionID. Unknown sessions are not an error.
	Stop(ctx context.Context, sessionID string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the backend in health output.
	Name() string
}

// Env renders job as worker environment variables. Empty values are omitted.
func (j Job) Env() []string {
	pairs := [][2]string{
		{"SESSION_ID", j.SessionID},
		{"USER_ID", j.UserID},
		{"LEETCODE_USERNAME", j.Username},
		{"LEETCODE_PASSWORD", j.Password},
		{"ENCRYPTION_KEY", j.EncryptionKey},
		{"PROBLEM_SLUG", j.ProblemSlug},
		{"SOLUTION_LANGUAGE", j.Language},
		{"SOLUTION_CODE", j.Code},
		{"STATUS_URL", j.StatusURL},
		{"STATUS_REPORT_TOKEN", j.ReportToken},
	}
	env := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p[1] != "" {
			env = append(env, fmt.Sprintf("%s=%s", p[0], p[1]))
		}
	}
	return env
}
