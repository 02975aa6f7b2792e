package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPLauncher dispatches jobs to a worker pool over HTTP.
type HTTPLauncher struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPLauncher creates a launcher posting jobs to jobsURL.
func NewHTTPLauncher(jobsURL string, logger *slog.Logger) *HTTPLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPLauncher{
		url:    strings.TrimRight(jobsURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "worker", "backend", "http"),
	}
}

// Name implements Launcher.
func (l *HTTPLauncher) Name() string { return "http" }

// Launch implements Launcher.
func (l *HTTPLauncher) Launch(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch job: worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	l.logger.Info("Job dispatched", "session_id", job.SessionID, "user_id", job.UserID)
	return nil
}

// Stop implements Launcher.
func (l *HTTPLauncher) Stop(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, l.url+"/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("cancel job: worker returned %d", resp.StatusCode)
}

// Ping implements Launcher.
func (l *HTTPLauncher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, l.url, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping worker: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ping worker: status %d", resp.StatusCode)
	}
	return nil
}
