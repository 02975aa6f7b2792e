// Package generator talks to the external solution-generation workflow.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dailysolve/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 5 * time.Minute
	requestTimeout      = 30 * time.Second
	maxBodyBytes        = 1 << 20
	defaultLanguage     = "python3"
)

// Code fields in order of preference.
var (
	primaryFields   = []string{"solutionCode", "code", "pythonCode", "solution"}
	secondaryFields = []string{"generated_code", "final_code", "answer", "result", "content"}
	tertiaryFields  = []string{"data", "output", "text", "body"}
)

// ErrNotReady is returned by FetchOnce when the workflow has no solution yet.
var ErrNotReady = errors.New("solution not ready")

// Config holds generator endpoints and timing.
type Config struct {
	TriggerURL   string
	FetchURL     string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client triggers the generation workflow for a challenge day and polls
// until a usable solution is available.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a generator client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "generator"),
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type triggerRequest struct {
	Action        string `json:"action"`
	ChallengeDate string `json:"challenge_date"`
	Timestamp     int64  `json:"timestamp"`
	RequestID     string `json:"request_id"`
	ForceRefresh  bool   `json:"force_refresh"`
}

// Generate produces the artifact for the challenge day key. It matches
// cache.FetchFunc.
func (c *Client) Generate(ctx context.Context, key string) (*domain.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if err := c.Trigger(ctx, key); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	polls := 0
	for {
		polls++
		artifact, err := c.FetchOnce(ctx, key)
		switch {
		case err == nil:
			artifact.FetchedAt = time.Now()
			artifact.FetchDuration = time.Since(start).Milliseconds()
			c.logger.Info("Solution retrieved",
				"key", key,
				"polls", polls,
				"duration", time.Since(start),
				"is_safe", artifact.IsSafe,
				"warnings", len(artifact.Warnings),
			)
			return artifact, nil
		case errors.Is(err, ErrNotReady):
			c.logger.Debug("Solution not ready yet", "key", key, "poll", polls)
		default:
			c.logger.Warn("Poll for solution failed", "key", key, "poll", polls, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for solution after %d polls: %w", polls, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Trigger asks the workflow to start generating the solution for key.
func (c *Client) Trigger(ctx context.Context, key string) error {
	body, err := json.Marshal(triggerRequest{
		Action:        "solve_daily_challenge",
		ChallengeDate: key,
		Timestamp:     time.Now().Unix(),
		RequestID:     uuid.NewString(),
		ForceRefresh:  true,
	})
	if err != nil {
		return fmt.Errorf("marshal trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TriggerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger workflow: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trigger workflow: unexpected status %d", resp.StatusCode)
	}
	c.logger.Info("Workflow triggered", "key", key)
	return nil
}

// FetchOnce reads the workflow's stored solution once. It returns
// ErrNotReady when the response carries no usable code.
func (c *Client) FetchOnce(ctx context.Context, key string) (*domain.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.FetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch solution: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch solution: unexpected status %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode solution response: %w", err)
	}
	data := firstObject(payload)
	if data == nil {
		return nil, ErrNotReady
	}

	code := ExtractCode(data)
	if code == "" {
		return nil, ErrNotReady
	}

	assessed := Assess(code)
	return &domain.Artifact{
		ChallengeKey: key,
		ProblemTitle: stringField(data, "title", "problemTitle", "questionTitle"),
		ProblemSlug:  stringField(data, "titleSlug", "slug", "problemSlug"),
		Code:         assessed.Code,
		Language:     orDefault(stringField(data, "language", "lang"), defaultLanguage),
		IsSafe:       assessed.IsSafe,
		QualityScore: assessed.QualityScore,
		Warnings:     assessed.Warnings,
	}, nil
}

// Ping checks that the trigger endpoint answers. Any HTTP response counts
// as reachable except a server error.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.TriggerURL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping generator: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return fmt.Errorf("ping generator: status %d", resp.StatusCode)
	}
	return nil
}

// ExtractCode finds the solution text in a workflow response, preferring
// well-known fields and falling back to nested objects.
func ExtractCode(data map[string]any) string {
	for _, fields := range [][]string{primaryFields, secondaryFields, tertiaryFields} {
		best := ""
		for _, f := range fields {
			s, ok := data[f].(string)
			if !ok || !Candidate(s) {
				continue
			}
			if s = strings.TrimSpace(s); len(s) > len(best) {
				best = s
			}
		}
		if best != "" {
			return best
		}
	}
	for _, v := range data {
		if nested, ok := v.(map[string]any); ok {
			if code := ExtractCode(nested); code != "" {
				return code
			}
		}
	}
	return ""
}

// firstObject unwraps the array responses some workflow nodes produce.
func firstObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
