package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const sampleSolution = `from typing import List

class Solution:
    def twoSum(self, nums: List[int], target: int) -> List[int]:
        seen = {}
        for i, n in enumerate(nums):
            if target - n in seen:
                return [seen[target - n], i]
            seen[n] = i
        return []
`

type workflowServer struct {
	triggers atomic.Int32
	polls    atomic.Int32
	readyAt  int32
	lastDate atomic.Value
}

func (w *workflowServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/solve-daily", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "bad body", http.StatusBadRequest)
			return
		}
		w.lastDate.Store(req.ChallengeDate)
		w.triggers.Add(1)
		_ = json.NewEncoder(rw).Encode(map[string]string{"message": "Workflow was started"})
	})
	mux.HandleFunc("/webhook/leetcode-code", func(rw http.ResponseWriter, _ *http.Request) {
		n := w.polls.Add(1)
		if n < w.readyAt {
			_ = json.NewEncoder(rw).Encode(map[string]any{})
			return
		}
		_ = json.NewEncoder(rw).Encode([]map[string]any{{
			"title":        "Two Sum",
			"titleSlug":    "two-sum",
			"solutionCode": sampleSolution + "\nprint(Solution().twoSum([2,7], 9))\n",
		}})
	})
	return mux
}

func newTestClient(t *testing.T, w *workflowServer) *Client {
	t.Helper()
	srv := httptest.NewServer(w.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		TriggerURL:   srv.URL + "/webhook/solve-daily",
		FetchURL:     srv.URL + "/webhook/leetcode-code",
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
	}, nil)
}

func TestGenerate_TriggersThenPolls(t *testing.T) {
	t.Parallel()
	w := &workflowServer{readyAt: 3}
	c := newTestClient(t, w)

	artifact, err := c.Generate(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if w.triggers.Load() != 1 {
		t.Errorf("expected 1 trigger, got %d", w.triggers.Load())
	}
	if got := w.lastDate.Load(); got != "2026-10-16" {
		t.Errorf("expected challenge_date 2026-10-16, got %v", got)
	}
	if w.polls.Load() < 3 {
		t.Errorf("expected at least 3 polls, got %d", w.polls.Load())
	}
	if artifact.ProblemTitle != "Two Sum" || artifact.ProblemSlug != "two-sum" {
		t.Errorf("unexpected metadata %q %q", artifact.ProblemTitle, artifact.ProblemSlug)
	}
	if artifact.ChallengeKey != "2026-10-16" || artifact.Language != "python3" {
		t.Errorf("unexpected key/language %q %q", artifact.ChallengeKey, artifact.Language)
	}
	if !artifact.IsSafe {
		t.Errorf("expected safe artifact, warnings=%v", artifact.Warnings)
	}
	if artifact.FetchedAt.IsZero() {
		t.Error("expected FetchedAt to be set")
	}
}

func TestGenerate_TimesOutWhenNeverReady(t *testing.T) {
	t.Parallel()
	w := &workflowServer{readyAt: 1 << 30}
	c := newTestClient(t, w)
	c.cfg.Timeout = 100 * time.Millisecond

	_, err := c.Generate(context.Background(), "2026-10-16")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTrigger_FailsOnServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, `{"message":"The requested webhook is not registered"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{TriggerURL: srv.URL, FetchURL: srv.URL}, nil)

	if err := c.Trigger(context.Background(), "2026-10-16"); err == nil {
		t.Fatal("expected trigger error for 404")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	w := &workflowServer{}
	c := newTestClient(t, w)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected reachable generator, got %v", err)
	}

	down := NewClient(Config{TriggerURL: "http://127.0.0.1:1/webhook"}, nil)
	if err := down.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure for closed port")
	}
}

func TestExtractCode_Preference(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"output": "def fallback(self):\n    return 'this is the fallback output'",
		"code":   sampleSolution,
	}
	if got := ExtractCode(data); got != sampleSolution[:len(sampleSolution)-1] {
		t.Errorf("expected primary field to win, got %q", got)
	}

	nested := map[string]any{"json": map[string]any{"solution": sampleSolution}}
	if ExtractCode(nested) == "" {
		t.Error("expected nested extraction")
	}

	if ExtractCode(map[string]any{"code": "pass"}) != "" {
		t.Error("short text must not be treated as code")
	}
	if ExtractCode(map[string]any{"code": `{"status": "error", "message": "def x(): failed to run"}`}) != "" {
		t.Error("error payloads must not be treated as code")
	}
}
