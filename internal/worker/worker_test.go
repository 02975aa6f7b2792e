package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/dailysolve/internal/domain"
)

func testJob() Job {
	artifact := &domain.Artifact{ProblemSlug: "two-sum", ProblemTitle: "Two Sum", Language: "python3", Code: "class Solution: pass"}
	return NewJob("sess-1", "user_a", "alice", "pw", "", artifact, "http://host.docker.internal:8080/", "tok")
}

func TestNewJob_StatusURL(t *testing.T) {
	t.Parallel()
	j := testJob()
	if j.StatusURL != "http://host.docker.internal:8080/automation-status/user_a" {
		t.Errorf("unexpected status url %q", j.StatusURL)
	}
	if j.ProblemSlug != "two-sum" || j.Code == "" {
		t.Errorf("artifact fields not copied: %+v", j)
	}
}

func TestJob_EnvOmitsEmpty(t *testing.T) {
	t.Parallel()
	env := testJob().Env()
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "ENCRYPTION_KEY=") {
		t.Error("empty encryption key should be omitted")
	}
	for _, want := range []string{"SESSION_ID=sess-1", "STATUS_REPORT_TOKEN=tok", "PROBLEM_SLUG=two-sum"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %s in env", want)
		}
	}
}

func TestContainerName(t *testing.T) {
	t.Parallel()
	if got := ContainerName("abc"); got != "autosolve-abc" {
		t.Errorf("unexpected container name %q", got)
	}
}

type jobServer struct {
	mu        sync.Mutex
	jobs      []Job
	cancelled []string
	status    int
}

func (s *jobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		var j Job
		if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
			http.Error(w, "bad job", http.StatusBadRequest)
			return
		}
		if s.status != 0 {
			http.Error(w, "busy", s.status)
			return
		}
		s.jobs = append(s.jobs, j)
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, "/jobs/")
		s.cancelled = append(s.cancelled, id)
		if id == "unknown" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPLauncher_LaunchAndStop(t *testing.T) {
	t.Parallel()
	srv := &jobServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	l := NewHTTPLauncher(ts.URL+"/jobs", nil)
	if err := l.Launch(context.Background(), testJob()); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if err := l.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := l.Stop(context.Background(), "unknown"); err != nil {
		t.Fatalf("Stop of unknown session should succeed: %v", err)
	}
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.jobs) != 1 || srv.jobs[0].SessionID != "sess-1" || srv.jobs[0].ReportToken != "tok" {
		t.Errorf("unexpected jobs %+v", srv.jobs)
	}
	if len(srv.cancelled) != 2 {
		t.Errorf("expected 2 cancel calls, got %v", srv.cancelled)
	}
}

func TestHTTPLauncher_LaunchRejected(t *testing.T) {
	t.Parallel()
	srv := &jobServer{status: http.StatusServiceUnavailable}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	l := NewHTTPLauncher(ts.URL+"/jobs", nil)
	err := l.Launch(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}
