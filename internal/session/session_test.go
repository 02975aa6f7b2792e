package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
)

type fakeHub struct {
	mu        sync.Mutex
	events    []domain.ProgressEvent
	forgotten []string
}

func (h *fakeHub) Publish(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHub) Forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgotten = append(h.forgotten, id)
}

func (h *fakeHub) forSession(id string) []domain.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range h.events {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out
}

var start = time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC)

func newTestRegistry(max int) (*Registry, *fakeHub, *shared.ManualClock) {
	hub := &fakeHub{}
	clock := shared.NewManualClock(start)
	r := NewRegistry(Config{MaxActive: max, Timeout: 10 * time.Minute, Retention: 15 * time.Minute}, hub, clock, nil)
	return r, hub, clock
}

func advanceTo(t *testing.T, tr *Tracker, phases ...domain.Phase) {
	t.Helper()
	pct := tr.Snapshot().Percent
	for _, p := range phases {
		pct += 5
		if err := tr.Advance(Update{Phase: p, Percent: pct}); err != nil {
			t.Fatalf("advance to %s failed: %v", p, err)
		}
	}
}

func TestAdmit_RejectsSecondRunForSameIdentity(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(10)

	if _, err := r.Admit("id-a", "user_a"); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	_, err := r.Admit("id-a", "user_a")
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
	if r.Active() != 1 {
		t.Errorf("expected 1 active session, got %d", r.Active())
	}
}

func TestAdmit_ConcurrentSameIdentityAdmitsOne(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(100)

	var ok, running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Admit("id-a", "user_a")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyRunning):
				running.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || running.Load() != 49 {
		t.Fatalf("expected 1 admitted and 49 rejected, got %d and %d", ok.Load(), running.Load())
	}
}

func TestAdmit_CapacityExceeded(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(2)

	a, err := r.Admit("id-a", "user_a")
	if err != nil {
		t.Fatalf("admit a failed: %v", err)
	}
	if _, err := r.Admit("id-b", "user_b"); err != nil {
		t.Fatalf("admit b failed: %v", err)
	}
	if _, err := r.Admit("id-c", "user_c"); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}

	if err := a.Tracker().Fail(domain.KindWorkerFailure, "login failed"); err != nil {
		t.Fatalf("fail a: %v", err)
	}
	if _, err := r.Admit("id-c", "user_c"); err != nil {
		t.Fatalf("admit after release failed: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(5)

	s, err := r.Admit("id-a", "user_a")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !r.Release(s) {
		t.Fatal("first release should report true")
	}
	if r.Release(s) {
		t.Fatal("second release should be a no-op")
	}
	if r.Active() != 0 {
		t.Errorf("expected 0 active, got %d", r.Active())
	}
	if s.Context().Err() == nil {
		t.Error("release should cancel the session context")
	}
}

func TestTracker_SeqStrictlyIncreasingThroughCompletion(t *testing.T) {
	t.Parallel()
	r, hub, _ := newTestRegistry(5)

	s, err := r.Admit("id-a", "user_a")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	tr := s.Tracker()
	advanceTo(t, tr,
		domain.PhaseValidating,
		domain.PhaseFetchingArtifact,
		domain.PhaseArtifactReady,
		domain.PhaseLaunchingWorker,
		domain.PhaseWorkerRunning,
	)
	for _, sub := range []string{"login", "finding_problem", "inputting_code"} {
		pct := tr.Snapshot().Percent + 5
		if err := tr.Advance(Update{Phase: domain.PhaseWorkerRunning, SubPhase: sub, Percent: pct}); err != nil {
			t.Fatalf("sub-phase %s rejected: %v", sub, err)
		}
	}
	advanceTo(t, tr, domain.PhaseSubmitting)
	if err := tr.Advance(Update{Phase: domain.PhaseCompleted, Percent: 100}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	events := hub.forSession(s.ID)
	if len(events) != 11 {
		t.Fatalf("expected 11 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if i > 0 && ev.Percent < events[i-1].Percent {
			t.Fatalf("percent regressed at seq %d", ev.Seq)
		}
	}
	if last := events[len(events)-1]; last.Phase != domain.PhaseCompleted || last.Percent != 100 {
		t.Errorf("unexpected terminal event %+v", last)
	}
	if r.Active() != 0 {
		t.Errorf("terminal transition should release the slot")
	}
}

func TestTracker_PhaseRegressionForcesFailure(t *testing.T) {
	t.Parallel()
	r, hub, _ := newTestRegistry(5)

	s, _ := r.Admit("id-a", "user_a")
	tr := s.Tracker()
	advanceTo(t, tr, domain.PhaseValidating, domain.PhaseFetchingArtifact)

	err := tr.Advance(Update{Phase: domain.PhaseValidating, Percent: 50})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	last := tr.Snapshot()
	if last.Phase != domain.PhaseFailed || last.Failure == nil || last.Failure.Kind != domain.KindInvalidTransition {
		t.Fatalf("expected failed/invalid_transition, got %+v", last)
	}
	if last.Percent != 10 {
		t.Errorf("failed event should keep the last percent, got %d", last.Percent)
	}
	if r.Active() != 0 {
		t.Error("forced failure should release the slot")
	}

	before := len(hub.forSession(s.ID))
	if err := tr.Advance(Update{Phase: domain.PhaseCompleted, Percent: 100}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal session must reject transitions, got %v", err)
	}
	if err := tr.Fail(domain.KindWorkerFailure, "late"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal session must reject failure, got %v", err)
	}
	if after := len(hub.forSession(s.ID)); after != before {
		t.Errorf("rejected transitions must not publish, got %d new events", after-before)
	}
}

func TestTracker_PercentRegressionForcesFailure(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(5)

	s, _ := r.Admit("id-a", "user_a")
	tr := s.Tracker()
	advanceTo(t, tr, domain.PhaseValidating, domain.PhaseFetchingArtifact, domain.PhaseArtifactReady,
		domain.PhaseLaunchingWorker, domain.PhaseWorkerRunning)

	if err := tr.Advance(Update{Phase: domain.PhaseWorkerRunning, SubPhase: "login", Percent: 60}); err != nil {
		t.Fatalf("60%% update failed: %v", err)
	}
	if err := tr.Advance(Update{Phase: domain.PhaseWorkerRunning, SubPhase: "login", Percent: 40}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition on regression, got %v", err)
	}
	if got := tr.Snapshot(); got.Phase != domain.PhaseFailed || got.Percent != 60 {
		t.Errorf("expected failed at 60%%, got %s at %d", got.Phase, got.Percent)
	}
}

func TestTracker_SubPhaseOnlyOnWorkerPhases(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(5)

	s, _ := r.Admit("id-a", "user_a")
	err := s.Tracker().Advance(Update{Phase: domain.PhaseValidating, SubPhase: "login", Percent: 5})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestTracker_WorkerFailureCarriesReason(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(5)

	s, _ := r.Admit("id-a", "user_a")
	if err := s.Tracker().Fail(domain.KindFetchError, "generator timed out"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got := s.Tracker().Snapshot()
	if got.Failure == nil || got.Failure.Kind != domain.KindFetchError || got.Failure.Reason != "generator timed out" {
		t.Fatalf("unexpected failure %+v", got.Failure)
	}
	if got.Phase.Status() != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", got.Phase.Status())
	}
}

func TestTerminalHooksRun(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(5)

	called := make(chan string, 1)
	r.OnTerminal(func(s *Session) { called <- s.ID })

	s, _ := r.Admit("id-a", "user_a")
	_ = s.Tracker().Fail(domain.KindWorkerFailure, "")

	select {
	case id := <-called:
		if id != s.ID {
			t.Errorf("hook got session %s, want %s", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal hook was not called")
	}
}

func TestExpireStale_TimesOutAndCollects(t *testing.T) {
	t.Parallel()
	r, hub, clock := newTestRegistry(5)

	s, _ := r.Admit("id-a", "user_a")
	advanceTo(t, s.Tracker(), domain.PhaseValidating)

	clock.Advance(9 * time.Minute)
	if timedOut, _ := r.ExpireStale(clock.Now()); timedOut != 0 {
		t.Fatalf("session should not time out before its ceiling")
	}

	clock.Advance(time.Minute)
	timedOut, collected := r.ExpireStale(clock.Now())
	if timedOut != 1 || collected != 0 {
		t.Fatalf("expected 1 timeout and 0 collected, got %d/%d", timedOut, collected)
	}
	got := s.Tracker().Snapshot()
	if got.Phase != domain.PhaseFailed || got.Failure == nil || got.Failure.Kind != domain.KindTimeout {
		t.Fatalf("expected failed/timeout, got %+v", got)
	}
	if r.Active() != 0 {
		t.Fatal("timeout should release the slot")
	}

	// Retained for polling until the retention window passes.
	if _, ok := r.Get("id-a"); !ok {
		t.Fatal("terminal session should be retained")
	}
	clock.Advance(15 * time.Minute)
	if _, collected := r.ExpireStale(clock.Now()); collected != 1 {
		t.Fatalf("expected retained session to be collected")
	}
	if _, ok := r.Get("id-a"); ok {
		t.Error("collected session should be gone")
	}
	hub.mu.Lock()
	forgotten := append([]string(nil), hub.forgotten...)
	hub.mu.Unlock()
	if len(forgotten) != 1 || forgotten[0] != s.ID {
		t.Errorf("expected hub to forget %s, got %v", s.ID, forgotten)
	}
}

func TestAdmit_ReplacesRetainedTerminalSession(t *testing.T) {
	t.Parallel()
	r, hub, _ := newTestRegistry(5)

	first, _ := r.Admit("id-a", "user_a")
	_ = first.Tracker().Advance(Update{Phase: domain.PhaseFailed})

	second, err := r.Admit("id-a", "user_a")
	if err != nil {
		t.Fatalf("re-admit after terminal failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new session id")
	}
	if got, _ := r.Get("id-a"); got != second {
		t.Error("registry should point at the new session")
	}
	if events := hub.forSession(second.ID); len(events) != 1 || events[0].Seq != 1 {
		t.Errorf("new session should start at seq 1, got %+v", events)
	}
}

func TestRunning_ListsActiveSessions(t *testing.T) {
	t.Parallel()
	r, _, clock := newTestRegistry(5)

	a, _ := r.Admit("id-a", "user_a")
	clock.Advance(time.Second)
	_, _ = r.Admit("id-b", "user_b")
	_ = a.Tracker().Fail(domain.KindWorkerFailure, "")

	running := r.Running()
	if len(running) != 1 || running[0].UserID != "user_b" {
		t.Fatalf("unexpected running list %+v", running)
	}
	if running[0].Phase != "admitted" {
		t.Errorf("unexpected phase %q", running[0].Phase)
	}
}
