package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
)

func event(sessionID string, seq uint64, phase domain.Phase, pct int) domain.ProgressEvent {
	return domain.ProgressEvent{
		SessionID: sessionID,
		Seq:       seq,
		Phase:     phase,
		Percent:   pct,
		Timestamp: time.Now(),
	}
}

func recv(t *testing.T, ch <-chan domain.ProgressEvent) domain.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.ProgressEvent{}
}

func TestHub_DeliversInOrder(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	ch, cancel := h.Subscribe(context.Background(), "s1")
	defer cancel()

	for i := uint64(1); i <= 10; i++ {
		h.Publish(event("s1", i, domain.PhaseWorkerRunning, int(i)))
	}
	for i := uint64(1); i <= 10; i++ {
		if ev := recv(t, ch); ev.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, ev.Seq)
		}
	}
}

func TestHub_LateSubscriberGetsCatchUp(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	h.Publish(event("s1", 1, domain.PhaseAdmitted, 0))
	h.Publish(event("s1", 2, domain.PhaseValidating, 5))

	ch, cancel := h.Subscribe(context.Background(), "s1")
	defer cancel()

	first := recv(t, ch)
	if first.Seq != 2 || !first.CatchUp {
		t.Fatalf("expected catch-up of seq 2, got seq=%d catch_up=%v", first.Seq, first.CatchUp)
	}

	h.Publish(event("s1", 3, domain.PhaseFetchingArtifact, 10))
	next := recv(t, ch)
	if next.Seq != 3 || next.CatchUp {
		t.Fatalf("expected live seq 3, got seq=%d catch_up=%v", next.Seq, next.CatchUp)
	}
}

func TestHub_ResumeReplaysNewerEvents(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	for i := uint64(1); i <= 5; i++ {
		h.Publish(event("s1", i, domain.PhaseWorkerRunning, int(i)))
	}
	ch, cancel := h.Resume(context.Background(), "s1", 3)
	defer cancel()

	if ev := recv(t, ch); ev.Seq != 4 {
		t.Fatalf("expected replay from seq 4, got %d", ev.Seq)
	}
	if ev := recv(t, ch); ev.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", ev.Seq)
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()
	h := NewHub(3, nil)
	defer h.Close()

	slow, cancelSlow := h.Subscribe(context.Background(), "s1")
	defer cancelSlow()
	fast, cancelFast := h.Subscribe(context.Background(), "s1")
	defer cancelFast()

	var got []uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range fast {
			got = append(got, ev.Seq)
			if ev.Seq == 100 {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 100; i++ {
			h.Publish(event("s1", i, domain.PhaseWorkerRunning, 50))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("fast subscriber saw out-of-order seq %v", got)
		}
	}

	// The slow one only keeps its newest events but still in order.
	var slowSeqs []uint64
	for len(slowSeqs) == 0 || slowSeqs[len(slowSeqs)-1] != 100 {
		slowSeqs = append(slowSeqs, recv(t, slow).Seq)
	}
	if len(slowSeqs) > 4 {
		t.Errorf("expected bounded backlog, got %d events", len(slowSeqs))
	}
	for i := 1; i < len(slowSeqs); i++ {
		if slowSeqs[i] <= slowSeqs[i-1] {
			t.Fatalf("slow subscriber saw out-of-order seq %v", slowSeqs)
		}
	}
}

func TestHub_DiscardsStaleSeq(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	h.Publish(event("s1", 2, domain.PhaseValidating, 5))
	h.Publish(event("s1", 1, domain.PhaseAdmitted, 0))

	latest, ok := h.Latest("s1")
	if !ok || latest.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %+v", latest)
	}
}

func TestHub_PollWaitsForNewerEvent(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	h.Publish(event("s1", 1, domain.PhaseAdmitted, 0))

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Publish(event("s1", 2, domain.PhaseValidating, 5))
	}()

	ev, ok := h.Poll(context.Background(), "s1", 1, time.Second)
	if !ok || ev.Seq != 2 {
		t.Fatalf("expected seq 2 from long poll, got ok=%v seq=%d", ok, ev.Seq)
	}
}

func TestHub_PollTimesOutWithLatest(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	h.Publish(event("s1", 1, domain.PhaseAdmitted, 0))

	start := time.Now()
	ev, ok := h.Poll(context.Background(), "s1", 1, 50*time.Millisecond)
	if !ok || ev.Seq != 1 {
		t.Fatalf("expected latest seq 1 after timeout, got ok=%v seq=%d", ok, ev.Seq)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("poll returned before its wait elapsed")
	}

	if _, ok := h.Poll(context.Background(), "missing", 0, 0); ok {
		t.Error("unknown session should report no event")
	}
}

func TestHub_ForgetClosesSubscriptions(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	h.Publish(event("s1", 1, domain.PhaseAdmitted, 0))
	ch, cancel := h.Subscribe(context.Background(), "s1")
	defer cancel()
	recv(t, ch)

	h.Forget("s1")
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}
	if _, ok := h.Latest("s1"); ok {
		t.Error("forgotten session should have no latest event")
	}
}

func TestHub_ContextCancellationUnsubscribes(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "s1")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for h.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestRing_WrapsOldestFirst(t *testing.T) {
	t.Parallel()
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Items()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected ring contents %v", got)
	}
}
