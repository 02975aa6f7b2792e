package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
)

var defaultMessages = map[domain.Phase]string{
	domain.PhaseAdmitted:         "Automation request accepted",
	domain.PhaseValidating:       "Validating credentials",
	domain.PhaseFetchingArtifact: "Fetching today's solution",
	domain.PhaseArtifactReady:    "Solution ready",
	domain.PhaseLaunchingWorker:  "Launching browser automation",
	domain.PhaseWorkerRunning:    "Browser automation running",
	domain.PhaseSubmitting:       "Submitting solution",
	domain.PhaseCompleted:        "Solution submitted successfully",
	domain.PhaseFailed:           "Automation failed",
}

// Update is a requested transition.
type Update struct {
	Phase    domain.Phase
	SubPhase string
	Percent  int
	Message  string
}

// Tracker is the ProgressTracker of one session: it validates transitions,
// assigns sequence numbers and publishes accepted events.
type Tracker struct {
	session    *Session
	hub        Publisher
	clock      shared.Clock
	onTerminal func(*Session)
	logger     *slog.Logger

	mu   sync.Mutex
	last domain.ProgressEvent
}

func newTracker(s *Session, hub Publisher, clock shared.Clock, onTerminal func(*Session), logger *slog.Logger) *Tracker {
	return &Tracker{
		session:    s,
		hub:        hub,
		clock:      clock,
		onTerminal: onTerminal,
		logger:     logger,
		last: domain.ProgressEvent{
			SessionID: s.ID,
			UserID:    s.UserID,
			Phase:     domain.PhaseAdmitted,
			Message:   defaultMessages[domain.PhaseAdmitted],
			Timestamp: s.CreatedAt,
		},
	}
}

// start emits the initial admitted event.
func (t *Tracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last.Seq = 1
	t.publishLocked(t.last)
}

// Advance applies u. A transition that is out of order, regresses percent
// or leaves 0..100 fails the session with InvalidTransition. Updates to a
// terminal session are rejected and leave it unchanged.
func (t *Tracker) Advance(u Update) error {
	return t.apply(u, nil)
}

// Fail moves the session to failed with kind and reason. Percent stays at
// its current value.
func (t *Tracker) Fail(kind domain.ErrorKind, reason string) error {
	if reason == "" {
		reason = kind.DefaultMessage()
	}
	return t.apply(Update{Phase: domain.PhaseFailed, Message: reason}, &domain.Failure{Kind: kind, Reason: reason})
}

func (t *Tracker) apply(u Update, failure *domain.Failure) error {
	t.mu.Lock()
	cur := t.last

	if cur.Phase.IsTerminal() {
		t.mu.Unlock()
		t.logger.Warn("Rejected transition on terminal session",
			"session_id", cur.SessionID,
			"phase", cur.Phase.String(),
			"requested", u.Phase.String(),
		)
		return domain.NewError(domain.KindInvalidTransition, "session already %s", cur.Phase)
	}

	var rejectErr error
	if u.Phase == domain.PhaseFailed {
		u.Percent = cur.Percent
		u.SubPhase = ""
		if failure == nil {
			failure = &domain.Failure{Kind: domain.KindWorkerFailure, Reason: orDefault(u.Message, domain.KindWorkerFailure.DefaultMessage())}
		}
	} else if reason := validate(cur, u); reason != "" {
		t.logger.Warn("Invalid progress transition",
			"session_id", cur.SessionID,
			"from", cur.Phase.String(),
			"to", u.Phase.String(),
			"percent", u.Percent,
			"reason", reason,
		)
		rejectErr = domain.NewError(domain.KindInvalidTransition, "%s", reason)
		failure = &domain.Failure{Kind: domain.KindInvalidTransition, Reason: reason}
		u = Update{Phase: domain.PhaseFailed, Percent: cur.Percent, Message: reason}
	}

	ev := domain.ProgressEvent{
		SessionID: cur.SessionID,
		UserID:    cur.UserID,
		Seq:       cur.Seq + 1,
		Phase:     u.Phase,
		SubPhase:  u.SubPhase,
		Percent:   u.Percent,
		Message:   orDefault(u.Message, defaultMessages[u.Phase]),
		Failure:   failure,
		Timestamp: t.clock.Now(),
	}
	t.last = ev
	t.publishLocked(ev)
	t.mu.Unlock()

	if ev.Phase.IsTerminal() {
		t.logger.Info("Session reached terminal phase",
			"session_id", ev.SessionID,
			"user_id", ev.UserID,
			"phase", ev.Phase.String(),
			"seq", ev.Seq,
		)
		if t.onTerminal != nil {
			t.onTerminal(t.session)
		}
	}
	return rejectErr
}

// publishLocked hands ev to the hub while t.mu is held so events leave in
// seq order. Publish never blocks.
func (t *Tracker) publishLocked(ev domain.ProgressEvent) {
	if t.hub != nil {
		t.hub.Publish(ev)
	}
}

// Snapshot returns the latest accepted event.
func (t *Tracker) Snapshot() domain.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func validate(cur domain.ProgressEvent, u Update) string {
	switch {
	case !cur.Phase.CanTransition(u.Phase):
		return fmt.Sprintf("cannot move from %s to %s", cur.Phase, u.Phase)
	case u.SubPhase != "" && !u.Phase.AcceptsSubPhase():
		return fmt.Sprintf("phase %s does not accept sub-phases", u.Phase)
	case u.Percent < 0 || u.Percent > 100:
		return fmt.Sprintf("progress %d out of range", u.Percent)
	case u.Percent < cur.Percent:
		return fmt.Sprintf("progress regressed from %d to %d", cur.Percent, u.Percent)
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
