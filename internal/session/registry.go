// Package session owns automation sessions: admission, progress tracking
// and lifetime enforcement.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
)

// Publisher receives every accepted progress event. It must not block.
type Publisher interface {
	Publish(ev domain.ProgressEvent)
}

// Forgetter drops retained events for a collected session.
type Forgetter interface {
	Forget(sessionID string)
}

// Hub is what the registry needs from the notification hub.
type Hub interface {
	Publisher
	Forgetter
}

// TerminalHook runs once after a session reaches a terminal phase.
type TerminalHook func(s *Session)

// Config holds registry limits.
type Config struct {
	MaxActive int
	Timeout   time.Duration
	Retention time.Duration
}

// Session is one automation run for one identity.
type Session struct {
	ID        string
	Identity  domain.Identity
	UserID    string
	CreatedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	tracker *Tracker

	// guarded by Registry.mu
	released   bool
	releasedAt time.Time
}

// Context is cancelled when the session reaches a terminal phase.
func (s *Session) Context() context.Context { return s.ctx }

// Tracker returns the session's progress tracker.
func (s *Session) Tracker() *Tracker { return s.tracker }

// Info is a read-only view of a session for listings.
type Info struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Phase     string    `json:"phase"`
	Step      string    `json:"step"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the single source of truth for which identities have a
// running session.
type Registry struct {
	cfg    Config
	hub    Hub
	clock  shared.Clock
	logger *slog.Logger

	mu         sync.Mutex
	byIdentity map[domain.Identity]*Session
	active     int
	hooks      []TerminalHook
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config, hub Hub, clock shared.Clock, logger *slog.Logger) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg,
		hub:        hub,
		clock:      clock,
		logger:     logger.With("component", "session"),
		byIdentity: make(map[domain.Identity]*Session),
	}
}

// OnTerminal registers a hook run after every terminal transition.
func (r *Registry) OnTerminal(h TerminalHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Admit atomically creates and registers a session for identity. It fails
// with AlreadyRunning when the identity has a non-terminal session and with
// CapacityExceeded when the active ceiling is reached.
func (r *Registry) Admit(identity domain.Identity, userID string) (*Session, error) {
	now := r.clock.Now()

	r.mu.Lock()
	prev, ok := r.byIdentity[identity]
	if ok && !prev.released {
		r.mu.Unlock()
		return nil, domain.NewError(domain.KindAlreadyRunning, "an automation run is already in progress for this user")
	}
	if r.active >= r.cfg.MaxActive {
		r.mu.Unlock()
		return nil, domain.NewError(domain.KindCapacityExceeded, "system is at capacity (%d active runs), try again shortly", r.cfg.MaxActive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.New().String(),
		Identity:  identity,
		UserID:    userID,
		CreatedAt: now,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.tracker = newTracker(s, r.hub, r.clock, r.finish, r.logger)

	r.byIdentity[identity] = s
	r.active++
	active := r.active
	r.mu.Unlock()

	if ok && r.hub != nil {
		r.hub.Forget(prev.ID)
	}

	r.logger.Info("Session admitted",
		"session_id", s.ID,
		"user_id", userID,
		"active", active,
		"max", r.cfg.MaxActive,
	)
	s.tracker.start()
	return s, nil
}

// Release frees the session's slot. It is idempotent and reports whether
// this call performed the release.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	if s.released {
		r.mu.Unlock()
		return false
	}
	s.released = true
	s.releasedAt = r.clock.Now()
	r.active--
	active := r.active
	r.mu.Unlock()

	s.cancel()
	r.logger.Info("Session released", "session_id", s.ID, "user_id", s.UserID, "active", active)
	return true
}

// finish is the tracker's terminal path.
func (r *Registry) finish(s *Session) {
	if !r.Release(s) {
		return
	}
	r.mu.Lock()
	hooks := append([]TerminalHook(nil), r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		go h(s)
	}
}

// Get returns the current (running or retained) session for identity.
func (r *Registry) Get(identity domain.Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byIdentity[identity]
	return s, ok
}

// Active returns the number of non-terminal sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Max returns the concurrency ceiling.
func (r *Registry) Max() int {
	return r.cfg.MaxActive
}

// Running lists non-terminal sessions, oldest first.
func (r *Registry) Running() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, r.active)
	for _, s := range r.byIdentity {
		if !s.released {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		ev := s.tracker.Snapshot()
		out = append(out, Info{
			SessionID: s.ID,
			UserID:    s.UserID,
			Phase:     ev.Phase.String(),
			Step:      ev.Step(),
			Progress:  ev.Percent,
			CreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// sweep returns sessions past the lifetime ceiling and removes terminal
// sessions past the retention window.
func (r *Registry) sweep(now time.Time) (stale, collected []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, s := range r.byIdentity {
		if !s.released {
			if r.cfg.Timeout > 0 && now.Sub(s.CreatedAt) >= r.cfg.Timeout {
				stale = append(stale, s)
			}
			continue
		}
		if now.Sub(s.releasedAt) >= r.cfg.Retention {
			delete(r.byIdentity, identity)
			collected = append(collected, s)
		}
	}
	return stale, collected
}
