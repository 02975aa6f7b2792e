// Package notify fans session progress events out to observers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dailysolve/internal/domain"
)

const (
	defaultQueueSize   = 32
	defaultHistorySize = 64
)

type topic struct {
	latest  *domain.ProgressEvent
	history *Ring[domain.ProgressEvent]
	subs    map[string]*subscriber
	changed chan struct{} // closed and replaced on every publish
}

// Hub is the NotificationHub: per-session pub/sub with a retained latest
// event for late subscribers and pollers.
type Hub struct {
	mu          sync.Mutex
	topics      map[string]*topic
	queueSize   int
	historySize int
	logger      *slog.Logger
}

// NewHub creates a hub. queueSize bounds each subscriber's pending events.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:      make(map[string]*topic),
		queueSize:   queueSize,
		historySize: defaultHistorySize,
		logger:      logger.With("component", "notify"),
	}
}

func (h *Hub) topicLocked(sessionID string) *topic {
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{
			history: NewRing[domain.ProgressEvent](h.historySize),
			subs:    make(map[string]*subscriber),
			changed: make(chan struct{}),
		}
		h.topics[sessionID] = t
	}
	return t
}

// Publish records ev as the session's latest event and enqueues it for
// every subscriber. It never blocks on subscribers. Events whose seq does
// not advance the session are discarded.
func (h *Hub) Publish(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(ev.SessionID)
	if t.latest != nil && ev.Seq <= t.latest.Seq {
		h.logger.Warn("Discarding out-of-order progress event",
			"session_id", ev.SessionID, "seq", ev.Seq, "latest_seq", t.latest.Seq)
		return
	}
	latest := ev
	t.latest = &latest
	t.history.Push(ev)
	close(t.changed)
	t.changed = make(chan struct{})

	for _, s := range t.subs {
		if s.enqueue(ev) {
			h.logger.Debug("Dropped event for slow subscriber",
				"session_id", ev.SessionID, "sub_id", s.id, "seq", ev.Seq)
		}
	}
}

// Subscribe registers an observer for sessionID. If the session already
// has an event, it is delivered first as a catch-up event. The channel is
// closed when ctx is done, cancel is called, or the session is forgotten.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan domain.ProgressEvent, func()) {
	return h.subscribe(ctx, sessionID, 0, false)
}

// Resume is Subscribe for a reconnecting observer that already saw
// afterSeq: retained events newer than afterSeq are replayed in order.
func (h *Hub) Resume(ctx context.Context, sessionID string, afterSeq uint64) (<-chan domain.ProgressEvent, func()) {
	return h.subscribe(ctx, sessionID, afterSeq, true)
}

func (h *Hub) subscribe(ctx context.Context, sessionID string, afterSeq uint64, replay bool) (<-chan domain.ProgressEvent, func()) {
	s := newSubscriber(uuid.New().String(), sessionID, h.queueSize)

	h.mu.Lock()
	t := h.topicLocked(sessionID)
	t.subs[s.id] = s
	switch {
	case replay:
		for _, ev := range t.history.Items() {
			if ev.Seq > afterSeq {
				ev.CatchUp = true
				s.enqueue(ev)
			}
		}
	case t.latest != nil:
		ev := *t.latest
		ev.CatchUp = true
		s.enqueue(ev)
	}
	h.mu.Unlock()

	h.logger.Debug("Subscriber added", "session_id", sessionID, "sub_id", s.id)

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(sessionID, s.id) })
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()
	return s.out, cancel
}

func (h *Hub) unsubscribe(sessionID, subID string) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	var s *subscriber
	if ok {
		s = t.subs[subID]
		delete(t.subs, subID)
		if len(t.subs) == 0 && t.latest == nil {
			delete(h.topics, sessionID)
		}
	}
	h.mu.Unlock()

	if s != nil {
		s.stop()
		h.logger.Debug("Subscriber removed", "session_id", sessionID, "sub_id", subID)
	}
}

// Latest returns the most recent event for sessionID.
func (h *Hub) Latest(sessionID string) (domain.ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok || t.latest == nil {
		return domain.ProgressEvent{}, false
	}
	return *t.latest, true
}

// Poll waits up to timeout for an event with seq greater than afterSeq and
// returns the latest event. With no newer event it returns the current
// latest (if any) once the wait ends. ok is false when the session has no
// events at all.
func (h *Hub) Poll(ctx context.Context, sessionID string, afterSeq uint64, timeout time.Duration) (domain.ProgressEvent, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		h.mu.Lock()
		t, ok := h.topics[sessionID]
		if !ok {
			h.mu.Unlock()
			return domain.ProgressEvent{}, false
		}
		if t.latest != nil && (t.latest.Seq > afterSeq || t.latest.Terminal() || deadline == nil) {
			ev := *t.latest
			h.mu.Unlock()
			return ev, true
		}
		if deadline == nil {
			h.mu.Unlock()
			return domain.ProgressEvent{}, false
		}
		changed := t.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return h.Latest(sessionID)
		case <-ctx.Done():
			return h.Latest(sessionID)
		}
	}
}

// Forget drops everything retained for sessionID and closes its
// subscriptions. Pollers blocked on the session return immediately.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if ok {
		delete(h.topics, sessionID)
		close(t.changed)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range t.subs {
		s.stop()
	}
}

// Subscribers returns the number of active subscriptions across sessions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		n += len(t.subs)
	}
	return n
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()
	for _, t := range topics {
		close(t.changed)
		for _, s := range t.subs {
			s.stop()
		}
	}
}
