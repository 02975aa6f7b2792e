package notify

import (
	"sync"

	"github.com/ashureev/dailysolve/internal/domain"
)

// subscriber owns a bounded queue drained by its own pump goroutine, so a
// slow reader only ever loses its own oldest events.
type subscriber struct {
	id        string
	sessionID string

	mu      sync.Mutex
	queue   []domain.ProgressEvent
	max     int
	dropped uint64

	signal chan struct{}
	done   chan struct{}
	out    chan domain.ProgressEvent
	once   sync.Once
}

func newSubscriber(id, sessionID string, max int) *subscriber {
	s := &subscriber{
		id:        id,
		sessionID: sessionID,
		max:       max,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan domain.ProgressEvent),
	}
	go s.pump()
	return s
}

// enqueue never blocks.
func (s *subscriber) enqueue(ev domain.ProgressEvent) (dropped bool) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
