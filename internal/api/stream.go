package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dailysolve/internal/domain"
)

// subscribe attaches to sessionID, replaying after lastSeq when resuming.
func (h *Handler) subscribe(ctx context.Context, sessionID string, lastSeq uint64) (<-chan domain.ProgressEvent, func()) {
	if lastSeq > 0 {
		return h.deps.Events.Resume(ctx, sessionID, lastSeq)
	}
	return h.deps.Events.Subscribe(ctx, sessionID)
}

// Stream handles GET /automation-status/{user_id}/stream as Server-Sent
// Events. Event ids are session sequence numbers, so a reconnecting client
// resumes from Last-Event-ID. The stream ends after the terminal event.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	s, err := h.deps.Solver.Session(userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	var lastSeq uint64
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseUint(idHeader, 10, 64); err == nil {
			lastSeq = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryDelay.Milliseconds()); err != nil {
		return
	}

	if s == nil {
		if err := writeSSEStatus(w, 0, notStartedView()); err != nil {
			h.logger.Debug("Failed to write SSE event", "error", err, "user_id", userID)
		}
		flusher.Flush()
		return
	}
	flusher.Flush()

	h.logger.Info("SSE stream connected", "user_id", userID, "session_id", s.ID, "last_event_id", lastSeq)
	defer h.logger.Info("SSE stream closed", "user_id", userID, "session_id", s.ID)

	events, cancel := h.subscribe(r.Context(), s.ID, lastSeq)
	defer cancel()

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := writeSSEStatus(w, ev.Seq, viewOf(ev)); err != nil {
				h.logger.Debug("Failed to write SSE event", "error", err, "session_id", s.ID)
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSEStatus(w io.Writer, id uint64, v statusView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", id, data)
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
