package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket handles GET /ws/automation-status/{user_id}, pushing the same
// automation-status shape as the SSE stream. The server closes the socket
// after the terminal event.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	s, err := h.deps.Solver.Session(userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns(),
		InsecureSkipVerify: h.opts.Development,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	// Observers never send; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	if s == nil {
		_ = h.writeWS(ctx, ws, notStartedView())
		return
	}

	h.logger.Info("WebSocket stream connected", "user_id", userID, "session_id", s.ID)
	events, cancel := h.deps.Events.Subscribe(ctx, s.ID)
	defer cancel()

	ping := time.NewTicker(h.opts.KeepaliveInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				h.logger.Debug("WebSocket ping failed", "error", err, "session_id", s.ID)
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeWS(ctx, ws, viewOf(ev)); err != nil {
				h.logger.Debug("Failed to write WebSocket event", "error", err, "session_id", s.ID)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, v statusView) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

// originPatterns converts configured origins into host patterns for the
// websocket origin check.
func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.opts.AllowedOrigins))
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, strings.TrimRight(o, "/"))
	}
	return patterns
}
