package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/gate"
)

// statusView is the automation-status shape shared by polling and push.
type statusView struct {
	Status    string     `json:"status"`
	Step      string     `json:"step"`
	Phase     string     `json:"phase,omitempty"`
	SubPhase  string     `json:"sub_phase,omitempty"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message"`
	Seq       uint64     `json:"seq"`
	SessionID string     `json:"session_id,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	CatchUp   bool       `json:"catch_up,omitempty"`
}

func viewOf(ev domain.ProgressEvent) statusView {
	ts := ev.Timestamp.UTC()
	v := statusView{
		Status:    ev.Phase.Status(),
		Step:      ev.Step(),
		Phase:     ev.Phase.String(),
		SubPhase:  ev.SubPhase,
		Progress:  ev.Percent,
		Message:   ev.Message,
		Seq:       ev.Seq,
		SessionID: ev.SessionID,
		Timestamp: &ts,
		CatchUp:   ev.CatchUp,
	}
	if ev.Failure != nil {
		v.ErrorKind = string(ev.Failure.Kind)
		v.Error = ev.Failure.Reason
	}
	return v
}

func notStartedView() statusView {
	return statusView{
		Status:  domain.StatusNotStarted,
		Step:    "",
		Message: "No automation run found for this user",
	}
}

// Status handles GET /automation-status/{user_id}. With wait it long-polls
// for an event newer than after.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	s, err := h.deps.Solver.Session(userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if s == nil {
		JSON(w, http.StatusOK, notStartedView())
		return
	}

	wait, after, err := h.pollParams(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	ev := s.Tracker().Snapshot()
	if wait > 0 && ev.Seq <= after && !ev.Terminal() {
		if polled, ok := h.deps.Events.Poll(r.Context(), s.ID, after, wait); ok {
			ev = polled
		}
	}
	JSON(w, http.StatusOK, viewOf(ev))
}

func (h *Handler) pollParams(r *http.Request) (time.Duration, uint64, error) {
	q := r.URL.Query()
	var wait time.Duration
	if raw := q.Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, serr := strconv.Atoi(raw)
			if serr != nil {
				return 0, 0, domain.NewError(domain.KindInvalidRequest, "wait must be a duration")
			}
			d = time.Duration(secs) * time.Second
		}
		if d < 0 {
			return 0, 0, domain.NewError(domain.KindInvalidRequest, "wait cannot be negative")
		}
		wait = min(d, h.opts.MaxWait)
	}
	var after uint64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, domain.NewError(domain.KindInvalidRequest, "after must be a sequence number")
		}
		after = n
	}
	return wait, after, nil
}

type reportRequest struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	SubPhase  string `json:"sub_phase"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// Report handles POST /automation-status/{user_id} from workers. The bearer
// token must be a report token minted for the user's current session.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		Error(w, http.StatusUnauthorized, "unauthorized", "missing report token")
		return
	}
	claims, err := h.deps.Tokens.Verify(token)
	if err != nil || claims.Subject != userID {
		h.logger.Warn("Rejected worker report token", "user_id", userID, "error", err)
		Error(w, http.StatusUnauthorized, "unauthorized", "invalid report token")
		return
	}

	var body reportRequest
	if err := h.decode(w, r, &body); err != nil {
		WriteError(w, err)
		return
	}

	ev, err := h.deps.Solver.ApplyReport(userID, claims.SessionID, gate.Report{
		SessionID: body.SessionID,
		Phase:     body.Phase,
		SubPhase:  body.SubPhase,
		Progress:  body.Progress,
		Message:   body.Message,
		Error:     body.Error,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(ev))
}
