package gate

import (
	"strings"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/session"
)

// Report is a worker's status update for the session it was launched for.
type Report struct {
	SessionID string
	Phase     string
	SubPhase  string
	Progress  int
	Message   string
	Error     string
}

// ApplyReport validates a worker report against the session bound to the
// report token and applies it to that session's tracker. tokenSession is
// the session id carried by the verified token.
func (g *Gate) ApplyReport(userID, tokenSession string, r Report) (domain.ProgressEvent, error) {
	s, err := g.Session(userID)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	if s == nil || s.ID != tokenSession {
		return domain.ProgressEvent{}, domain.NewError(domain.KindInvalidRequest, "report does not match the current session")
	}
	if r.SessionID != "" && r.SessionID != s.ID {
		return domain.ProgressEvent{}, domain.NewError(domain.KindInvalidRequest, "report does not match the current session")
	}

	phase, err := domain.ParsePhase(strings.ToLower(strings.TrimSpace(r.Phase)))
	if err != nil {
		return domain.ProgressEvent{}, domain.NewError(domain.KindInvalidRequest, "unknown phase %q", r.Phase)
	}

	tr := s.Tracker()
	if phase == domain.PhaseFailed {
		reason := r.Error
		if reason == "" {
			reason = r.Message
		}
		err = tr.Fail(domain.KindWorkerFailure, reason)
	} else {
		err = tr.Advance(session.Update{
			Phase:    phase,
			SubPhase: r.SubPhase,
			Percent:  r.Progress,
			Message:  r.Message,
		})
	}
	if err != nil {
		g.logger.Warn("Worker report rejected",
			"session_id", s.ID,
			"phase", r.Phase,
			"sub_phase", r.SubPhase,
			"progress", r.Progress,
			"error", err,
		)
	}
	return tr.Snapshot(), err
}
