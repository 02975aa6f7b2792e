package domain

import (
	"time"
)

// Identity is the opaque per-user key that scopes session isolation.
// It is derived from the submitted user id and never stored in cleartext.
type Identity string

// Failure describes why a session ended in PhaseFailed.
type Failure struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// ProgressEvent is an immutable snapshot of one accepted transition.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Seq       uint64    `json:"seq"`
	Phase     Phase     `json:"-"`
	SubPhase  string    `json:"sub_phase,omitempty"`
	Percent   int       `json:"progress"`
	Message   string    `json:"message"`
	Failure   *Failure  `json:"failure,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CatchUp   bool      `json:"catch_up,omitempty"`
}

// Step returns the finest-grained step name: the worker sub-phase when
// present, otherwise the coarse phase name.
func (e ProgressEvent) Step() string {
	if e.SubPhase != "" {
		return e.SubPhase
	}
	return e.Phase.String()
}

// Terminal reports whether the event ends its session.
func (e ProgressEvent) Terminal() bool {
	return e.Phase.IsTerminal()
}
