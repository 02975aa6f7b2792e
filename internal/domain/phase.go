package domain

import "fmt"

// Phase is the coarse automation phase of a session.
type Phase int

// Phases in declared order. PhaseFailed is reachable from every
// non-terminal phase; every other phase only from its predecessor.
const (
	PhaseAdmitted Phase = iota
	PhaseValidating
	PhaseFetchingArtifact
	PhaseArtifactReady
	PhaseLaunchingWorker
	PhaseWorkerRunning
	PhaseSubmitting
	PhaseCompleted
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseAdmitted:         "admitted",
	PhaseValidating:       "validating",
	PhaseFetchingArtifact: "fetching_artifact",
	PhaseArtifactReady:    "artifact_ready",
	PhaseLaunchingWorker:  "launching_worker",
	PhaseWorkerRunning:    "worker_running",
	PhaseSubmitting:       "submitting",
	PhaseCompleted:        "completed",
	PhaseFailed:           "failed",
}

// String returns the wire name of the phase.
func (p Phase) String() string {
	if p < PhaseAdmitted || p > PhaseFailed {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase converts a wire name back into a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// IsTerminal reports whether no further transitions are accepted.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// AcceptsSubPhase reports whether the worker may attach sub-phase updates
// to the phase without advancing it.
func (p Phase) AcceptsSubPhase() bool {
	return p == PhaseWorkerRunning || p == PhaseSubmitting
}

// CanTransition reports whether a session in phase p may move to next.
func (p Phase) CanTransition(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	if next == p {
		return p.AcceptsSubPhase()
	}
	return next == p+1
}

// Status collapses a phase into the client-facing automation status.
func (p Phase) Status() string {
	switch p {
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// Client-facing automation statuses.
const (
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
