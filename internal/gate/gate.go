// Package gate is the entry point for automation requests: it validates,
// rate limits, admits, fetches the day's artifact and hands off to a worker.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/dailysolve/internal/cache"
	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/identity"
	"github.com/ashureev/dailysolve/internal/session"
	"github.com/ashureev/dailysolve/internal/worker"
)

const maxCredentialLength = 100

// Gate progress percentages. Worker reports start from launchPercent.
const (
	validatingPercent = 1
	fetchingPercent   = 2
	readyPercent      = 5
	launchPercent     = 5
)

// RateChecker admits or rejects one attempt.
type RateChecker interface {
	Check(identity domain.Identity, origin string) error
}

// ArtifactCache resolves the day's artifact.
type ArtifactCache interface {
	DayKey() string
	GetOrFetch(ctx context.Context, key string, fetch cache.FetchFunc, opts cache.Options) (cache.Result, error)
}

// IdentityDeriver maps user ids to identities.
type IdentityDeriver interface {
	Derive(userID string) domain.Identity
}

// TokenIssuer mints worker report tokens.
type TokenIssuer interface {
	Issue(sessionID, userID string) (string, error)
}

// Config holds gate settings.
type Config struct {
	// StatusBaseURL is the externally reachable base URL workers report to.
	StatusBaseURL string
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
}

// Deps are the collaborators the gate composes.
type Deps struct {
	Limiter    RateChecker
	Registry   *session.Registry
	Cache      ArtifactCache
	Fetch      cache.FetchFunc
	Identities IdentityDeriver
	Tokens     TokenIssuer
	Launcher   worker.Launcher
}

// Request is one solve-daily request.
type Request struct {
	UserID        string
	Username      string
	Password      string
	EncryptionKey string
	ForceRefresh  bool
	Origin        string
}

// Outcome is the synchronous result of an admitted request.
type Outcome struct {
	SessionID    string
	ChallengeKey string
	Artifact     *domain.Artifact
	Source       cache.Source
	ResponseTime time.Duration
}

// Gate is the RequestGate.
type Gate struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Gate and registers its terminal hook on the registry.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gate {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 2 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "gate"),
	}
	if deps.Launcher != nil {
		deps.Registry.OnTerminal(g.stopWorker)
	}
	return g
}

// SolveDaily runs validate, rate check, admission and artifact fetch
// synchronously, then hands off to the worker in the background.
func (g *Gate) SolveDaily(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()

	if err := validate(req); err != nil {
		return Outcome{}, err
	}
	id := g.deps.Identities.Derive(req.UserID)

	if err := g.deps.Limiter.Check(id, req.Origin); err != nil {
		return Outcome{}, err
	}

	s, err := g.deps.Registry.Admit(id, req.UserID)
	if err != nil {
		g.logger.Warn("Admission rejected", "user_id", req.UserID, "error", err)
		return Outcome{}, err
	}
	tr := s.Tracker()

	if err := g.advance(s, session.Update{Phase: domain.PhaseValidating, Percent: validatingPercent}); err != nil {
		return Outcome{}, err
	}
	key := g.deps.Cache.DayKey()
	if err := g.advance(s, session.Update{
		Phase:   domain.PhaseFetchingArtifact,
		Percent: fetchingPercent,
		Message: fmt.Sprintf("Fetching solution for %s", key),
	}); err != nil {
		return Outcome{}, err
	}

	// Stop waiting as soon as the session ends. The fetch itself keeps
	// running for other waiters.
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.Context(), cancel)
	defer stop()

	res, err := g.deps.Cache.GetOrFetch(fctx, key, g.deps.Fetch, cache.Options{ForceRefresh: req.ForceRefresh})
	if err != nil {
		if ended := g.ended(s); ended != nil {
			return Outcome{}, ended
		}
		ferr := asFetchError(err)
		g.logger.Error("Artifact fetch failed", "session_id", s.ID, "challenge_key", key, "error", err)
		_ = tr.Fail(domain.KindFetchError, ferr.PublicMessage())
		return Outcome{}, ferr
	}

	if err := g.advance(s, session.Update{
		Phase:   domain.PhaseArtifactReady,
		Percent: readyPercent,
		Message: readyMessage(res.Artifact),
	}); err != nil {
		return Outcome{}, err
	}

	go g.handoff(s, req, res.Artifact)

	elapsed := time.Since(start)
	g.logger.Info("Solve request admitted",
		"session_id", s.ID,
		"user_id", req.UserID,
		"challenge_key", key,
		"source", res.Source,
		"elapsed", elapsed,
	)
	return Outcome{
		SessionID:    s.ID,
		ChallengeKey: key,
		Artifact:     res.Artifact,
		Source:       res.Source,
		ResponseTime: elapsed,
	}, nil
}

// handoff launches the worker. Progress after launch arrives through
// worker reports.
func (g *Gate) handoff(s *session.Session, req Request, artifact *domain.Artifact) {
	tr := s.Tracker()
	if err := tr.Advance(session.Update{Phase: domain.PhaseLaunchingWorker, Percent: launchPercent}); err != nil {
		// Session already ended (timeout or cancellation).
		return
	}
	if g.deps.Launcher == nil {
		_ = tr.Fail(domain.KindWorkerFailure, "no automation worker is configured")
		return
	}

	token, err := g.deps.Tokens.Issue(s.ID, req.UserID)
	if err != nil {
		g.logger.Error("Failed to issue report token", "session_id", s.ID, "error", err)
		_ = tr.Fail(domain.KindWorkerFailure, "failed to start automation worker")
		return
	}

	job := worker.NewJob(s.ID, req.UserID, req.Username, req.Password, req.EncryptionKey,
		artifact, g.cfg.StatusBaseURL, token)

	ctx, cancel := context.WithTimeout(s.Context(), g.cfg.LaunchTimeout)
	defer cancel()
	if err := g.deps.Launcher.Launch(ctx, job); err != nil {
		if s.Context().Err() != nil {
			return
		}
		g.logger.Error("Worker launch failed",
			"session_id", s.ID,
			"backend", g.deps.Launcher.Name(),
			"error", err,
		)
		_ = tr.Fail(domain.KindWorkerFailure, "failed to start automation worker")
		return
	}
	g.logger.Info("Worker launched", "session_id", s.ID, "backend", g.deps.Launcher.Name())
}

// advance applies u on the synchronous path. When the session has already
// ended (timed out by the reaper) the caller gets that failure instead of
// a rejected transition.
func (g *Gate) advance(s *session.Session, u session.Update) error {
	if ended := g.ended(s); ended != nil {
		return ended
	}
	if err := s.Tracker().Advance(u); err != nil {
		if ended := g.ended(s); ended != nil {
			return ended
		}
		return err
	}
	return nil
}

// ended returns the typed failure of a terminal session, or nil while it
// is still running.
func (g *Gate) ended(s *session.Session) error {
	ev := s.Tracker().Snapshot()
	if !ev.Terminal() {
		return nil
	}
	g.logger.Warn("Session ended before the request completed",
		"session_id", s.ID,
		"phase", ev.Phase.String(),
	)
	if ev.Failure == nil {
		return domain.NewError(domain.KindInvalidTransition, "session already %s", ev.Phase)
	}
	return domain.NewError(ev.Failure.Kind, "%s", ev.Failure.Reason)
}

func (g *Gate) stopWorker(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StopTimeout)
	defer cancel()
	if err := g.deps.Launcher.Stop(ctx, s.ID); err != nil {
		g.logger.Warn("Failed to stop worker", "session_id", s.ID, "error", err)
	}
}

// Session returns the current or retained session for userID.
func (g *Gate) Session(userID string) (*session.Session, error) {
	if err := identity.ValidateUserID(userID); err != nil {
		return nil, err
	}
	s, ok := g.deps.Registry.Get(g.deps.Identities.Derive(userID))
	if !ok {
		return nil, nil
	}
	return s, nil
}

func validate(req Request) error {
	if err := identity.ValidateUserID(req.UserID); err != nil {
		return err
	}
	if err := validateCredential("username", req.Username); err != nil {
		return err
	}
	return validateCredential("password", req.Password)
}

func validateCredential(field, value string) error {
	switch n := utf8.RuneCountInString(value); {
	case strings.TrimSpace(value) == "":
		return domain.NewError(domain.KindInvalidRequest, "%s is required", field)
	case n > maxCredentialLength:
		return domain.NewError(domain.KindInvalidRequest, "%s must be at most %d characters", field, maxCredentialLength)
	}
	return nil
}

func asFetchError(err error) *domain.Error {
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Kind == domain.KindFetchError {
		return derr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindFetchError, err, "request ended before the solution was ready")
	}
	return domain.WrapError(domain.KindFetchError, err, "")
}

func readyMessage(a *domain.Artifact) string {
	if a == nil || a.ProblemTitle == "" {
		return ""
	}
	return fmt.Sprintf("Solution ready for %s", a.ProblemTitle)
}
