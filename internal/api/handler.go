// Package api provides HTTP handlers for the orchestrator API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/dailysolve/internal/cache"
	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/gate"
	"github.com/ashureev/dailysolve/internal/health"
	"github.com/ashureev/dailysolve/internal/identity"
	"github.com/ashureev/dailysolve/internal/session"
)

// Solver is the request gate.
type Solver interface {
	SolveDaily(ctx context.Context, req gate.Request) (gate.Outcome, error)
	Session(userID string) (*session.Session, error)
	ApplyReport(userID, tokenSession string, r gate.Report) (domain.ProgressEvent, error)
}

// Events is the notification hub.
type Events interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.ProgressEvent, func())
	Resume(ctx context.Context, sessionID string, afterSeq uint64) (<-chan domain.ProgressEvent, func())
	Poll(ctx context.Context, sessionID string, afterSeq uint64, timeout time.Duration) (domain.ProgressEvent, bool)
}

// TokenVerifier checks worker report tokens.
type TokenVerifier interface {
	Verify(token string) (*identity.ReportClaims, error)
}

// CacheInspector exposes artifact cache state.
type CacheInspector interface {
	DayKey() string
	Peek(ctx context.Context, key string) *domain.CacheEntry
	Stats() cache.Stats
	DurableEntries(ctx context.Context) (int64, error)
	Now() time.Time
}

// SessionCounter exposes registry occupancy.
type SessionCounter interface {
	Active() int
	Max() int
	Running() []session.Info
}

// HealthChecker produces a health verdict.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Options tunes handler behaviour.
type Options struct {
	AllowedOrigins    []string
	Development       bool
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	MaxWait           time.Duration
	MaxBodyBytes      int64
	HealthTimeout     time.Duration
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Solver   Solver
	Events   Events
	Tokens   TokenVerifier
	Cache    CacheInspector
	Sessions SessionCounter
	Health   HealthChecker
}

// Handler serves every API route.
type Handler struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options, deps Deps, logger *slog.Logger) *Handler {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{opts: opts, deps: deps, logger: logger.With("component", "api")}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// Error writes a JSON error response with a stable code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Status: "error", Error: code, Message: message})
}

// WriteError maps err onto a status code and a client-safe body. Untyped
// errors become 500 without exposing their text.
func WriteError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		slog.Error("Unhandled error", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	body := errorBody{Status: "error", Error: string(derr.Kind), Message: derr.PublicMessage()}
	if derr.RetryAfter > 0 {
		body.RetryAfter = int((derr.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	JSON(w, statusFor(derr.Kind), body)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindAlreadyRunning:
		return http.StatusConflict
	case domain.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case domain.KindFetchError:
		return http.StatusBadGateway
	case domain.KindInvalidTransition:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindWorkerFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.KindInvalidRequest, err, "request body is not valid JSON")
	}
	return nil
}
