// dailysolve - daily challenge auto-solve orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/dailysolve/internal/api"
	"github.com/ashureev/dailysolve/internal/cache"
	"github.com/ashureev/dailysolve/internal/config"
	"github.com/ashureev/dailysolve/internal/gate"
	"github.com/ashureev/dailysolve/internal/generator"
	"github.com/ashureev/dailysolve/internal/health"
	"github.com/ashureev/dailysolve/internal/identity"
	"github.com/ashureev/dailysolve/internal/notify"
	"github.com/ashureev/dailysolve/internal/ratelimit"
	"github.com/ashureev/dailysolve/internal/session"
	"github.com/ashureev/dailysolve/internal/store"
	"github.com/ashureev/dailysolve/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"container", config.IsContainer(),
		"worker_backend", cfg.Worker.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable tier.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	rollover, err := cache.NewRollover(cfg.Cache.Timezone, cfg.Cache.RolloverHour)
	if err != nil {
		slog.Error("Invalid challenge rollover", "error", err)
		os.Exit(1)
	}

	gen := generator.NewClient(generator.Config{
		TriggerURL:   cfg.Generator.TriggerURL,
		FetchURL:     cfg.Generator.FetchURL,
		PollInterval: cfg.Generator.PollInterval,
		Timeout:      cfg.Generator.Timeout,
	}, logger)

	artifacts := cache.New(cache.Config{
		MaxEntries:   cfg.Cache.MaxEntries,
		TTL:          cfg.Cache.TTL,
		Rollover:     rollover,
		FetchTimeout: cfg.Generator.Timeout + 30*time.Second,
	}, repo, logger)

	hub := notify.NewHub(0, logger)
	defer hub.Close()

	registry := session.NewRegistry(session.Config{
		MaxActive: cfg.MaxConcurrentSessions,
		Timeout:   cfg.SessionTimeout,
		Retention: cfg.SessionRetention,
	}, hub, nil, logger)

	limiter := ratelimit.New(ratelimit.Config{
		Requests:       cfg.RateLimit.Requests,
		Window:         cfg.RateLimit.Window,
		OriginRequests: cfg.RateLimit.OriginRequests,
	}, nil, logger)

	deriver, err := identity.NewDeriver(cfg.IdentitySecret)
	if err != nil {
		slog.Error("Failed to initialize identity deriver", "error", err)
		os.Exit(1)
	}
	tokens, err := identity.NewTokens(cfg.ReportTokenSecret, cfg.SessionTimeout+5*time.Minute)
	if err != nil {
		slog.Error("Failed to initialize report tokens", "error", err)
		os.Exit(1)
	}

	launcher, closeLauncher, err := newLauncher(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize worker backend", "error", err)
		os.Exit(1)
	}
	defer closeLauncher()

	solver := gate.New(gate.Config{
		StatusBaseURL: cfg.StatusCallbackURL,
	}, gate.Deps{
		Limiter:    limiter,
		Registry:   registry,
		Cache:      artifacts,
		Fetch:      gen.Generate,
		Identities: deriver,
		Tokens:     tokens,
		Launcher:   launcher,
	}, logger)

	checker := newChecker(artifacts, gen, launcher, registry, logger)

	// Background workers.
	limiter.Start(ctx)
	registry.StartReaper(ctx, cfg.ReaperInterval)
	if cfg.Cache.PrewarmOnRollover {
		artifacts.StartRefreshWorker(ctx, gen.Generate)
	}

	if cfg.GRPCPort != "" {
		grpcHealth := health.NewGRPCServer(checker, 15*time.Second, logger)
		go func() {
			if err := grpcHealth.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	handler := api.NewHandler(api.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    cfg.IsDevelopment(),
	}, api.Deps{
		Solver:   solver,
		Events:   hub,
		Tokens:   tokens,
		Cache:    artifacts,
		Sessions: registry,
		Health:   checker,
	}, logger)

	// Note: SSE and long-poll connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close push streams first so Shutdown does not wait on them.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newLauncher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worker.Launcher, func(), error) {
	switch cfg.Worker.Backend {
	case config.WorkerBackendDocker:
		l, err := worker.NewDockerLauncher(worker.DockerConfig{
			Image:   cfg.Worker.Image,
			Network: cfg.Worker.Network,
			Runtime: cfg.Worker.ContainerRuntime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if n, err := l.RemoveOrphans(ctx); err != nil {
			slog.Warn("Failed to remove orphaned worker containers", "error", err)
		} else if n > 0 {
			slog.Info("Removed orphaned worker containers", "count", n)
		}
		return l, func() {
			if err := l.Close(); err != nil {
				slog.Warn("Failed to close docker client", "error", err)
			}
		}, nil
	default:
		return worker.NewHTTPLauncher(cfg.Worker.URL, logger), func() {}, nil
	}
}

func newChecker(artifacts *cache.Cache, gen *generator.Client, launcher worker.Launcher, registry *session.Registry, logger *slog.Logger) *health.Checker {
	checker := health.NewChecker(5*time.Second, nil, logger)
	checker.Register(health.Component{
		Name:           "durable_tier",
		Critical:       true,
		Probe:          artifacts.PingDurable,
		Recommendation: "Check DB_PATH permissions and free disk space",
	})
	checker.Register(health.Component{
		Name:     "volatile_tier",
		Critical: true,
		Probe:    artifacts.CheckVolatile,
	})
	checker.Register(health.Component{
		Name:           "generator",
		Critical:       true,
		Probe:          gen.Ping,
		Recommendation: "Verify the solution workflow is running and GENERATOR_TRIGGER_URL is reachable",
	})
	checker.Register(health.Component{
		Name:           "worker_" + launcher.Name(),
		Critical:       true,
		Probe:          launcher.Ping,
		Recommendation: "Verify the automation worker backend is reachable",
	})
	checker.Sessions(func() (int, int) { return registry.Active(), registry.Max() })
	return checker
}
