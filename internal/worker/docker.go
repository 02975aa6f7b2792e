package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	containerPrefix = "autosolve-"
	sessionLabel    = "dailysolve.session"
	userLabel       = "dailysolve.user"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB, headless browser
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512
	shmSizeBytes     = 256 * 1024 * 1024
)

// DockerConfig selects the worker image and sandbox.
type DockerConfig struct {
	Image   string
	Network string
	Runtime string // "" = default (runc), "runsc" = gVisor
}

// DockerLauncher runs one short-lived worker container per session.
type DockerLauncher struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerLauncher creates a Docker-backed launcher from the environment.
func NewDockerLauncher(cfg DockerConfig, logger *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger = logger.With("component", "worker", "backend", "docker")
	logger.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerLauncher{cli: cli, cfg: cfg, logger: logger}, nil
}

// Name implements Launcher.
func (l *DockerLauncher) Name() string { return "docker" }

// ContainerName is the deterministic container name for a session.
func ContainerName(sessionID string) string {
	return containerPrefix + sessionID
}

// Launch implements Launcher.
func (l *DockerLauncher) Launch(ctx context.Context, job Job) error {
	name := ContainerName(job.SessionID)

	config := &container.Config{
		Image: l.cfg.Image,
		Env:   job.Env(),
		Labels: map[string]string{
			sessionLabel: job.SessionID,
			userLabel:    job.UserID,
		},
	}
	hostConfig := &container.HostConfig{
		Runtime:     l.cfg.Runtime,
		NetworkMode: container.NetworkMode(l.cfg.Network),
		AutoRemove:  false,
		ShmSize:     shmSizeBytes,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}

	resp, err := l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create worker container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			l.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return fmt.Errorf("start worker container %s: %w", resp.ID, err)
	}

	l.logger.Info("Worker container started", "container_id", resp.ID, "session_id", job.SessionID, "user_id", job.UserID)
	return nil
}

// Stop implements Launcher. It is idempotent and handles concurrent calls
// gracefully.
func (l *DockerLauncher) Stop(ctx context.Context, sessionID string) error {
	name := ContainerName(sessionID)

	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			l.logger.Debug("Worker container already removed", "session_id", sessionID)
			return nil
		}
		l.logger.Debug("Container stop returned error, continuing to remove", "session_id", sessionID, "error", err)
	}

	if err := l.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			l.logger.Debug("Context canceled during remove, container may still be removed", "session_id", sessionID, "error", err)
			return nil
		}
		return fmt.Errorf("remove worker container %s: %w", name, err)
	}

	l.logger.Info("Worker container stopped and removed", "session_id", sessionID)
	return nil
}

// Ping implements Launcher.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	if _, err := l.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// RemoveOrphans removes worker containers left behind by a previous
// process, whose sessions can no longer report.
func (l *DockerLauncher) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := l.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("list worker containers: %w", err)
	}
	removed := 0
	for _, c := range list {
		rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := l.cli.ContainerRemove(rmCtx, c.ID, container.RemoveOptions{Force: true})
		cancel()
		if err != nil && !errdefs.IsNotFound(err) {
			l.logger.Warn("Failed to remove orphaned worker container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.logger.Info("Removed orphaned worker containers", "count", removed)
	}
	return removed, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
