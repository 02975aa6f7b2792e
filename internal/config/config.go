// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker backends.
const (
	WorkerBackendHTTP   = "http"
	WorkerBackendDocker = "docker"
)

const devSecret = "dailysolve-dev-secret-do-not-use-in-production"

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	LogLevel       slog.Level

	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	SessionRetention      time.Duration
	ReaperInterval        time.Duration

	RateLimit RateLimitConfig
	Cache     CacheConfig
	Generator GeneratorConfig
	Worker    WorkerConfig

	StatusCallbackURL string
	ReportTokenSecret string
	IdentitySecret    string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	Requests       int
	Window         time.Duration
	OriginRequests int
}

// CacheConfig controls the artifact cache and challenge-day rollover.
type CacheConfig struct {
	TTL               time.Duration
	MaxEntries        int
	Timezone          string
	RolloverHour      int
	PrewarmOnRollover bool
}

// GeneratorConfig points at the solution-generation workflow.
type GeneratorConfig struct {
	TriggerURL   string
	FetchURL     string
	Timeout      time.Duration
	PollInterval time.Duration
}

// WorkerConfig selects and configures the automation worker backend.
type WorkerConfig struct {
	Backend          string
	URL              string
	Image            string
	Network          string
	ContainerRuntime string // "" = default (runc), "runsc" = gVisor
}

// Load reads configuration from environment variables, falling back to
// the YAML file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	l := loader{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = values
	}

	cfg := l.build()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (l loader) build() *Config {
	cfg := &Config{
		Port:           l.getEnv("PORT", "8080"),
		GRPCPort:       l.getEnv("GRPC_PORT", "9090"),
		FrontendURL:    l.getEnv("FRONTEND_URL", ""),
		AllowedOrigins: splitList(l.getEnv("ALLOWED_ORIGINS", "*")),
		DBPath:         l.getEnv("DB_PATH", "./data/dailysolve.db"),
		LogLevel:       parseLevel(l.getEnv("LOG_LEVEL", "info")),

		MaxConcurrentSessions: l.getEnvInt("MAX_CONCURRENT_SESSIONS", 10),
		SessionTimeout:        l.getEnvDuration("SESSION_TIMEOUT", 10*time.Minute),
		SessionRetention:      l.getEnvDuration("SESSION_RETENTION", 15*time.Minute),
		ReaperInterval:        l.getEnvDuration("REAPER_INTERVAL", 5*time.Second),

		RateLimit: RateLimitConfig{
			Requests:       l.getEnvInt("RATE_LIMIT_REQUESTS", 5),
			Window:         l.getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
			OriginRequests: l.getEnvInt("ORIGIN_RATE_LIMIT_REQUESTS", 20),
		},
		Cache: CacheConfig{
			TTL:               l.getEnvDuration("CACHE_TTL", 0),
			MaxEntries:        l.getEnvInt("CACHE_MAX_ENTRIES", 64),
			Timezone:          l.getEnv("CHALLENGE_TIMEZONE", "Asia/Kolkata"),
			RolloverHour:      l.getEnvInt("CHALLENGE_ROLLOVER_HOUR", 6),
			PrewarmOnRollover: l.getEnvBool("PREWARM_ON_ROLLOVER", true),
		},
		Generator: GeneratorConfig{
			TriggerURL:   l.getEnv("GENERATOR_TRIGGER_URL", "http://localhost:5678/webhook/solve-daily"),
			FetchURL:     l.getEnv("GENERATOR_FETCH_URL", "http://localhost:5678/webhook/leetcode-code"),
			Timeout:      l.getEnvDuration("GENERATOR_TIMEOUT", 5*time.Minute),
			PollInterval: l.getEnvDuration("GENERATOR_POLL_INTERVAL", 5*time.Second),
		},
		Worker: WorkerConfig{
			Backend:          strings.ToLower(l.getEnv("WORKER_BACKEND", WorkerBackendHTTP)),
			URL:              l.getEnv("WORKER_URL", "http://localhost:7000/jobs"),
			Image:            l.getEnv("WORKER_IMAGE", "autosolve-worker:latest"),
			Network:          l.getEnv("WORKER_NETWORK", "bridge"),
			ContainerRuntime: l.getEnv("CONTAINER_RUNTIME", ""),
		},

		StatusCallbackURL: l.getEnv("STATUS_CALLBACK_URL", "http://host.docker.internal:8080"),
		ReportTokenSecret: l.getEnv("REPORT_TOKEN_SECRET", ""),
		IdentitySecret:    l.getEnv("IDENTITY_SECRET", ""),
	}

	if cfg.IsDevelopment() {
		if cfg.ReportTokenSecret == "" {
			cfg.ReportTokenSecret = devSecret
		}
		if cfg.IdentitySecret == "" {
			cfg.IdentitySecret = devSecret
		}
	}
	return cfg
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be > 0")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be > 0")
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION cannot be negative")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RateLimit.OriginRequests < 0 {
		return fmt.Errorf("ORIGIN_RATE_LIMIT_REQUESTS cannot be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("CACHE_TTL cannot be negative")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be > 0")
	}
	if c.Cache.RolloverHour < 0 || c.Cache.RolloverHour > 23 {
		return fmt.Errorf("CHALLENGE_ROLLOVER_HOUR must be between 0 and 23")
	}
	if c.Generator.TriggerURL == "" || c.Generator.FetchURL == "" {
		return fmt.Errorf("GENERATOR_TRIGGER_URL and GENERATOR_FETCH_URL cannot be empty")
	}
	switch c.Worker.Backend {
	case WorkerBackendHTTP:
		if c.Worker.URL == "" {
			return fmt.Errorf("WORKER_URL cannot be empty for the http worker backend")
		}
	case WorkerBackendDocker:
		if c.Worker.Image == "" {
			return fmt.Errorf("WORKER_IMAGE cannot be empty for the docker worker backend")
		}
	default:
		return fmt.Errorf("WORKER_BACKEND must be %q or %q, got %q", WorkerBackendHTTP, WorkerBackendDocker, c.Worker.Backend)
	}
	if c.ReportTokenSecret == "" {
		return fmt.Errorf("REPORT_TOKEN_SECRET is required outside development")
	}
	if c.IdentitySecret == "" {
		return fmt.Errorf("IDENTITY_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// loader resolves keys from the environment first, then the config file.
type loader struct {
	file map[string]string
}

func (l loader) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := l.file[key]
	return value, ok
}

func (l loader) getEnv(key, fallback string) string {
	if value, ok := l.lookup(key); ok {
		return value
	}
	return fallback
}

func (l loader) getEnvBool(key string, fallback bool) bool {
	value, ok := l.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (l loader) getEnvInt(key string, fallback int) int {
	value, ok := l.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "15m") or bare seconds.
func (l loader) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := l.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// readFile loads a flat YAML mapping of configuration keys. Keys are
// matched case-insensitively against the environment variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case []any:
			parts := make([]string, 0, len(t))
			for _, item := range t {
				parts = append(parts, fmt.Sprint(item))
			}
			values[strings.ToUpper(k)] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("parsing config file: key %q must be a scalar or list", k)
		default:
			values[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
