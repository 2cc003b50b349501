// Package config loads the process-wide startup configuration from the
// environment (optionally seeded by a .env file). Read once at startup,
// immutable afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

const envPrefix = "emotescope"

// Backend names a browser launch strategy.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config is the full startup configuration.
type Config struct {
	Host string `envconfig:"HOST" default:""`
	Port int    `envconfig:"PORT" default:"8000"`

	BaseURL string `envconfig:"EMOTES_BASE_URL" default:"https://pixelbypixel.studio/emotes"`

	// BrowserBackend picks how Chromium is run: "local" launches it on
	// this host through Playwright, "docker" runs one container per
	// handle and attaches over CDP.
	BrowserBackend string `envconfig:"BROWSER_BACKEND" default:"local"`
	BrowserImage   string `envconfig:"BROWSER_IMAGE" default:"browserless/chrome:latest"`
	Headless       bool   `envconfig:"HEADLESS" default:"true"`

	MaxBrowsers    int           `envconfig:"POOL_MAX_BROWSERS" default:"4"`
	MaxQueueDepth  int           `envconfig:"POOL_MAX_QUEUE" default:"16"`
	IdleTTL        time.Duration `envconfig:"POOL_IDLE_TTL" default:"5m"`
	LeaseTimeout   time.Duration `envconfig:"POOL_LEASE_TIMEOUT" default:"2m"`
	StartupTimeout time.Duration `envconfig:"POOL_STARTUP_TIMEOUT" default:"30s"`
	LaunchBackoff  time.Duration `envconfig:"POOL_LAUNCH_BACKOFF" default:"5s"`
	SweepInterval  time.Duration `envconfig:"POOL_SWEEP_INTERVAL" default:"30s"`

	TaskTimeout    time.Duration `envconfig:"TASK_TIMEOUT" default:"90s"`
	ListCacheTTL   time.Duration `envconfig:"LIST_CACHE_TTL" default:"6h"`
	DetailCacheTTL time.Duration `envconfig:"DETAIL_CACHE_TTL" default:"24h"`

	RatePerMinute int `envconfig:"RATE_PER_MINUTE" default:"120"`
	RateBurst     int `envconfig:"RATE_BURST" default:"20"`

	StaticDir string `envconfig:"STATIC_DIR" default:"./static"`
	Debug     bool   `envconfig:"DEBUG" default:"false"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.BrowserBackend != BackendLocal && c.BrowserBackend != BackendDocker {
		return fmt.Errorf("unknown browser backend %q", c.BrowserBackend)
	}
	if c.MaxBrowsers < 1 {
		return fmt.Errorf("pool needs at least one browser, got %d", c.MaxBrowsers)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("queue depth must not be negative, got %d", c.MaxQueueDepth)
	}
	for name, d := range map[string]time.Duration{
		"idle TTL":         c.IdleTTL,
		"lease timeout":    c.LeaseTimeout,
		"startup timeout":  c.StartupTimeout,
		"launch backoff":   c.LaunchBackoff,
		"sweep interval":   c.SweepInterval,
		"task timeout":     c.TaskTimeout,
		"list cache TTL":   c.ListCacheTTL,
		"detail cache TTL": c.DetailCacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RatePerMinute < 1 || c.RateBurst < 1 {
		return fmt.Errorf("rate limit and burst must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
