package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr())
	assert.Equal(t, "https://pixelbypixel.studio/emotes", cfg.BaseURL)
	assert.Equal(t, BackendLocal, cfg.BrowserBackend)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 4, cfg.MaxBrowsers)
	assert.Equal(t, 16, cfg.MaxQueueDepth)
	assert.Equal(t, 5*time.Minute, cfg.IdleTTL)
	assert.Equal(t, 90*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 6*time.Hour, cfg.ListCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.DetailCacheTTL)
	assert.Equal(t, 120, cfg.RatePerMinute)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EMOTESCOPE_HOST", "127.0.0.1")
	t.Setenv("EMOTESCOPE_PORT", "9100")
	t.Setenv("EMOTESCOPE_BROWSER_BACKEND", "docker")
	t.Setenv("EMOTESCOPE_POOL_MAX_BROWSERS", "8")
	t.Setenv("EMOTESCOPE_POOL_IDLE_TTL", "90s")
	t.Setenv("EMOTESCOPE_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, BackendDocker, cfg.BrowserBackend)
	assert.Equal(t, 8, cfg.MaxBrowsers)
	assert.Equal(t, 90*time.Second, cfg.IdleTTL)
	assert.True(t, cfg.Debug)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "EMOTESCOPE_PORT", "70000"},
		{"unknown backend", "EMOTESCOPE_BROWSER_BACKEND", "firecracker"},
		{"zero browsers", "EMOTESCOPE_POOL_MAX_BROWSERS", "0"},
		{"negative queue", "EMOTESCOPE_POOL_MAX_QUEUE", "-1"},
		{"zero idle TTL", "EMOTESCOPE_POOL_IDLE_TTL", "0s"},
		{"zero task timeout", "EMOTESCOPE_TASK_TIMEOUT", "0s"},
		{"zero rate", "EMOTESCOPE_RATE_PER_MINUTE", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
