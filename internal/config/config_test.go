package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultMaxRequestsPerWindow, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Window)
	assert.Equal(t, DefaultIdleTimeout, cfg.Stream.IdleTimeout)
	assert.Equal(t, DefaultRuntimeURL, cfg.Runtime.URL)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
rate_limit:
  max_per_window: 5
  window: 30s
stream:
  idle_timeout: 2s
auth:
  mode: static
  tokens: ["tok-a"]
log_level: debug
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 2*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.Equal(t, []string{"tok-a"}, cfg.Auth.Tokens)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "7001")
	t.Setenv("RELAY_RUNTIME_URL", "http://runtime:9000")
	t.Setenv("RELAY_AUTH_TOKEN", "env-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, "http://runtime:9000", cfg.Runtime.URL)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.Contains(t, cfg.Auth.Tokens, "env-token")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RateLimit.MaxPerWindow = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Auth.Mode = "oauth"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Stream.IdleTimeout = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultIdleTimeout, cfg.Stream.IdleTimeout)
}
