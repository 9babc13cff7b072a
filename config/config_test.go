package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDurationRoundTrip(t *testing.T) {
	data, err := json.Marshal(Duration(45 * time.Second))
	require.NoError(t, err)

	var d Duration
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, 45*time.Second, d.Std())
}

func TestLoaderFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
		"server": {"host": "127.0.0.1", "port": 8125},
		"bridge": {"socket_path": "/run/bridge.sock", "send_timeout": "2s", "send_queue_size": 32},
		"requests": {
			"base_timeout": "10s",
			"long_running_gcodes": {"M104": "45s"}
		},
		"status": {"tick_interval": "500ms", "default_tier": 2}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := NewLoader(path, "PRINTBRIDGE_TEST_NONE").Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8125, cfg.Server.Port)
	assert.Equal(t, "/run/bridge.sock", cfg.Bridge.SocketPath)
	assert.Equal(t, 2*time.Second, cfg.Bridge.SendTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Requests.BaseTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Requests.LongRunningGcodes["M104"].Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Status.TickInterval.Std())
	assert.Equal(t, 2, cfg.Status.DefaultTier)

	// Untouched sections keep their defaults.
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.Auth.TrustTimeout.Std())
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("PB_UNIT_HOST", "192.168.1.10")
	t.Setenv("PB_UNIT_PORT", "9125")
	t.Setenv("PB_UNIT_AUTH_ENABLED", "false")
	t.Setenv("PB_UNIT_FILE_ROOT", "/srv/gcodes")

	cfg, err := NewLoader("", "PB_UNIT").Load()
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.Server.Host)
	assert.Equal(t, 9125, cfg.Server.Port)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "/srv/gcodes", cfg.Files.Root)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader("/nonexistent/config.json", "").Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty socket path", func(c *Config) { c.Bridge.SocketPath = "" }},
		{"bad trusted peer", func(c *Config) { c.Auth.TrustedPeers = []string{"not-an-ip"} }},
		{"bad trusted range", func(c *Config) { c.Auth.TrustedRanges = []string{"10.0.0.0"} }},
		{"zero base timeout", func(c *Config) { c.Requests.BaseTimeout = 0 }},
		{"zero tick interval", func(c *Config) { c.Status.TickInterval = 0 }},
		{"negative tier", func(c *Config) { c.Status.Tiers = map[string]int{"toolhead": -1} }},
		{"empty file root", func(c *Config) { c.Files.Root = "" }},
		{"zero temperature window", func(c *Config) { c.Temperature.WindowSize = 0 }},
		{"auth enabled without key path", func(c *Config) { c.Auth.KeyPath = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
