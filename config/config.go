// Package config loads and validates the application configuration from a
// JSON file, layered over defaults and environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/homepods/printbridge/errors"
)

// Duration wraps time.Duration with JSON support for both duration strings
// ("30s", "2m") and bare numbers interpreted as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "5s" style strings or numeric seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value of type %T", v)
	}
	return nil
}

// Config is the complete application configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Bridge      BridgeConfig      `json:"bridge"`
	Auth        AuthConfig        `json:"auth"`
	Requests    RequestConfig     `json:"requests"`
	Status      StatusConfig      `json:"status"`
	Files       FileConfig        `json:"files"`
	Temperature TemperatureConfig `json:"temperature"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	EnableCORS bool   `json:"enable_cors"`
}

// BridgeConfig covers the host-facing unix socket.
type BridgeConfig struct {
	SocketPath    string   `json:"socket_path"`
	SendTimeout   Duration `json:"send_timeout"`
	SendQueueSize int      `json:"send_queue_size"`
}

// AuthConfig covers client authorization.
type AuthConfig struct {
	// Enabled gates authorization checks entirely. When false every peer
	// is treated as trusted.
	Enabled bool `json:"enabled"`

	// KeyPath is where the API key persists across restarts.
	KeyPath string `json:"key_path"`

	// TrustedPeers lists individual IPs that bypass key checks.
	TrustedPeers []string `json:"trusted_peers,omitempty"`

	// TrustedRanges lists CIDR prefixes that bypass key checks.
	TrustedRanges []string `json:"trusted_ranges,omitempty"`

	// TrustTimeout is how long a key-authenticated peer stays trusted
	// without further traffic.
	TrustTimeout Duration `json:"trust_timeout"`

	// PruneInterval is how often stale trusted peers are swept.
	PruneInterval Duration `json:"prune_interval"`

	// OneShotTokenTTL bounds single-use token validity.
	OneShotTokenTTL Duration `json:"oneshot_token_ttl"`
}

// RequestConfig covers host request deadlines.
type RequestConfig struct {
	BaseTimeout         Duration            `json:"base_timeout"`
	LongRunningRequests map[string]Duration `json:"long_running_requests,omitempty"`
	LongRunningGcodes   map[string]Duration `json:"long_running_gcodes,omitempty"`
}

// StatusConfig covers the status multiplexer cadence and tier table. Tier
// values are tick multiples; a value of 0 means the object is never polled.
type StatusConfig struct {
	TickInterval Duration       `json:"tick_interval"`
	DefaultTier  int            `json:"default_tier"`
	Tiers        map[string]int `json:"tiers,omitempty"`
}

// FileConfig covers the file operation surface.
type FileConfig struct {
	Root string `json:"root"`
}

// TemperatureConfig covers the rolling temperature store.
type TemperatureConfig struct {
	WindowSize int `json:"window_size"`
}

// MetricsConfig covers the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       7125,
			EnableCORS: false,
		},
		Bridge: BridgeConfig{
			SocketPath:    "/tmp/printbridge.sock",
			SendTimeout:   Duration(time.Second),
			SendQueueSize: 64,
		},
		Auth: AuthConfig{
			Enabled:         true,
			KeyPath:         defaultKeyPath(),
			TrustedRanges:   []string{"127.0.0.0/8", "::1/128"},
			TrustTimeout:    Duration(time.Hour),
			PruneInterval:   Duration(5 * time.Minute),
			OneShotTokenTTL: Duration(5 * time.Second),
		},
		Requests: RequestConfig{
			BaseTimeout: Duration(5 * time.Second),
		},
		Status: StatusConfig{
			TickInterval: Duration(250 * time.Millisecond),
			DefaultTier:  1,
			Tiers: map[string]int{
				"gcode":          0,
				"toolhead":       1,
				"extruder*":      2,
				"heater_bed":     2,
				"fan":            4,
				"virtual_sdcard": 2,
			},
		},
		Files: FileConfig{
			Root: "/var/lib/printbridge/gcodes",
		},
		Temperature: TemperatureConfig{
			WindowSize: 1200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".printbridge_api_key"
	}
	return home + "/.printbridge_api_key"
}

// Validate checks the configuration for structural problems. It is called
// once at startup; a failure here is fatal.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "server port")
	}
	if c.Bridge.SocketPath == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "bridge socket path")
	}
	if c.Bridge.SendTimeout <= 0 || c.Bridge.SendQueueSize <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "bridge send settings")
	}
	if c.Auth.Enabled && c.Auth.KeyPath == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "auth key path")
	}
	if c.Auth.TrustTimeout <= 0 || c.Auth.PruneInterval <= 0 || c.Auth.OneShotTokenTTL <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "auth intervals")
	}
	for _, peer := range c.Auth.TrustedPeers {
		if _, err := netip.ParseAddr(peer); err != nil {
			return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("trusted peer %q", peer))
		}
	}
	for _, cidr := range c.Auth.TrustedRanges {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("trusted range %q", cidr))
		}
	}
	if c.Requests.BaseTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "request base timeout")
	}
	if c.Status.TickInterval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "status tick interval")
	}
	if c.Status.DefaultTier < 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "status default tier")
	}
	for pattern, tier := range c.Status.Tiers {
		if tier < 0 {
			return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("status tier %q", pattern))
		}
	}
	if c.Files.Root == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "file root")
	}
	if c.Temperature.WindowSize <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "temperature window size")
	}
	return nil
}

// String renders the configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Loader builds a Config from defaults, an optional JSON file, and
// environment overrides.
type Loader struct {
	path      string
	envPrefix string
}

// NewLoader creates a loader. path may be empty to run on defaults alone.
func NewLoader(path, envPrefix string) *Loader {
	if envPrefix == "" {
		envPrefix = "PRINTBRIDGE"
	}
	return &Loader{path: path, envPrefix: envPrefix}
}

// Load produces a validated configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "parse config file")
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the file values.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv(l.envPrefix + "_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_SOCKET_PATH"); val != "" {
		cfg.Bridge.SocketPath = val
	}
	if val := os.Getenv(l.envPrefix + "_API_KEY_PATH"); val != "" {
		cfg.Auth.KeyPath = val
	}
	if val := os.Getenv(l.envPrefix + "_FILE_ROOT"); val != "" {
		cfg.Files.Root = val
	}
	if val := os.Getenv(l.envPrefix + "_AUTH_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.Auth.Enabled = enabled
		}
	}
}
