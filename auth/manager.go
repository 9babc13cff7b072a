// Package auth implements the authorization manager. A request is allowed
// when its peer is trusted (statically configured or recently key
// authenticated), when it presents the current API key, or when it consumes
// a live one-shot token. Denials are uniform: callers never learn which
// check failed.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/metric"
	"github.com/homepods/printbridge/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds authorization settings.
type Config struct {
	// Enabled gates all checks. When false every request is allowed.
	Enabled bool

	// KeyPath is the file persisting the API key across restarts.
	KeyPath string

	// TrustedPeers are individual addresses allowed without credentials.
	TrustedPeers []string

	// TrustedRanges are CIDR prefixes allowed without credentials.
	TrustedRanges []string

	// TrustTimeout is how long a key-authenticated peer stays trusted
	// without further traffic.
	TrustTimeout time.Duration

	// PruneInterval is the sweep period for stale trusted peers.
	PruneInterval time.Duration

	// OneShotTokenTTL bounds single-use token validity.
	OneShotTokenTTL time.Duration
}

// DefaultConfig returns the stock authorization configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		TrustedRanges:   []string{"127.0.0.0/8", "::1/128"},
		TrustTimeout:    time.Hour,
		PruneInterval:   5 * time.Minute,
		OneShotTokenTTL: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.KeyPath == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Manager", "Validate", "key path")
	}
	if c.TrustTimeout <= 0 || c.PruneInterval <= 0 || c.OneShotTokenTTL <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Manager", "Validate", "intervals")
	}
	for _, peer := range c.TrustedPeers {
		if _, err := netip.ParseAddr(peer); err != nil {
			return errors.Wrap(errors.ErrInvalidConfig, "Manager", "Validate", "trusted peer "+peer)
		}
	}
	for _, cidr := range c.TrustedRanges {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return errors.Wrap(errors.ErrInvalidConfig, "Manager", "Validate", "trusted range "+cidr)
		}
	}
	return nil
}

// Request carries the credentials of one inbound request.
type Request struct {
	// RemoteAddr is the peer address, with or without a port.
	RemoteAddr string

	// APIKey is the presented key header value, if any.
	APIKey string

	// Token is a presented one-shot token, if any.
	Token string
}

// Manager evaluates request authorization.
type Manager struct {
	config Config

	staticAddrs  map[netip.Addr]struct{}
	staticRanges []netip.Prefix

	keyMu  sync.RWMutex
	apiKey string

	trusted *cache.TTL[struct{}]
	tokens  *cache.TTL[struct{}]

	metrics *Metrics
}

// Metrics holds Prometheus metrics for the authorization manager.
type Metrics struct {
	denials      prometheus.Counter
	tokensIssued prometheus.Counter
	keyRotations prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "auth",
			Name:      "denials_total",
			Help:      "Requests denied authorization",
		}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "auth",
			Name:      "oneshot_tokens_issued_total",
			Help:      "One-shot tokens issued",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "auth",
			Name:      "key_rotations_total",
			Help:      "API key rotations",
		}),
	}

	registry.PrometheusRegistry().MustRegister(m.denials, m.tokensIssued, m.keyRotations)
	return m
}

// New creates a manager. The API key is loaded from KeyPath, or generated
// and persisted when absent; a persistence failure here is fatal since the
// process cannot proceed without a stable key.
func New(ctx context.Context, config Config, registry *metric.MetricsRegistry) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:      config,
		staticAddrs: make(map[netip.Addr]struct{}),
		metrics:     newMetrics(registry),
	}
	if !config.Enabled {
		slog.Warn("Authorization is disabled, all peers are trusted")
		return m, nil
	}

	for _, peer := range config.TrustedPeers {
		addr, _ := netip.ParseAddr(peer)
		m.staticAddrs[addr.Unmap()] = struct{}{}
	}
	for _, cidr := range config.TrustedRanges {
		prefix, _ := netip.ParsePrefix(cidr)
		m.staticRanges = append(m.staticRanges, prefix)
	}

	var err error
	m.trusted, err = cache.NewTTL[struct{}](ctx, config.TrustTimeout, config.PruneInterval)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "New", "create trusted peer cache")
	}
	m.tokens, err = cache.NewTTL[struct{}](ctx, config.OneShotTokenTTL, config.OneShotTokenTTL)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "New", "create token cache")
	}

	if err := m.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	return m, nil
}

// Close stops the background cache sweeps.
func (m *Manager) Close() error {
	if m.trusted != nil {
		_ = m.trusted.Close()
	}
	if m.tokens != nil {
		_ = m.tokens.Close()
	}
	return nil
}

// IsAuthorized evaluates one request. Checks run in order: trusted peer
// (static list, range, or cache, refreshing the cache's last access), exact
// API key match, then one-shot token consumption. A consumed token also
// trusts the peer for the trust timeout.
func (m *Manager) IsAuthorized(req Request) bool {
	if !m.config.Enabled {
		return true
	}

	addr, addrOK := peerAddr(req.RemoteAddr)
	if addrOK && m.isTrustedPeer(addr) {
		return true
	}

	if req.APIKey != "" && req.APIKey == m.APIKey() {
		return true
	}

	if req.Token != "" && m.tokens.Delete(req.Token) {
		if addrOK {
			m.trusted.Set(addr.String(), struct{}{})
			slog.Info("Peer trusted via one-shot token", "peer", addr)
		}
		return true
	}

	if m.metrics != nil {
		m.metrics.denials.Inc()
	}
	slog.Debug("Authorization denied", "peer", req.RemoteAddr)
	return false
}

// IssueOneShotToken returns a fresh single-use credential that self-expires
// after the configured TTL. Intended for URLs that cannot carry a header.
// With authorization disabled the token is never recorded; every request
// passes anyway, but clients fetching one still get a well-formed value.
func (m *Manager) IssueOneShotToken() string {
	token := randomSecret()
	if m.tokens != nil {
		m.tokens.Set(token, struct{}{})
	}
	if m.metrics != nil {
		m.metrics.tokensIssued.Inc()
	}
	return token
}

// APIKey returns the current key.
func (m *Manager) APIKey() string {
	m.keyMu.RLock()
	defer m.keyMu.RUnlock()
	return m.apiKey
}

// RotateAPIKey generates and persists a replacement key. The old key stops
// working immediately. A persistence failure after startup is non-fatal:
// the new key is kept in memory and the failure logged, since revocation
// must not be blocked by a disk problem.
func (m *Manager) RotateAPIKey() string {
	key := randomSecret()
	m.keyMu.Lock()
	m.apiKey = key
	m.keyMu.Unlock()

	if err := m.persistKey(); err != nil {
		slog.Error("Failed to persist rotated API key, keeping in-memory key", "error", err)
	}
	if m.metrics != nil {
		m.metrics.keyRotations.Inc()
	}
	slog.Info("API key rotated")
	return key
}

// Prune sweeps stale trusted peers immediately and returns how many were
// removed. The background sweep runs on the configured interval regardless.
func (m *Manager) Prune() int {
	if m.trusted == nil {
		return 0
	}
	return m.trusted.Prune()
}

// TrustedPeerCount returns the number of cached trusted peers.
func (m *Manager) TrustedPeerCount() int {
	if m.trusted == nil {
		return 0
	}
	return m.trusted.Size()
}

// isTrustedPeer checks the static allow-lists, then the pruned cache. A
// cache hit refreshes the peer's last access; static entries never expire.
func (m *Manager) isTrustedPeer(addr netip.Addr) bool {
	if _, ok := m.staticAddrs[addr]; ok {
		return true
	}
	for _, prefix := range m.staticRanges {
		if prefix.Contains(addr) {
			return true
		}
	}
	return m.trusted.Touch(addr.String())
}

// loadOrGenerateKey reads the persisted API key, generating and persisting
// a new one when the file is absent.
func (m *Manager) loadOrGenerateKey() error {
	data, err := os.ReadFile(m.config.KeyPath)
	switch {
	case err == nil:
		key := strings.TrimSpace(string(data))
		if key == "" {
			return errors.Wrap(errors.ErrInvalidConfig, "Manager", "loadOrGenerateKey", "empty key file")
		}
		m.apiKey = key
		return nil
	case os.IsNotExist(err):
		m.apiKey = randomSecret()
		if err := m.persistKey(); err != nil {
			return errors.Wrap(err, "Manager", "loadOrGenerateKey", "persist generated key")
		}
		slog.Info("Generated new API key", "path", m.config.KeyPath)
		return nil
	default:
		return errors.Wrap(err, "Manager", "loadOrGenerateKey", "read key file")
	}
}

func (m *Manager) persistKey() error {
	// Disabled managers carry no key path; the in-memory key is enough.
	if m.config.KeyPath == "" {
		return nil
	}
	if dir := filepath.Dir(m.config.KeyPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.config.KeyPath, []byte(m.APIKey()), 0o600)
}

// randomSecret returns a 32 character hex string backed by a random UUID.
func randomSecret() string {
	id := uuid.New()
	return fmt.Sprintf("%x", [16]byte(id))
}

// peerAddr extracts the peer IP from an address with or without a port.
func peerAddr(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
