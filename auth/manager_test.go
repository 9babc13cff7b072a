package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KeyPath = filepath.Join(t.TempDir(), "api_key")
	cfg.TrustedPeers = []string{"10.1.2.3"}
	cfg.TrustedRanges = []string{"192.168.0.0/16"}
	return cfg
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig(t).Validate())
	assert.NoError(t, Config{Enabled: false}.Validate(), "disabled auth needs nothing else")

	cfg := testConfig(t)
	cfg.KeyPath = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig(t)
	cfg.TrustedPeers = []string{"bogus"}
	assert.Error(t, cfg.Validate())

	cfg = testConfig(t)
	cfg.TrustedRanges = []string{"10.0.0.0"}
	assert.Error(t, cfg.Validate())
}

func TestDisabledAuthAllowsEverything(t *testing.T) {
	m := newTestManager(t, Config{Enabled: false})
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:1234"}))
}

func TestDisabledAuthServesCredentialEndpoints(t *testing.T) {
	m := newTestManager(t, Config{Enabled: false})

	// The access endpoints stay reachable when authorization is off; the
	// credentials they hand out are simply never required.
	token := m.IssueOneShotToken()
	assert.Len(t, token, 32)
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:1234", Token: token}))

	key := m.RotateAPIKey()
	assert.Len(t, key, 32)
	assert.Equal(t, key, m.APIKey())
}

func TestKeyGeneratedAndPersistedAtStartup(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg)

	key := m.APIKey()
	require.Len(t, key, 32)

	data, err := os.ReadFile(cfg.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, key, string(data))

	// A second manager on the same path loads the same key.
	m2 := newTestManager(t, cfg)
	assert.Equal(t, key, m2.APIKey())
}

func TestStartupFailsWhenKeyCannotPersist(t *testing.T) {
	cfg := testConfig(t)
	// Parent of the key path is a regular file, so persisting can never
	// succeed.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.KeyPath = filepath.Join(blocker, "api_key")

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestStaticTrustedPeerAndRange(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "10.1.2.3:5000"}))
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "192.168.44.7:5000"}))
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000"}))
}

func TestAPIKeyAllowsUntrustedPeer(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", APIKey: m.APIKey()}))
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", APIKey: "wrong"}))
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", APIKey: ""}))
}

func TestKeyRotationInvalidatesOldKeyImmediately(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg)

	oldKey := m.APIKey()
	newKey := m.RotateAPIKey()
	require.NotEqual(t, oldKey, newKey)

	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", APIKey: oldKey}))
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", APIKey: newKey}))

	data, err := os.ReadFile(cfg.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, newKey, string(data))
}

func TestOneShotTokenConsumedExactlyOnce(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	token := m.IssueOneShotToken()
	require.NotEmpty(t, token)

	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}))
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}),
		"second use of the same token is denied")
}

func TestOneShotTokenExpires(t *testing.T) {
	cfg := testConfig(t)
	cfg.OneShotTokenTTL = 30 * time.Millisecond
	m := newTestManager(t, cfg)

	token := m.IssueOneShotToken()
	time.Sleep(60 * time.Millisecond)
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}))
}

func TestConsumedTokenTrustsPeer(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	token := m.IssueOneShotToken()
	require.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}))

	// Subsequent requests from the same peer need no credentials.
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:6000"}))
	assert.Equal(t, 1, m.TrustedPeerCount())
}

func TestPruneRemovesStaleTrustedPeers(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrustTimeout = 30 * time.Millisecond
	m := newTestManager(t, cfg)

	token := m.IssueOneShotToken()
	require.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}))
	require.Equal(t, 1, m.TrustedPeerCount())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, m.Prune())
	assert.Equal(t, 0, m.TrustedPeerCount())

	// Static allow-lists are untouched by pruning.
	assert.True(t, m.IsAuthorized(Request{RemoteAddr: "10.1.2.3:5000"}))
}

func TestTrustedCacheRefreshOnAccess(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrustTimeout = 80 * time.Millisecond
	m := newTestManager(t, cfg)

	token := m.IssueOneShotToken()
	require.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000", Token: token}))

	// Keep the peer active past the original expiry; each check refreshes
	// its last access.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, m.IsAuthorized(Request{RemoteAddr: "203.0.113.9:5000"}))
	}
}

func TestMalformedPeerAddressIsDenied(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	assert.False(t, m.IsAuthorized(Request{RemoteAddr: "not-an-address"}))
}
