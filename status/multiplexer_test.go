package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/homepods/printbridge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier serves canned object state and records queried object sets.
type fakeQuerier struct {
	mu      sync.Mutex
	status  map[string]map[string]any
	queries []map[string]any
	fail    error
}

func (q *fakeQuerier) MakeRequest(_ context.Context, path, method string, args map[string]any) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return nil, q.fail
	}
	if objects, ok := args["objects"].(map[string]any); ok {
		q.queries = append(q.queries, objects)
	}
	data, err := json.Marshal(hostStatus{EventTime: 1234.5, Status: q.status})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (q *fakeQuerier) queryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queries)
}

func testConfig() Config {
	return Config{
		TickInterval: 250 * time.Millisecond,
		DefaultTier:  1,
		Tiers: map[string]int{
			"gcode":     0,
			"fan":       2,
			"extruder*": 4,
		},
	}
}

func newTestMux(t *testing.T, q *fakeQuerier) *Multiplexer {
	t.Helper()
	m, err := New(testConfig(), q, nil)
	require.NoError(t, err)
	m.SetAvailableObjects(map[string][]string{
		"toolhead": {"position", "status"},
		"extruder": {"temperature", "target"},
		"fan":      {"speed"},
		"gcode":    {"busy"},
	})
	m.SetReady(true)
	return m
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{DefaultTier: 1}.Validate())
	assert.Error(t, Config{TickInterval: time.Second, DefaultTier: -1}.Validate())

	bad := DefaultConfig()
	bad.Tiers = map[string]int{"fan": -2}
	assert.Error(t, bad.Validate())
}

func TestResolveTierPrecedence(t *testing.T) {
	m := newTestMux(t, &fakeQuerier{})

	// Exact entry, then glob pattern, then default.
	assert.Equal(t, 2, m.resolveTier("fan"))
	assert.Equal(t, 4, m.resolveTier("extruder"))
	assert.Equal(t, 4, m.resolveTier("extruder1"))
	assert.Equal(t, 1, m.resolveTier("toolhead"))
	assert.Equal(t, 0, m.resolveTier("gcode"))
}

func TestSubscribeMergesLastWriteWins(t *testing.T) {
	m := newTestMux(t, &fakeQuerier{})

	m.Subscribe(map[string][]string{"extruder": {"temperature"}})
	m.Subscribe(map[string][]string{"extruder": {"target"}})

	subs := m.Subscriptions()
	require.Contains(t, subs, "extruder")
	assert.Equal(t, []string{"target"}, subs["extruder"])

	// A single subscription entry exists for the tier, not duplicates.
	m.mu.Lock()
	assert.Len(t, m.subs[4].objects, 1)
	m.mu.Unlock()
}

func TestSubscribeDropsUnknownAndBlacklistedObjects(t *testing.T) {
	m := newTestMux(t, &fakeQuerier{})

	m.Subscribe(map[string][]string{
		"no_such_object": nil,
		"gcode":          nil,
		"toolhead":       {"position"},
	})

	subs := m.Subscriptions()
	assert.NotContains(t, subs, "no_such_object")
	assert.NotContains(t, subs, "gcode")
	assert.Contains(t, subs, "toolhead")
}

func TestBlacklistedObjectNeverAppearsInDueBatch(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{"gcode": {"busy": false}}}
	m := newTestMux(t, q)

	m.Subscribe(map[string][]string{"gcode": nil})
	for i := 0; i < 20; i++ {
		m.tick(context.Background())
	}
	assert.Zero(t, q.queryCount())
}

func TestTickCadencePerTier(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{
		"fan":      {"speed": 0.5},
		"extruder": {"temperature": 210.0, "target": 215.0},
	}}
	m := newTestMux(t, q)

	var mu sync.Mutex
	var pushes []map[string]any
	m.OnPush(func(payload map[string]any) {
		mu.Lock()
		pushes = append(pushes, payload)
		mu.Unlock()
	})

	m.Subscribe(map[string][]string{"fan": nil})                      // tier 2
	m.Subscribe(map[string][]string{"extruder": {"temperature"}})     // tier 4

	statusOf := func(p map[string]any) map[string]any {
		s, ok := p["status"].(map[string]any)
		require.True(t, ok)
		return s
	}

	ctx := context.Background()

	m.tick(ctx) // tick 1: nothing due
	mu.Lock()
	assert.Empty(t, pushes)
	mu.Unlock()

	m.tick(ctx) // tick 2: fan fires alone
	mu.Lock()
	require.Len(t, pushes, 1)
	s := statusOf(pushes[0])
	assert.Contains(t, s, "fan")
	assert.NotContains(t, s, "extruder")
	mu.Unlock()

	m.tick(ctx) // tick 3: nothing due
	m.tick(ctx) // tick 4: fan and extruder coincide in one batch
	mu.Lock()
	require.Len(t, pushes, 2)
	s = statusOf(pushes[1])
	assert.Contains(t, s, "fan")
	assert.Contains(t, s, "extruder")
	mu.Unlock()

	// Coinciding tiers still cost a single host query per tick.
	assert.Equal(t, 2, q.queryCount())
}

func TestAttributeFiltering(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{
		"extruder": {"temperature": 210.0, "target": 215.0},
	}}
	m := newTestMux(t, q)

	payload, err := m.QueryStatus(context.Background(),
		map[string][]string{"extruder": {"temperature", "pressure"}})
	require.NoError(t, err)

	s := payload["status"].(map[string]any)
	ext := s["extruder"].(map[string]any)
	assert.Equal(t, 210.0, ext["temperature"])
	assert.Equal(t, Invalid, ext["pressure"], "unknown attribute degrades to the sentinel")
	assert.NotContains(t, ext, "target", "unrequested attributes are filtered out")
}

func TestEmptyAttributeSetReturnsFullStatus(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{
		"toolhead": {"position": []any{0.0, 0.0, 0.0, 0.0}, "status": "Ready"},
	}}
	m := newTestMux(t, q)

	payload, err := m.QueryStatus(context.Background(), map[string][]string{"toolhead": nil})
	require.NoError(t, err)

	s := payload["status"].(map[string]any)
	th := s["toolhead"].(map[string]any)
	assert.Len(t, th, 2)
}

func TestVanishedObjectDegradesToSentinel(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{
		"fan": {"speed": 0.5},
	}}
	m := newTestMux(t, q)

	payload, err := m.QueryStatus(context.Background(),
		map[string][]string{"fan": nil, "ghost": nil})
	require.NoError(t, err)

	s := payload["status"].(map[string]any)
	assert.Equal(t, Invalid, s["ghost"])
	assert.NotEqual(t, Invalid, s["fan"], "partial results are not blocked by one stale entry")
}

func TestNotReadyGating(t *testing.T) {
	q := &fakeQuerier{status: map[string]map[string]any{"fan": {"speed": 0.5}}}
	m := newTestMux(t, q)
	m.SetReady(false)

	_, err := m.QueryStatus(context.Background(), map[string][]string{"fan": nil})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHostNotReady))

	// Ticks push nothing while not ready.
	m.Subscribe(map[string][]string{"fan": nil})
	for i := 0; i < 4; i++ {
		m.tick(context.Background())
	}
	assert.Zero(t, q.queryCount())
}

func TestSetAvailableObjectsDropsVanishedSubscriptions(t *testing.T) {
	m := newTestMux(t, &fakeQuerier{})

	m.Subscribe(map[string][]string{"fan": nil, "toolhead": nil})
	m.SetAvailableObjects(map[string][]string{"toolhead": {"position"}})

	subs := m.Subscriptions()
	assert.NotContains(t, subs, "fan")
	assert.Contains(t, subs, "toolhead")
}

func TestQueryFailureDoesNotPush(t *testing.T) {
	q := &fakeQuerier{fail: fmt.Errorf("boom: %w", errors.ErrHostUnavailable)}
	m := newTestMux(t, q)

	pushed := false
	m.OnPush(func(map[string]any) { pushed = true })

	m.Subscribe(map[string][]string{"toolhead": nil})
	m.tick(context.Background())
	assert.False(t, pushed)
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestMux(t, &fakeQuerier{})

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(time.Second))
	assert.NoError(t, m.Stop(time.Second))
}
