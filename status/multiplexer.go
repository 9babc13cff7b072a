// Package status implements the status multiplexer. Clients subscribe to
// named host objects at refresh tiers; on each tick the multiplexer merges
// every due tier into one host query and pushes the result to all listeners
// as a single notification. Tiers are integer multiples of the base tick
// interval, resolved from a configurable table by exact name, then glob
// pattern, then a default. A tier of zero blacklists an object from
// auto-polling entirely.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Invalid is substituted for any requested object or attribute the host does
// not currently expose. A stale subscription degrades to this sentinel
// instead of failing the batch.
const Invalid = "<invalid>"

// queryPath is the host command for reading current object state.
const queryPath = "/printer/objects/query"

// HostQuerier issues a correlated request to the control host.
type HostQuerier interface {
	MakeRequest(ctx context.Context, path, method string, args map[string]any) (json.RawMessage, error)
}

// PushHandler receives each due-batch status payload. Handlers must not
// block; slow downstream consumers apply their own bounded queues.
type PushHandler func(payload map[string]any)

// Config holds the multiplexer cadence and tier table.
type Config struct {
	// TickInterval is the base tick length.
	TickInterval time.Duration

	// DefaultTier applies to objects matching no table entry.
	DefaultTier int

	// Tiers maps an object name or glob pattern to a tick multiple.
	// A value of 0 means the object is never auto-polled.
	Tiers map[string]int
}

// DefaultConfig returns the stock multiplexer configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: 250 * time.Millisecond,
		DefaultTier:  1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Multiplexer", "Validate", "tick interval")
	}
	if c.DefaultTier < 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Multiplexer", "Validate", "default tier")
	}
	for pattern, tier := range c.Tiers {
		if tier < 0 {
			return errors.Wrap(errors.ErrInvalidConfig, "Multiplexer", "Validate", "tier for "+pattern)
		}
	}
	return nil
}

// subscription is one tier's merged object set. At most one exists per
// distinct tier value; it persists even when momentarily empty.
type subscription struct {
	tier           int
	ticksRemaining int
	objects        map[string][]string
}

// Multiplexer fans subscribed object state out to all registered listeners.
type Multiplexer struct {
	config  Config
	querier HostQuerier

	mu        sync.Mutex
	available map[string][]string
	subs      map[int]*subscription

	ready   atomic.Bool
	running atomic.Bool

	onPush []PushHandler

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	metrics *Metrics
}

// Metrics holds Prometheus metrics for the multiplexer.
type Metrics struct {
	ticks             prometheus.Counter
	batches           prometheus.Counter
	queryFailures     prometheus.Counter
	subscribedObjects prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "status",
			Name:      "ticks_total",
			Help:      "Total multiplexer ticks",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "status",
			Name:      "due_batches_total",
			Help:      "Ticks that produced a non-empty due-batch query",
		}),
		queryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "status",
			Name:      "query_failures_total",
			Help:      "Host status queries that failed",
		}),
		subscribedObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printbridge",
			Subsystem: "status",
			Name:      "subscribed_objects",
			Help:      "Distinct objects across all tier subscriptions",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.ticks, m.batches, m.queryFailures, m.subscribedObjects)
	return m
}

// New creates a multiplexer.
func New(config Config, querier HostQuerier, registry *metric.MetricsRegistry) (*Multiplexer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if querier == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Multiplexer", "New", "querier")
	}
	return &Multiplexer{
		config:  config,
		querier: querier,
		subs:    make(map[int]*subscription),
		metrics: newMetrics(registry),
	}, nil
}

// OnPush registers a due-batch listener. Register before Start.
func (m *Multiplexer) OnPush(h PushHandler) {
	m.onPush = append(m.onPush, h)
}

// Start begins the tick loop.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "Multiplexer", "Start", "status multiplexer")
	}
	m.shutdown = make(chan struct{})
	m.wg = &sync.WaitGroup{}
	m.running.Store(true)

	m.wg.Add(1)
	go m.tickLoop(ctx)

	slog.Info("Status multiplexer started", "tick_interval", m.config.TickInterval)
	return nil
}

// Stop halts the tick loop.
func (m *Multiplexer) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	close(m.shutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Multiplexer tick loop did not exit within timeout")
	}
	return nil
}

// SetReady flips readiness gating. While not ready every status query
// answers ErrHostNotReady and ticks push nothing.
func (m *Multiplexer) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Ready reports the current readiness state.
func (m *Multiplexer) Ready() bool {
	return m.ready.Load()
}

// SetAvailableObjects replaces the available-object snapshot. Called on
// every host-ready transition. Subscribed objects no longer present are
// dropped with a warning; that race is normal during host restarts.
func (m *Multiplexer) SetAvailableObjects(objects map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available = make(map[string][]string, len(objects))
	for name, attrs := range objects {
		sorted := append([]string(nil), attrs...)
		sort.Strings(sorted)
		m.available[name] = sorted
	}

	for _, sub := range m.subs {
		for name := range sub.objects {
			if _, ok := m.available[name]; !ok {
				slog.Warn("Dropping subscription for vanished object", "object", name, "tier", sub.tier)
				delete(sub.objects, name)
			}
		}
	}
	m.updateObjectGauge()
}

// AvailableObjects returns the current snapshot.
func (m *Multiplexer) AvailableObjects() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.available))
	for name, attrs := range m.available {
		out[name] = append([]string(nil), attrs...)
	}
	return out
}

// Subscribe merges requested objects into their tier subscriptions. An
// empty attribute list means all attributes. Repeat subscriptions for an
// object replace its attribute set (last write wins). Unknown objects are
// dropped with a warning; tier-0 objects are ignored entirely.
func (m *Multiplexer) Subscribe(objects map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, attrs := range objects {
		if _, ok := m.available[name]; !ok {
			slog.Warn("Ignoring subscription for unknown object", "object", name)
			continue
		}

		tier := m.resolveTier(name)
		if tier == 0 {
			slog.Debug("Object is blacklisted from polling", "object", name)
			continue
		}

		sub, ok := m.subs[tier]
		if !ok {
			sub = &subscription{
				tier:           tier,
				ticksRemaining: tier,
				objects:        make(map[string][]string),
			}
			m.subs[tier] = sub
		}
		sub.objects[name] = append([]string(nil), attrs...)
	}
	m.updateObjectGauge()
}

// Subscriptions returns the merged object map across all tiers, for the
// client-facing subscription listing endpoint.
func (m *Multiplexer) Subscriptions() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string)
	for _, sub := range m.subs {
		for name, attrs := range sub.objects {
			out[name] = append([]string(nil), attrs...)
		}
	}
	return out
}

// QueryStatus performs an ad hoc status query for the given objects,
// applying readiness gating and attribute filtering.
func (m *Multiplexer) QueryStatus(ctx context.Context, objects map[string][]string) (map[string]any, error) {
	if !m.ready.Load() {
		return nil, errors.Wrap(errors.ErrHostNotReady, "Multiplexer", "QueryStatus", "status query")
	}
	return m.queryAndFilter(ctx, objects)
}

// resolveTier maps an object name to its tick multiple: exact table entry
// first, then glob pattern, else the default. Caller holds m.mu.
func (m *Multiplexer) resolveTier(name string) int {
	if tier, ok := m.config.Tiers[name]; ok {
		return tier
	}
	for pattern, tier := range m.config.Tiers {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return tier
		}
	}
	return m.config.DefaultTier
}

// tickLoop drives periodic refresh until shutdown.
func (m *Multiplexer) tickLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick advances every subscription one interval and services the due-batch.
// All coinciding tiers merge into a single host query so the host-side
// query rate is bounded regardless of client count.
func (m *Multiplexer) tick(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.ticks.Inc()
	}

	m.mu.Lock()
	due := make(map[string][]string)
	for _, sub := range m.subs {
		sub.ticksRemaining--
		if sub.ticksRemaining > 0 {
			continue
		}
		sub.ticksRemaining = sub.tier
		for name, attrs := range sub.objects {
			due[name] = attrs
		}
	}
	m.mu.Unlock()

	if len(due) == 0 || !m.ready.Load() {
		return
	}
	if m.metrics != nil {
		m.metrics.batches.Inc()
	}

	payload, err := m.queryAndFilter(ctx, due)
	if err != nil {
		if m.metrics != nil {
			m.metrics.queryFailures.Inc()
		}
		slog.Warn("Due-batch status query failed", "objects", len(due), "error", err)
		return
	}

	for _, h := range m.onPush {
		h(payload)
	}
}

// hostStatus is the shape of the host's objects/query result.
type hostStatus struct {
	EventTime float64                   `json:"eventtime"`
	Status    map[string]map[string]any `json:"status"`
}

// queryAndFilter issues one host query for the given objects and applies
// attribute filtering. A vanished object or unknown attribute degrades to
// the Invalid sentinel; partial results are never blocked by one stale
// entry.
func (m *Multiplexer) queryAndFilter(ctx context.Context, objects map[string][]string) (map[string]any, error) {
	names := make(map[string]any, len(objects))
	for name, attrs := range objects {
		if len(attrs) == 0 {
			names[name] = nil
		} else {
			names[name] = attrs
		}
	}

	raw, err := m.querier.MakeRequest(ctx, queryPath, "GET", map[string]any{"objects": names})
	if err != nil {
		return nil, err
	}

	var result hostStatus
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "Multiplexer", "queryAndFilter", "decode host status")
	}

	filtered := make(map[string]any, len(objects))
	for name, attrs := range objects {
		objStatus, ok := result.Status[name]
		if !ok {
			filtered[name] = Invalid
			continue
		}
		if len(attrs) == 0 {
			filtered[name] = objStatus
			continue
		}
		subset := make(map[string]any, len(attrs))
		for _, attr := range attrs {
			if val, ok := objStatus[attr]; ok {
				subset[attr] = val
			} else {
				subset[attr] = Invalid
			}
		}
		filtered[name] = subset
	}

	return map[string]any{
		"eventtime": result.EventTime,
		"status":    filtered,
	}, nil
}

// updateObjectGauge recounts distinct subscribed objects. Caller holds m.mu.
func (m *Multiplexer) updateObjectGauge() {
	if m.metrics == nil {
		return
	}
	seen := make(map[string]struct{})
	for _, sub := range m.subs {
		for name := range sub.objects {
			seen[name] = struct{}{}
		}
	}
	m.metrics.subscribedObjects.Set(float64(len(seen)))
}
