// Package health tracks the bridge's view of the control host and
// summarizes it for the server info surface.
package health

import (
	"sync"
	"time"
)

// Host states as reported to clients. Ready and shutdown mirror the
// host's own lifecycle announcements; startup and disconnected are
// bridge-side observations.
const (
	StateStartup      = "startup"
	StateReady        = "ready"
	StateShutdown     = "shutdown"
	StateDisconnected = "disconnected"
)

// Status is a point-in-time summary of the bridge and its host link.
type Status struct {
	Healthy          bool      `json:"healthy"`
	HostConnected    bool      `json:"host_connected"`
	HostState        string    `json:"host_state"`
	PendingRequests  int       `json:"pending_requests"`
	WebsocketClients int       `json:"websocket_clients"`
	UptimeSeconds    float64   `json:"uptime"`
	Timestamp        time.Time `json:"timestamp"`
}

// Tracker records host link transitions and produces Status snapshots.
type Tracker struct {
	mu        sync.Mutex
	started   time.Time
	connected bool
	state     string
}

// NewTracker returns a tracker in the startup state.
func NewTracker() *Tracker {
	return &Tracker{started: time.Now(), state: StateStartup}
}

// SetConnected records the socket attach/detach. A detach also forces the
// state to disconnected; the host re-announces its state on reattach.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
	if !connected {
		t.state = StateDisconnected
	}
}

// SetState records a host lifecycle announcement.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// State returns the last recorded host state.
func (t *Tracker) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot builds a Status from the tracked link state plus the caller's
// live counters. Healthy means an attached socket and a ready host.
func (t *Tracker) Snapshot(pendingRequests, websocketClients int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Healthy:          t.connected && t.state == StateReady,
		HostConnected:    t.connected,
		HostState:        t.state,
		PendingRequests:  pendingRequests,
		WebsocketClients: websocketClients,
		UptimeSeconds:    time.Since(t.started).Seconds(),
		Timestamp:        time.Now().UTC(),
	}
}
