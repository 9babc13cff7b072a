// Package registry implements the request correlation registry. It assigns
// process-unique ids to outbound host requests, tracks a pending completion
// per id with a deadline, and resolves each exactly once: by a matching
// response, by deadline expiry, or by a host disconnect failing everything
// outstanding at once.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/homepods/printbridge/bridge"
	"github.com/homepods/printbridge/errors"
)

// GcodePath is the command path whose timeout may be overridden per script,
// keyed by the script's first token.
const GcodePath = "/printer/gcode"

// Sender forwards request envelopes to the control host.
type Sender interface {
	Send(bridge.Request) error
}

// Config holds the timeout tables. The host may replace the tables at
// runtime via ApplyHostConfig.
type Config struct {
	// BaseTimeout applies to any request without an override.
	BaseTimeout time.Duration

	// LongRunningRequests maps a request path to a longer timeout.
	LongRunningRequests map[string]time.Duration

	// LongRunningGcodes maps an uppercased gcode command (the first token
	// of a script submitted to GcodePath) to a longer timeout.
	LongRunningGcodes map[string]time.Duration
}

// DefaultConfig returns the stock timeout configuration.
func DefaultConfig() Config {
	return Config{BaseTimeout: 5 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Registry", "Validate", "base timeout")
	}
	return nil
}

// HostConfig is the shape of the server_config notification payload, with
// all intervals in seconds.
type HostConfig struct {
	RequestTimeout      float64            `json:"request_timeout,omitempty"`
	LongRunningRequests map[string]float64 `json:"long_running_requests,omitempty"`
	LongRunningGcodes   map[string]float64 `json:"long_running_gcodes,omitempty"`
}

// Pending is the caller's handle for one in-flight request. The registry
// owns the entry; the handle is only good for awaiting resolution.
type Pending struct {
	id       uint64
	path     string
	method   string
	deadline time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
}

// ID returns the request's correlation id.
func (p *Pending) ID() uint64 { return p.id }

// Registry correlates outbound requests with asynchronous host responses.
type Registry struct {
	sender Sender

	cfgMu  sync.RWMutex
	config Config

	mu      sync.Mutex
	pending map[uint64]*Pending

	nextID atomic.Uint64
}

// New creates a registry forwarding over the given sender.
func New(config Config, sender Sender) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Registry", "New", "sender")
	}
	return &Registry{
		sender:  sender,
		config:  config,
		pending: make(map[uint64]*Pending),
	}, nil
}

// Submit allocates an id, stores a pending completion with its computed
// deadline, and forwards the envelope. The returned handle is awaited with
// Await. If the host is unreachable the pending entry is discarded and the
// error surfaces synchronously.
func (r *Registry) Submit(path, method string, args map[string]any) (*Pending, error) {
	timeout := r.timeoutFor(path, args)

	p := &Pending{
		id:       r.nextID.Add(1),
		path:     path,
		method:   method,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.pending[p.id] = p
	r.mu.Unlock()

	if err := r.sender.Send(bridge.Request{ID: p.id, Path: path, Method: method, Args: args}); err != nil {
		r.mu.Lock()
		delete(r.pending, p.id)
		r.mu.Unlock()
		return nil, errors.Wrap(err, "Registry", "Submit", "forward envelope")
	}
	return p, nil
}

// Await blocks until the pending request resolves or its deadline elapses.
// On timeout the entry is removed so a late response becomes a silent no-op,
// and the caller receives ErrRequestTimedOut, distinguishable from a
// host-reported error and from ErrHostUnavailable.
func (r *Registry) Await(ctx context.Context, p *Pending) (json.RawMessage, error) {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		r.abandon(p)
		return nil, errors.Wrap(ctx.Err(), "Registry", "Await", "wait for resolution")
	case <-timer.C:
	}

	// Deadline fired. If the entry is still registered we own the timeout;
	// otherwise a resolve won the race and the result is (or is about to
	// be) published on the done channel.
	r.mu.Lock()
	_, stillPending := r.pending[p.id]
	if stillPending {
		delete(r.pending, p.id)
	}
	r.mu.Unlock()

	if stillPending {
		slog.Info("Host request timed out", "id", p.id, "method", p.method, "path", p.path)
		return nil, errors.ErrRequestTimedOut
	}

	<-p.done
	return p.result, p.err
}

// Resolve completes the pending request matching a response envelope. An
// unknown id (already timed out, or a duplicate response) is an expected
// race and dropped silently.
func (r *Registry) Resolve(resp bridge.Response) {
	r.mu.Lock()
	p, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		slog.Debug("No pending request matching response", "id", resp.ID)
		return
	}

	p.result = resp.Result
	p.err = resp.Err()
	close(p.done)
}

// FailAll force-resolves every outstanding request with the given error.
// Called when the bridge reports a host disconnect so callers fail fast
// instead of waiting out their individual deadlines.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	outstanding := r.pending
	r.pending = make(map[uint64]*Pending)
	r.mu.Unlock()

	if len(outstanding) > 0 {
		slog.Info("Failing outstanding host requests", "count", len(outstanding), "error", err)
	}
	for _, p := range outstanding {
		p.err = err
		close(p.done)
	}
}

// MakeRequest is the common submit-and-await path used by client-facing
// handlers.
func (r *Registry) MakeRequest(ctx context.Context, path, method string, args map[string]any) (json.RawMessage, error) {
	p, err := r.Submit(path, method, args)
	if err != nil {
		return nil, err
	}
	return r.Await(ctx, p)
}

// PendingCount returns the number of in-flight requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ApplyHostConfig installs timeout overrides pushed by the host after it
// connects.
func (r *Registry) ApplyHostConfig(hc HostConfig) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if hc.RequestTimeout > 0 {
		r.config.BaseTimeout = secondsToDuration(hc.RequestTimeout)
	}
	if hc.LongRunningRequests != nil {
		r.config.LongRunningRequests = make(map[string]time.Duration, len(hc.LongRunningRequests))
		for path, secs := range hc.LongRunningRequests {
			r.config.LongRunningRequests[path] = secondsToDuration(secs)
		}
	}
	if hc.LongRunningGcodes != nil {
		r.config.LongRunningGcodes = make(map[string]time.Duration, len(hc.LongRunningGcodes))
		for cmd, secs := range hc.LongRunningGcodes {
			r.config.LongRunningGcodes[strings.ToUpper(cmd)] = secondsToDuration(secs)
		}
	}
	slog.Info("Applied host request timeout configuration",
		"base_timeout", r.config.BaseTimeout,
		"long_running_requests", len(r.config.LongRunningRequests),
		"long_running_gcodes", len(r.config.LongRunningGcodes))
}

// timeoutFor computes the deadline for one request: the per-path override
// first, then the per-gcode override for script submissions, else the base.
func (r *Registry) timeoutFor(path string, args map[string]any) time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()

	timeout := r.config.BaseTimeout
	if override, ok := r.config.LongRunningRequests[path]; ok {
		timeout = override
	}

	if path == GcodePath {
		if script, ok := args["script"].(string); ok {
			fields := strings.Fields(strings.TrimSpace(script))
			if len(fields) > 0 {
				if override, ok := r.config.LongRunningGcodes[strings.ToUpper(fields[0])]; ok {
					timeout = override
				}
			}
		}
	}
	return timeout
}

// abandon removes a pending entry whose caller gave up (context cancelled).
// A later resolve for the id becomes a silent no-op.
func (r *Registry) abandon(p *Pending) {
	r.mu.Lock()
	delete(r.pending, p.id)
	r.mu.Unlock()
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
