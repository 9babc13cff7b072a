// Package server is the composition root. It builds the bridge channel,
// correlation registry, status multiplexer, authorization manager, file
// guard, temperature store, and gateway, and wires host lifecycle
// notifications between them: ready transitions rebuild the available
// object snapshot, disconnects fail every outstanding request, and host
// pushes fan out to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/homepods/printbridge/auth"
	"github.com/homepods/printbridge/bridge"
	"github.com/homepods/printbridge/config"
	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/fileguard"
	"github.com/homepods/printbridge/gateway"
	"github.com/homepods/printbridge/health"
	"github.com/homepods/printbridge/metric"
	"github.com/homepods/printbridge/pkg/retry"
	"github.com/homepods/printbridge/registry"
	"github.com/homepods/printbridge/status"
	"github.com/homepods/printbridge/tempstore"
)

// objectsListPath is the host command enumerating exposed objects and their
// attributes.
const objectsListPath = "/printer/objects/list"

// Server owns every component and their wiring.
type Server struct {
	cfg *config.Config

	metrics  *metric.MetricsRegistry
	channel  *bridge.Channel
	registry *registry.Registry
	mux      *status.Multiplexer
	auth     *auth.Manager
	guard    *fileguard.Guard
	files    *fileguard.Store
	temps    *tempstore.Store
	gateway  *gateway.Gateway
	health   *health.Tracker
}

// New builds and wires all components from a validated configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Server", "New", "configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, health: health.NewTracker()}
	if cfg.Metrics.Enabled {
		s.metrics = metric.NewMetricsRegistry()
	}

	var err error
	s.channel, err = bridge.New(bridge.Config{
		SocketPath:    cfg.Bridge.SocketPath,
		SendTimeout:   cfg.Bridge.SendTimeout.Std(),
		SendQueueSize: cfg.Bridge.SendQueueSize,
	}, s.metrics)
	if err != nil {
		return nil, err
	}

	s.registry, err = registry.New(registry.Config{
		BaseTimeout:         cfg.Requests.BaseTimeout.Std(),
		LongRunningRequests: durationTable(cfg.Requests.LongRunningRequests),
		LongRunningGcodes:   durationTable(cfg.Requests.LongRunningGcodes),
	}, s.channel)
	if err != nil {
		return nil, err
	}

	s.mux, err = status.New(status.Config{
		TickInterval: cfg.Status.TickInterval.Std(),
		DefaultTier:  cfg.Status.DefaultTier,
		Tiers:        cfg.Status.Tiers,
	}, s.registry, s.metrics)
	if err != nil {
		return nil, err
	}

	s.auth, err = auth.New(ctx, auth.Config{
		Enabled:         cfg.Auth.Enabled,
		KeyPath:         cfg.Auth.KeyPath,
		TrustedPeers:    cfg.Auth.TrustedPeers,
		TrustedRanges:   cfg.Auth.TrustedRanges,
		TrustTimeout:    cfg.Auth.TrustTimeout.Std(),
		PruneInterval:   cfg.Auth.PruneInterval.Std(),
		OneShotTokenTTL: cfg.Auth.OneShotTokenTTL.Std(),
	}, s.metrics)
	if err != nil {
		return nil, err
	}

	s.guard, err = fileguard.New(s.registry)
	if err != nil {
		return nil, err
	}
	s.files, err = fileguard.NewStore(cfg.Files.Root)
	if err != nil {
		return nil, err
	}
	s.temps, err = tempstore.New(cfg.Temperature.WindowSize)
	if err != nil {
		return nil, err
	}

	gwConfig := gateway.DefaultConfig()
	gwConfig.Host = cfg.Server.Host
	gwConfig.Port = cfg.Server.Port
	gwConfig.EnableCORS = cfg.Server.EnableCORS
	s.gateway, err = gateway.New(gwConfig, gateway.Dependencies{
		Requester:   s.registry,
		Status:      s.mux,
		Auth:        s.auth,
		Guard:       s.guard,
		Files:       s.files,
		Temperature: s.temps,
		Health:      s,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, err
	}

	s.wire()
	return s, nil
}

// wire connects the inbound bridge paths and the push fan-out.
func (s *Server) wire() {
	s.channel.OnResponse(s.registry.Resolve)
	s.channel.OnNotification(s.handleNotification)
	s.channel.OnStateChange(s.handleConnState)

	s.mux.OnPush(func(payload map[string]any) {
		s.gateway.Broadcast("status_update", payload)
		if st, ok := payload["status"].(map[string]any); ok {
			s.temps.Record(st)
		}
	})
}

// Start brings components up in dependency order.
func (s *Server) Start(ctx context.Context) error {
	if err := s.channel.Start(ctx); err != nil {
		return err
	}
	if err := s.mux.Start(ctx); err != nil {
		_ = s.channel.Stop(time.Second)
		return err
	}
	if err := s.gateway.Start(ctx); err != nil {
		_ = s.mux.Stop(time.Second)
		_ = s.channel.Stop(time.Second)
		return err
	}
	slog.Info("Server started",
		"addr", s.cfg.Server.Host, "port", s.cfg.Server.Port,
		"socket", s.cfg.Bridge.SocketPath)
	return nil
}

// Stop tears components down client-side first so no new work arrives while
// the host side drains.
func (s *Server) Stop(timeout time.Duration) error {
	var firstErr error
	if err := s.gateway.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.mux.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.channel.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	s.registry.FailAll(errors.Wrap(errors.ErrShuttingDown, "Server", "Stop", "resolve outstanding"))
	if err := s.auth.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Info("Server stopped")
	return firstErr
}

// handleNotification routes host pushes: lifecycle transitions, runtime
// configuration, spontaneous status updates, and everything else echoed to
// clients verbatim.
func (s *Server) handleNotification(n bridge.Notification) {
	switch n.Name {
	case bridge.NotifyStateChanged:
		var state string
		if err := json.Unmarshal(n.Payload, &state); err != nil {
			slog.Warn("Malformed state_changed payload", "error", err)
			return
		}
		s.handleStateChanged(state)

	case bridge.NotifyServerConfig:
		var hc registry.HostConfig
		if err := json.Unmarshal(n.Payload, &hc); err != nil {
			slog.Warn("Malformed server_config payload", "error", err)
			return
		}
		s.registry.ApplyHostConfig(hc)

	case bridge.NotifyStatusUpdate:
		var payload map[string]any
		if err := json.Unmarshal(n.Payload, &payload); err != nil {
			slog.Warn("Malformed status_update payload", "error", err)
			return
		}
		s.gateway.Broadcast("status_update", payload)
		if st, ok := payload["status"].(map[string]any); ok {
			s.temps.Record(st)
		}

	default:
		// Passive listener path: unrecognized host events reach clients
		// under their own names.
		var payload any
		if len(n.Payload) > 0 {
			if err := json.Unmarshal(n.Payload, &payload); err != nil {
				slog.Warn("Malformed notification payload", "name", n.Name, "error", err)
				return
			}
		}
		s.gateway.Broadcast(n.Name, payload)
	}
}

func (s *Server) handleStateChanged(state string) {
	slog.Info("Host state changed", "state", state)
	s.health.SetState(state)
	switch state {
	case bridge.StateReady:
		// The objects/list fetch round-trips through the registry; keep
		// it off the bridge read loop.
		go s.onHostReady()
	case bridge.StateShutdown:
		s.mux.SetReady(false)
		s.gateway.Broadcast("klippy_state_changed", state)
	default:
		s.gateway.Broadcast("klippy_state_changed", state)
	}
}

// onHostReady rebuilds the available-object snapshot and opens the status
// surface. A failed fetch leaves the multiplexer gated; the host resends
// ready on its next restart.
func (s *Server) onHostReady() {
	// The host may still be assembling its object table right after the
	// ready announcement, so give the fetch a few attempts.
	raw, err := retry.DoWithResult(context.Background(), retry.Quick(), func() (json.RawMessage, error) {
		return s.registry.MakeRequest(context.Background(), objectsListPath, "GET", nil)
	})
	if err != nil {
		slog.Warn("Failed to list host objects on ready transition", "error", err)
		return
	}

	var result struct {
		Objects map[string][]string `json:"objects"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.Warn("Malformed host object list", "error", err)
		return
	}

	s.mux.SetAvailableObjects(result.Objects)
	s.mux.SetReady(true)
	s.temps.Reset()
	s.gateway.Broadcast("klippy_state_changed", bridge.StateReady)
	slog.Info("Host ready", "objects", len(result.Objects))
}

// handleConnState reacts to bridge attach/detach. A disconnect fails every
// outstanding request immediately so callers do not wait out their
// deadlines.
func (s *Server) handleConnState(connected bool) {
	s.health.SetConnected(connected)
	if connected {
		return
	}
	s.mux.SetReady(false)
	s.registry.FailAll(errors.Wrap(errors.ErrHostUnavailable, "Server", "handleConnState", "host disconnected"))
	s.gateway.Broadcast("klippy_state_changed", "disconnected")
}

// ServerInfo satisfies the gateway's HealthSource.
func (s *Server) ServerInfo(websocketClients int) health.Status {
	return s.health.Snapshot(s.registry.PendingCount(), websocketClients)
}

func durationTable(in map[string]config.Duration) map[string]time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v.Std()
	}
	return out
}
