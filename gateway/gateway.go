// Package gateway is the client boundary: a gorilla/mux HTTP surface and a
// JSON-RPC 2.0 websocket surface over the same closed command set. Every
// command is registered at startup against a static table; an invalid
// registration is a startup error, never a runtime lookup failure. Host
// push notifications broadcast to websocket clients as notify_<event>
// notifications through per-client bounded queues that drop oldest on
// overflow, so one stalled client never stalls the tick loop.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/homepods/printbridge/auth"
	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/fileguard"
	"github.com/homepods/printbridge/health"
	"github.com/homepods/printbridge/metric"
	"github.com/homepods/printbridge/tempstore"
	"github.com/prometheus/client_golang/prometheus"
)

// Requester issues a correlated request to the control host.
type Requester interface {
	MakeRequest(ctx context.Context, path, method string, args map[string]any) (json.RawMessage, error)
}

// StatusSource exposes the status multiplexer surface the gateway serves.
type StatusSource interface {
	QueryStatus(ctx context.Context, objects map[string][]string) (map[string]any, error)
	Subscribe(objects map[string][]string)
	Subscriptions() map[string][]string
	AvailableObjects() map[string][]string
}

// Authorizer gates requests and manages credentials.
type Authorizer interface {
	IsAuthorized(auth.Request) bool
	IssueOneShotToken() string
	APIKey() string
	RotateAPIKey() string
}

// MutationGuard approves or denies destructive file operations.
type MutationGuard interface {
	CheckMutationAllowed(ctx context.Context, filename string) error
}

// FileStore is the managed file tree behind the upload/delete endpoints.
type FileStore interface {
	List() ([]fileguard.FileInfo, error)
	Save(filename string, r io.Reader) (int64, error)
	Delete(filename string) error
}

// TemperatureSource serves the rolling temperature history.
type TemperatureSource interface {
	History() map[string]tempstore.SensorHistory
}

// HealthSource summarizes the host link for the server info endpoint. The
// gateway passes its own live websocket client count into the snapshot.
type HealthSource interface {
	ServerInfo(websocketClients int) health.Status
}

// Config holds gateway settings.
type Config struct {
	// Host and Port form the bind address.
	Host string
	Port int

	// EnableCORS adds permissive CORS headers for browser clients.
	EnableCORS bool

	// ClientQueueSize bounds each websocket client's send queue.
	ClientQueueSize int

	// PingInterval is the websocket keepalive ping cadence. Clients not
	// answering within PongWait are dropped.
	PingInterval time.Duration
	PongWait     time.Duration
}

// DefaultConfig returns the stock gateway configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            7125,
		ClientQueueSize: 64,
		PingInterval:    20 * time.Second,
		PongWait:        60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "Validate", "port")
	}
	if c.ClientQueueSize <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "Validate", "client queue size")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "Validate", "ping intervals")
	}
	return nil
}

// Dependencies carries the collaborators the gateway serves.
type Dependencies struct {
	Requester   Requester
	Status      StatusSource
	Auth        Authorizer
	Guard       MutationGuard
	Files       FileStore
	Temperature TemperatureSource
	Health      HealthSource
	Metrics     *metric.MetricsRegistry
}

// Gateway is the HTTP + websocket client boundary.
type Gateway struct {
	config Config
	deps   Dependencies

	commands map[string]*command
	router   *mux.Router
	server   *http.Server

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	running atomic.Bool

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	metrics *Metrics
}

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	wsClients        prometheus.Gauge
	wsDroppedFrames  prometheus.Counter
	broadcastsTotal  prometheus.Counter
	requestDurations prometheus.Histogram
}

func newGatewayMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Client requests by command and outcome",
		}, []string{"command", "outcome"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printbridge",
			Subsystem: "gateway",
			Name:      "websocket_clients",
			Help:      "Currently connected websocket clients",
		}),
		wsDroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "gateway",
			Name:      "websocket_dropped_frames_total",
			Help:      "Frames dropped for slow websocket clients",
		}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "Notifications broadcast to websocket clients",
		}),
		requestDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "printbridge",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Client request handling latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.requestsTotal, m.wsClients, m.wsDroppedFrames, m.broadcastsTotal, m.requestDurations)
	return m
}

// New creates a gateway and registers the command table. Registration
// problems (duplicate names, missing handlers) surface here, at startup.
func New(config Config, deps Dependencies) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Requester == nil || deps.Status == nil || deps.Auth == nil ||
		deps.Guard == nil || deps.Files == nil || deps.Temperature == nil ||
		deps.Health == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Gateway", "New", "dependencies")
	}

	g := &Gateway{
		config:   config,
		deps:     deps,
		clients:  make(map[*wsClient]struct{}),
		shutdown: make(chan struct{}),
		wg:       &sync.WaitGroup{},
		metrics:  newGatewayMetrics(deps.Metrics),
	}

	if err := g.registerCommands(); err != nil {
		return nil, err
	}
	g.buildRouter()
	return g, nil
}

// Start binds the listener and begins serving.
func (g *Gateway) Start(_ context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.running.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "Gateway", "Start", "gateway")
	}

	addr := net.JoinHostPort(g.config.Host, strconv.Itoa(g.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Gateway", "Start", "bind listener")
	}

	g.server = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.running.Store(true)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server exited", "error", err)
		}
	}()

	slog.Info("Gateway listening", "addr", addr, "commands", len(g.commands))
	return nil
}

// Stop shuts the server down and disconnects all websocket clients.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.running.Load() {
		return nil
	}
	g.running.Store(false)
	close(g.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		slog.Warn("Gateway shutdown incomplete", "error", err)
	}

	g.clientsMu.Lock()
	for client := range g.clients {
		client.close()
	}
	g.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Gateway goroutines did not exit within timeout")
	}
	return nil
}

// Handler exposes the router, primarily for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// buildRouter wires HTTP routes from the command table plus the websocket
// upgrade, metrics, and middleware.
func (g *Gateway) buildRouter() {
	r := mux.NewRouter()

	for _, cmd := range g.commands {
		if cmd.httpPath == "" {
			continue
		}
		r.HandleFunc(cmd.httpPath, g.httpHandlerFor(cmd)).Methods(cmd.httpMethod)
	}

	// Delete takes the filename as a path suffix.
	r.HandleFunc("/server/files/{filename:.+}", g.handleFileDelete).Methods(http.MethodDelete)
	r.HandleFunc("/websocket", g.handleWebsocket).Methods(http.MethodGet)
	if g.deps.Metrics != nil {
		r.Handle("/metrics", g.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.Use(g.authMiddleware)
	if g.config.EnableCORS {
		r.Use(corsMiddleware)
	}
	g.router = r
}

// authMiddleware denies unauthorized requests uniformly with 401. The
// metrics endpoint is exempt: it carries no machine control surface and is
// scraped by infrastructure without credentials.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !g.deps.Auth.IsAuthorized(auth.Request{
			RemoteAddr: r.RemoteAddr,
			APIKey:     r.Header.Get("X-Api-Key"),
			Token:      r.URL.Query().Get("token"),
		}) {
			g.writeError(w, errors.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// httpHandlerFor adapts a command to an HTTP endpoint. Query parameters
// become command arguments: repeated or comma-separated values are passed
// through as strings for the handler to interpret.
func (g *Gateway) httpHandlerFor(cmd *command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		args := make(map[string]any)
		for key, values := range r.URL.Query() {
			if key == "token" {
				continue
			}
			if len(values) == 1 {
				args[key] = values[0]
			} else {
				args[key] = values
			}
		}

		result, err := cmd.handler(r.Context(), &callContext{args: args, request: r})
		g.observe(cmd.name, err, time.Since(start))
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// writeError serializes an error with its mapped status code. Host errors
// pass through their own code and message; auth denials stay uniform.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	g.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": publicMessage(err),
		},
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write response body", "error", err)
	}
}

func (g *Gateway) observe(command string, err error, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	g.metrics.requestsTotal.WithLabelValues(command, outcome).Inc()
	g.metrics.requestDurations.Observe(elapsed.Seconds())
}

// handleFileDelete is routed outside the command table because the filename
// rides in the path, but it dispatches through the same delete command.
func (g *Gateway) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	start := time.Now()
	result, err := g.deleteFile(r.Context(), filename)
	g.observe("delete_server_files", err, time.Since(start))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
