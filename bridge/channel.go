// Package bridge implements the channel between the network-facing process
// and the control host. The host connects to a unix domain socket owned by
// the bridge; frames are NUL-delimited JSON envelopes. Outbound sends are
// bounded and never block past a short enqueue timeout. Inbound frames are
// consumed by a single goroutine in strict arrival order, so response
// routing needs no cross-task locking beyond the registry's own.
package bridge

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// ResponseHandler receives every response envelope, in arrival order.
type ResponseHandler func(Response)

// NotificationHandler receives every notification envelope, in arrival order.
type NotificationHandler func(Notification)

// StateHandler observes host connection transitions. It is invoked with
// true when a host attaches and false when the connection drops, so
// collaborators can fail outstanding requests instead of waiting out their
// deadlines.
type StateHandler func(connected bool)

// Config holds bridge channel settings.
type Config struct {
	// SocketPath is the unix domain socket the host connects to.
	SocketPath string

	// SendTimeout bounds how long Send may wait to enqueue a frame.
	SendTimeout time.Duration

	// SendQueueSize is the outbound frame queue capacity.
	SendQueueSize int
}

// DefaultConfig returns sensible bridge defaults.
func DefaultConfig() Config {
	return Config{
		SocketPath:    "/tmp/printbridge.sock",
		SendTimeout:   time.Second,
		SendQueueSize: 64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Channel", "Validate", "socket path")
	}
	if c.SendTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Channel", "Validate", "send timeout")
	}
	if c.SendQueueSize <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Channel", "Validate", "send queue size")
	}
	return nil
}

// Channel is the sole crossing point into the control host.
type Channel struct {
	config Config

	onResponse     ResponseHandler
	onNotification []NotificationHandler
	onState        []StateHandler

	listener net.Listener

	connMu  sync.Mutex
	current *hostConn

	connected atomic.Bool
	running   atomic.Bool

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	metrics *Metrics
}

// Metrics holds Prometheus metrics for the bridge channel.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived *prometheus.CounterVec
	sendFailures   prometheus.Counter
	hostConnected  prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "bridge",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to the host",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "bridge",
			Name:      "frames_received_total",
			Help:      "Total frames received from the host",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "printbridge",
			Subsystem: "bridge",
			Name:      "send_failures_total",
			Help:      "Sends rejected because the host was unreachable or the queue was full",
		}),
		hostConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printbridge",
			Subsystem: "bridge",
			Name:      "host_connected",
			Help:      "Whether a host connection is currently attached (0/1)",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.framesSent,
		m.framesReceived,
		m.sendFailures,
		m.hostConnected,
	)
	return m
}

// New creates a bridge channel. Handlers must be registered before Start.
func New(config Config, registry *metric.MetricsRegistry) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Channel{
		config:  config,
		metrics: newMetrics(registry),
	}, nil
}

// hostConn bundles one host connection with its own send queue, so frames
// enqueued for a live connection can never be consumed or discarded by the
// loops of a replaced one.
type hostConn struct {
	conn  net.Conn
	sendq chan []byte
	done  chan struct{}
	once  sync.Once
}

func newHostConn(conn net.Conn, queueSize int) *hostConn {
	return &hostConn{
		conn:  conn,
		sendq: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// close releases the connection and wakes its loops. Queued frames die with
// the connection; outstanding requests are resolved by the disconnect
// handlers, not by replay.
func (h *hostConn) close() {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Close()
	})
}

// OnResponse registers the single response handler (the correlation
// registry's resolve path).
func (c *Channel) OnResponse(h ResponseHandler) {
	c.onResponse = h
}

// OnNotification adds a passive notification listener.
func (c *Channel) OnNotification(h NotificationHandler) {
	c.onNotification = append(c.onNotification, h)
}

// OnStateChange adds a connection state listener.
func (c *Channel) OnStateChange(h StateHandler) {
	c.onState = append(c.onState, h)
}

// Start binds the unix socket and begins accepting the host connection.
func (c *Channel) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "Channel", "Start", "bridge channel")
	}

	// Remove a stale socket file from a previous run.
	if err := os.Remove(c.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Channel", "Start", "remove stale socket")
	}

	listener, err := net.Listen("unix", c.config.SocketPath)
	if err != nil {
		return errors.Wrap(err, "Channel", "Start", "bind unix socket")
	}
	c.listener = listener
	c.shutdown = make(chan struct{})
	c.wg = &sync.WaitGroup{}
	c.running.Store(true)

	c.wg.Add(1)
	go c.acceptLoop(ctx)

	slog.Info("Bridge channel listening", "socket", c.config.SocketPath)
	return nil
}

// Stop closes the listener and any attached host connection, then waits for
// background goroutines up to the timeout.
func (c *Channel) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return nil
	}
	c.running.Store(false)
	close(c.shutdown)

	if c.listener != nil {
		_ = c.listener.Close()
	}
	c.detach()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Bridge goroutines did not exit within timeout")
	}

	_ = os.Remove(c.config.SocketPath)
	return nil
}

// Connected reports whether a host connection is currently attached.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Send enqueues a request envelope for delivery to the host. It fails fast
// with ErrHostUnavailable when no host is attached, and never blocks past
// the configured enqueue timeout even under backpressure.
func (c *Channel) Send(req Request) error {
	c.connMu.Lock()
	hc := c.current
	c.connMu.Unlock()

	if hc == nil {
		if c.metrics != nil {
			c.metrics.sendFailures.Inc()
		}
		return errors.Wrap(errors.ErrHostUnavailable, "Channel", "Send", "enqueue envelope")
	}

	data, err := encodeFrame(req)
	if err != nil {
		return errors.Wrap(err, "Channel", "Send", "encode envelope")
	}

	timer := time.NewTimer(c.config.SendTimeout)
	defer timer.Stop()

	select {
	case hc.sendq <- data:
		return nil
	case <-hc.done:
		if c.metrics != nil {
			c.metrics.sendFailures.Inc()
		}
		return errors.Wrap(errors.ErrHostUnavailable, "Channel", "Send", "connection dropped")
	case <-timer.C:
		if c.metrics != nil {
			c.metrics.sendFailures.Inc()
		}
		return errors.Wrap(errors.ErrHostUnavailable, "Channel", "Send", "send queue full")
	}
}

// acceptLoop accepts host connections one at a time. A new connection
// replaces any existing one, matching the host's reconnect behavior.
func (c *Channel) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			slog.Warn("Bridge accept failed", "error", err)
			continue
		}

		hc := newHostConn(conn, c.config.SendQueueSize)
		c.connMu.Lock()
		if c.current != nil {
			slog.Info("New host connection received while one is attached, replacing")
			c.current.close()
		}
		c.current = hc
		c.connMu.Unlock()

		c.setConnected(true)
		slog.Info("Host connection established")

		c.wg.Add(2)
		go c.writeLoop(hc)
		go c.readLoop(ctx, hc)
	}
}

// writeLoop drains one connection's send queue. It exits on write error,
// on the connection being dropped or replaced, or on shutdown. Frames
// still queued at exit die with the connection rather than replaying to
// the next host instance.
func (c *Channel) writeLoop(hc *hostConn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		case <-hc.done:
			return
		case data := <-hc.sendq:
			if _, err := hc.conn.Write(data); err != nil {
				slog.Info("Host write failed, closing connection", "error", err)
				c.dropConn(hc)
				return
			}
			if c.metrics != nil {
				c.metrics.framesSent.Inc()
			}
		}
	}
}

// readLoop is the single inbound consumer. Frames are dispatched in strict
// arrival order.
func (c *Channel) readLoop(ctx context.Context, hc *hostConn) {
	defer c.wg.Done()

	scanner := newFrameScanner(bufio.NewReader(hc.conn))
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		c.dispatch(ctx, raw)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Host read failed", "error", err)
	}

	c.dropConn(hc)
}

func (c *Channel) dispatch(_ context.Context, raw []byte) {
	var f frame
	if err := unmarshalFrame(raw, &f); err != nil {
		slog.Warn("Dropping malformed host frame", "error", err, "bytes", len(raw))
		return
	}

	switch {
	case f.ID != nil:
		if c.metrics != nil {
			c.metrics.framesReceived.WithLabelValues("response").Inc()
		}
		if c.onResponse != nil {
			c.onResponse(Response{ID: *f.ID, Result: f.Result, Error: f.Error})
		}
	case f.Name != "":
		if c.metrics != nil {
			c.metrics.framesReceived.WithLabelValues("notification").Inc()
		}
		n := Notification{Name: f.Name, Payload: f.Payload}
		for _, h := range c.onNotification {
			h(n)
		}
	default:
		slog.Warn("Dropping host frame with neither id nor name")
	}
}

// dropConn closes a connection and, if it was the current one, flips the
// channel to disconnected. A stale connection closes quietly without
// touching channel state.
func (c *Channel) dropConn(hc *hostConn) {
	c.connMu.Lock()
	current := c.current == hc
	if current {
		c.current = nil
	}
	c.connMu.Unlock()

	hc.close()
	if current {
		c.setConnected(false)
		slog.Info("Host connection removed")
	}
}

// detach closes the current connection, if any.
func (c *Channel) detach() {
	c.connMu.Lock()
	hc := c.current
	c.connMu.Unlock()
	if hc != nil {
		c.dropConn(hc)
	}
}

func (c *Channel) setConnected(connected bool) {
	if c.connected.Swap(connected) == connected {
		return
	}
	if c.metrics != nil {
		if connected {
			c.metrics.hostConnected.Set(1)
		} else {
			c.metrics.hostConnected.Set(0)
		}
	}
	for _, h := range c.onState {
		h(connected)
	}
}
