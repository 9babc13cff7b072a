package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/homepods/printbridge/pkg/buffer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin; authorization is handled by
	// the middleware, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one persistent JSON-RPC connection. Outbound frames pass
// through a bounded ring that drops the oldest frame on overflow, so a
// stalled reader degrades to missing updates instead of stalling the
// broadcaster.
type wsClient struct {
	conn    *websocket.Conn
	sendq   *buffer.Ring[[]byte]
	wake    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

func (c *wsClient) enqueue(frame []byte) bool {
	stored := c.sendq.Write(frame)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return stored
}

func (c *wsClient) close() {
	c.closeMu.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// handleWebsocket upgrades the connection and runs the client until it
// disconnects. Authorization already happened in the middleware; one-shot
// tokens ride the upgrade URL for browser clients that cannot set headers.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}

	sendq, err := buffer.NewRing[[]byte](g.config.ClientQueueSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			if g.metrics != nil {
				g.metrics.wsDroppedFrames.Inc()
			}
			slog.Warn("Dropping frame for slow websocket client", "peer", r.RemoteAddr)
		}),
	)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &wsClient{
		conn:  conn,
		sendq: sendq,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	g.clientsMu.Lock()
	g.clients[client] = struct{}{}
	count := len(g.clients)
	g.clientsMu.Unlock()
	if g.metrics != nil {
		g.metrics.wsClients.Set(float64(count))
	}
	slog.Info("Websocket client connected", "peer", r.RemoteAddr, "clients", count)

	// The upgrade request's context dies when this handler returns; the
	// client's calls outlive it.
	g.wg.Add(2)
	go g.clientWriteLoop(client)
	go g.clientReadLoop(context.Background(), client, r.RemoteAddr)
}

// clientReadLoop consumes JSON-RPC requests until disconnect.
func (g *Gateway) clientReadLoop(ctx context.Context, client *wsClient, peer string) {
	defer g.wg.Done()
	defer g.removeClient(client, peer)

	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(g.config.PongWait))
	})
	_ = client.conn.SetReadDeadline(time.Now().Add(g.config.PongWait))

	for {
		select {
		case <-g.shutdown:
			return
		case <-client.done:
			return
		default:
		}

		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		g.dispatchRPC(ctx, client, data)
	}
}

// dispatchRPC handles one inbound frame: parse, look up the command, run
// it, and reply. Requests without an id are notifications and get no reply.
func (g *Gateway) dispatchRPC(ctx context.Context, client *wsClient, data []byte) {
	reply := func(resp rpcResponse) {
		frame, err := json.Marshal(resp)
		if err != nil {
			slog.Warn("Failed to encode rpc response", "error", err)
			return
		}
		client.enqueue(frame)
	}

	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply(errorResponse(nil, codeParseError, "parse error"))
		return
	}
	if req.Version != jsonrpcVersion || req.Method == "" {
		reply(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
		return
	}

	cmd, ok := g.commands[req.Method]
	if !ok {
		reply(errorResponse(req.ID, codeMethodNotFound, "method not found"))
		return
	}

	args := make(map[string]any)
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			reply(errorResponse(req.ID, codeInvalidParams, "params must be an object"))
			return
		}
	}

	start := time.Now()
	result, err := cmd.handler(ctx, &callContext{args: args})
	g.observe(cmd.name, err, time.Since(start))

	if len(req.ID) == 0 {
		return
	}
	if err != nil {
		reply(rpcErrorFor(req.ID, err))
		return
	}
	reply(successResponse(req.ID, result))
}

// clientWriteLoop drains the send queue and keeps the connection alive with
// pings.
func (g *Gateway) clientWriteLoop(client *wsClient) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdown:
			return
		case <-client.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(g.config.PingInterval / 2)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				client.close()
				return
			}
		case <-client.wake:
			for _, frame := range client.sendq.ReadBatch(g.config.ClientQueueSize) {
				_ = client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					client.close()
					return
				}
			}
		}
	}
}

func (g *Gateway) removeClient(client *wsClient, peer string) {
	client.close()

	g.clientsMu.Lock()
	delete(g.clients, client)
	count := len(g.clients)
	g.clientsMu.Unlock()

	if g.metrics != nil {
		g.metrics.wsClients.Set(float64(count))
	}
	slog.Info("Websocket client disconnected", "peer", peer, "clients", count)
}

// Broadcast pushes a notify_<event> notification to every connected
// websocket client. The frame is encoded once; enqueueing never blocks.
func (g *Gateway) Broadcast(event string, payload any) {
	frame, err := json.Marshal(newNotification(event, payload))
	if err != nil {
		slog.Warn("Failed to encode notification", "event", event, "error", err)
		return
	}

	g.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for client := range g.clients {
		clients = append(clients, client)
	}
	g.clientsMu.Unlock()

	for _, client := range clients {
		client.enqueue(frame)
	}
	if g.metrics != nil && len(clients) > 0 {
		g.metrics.broadcastsTotal.Inc()
	}
}
