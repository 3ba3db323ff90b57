package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

const (
	// handshakeDeadline bounds how long an unauthenticated socket may sit
	// before its first connect frame.
	handshakeDeadline = 10 * time.Second

	// outboundQueueSize bounds the per-connection event queue. A consumer
	// that falls this far behind is disconnected rather than allowed to
	// stall the fan-out.
	outboundQueueSize = 256

	writeTimeout = 10 * time.Second
)

// Client is one WebSocket connection: a single reader goroutine, a single
// writer goroutine, and a bounded queue between fan-out and the wire.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	meta   connMeta

	out     chan []byte
	closed  chan struct{}
	once    sync.Once
	writeMu sync.Mutex // serializes socket writes across pump and reject path

	mu       sync.Mutex
	authed   bool
	role     string
	scopes   []string
	deviceID string
	info     protocol.ClientInfo

	// pending tracks server→client requests (channel.send, system.run)
	// awaiting their response frame.
	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response
}

func NewClient(conn *websocket.Conn, server *Server, meta connMeta) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		meta:    meta,
		out:     make(chan []byte, outboundQueueSize),
		closed:  make(chan struct{}),
		pending: make(map[string]chan *protocol.Response),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Client) Info() protocol.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Client) Scopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes
}

// HasScope reports whether this connection holds a scope (admin implies
// all).
func (c *Client) HasScope(want string) bool {
	return protocol.HasScope(c.Scopes(), want)
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Close tears the connection down once; safe from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.failPending()
	})
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Run drives the connection until it drops. The caller owns registration
// and cleanup.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	// Unauthenticated sockets get a short window to speak.
	c.conn.SetReadDeadline(time.Now().Add(handshakeDeadline))

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read", "conn", c.id, "error", err)
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, err.Error()))
			continue
		}

		switch f := frame.(type) {
		case *protocol.Request:
			c.handleRequest(ctx, f)
		case *protocol.Response:
			c.dispatchResponse(f)
		default:
			// Clients do not push events at the gateway.
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "unexpected frame type"))
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, req *protocol.Request) {
	if !c.Authenticated() {
		if req.Method != protocol.MethodConnect {
			c.rejectAndClose(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
			return
		}
		c.handshake(req)
		return
	}

	if req.Method == protocol.MethodConnect {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "already connected"))
		return
	}

	if !c.server.rateLimiter.Allow(c.id) {
		slog.Warn("security.rate_limited", "conn", c.id, "method", req.Method)
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "rate limit exceeded"))
		return
	}

	c.server.router.Dispatch(ctx, c, req)
}

// handshake processes the connect request: protocol version window,
// credentials, role and scope binding.
func (c *Client) handshake(req *protocol.Request) {
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.rejectAndClose(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed connect params"))
		return
	}

	if !protocol.VersionCompatible(params.MinProtocol, params.MaxProtocol) {
		c.rejectAndClose(protocol.NewErrorResponse(req.ID, protocol.ErrVersionMismatch,
			fmt.Sprintf("server speaks protocol %d", protocol.ProtocolVersion)))
		return
	}

	gw := c.server.cfg.Gateway
	if perr := authorize(&gw, c.meta, &params); perr != nil {
		c.rejectAndClose(&protocol.Response{Type: protocol.FrameRes, ID: req.ID, Error: perr})
		return
	}

	role := params.Role
	if role == "" {
		role = protocol.RoleOperator
	}
	deviceID := params.DeviceID
	if deviceID == "" {
		deviceID = c.id
	}

	c.mu.Lock()
	c.authed = true
	c.role = role
	c.scopes = grantedScopes(role, params.Scope)
	c.deviceID = deviceID
	c.info = params.Client
	c.mu.Unlock()

	// Authenticated connections idle as long as they like; liveness is
	// the ping/pong cycle's job.
	c.conn.SetReadDeadline(time.Time{})
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Time{})
		return nil
	})

	c.sendResponse(protocol.NewResponse(req.ID, protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server:   protocol.ServerInfo{Version: c.server.version},
		Features: &protocol.FeatureAdver{Methods: protocol.Methods(), Events: protocol.Events()},
	}))

	c.server.registry.Add(c)
	slog.Info("client connected",
		"conn", c.id, "device", deviceID, "role", role,
		"client", params.Client.ID, "remote", c.meta.remoteAddr)
}

// --- outbound side ---

func (c *Client) writePump() {
	heartbeat := time.Duration(c.server.cfg.Gateway.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.out:
			if err := c.writeFrame(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
			// Application-level heartbeat for clients that cannot observe
			// transport pings.
			c.enqueue(protocol.NewEvent(protocol.EventTick, map[string]any{"ts": time.Now().UnixMilli()}))
		}
	}
}

// writeFrame writes one frame on the socket under the write lock.
func (c *Client) writeFrame(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// rejectAndClose delivers a terminal error response synchronously, sends a
// close frame, and tears the connection down. The outbound queue cannot
// carry these: Close wins the race against the write pump and the client
// would only ever observe an abnormal closure.
func (c *Client) rejectAndClose(res *protocol.Response) {
	if data, err := json.Marshal(res); err == nil {
		_ = c.writeFrame(websocket.TextMessage, data)
	}
	_ = c.writeFrame(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
	c.Close()
}

// enqueue pushes a marshaled frame onto the outbound queue; a full queue
// means a wedged consumer, which is disconnected.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound frame", "error", err)
		return
	}
	select {
	case c.out <- data:
	case <-c.closed:
	default:
		slog.Warn("client outbound queue full, disconnecting", "conn", c.id, "device", c.DeviceID())
		c.Close()
	}
}

func (c *Client) sendResponse(res *protocol.Response) { c.enqueue(res) }

// SendEvent pushes an event frame to this connection.
func (c *Client) SendEvent(ev *protocol.Event) { c.enqueue(ev) }

// --- server→client calls ---

// Call issues a request on this connection and waits for the matching
// response. Used for channel.send on plugin connections and system.run on
// node connections.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.enqueue(&protocol.Request{Type: protocol.FrameReq, ID: id, Method: method, Params: raw})

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", method)
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("%s: connection closed", method)
	}
}

func (c *Client) dispatchResponse(res *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("unmatched response frame", "conn", c.id, "id", res.ID)
		return
	}
	ch <- res
}
