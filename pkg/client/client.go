// Package client is the Go control-plane client for a FluxGate gateway:
// it dials the WebSocket endpoint, performs the connect handshake, matches
// responses to requests, and surfaces server-push events on a channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// ErrClosed is returned by calls issued after the connection dropped.
var ErrClosed = errors.New("client: connection closed")

const defaultCallTimeout = 30 * time.Second

// Options configures a connection.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. "ws://127.0.0.1:8490/ws".
	URL string

	Token    string
	Password string

	// Role defaults to operator. Scope defaults to the role's default.
	Role  string
	Scope []string

	DeviceID string
	Client   protocol.ClientInfo

	// EventBuffer bounds the pushed-event channel (default 128). When the
	// consumer lags, the oldest buffered event is dropped.
	EventBuffer int
}

// Client is one authenticated control-plane connection. Safe for
// concurrent use; reads run on an internal goroutine.
type Client struct {
	conn  *websocket.Conn
	hello protocol.HelloOK

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	events chan *protocol.Event

	handlerMu sync.Mutex
	onRequest RequestHandler

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects and completes the handshake. The returned client is ready
// for Call and Events.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	bufSize := opts.EventBuffer
	if bufSize <= 0 {
		bufSize = 128
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *protocol.Response),
		events:  make(chan *protocol.Event, bufSize),
		closed:  make(chan struct{}),
	}

	if err := c.handshake(ctx, opts); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// handshake runs the connect exchange synchronously, before the read loop
// starts, so the hello response is the first frame consumed.
func (c *Client) handshake(ctx context.Context, opts Options) error {
	params := protocol.ConnectParams{
		Client:      opts.Client,
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Role:        opts.Role,
		Scope:       opts.Scope,
		DeviceID:    opts.DeviceID,
	}
	if opts.Token != "" || opts.Password != "" {
		params.Auth = &protocol.AuthBlock{Token: opts.Token, Password: opts.Password}
	}

	id := uuid.NewString()
	if err := c.write(ctx, &protocol.Request{
		Type: protocol.FrameReq, ID: id, Method: protocol.MethodConnect,
		Params: mustMarshal(params),
	}); err != nil {
		return err
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("client: handshake read: %w", err)
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			return fmt.Errorf("client: handshake: %w", err)
		}
		res, ok := frame.(*protocol.Response)
		if !ok || res.ID != id {
			continue // events may arrive before the hello in principle
		}
		if res.Error != nil {
			return fmt.Errorf("client: connect rejected: %w", res.Error)
		}
		if err := json.Unmarshal(res.Payload, &c.hello); err != nil {
			return fmt.Errorf("client: malformed hello: %w", err)
		}
		return nil
	}
}

// Hello returns the handshake response, including the feature block.
func (c *Client) Hello() protocol.HelloOK { return c.hello }

// Events is the server-push stream. Closed when the connection drops.
func (c *Client) Events() <-chan *protocol.Event { return c.events }

// Call invokes a method and waits for its response payload. A ctx without
// a deadline gets a 30s one.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("client: marshal %s params: %w", method, err)
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

	if err := c.write(ctx, &protocol.Request{Type: protocol.FrameReq, ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// CallInto is Call plus unmarshalling into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// RequestHandler answers a server→client request (channel.send on plugin
// connections, system.run on node connections).
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.Error)

// OnRequest registers the server→client request handler. Requests arriving
// without one are answered UNKNOWN_METHOD.
func (c *Client) OnRequest(h RequestHandler) {
	c.handlerMu.Lock()
	c.onRequest = h
	c.handlerMu.Unlock()
}

func (c *Client) handleServerRequest(req *protocol.Request) {
	c.handlerMu.Lock()
	h := c.onRequest
	c.handlerMu.Unlock()

	ctx := context.Background()
	if h == nil {
		c.write(ctx, protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "no handler for "+req.Method))
		return
	}
	// Handlers may block (a node running a command); keep the read loop hot.
	go func() {
		payload, perr := h(ctx, req.Method, req.Params)
		if perr != nil {
			c.write(ctx, &protocol.Response{Type: protocol.FrameRes, ID: req.ID, Error: perr})
			return
		}
		c.write(ctx, protocol.NewResponse(req.ID, payload))
	}()
}

// Close tears the connection down. Subsequent calls return ErrClosed.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// shutdown marks the connection dead. The events channel is closed by the
// read loop, its only sender.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// Err reports why the connection dropped, nil for a clean Close.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.shutdown(err)
			c.failPending()
			close(c.events)
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case *protocol.Response:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case *protocol.Event:
			select {
			case c.events <- f:
			default:
				// Consumer lagging: drop the oldest to keep the stream live.
				select {
				case <-c.events:
				default:
				}
				select {
				case c.events <- f:
				default:
				}
			}
		case *protocol.Request:
			c.handleServerRequest(f)
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- protocol.NewErrorResponse(id, protocol.ErrInternal, "connection closed")
		delete(c.pending, id)
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
