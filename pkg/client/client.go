// Package client is the Go client for a tron gateway: one persistent
// websocket carrying request/response envelopes and server-pushed event
// frames, with request correlation, typed subscriptions, and automatic
// reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tronlabs/tron/internal/backoff"
	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

const (
	protocolVersion = 1
	maxPayloadBytes = 1 << 20

	writeWait   = 10 * time.Second
	dialTimeout = 10 * time.Second

	// idleWait bounds how long the read loop tolerates silence. The server
	// pings every 15 seconds; four missed pings means the link is dead.
	idleWait = 60 * time.Second

	defaultRequestTimeout    = 30 * time.Second
	defaultReconnectAttempts = 10
)

// Config configures a Client.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string

	// AuthToken, when set, is carried in the connect handshake.
	AuthToken string

	// ClientName identifies this client to the server.
	ClientName string

	// RequestTimeout bounds each Call that has no earlier context
	// deadline. Zero means 30 seconds.
	RequestTimeout time.Duration

	// MaxReconnectAttempts caps one reconnect episode after an unexpected
	// disconnect. Zero means 10.
	MaxReconnectAttempts int

	// Backoff shapes reconnect delays. The zero value uses the default
	// policy (500ms doubling to 30s).
	Backoff backoff.Policy

	// Logger receives connection lifecycle logs. Nil discards them.
	Logger *observability.Logger
}

// Event is one server push, decoded far enough to route. Data stays raw
// for the subscriber to bind.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventHandler receives one server-pushed event. Handlers run on the read
// loop goroutine; blocking ones stall the connection.
type EventHandler func(event Event)

// response mirrors the wire response envelope with the result kept raw.
type response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
}

// Client is a gateway connection. Safe for concurrent use.
type Client struct {
	config Config
	logger *observability.Logger

	// writeMu serializes frame writes; the websocket allows one writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	ws         *websocket.Conn
	pending    map[string]chan *response
	serverInfo models.SystemConnectedData
	connected  bool
	closed     bool

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
	catchAll   []EventHandler

	done chan struct{}
}

// New builds a Client. Call Connect to establish the connection.
func New(config Config) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if config.Backoff == (backoff.Policy{}) {
		config.Backoff = backoff.Default()
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Client{
		config:   config,
		logger:   logger.Component("client"),
		pending:  make(map[string]chan *response),
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
}

// Connect dials the gateway and performs the protocol handshake. When
// Config.AuthToken is set the handshake carries it. Connect is a no-op on
// an already connected client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpc.NewError(rpc.CodeConnectionClosed, "client is closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

func (c *Client) connectOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.URL, err)
	}

	info, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return rpc.NewError(rpc.CodeConnectionClosed, "client is closed")
	}
	if c.connected {
		// Another path (Connect racing the reconnect loop) won.
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	c.ws = ws
	c.connected = true
	c.serverInfo = info
	c.mu.Unlock()

	go c.readLoop(ws)
	c.logger.Info(ctx, "connected to gateway",
		"url", c.config.URL, "server_version", info.ServerVersion)
	return nil
}

// handshake sends the connect frame and waits for its response, passing
// any event frames that arrive first to subscribers.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (models.SystemConnectedData, error) {
	var info models.SystemConnectedData

	params := map[string]any{
		"minProtocol": protocolVersion,
		"maxProtocol": protocolVersion,
	}
	if c.config.AuthToken != "" {
		params["token"] = c.config.AuthToken
	}
	if c.config.ClientName != "" {
		params["clientName"] = c.config.ClientName
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return info, fmt.Errorf("failed to encode handshake params: %w", err)
	}

	id := uuid.NewString()
	if err := c.writeFrame(ws, rpc.Request{ID: id, Method: "connect", Params: raw}); err != nil {
		return info, fmt.Errorf("failed to send handshake: %w", err)
	}

	deadline := time.Now().Add(c.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return info, fmt.Errorf("handshake failed: %w", err)
		}
		frameType, frameID := probeFrame(data)
		if frameType != "" {
			c.dispatchEvent(data)
			continue
		}
		if frameID != id {
			continue
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			return info, fmt.Errorf("failed to decode handshake response: %w", err)
		}
		if !resp.Success {
			if resp.Error != nil {
				return info, resp.Error
			}
			return info, errors.New("handshake rejected")
		}
		if err := json.Unmarshal(resp.Result, &info); err != nil {
			return info, fmt.Errorf("failed to decode server info: %w", err)
		}
		return info, nil
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ServerInfo returns the handshake result from the current or most recent
// connection.
func (c *Client) ServerInfo() models.SystemConnectedData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Call invokes one method and returns the raw result. The timeout is the
// context's deadline when set, Config.RequestTimeout otherwise; replies
// landing after that are dropped.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
		}
		raw = encoded
	}

	id := uuid.NewString()
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed || !c.connected || c.ws == nil {
		c.mu.Unlock()
		return nil, rpc.NewError(rpc.CodeConnectionClosed, "client is not connected")
	}
	ws := c.ws
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(ws, rpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return nil, rpc.NewError(rpc.CodeConnectionClosed, "failed to send %s: %v", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, rpc.NewError(rpc.CodeInternalError, "%s failed without error detail", method)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rpc.NewError(rpc.CodeRPCTimeout, "%s timed out", method)
		}
		return nil, ctx.Err()
	}
}

// CallInto invokes one method and binds the result into out. A nil out
// discards the result.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// On subscribes a handler to one event type.
func (c *Client) On(eventType string, h EventHandler) {
	c.handlersMu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.handlersMu.Unlock()
}

// OnAll subscribes a handler to every event type.
func (c *Client) OnAll(h EventHandler) {
	c.handlersMu.Lock()
	c.catchAll = append(c.catchAll, h)
	c.handlersMu.Unlock()
}

// Close sends a normal-closure frame, tears the connection down, and
// suppresses reconnection. In-flight calls fail with CONNECTION_CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	close(c.done)

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
	}
	return nil
}

func (c *Client) writeFrame(ws *websocket.Conn, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxPayloadBytes)
	_ = ws.SetReadDeadline(time.Now().Add(idleWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(idleWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	var closeErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(idleWait))
		c.dispatchFrame(data)
	}
	c.handleDisconnect(ws, closeErr)
}

func (c *Client) dispatchFrame(data []byte) {
	frameType, frameID := probeFrame(data)
	switch {
	case frameType != "":
		c.dispatchEvent(data)
	case frameID != "":
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn(context.Background(), "failed to decode response frame", "error", err)
			return
		}
		c.deliver(&resp)
	}
}

func (c *Client) dispatchEvent(data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn(context.Background(), "failed to decode event frame", "error", err)
		return
	}
	c.handlersMu.RLock()
	typed := c.handlers[event.Type]
	all := c.catchAll
	c.handlersMu.RUnlock()
	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}

// deliver hands a response to its waiting call. Replies whose caller
// already gave up are dropped.
func (c *Client) deliver(resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug(context.Background(), "dropping late reply", "request_id", resp.ID)
		return
	}
	ch <- resp
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handleDisconnect rejects pending calls and decides whether to reconnect:
// a client Close or a server normal-closure ends the client for good,
// anything else starts the backoff loop.
func (c *Client) handleDisconnect(ws *websocket.Conn, err error) {
	_ = ws.Close()

	c.mu.Lock()
	if c.ws != ws {
		// A stale read loop from a connection already replaced.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	closed := c.closed
	pending := c.pending
	c.pending = make(map[string]chan *response)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- &response{
			ID:      id,
			Success: false,
			Error:   rpc.NewError(rpc.CodeConnectionClosed, "connection closed"),
		}
	}

	if closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info(context.Background(), "server closed the connection")
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return
	}

	c.logger.Warn(context.Background(), "connection lost", "error", err)
	go c.reconnect()
}

func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		delay := c.config.Backoff.Delay(attempt)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.connectOnce(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn(context.Background(), "reconnect failed",
			"attempt", attempt, "error", err)
	}

	c.logger.Error(context.Background(), "reconnect attempts exhausted",
		"attempts", c.config.MaxReconnectAttempts)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// probeFrame pulls the routing fields out of a raw frame: events carry a
// type, responses an id.
func probeFrame(data []byte) (frameType, frameID string) {
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.Type, probe.ID
}
