package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

// conn is one client connection: a read pump dispatching request frames and
// a write pump draining the send channel with a ping ticker.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	id    string
	ready atomic.Bool
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	c.run()
}

func (c *conn) run() {
	c.server.logger.Debug(c.ctx, "client connected", "conn_id", c.id)
	c.server.hub.add(c)
	go c.writeLoop()

	if c.server.config.AuthToken == "" {
		c.ready.Store(true)
		c.pushConnected()
	}

	c.readLoop()
	c.server.hub.remove(c)
	c.cancel()
	_ = c.ws.Close()
	c.server.logger.Debug(c.ctx, "client disconnected", "conn_id", c.id)
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := rpc.ValidateFrame(data); err != nil {
			c.sendResponse(rpc.Fail(frameID(data), err))
			continue
		}
		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(rpc.Fail(frameID(data), rpc.NewError(rpc.CodeInvalidParams, "malformed request frame: %v", err)))
			continue
		}

		if !c.ready.Load() {
			if req.Method != "connect" {
				c.sendResponse(rpc.Fail(req.ID, rpc.NewError(rpc.CodePermissionDenied,
					"connect handshake required before %s", req.Method)))
				continue
			}
			c.handleConnect(&req)
			continue
		}
		if req.Method == "connect" {
			c.sendResponse(rpc.OK(req.ID, c.connectedData()))
			continue
		}

		// Each request runs in its own goroutine so agent.abort can land
		// while agent.prompt holds the turn.
		go c.serve(&req)
	}
}

func (c *conn) serve(req *rpc.Request) {
	c.sendResponse(c.server.dispatch(c.ctx, req))
}

type connectParams struct {
	Token       string `json:"token,omitempty"`
	MinProtocol int    `json:"minProtocol,omitempty"`
	MaxProtocol int    `json:"maxProtocol,omitempty"`
	ClientName  string `json:"clientName,omitempty"`
}

func (c *conn) handleConnect(req *rpc.Request) {
	var params connectParams
	if err := req.Bind(&params); err != nil {
		c.sendResponse(rpc.Fail(req.ID, err))
		return
	}

	minP, maxP := params.MinProtocol, params.MaxProtocol
	if minP <= 0 {
		minP = protocolVersion
	}
	if maxP <= 0 {
		maxP = protocolVersion
	}
	if protocolVersion < minP || protocolVersion > maxP {
		c.sendResponse(rpc.Fail(req.ID, rpc.NewError(rpc.CodeInvalidParams,
			"unsupported protocol range [%d, %d], server speaks %d", minP, maxP, protocolVersion)))
		return
	}

	token := c.server.config.AuthToken
	if token != "" && subtle.ConstantTimeCompare([]byte(params.Token), []byte(token)) != 1 {
		c.sendResponse(rpc.Fail(req.ID, rpc.NewError(rpc.CodePermissionDenied, "invalid auth token")))
		return
	}

	c.ready.Store(true)
	c.sendResponse(rpc.OK(req.ID, c.connectedData()))
	c.pushConnected()
	c.server.logger.Info(c.ctx, "client handshake complete",
		"conn_id", c.id, "client", params.ClientName)
}

func (c *conn) connectedData() models.SystemConnectedData {
	return models.SystemConnectedData{
		ProtocolVersion: protocolVersion,
		ServerVersion:   c.server.config.ServerVersion,
		ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (c *conn) pushConnected() {
	frame, err := json.Marshal(rpc.NewEvent(string(models.WireSystemConnected), c.connectedData()))
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *conn) sendResponse(resp *rpc.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.server.logger.Warn(c.ctx, "failed to encode response frame",
			"conn_id", c.id, "request_id", resp.ID, "error", err)
		return
	}
	c.enqueue(frame)
}

// sendEvent delivers one broadcast frame. Cosmetic types are dropped when
// the buffer is full; boundary types wait for room or the connection's end.
func (c *conn) sendEvent(typ models.WireEventType, frame []byte) {
	if !c.ready.Load() {
		return
	}
	if typ.Cosmetic() {
		select {
		case c.send <- frame:
		default:
			if c.server.metrics != nil {
				c.server.metrics.WSFramesDropped.WithLabelValues(string(typ)).Inc()
			}
		}
		return
	}
	c.enqueue(frame)
}

func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// closeWith sends a close control frame and tears the connection down.
// WriteControl is safe to call concurrently with the write pump.
func (c *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.cancel()
	_ = c.ws.Close()
}

// frameID pulls the request id out of a raw frame for error responses on
// frames that failed validation.
func frameID(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
