package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tronlabs/tron/internal/backoff"
	"github.com/tronlabs/tron/internal/rpc"
)

var testUpgrader = websocket.Upgrader{}

// fakeGateway runs a scripted server: serve is called once per accepted
// connection with the 1-based dial count.
func fakeGateway(t *testing.T, serve func(conn *websocket.Conn, dial int)) (string, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, int(dials.Add(1)))
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), &dials
}

func acceptConnect(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var req rpc.Request
	if err := conn.ReadJSON(&req); err != nil || req.Method != "connect" {
		return false
	}
	return conn.WriteJSON(map[string]any{
		"id": req.ID, "success": true,
		"result": map[string]any{
			"protocolVersion": protocolVersion,
			"serverVersion":   "fake",
			"serverTime":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	}) == nil
}

// echo answers every request with {"method": <name>} after the handshake.
func echo(conn *websocket.Conn, _ int) {
	if !acceptConnect(conn) {
		return
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"id": req.ID, "success": true,
			"result": map[string]any{"method": req.Method},
		})
	}
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:                  url,
		RequestTimeout:       2 * time.Second,
		MaxReconnectAttempts: 3,
		Backoff:              backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func wantRPCCode(t *testing.T, err error, code rpc.Code) {
	t.Helper()
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *rpc.Error with code %s", err, code)
	}
	if rpcErr.Code != code {
		t.Fatalf("error code = %s, want %s", rpcErr.Code, code)
	}
}

func TestCallRoundTrip(t *testing.T) {
	url, _ := fakeGateway(t, echo)
	c := newTestClient(t, url, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.ServerInfo().ServerVersion; got != "fake" {
		t.Fatalf("ServerInfo().ServerVersion = %q, want fake", got)
	}

	var out struct {
		Method string `json:"method"`
	}
	if err := c.CallInto(context.Background(), "system.ping", nil, &out); err != nil {
		t.Fatalf("CallInto: %v", err)
	}
	if out.Method != "system.ping" {
		t.Fatalf("result method = %q, want system.ping", out.Method)
	}
}

func TestCallTimesOutAndDropsLateReply(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn, _ int) {
		if !acceptConnect(conn) {
			return
		}
		calls := 0
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var req rpc.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			calls++
			if calls == 1 {
				// Answer the first call well past the client's deadline.
				time.Sleep(300 * time.Millisecond)
			}
			_ = conn.WriteJSON(map[string]any{
				"id": req.ID, "success": true,
				"result": map[string]any{"call": calls},
			})
		}
	})
	c := newTestClient(t, url, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Call(context.Background(), "slow.method", nil)
	wantRPCCode(t, err, rpc.CodeRPCTimeout)

	// The late reply must not poison the next call.
	time.Sleep(350 * time.Millisecond)
	var out struct {
		Call int `json:"call"`
	}
	if err := c.CallInto(context.Background(), "fast.method", nil, &out); err != nil {
		t.Fatalf("CallInto after timeout: %v", err)
	}
	if out.Call != 2 {
		t.Fatalf("call counter = %d, want 2", out.Call)
	}
}

func TestPendingCallRejectedOnDisconnect(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn, dial int) {
		if !acceptConnect(conn) {
			return
		}
		if dial > 1 {
			// Keep reconnects idle so the test stays deterministic.
			time.Sleep(time.Second)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Drop the connection instead of answering.
		_ = conn.Close()
	})
	c := newTestClient(t, url, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Call(context.Background(), "doomed.method", nil)
	wantRPCCode(t, err, rpc.CodeConnectionClosed)
}

func TestReconnectsAfterDrop(t *testing.T) {
	url, dials := fakeGateway(t, func(conn *websocket.Conn, dial int) {
		if !acceptConnect(conn) {
			return
		}
		if dial == 1 {
			_ = conn.Close()
			return
		}
		echoAfterHandshake(conn)
	})
	c := newTestClient(t, url, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if dials.Load() >= 2 && c.Connected() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if dials.Load() < 2 || !c.Connected() {
		t.Fatalf("dials = %d, connected = %v; want a live reconnect", dials.Load(), c.Connected())
	}

	if _, err := c.Call(context.Background(), "after.reconnect", nil); err != nil {
		t.Fatalf("Call after reconnect: %v", err)
	}
}

// echoAfterHandshake is echo's request loop for scripts that already ran
// acceptConnect.
func echoAfterHandshake(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"id": req.ID, "success": true,
			"result": map[string]any{"method": req.Method},
		})
	}
}

func TestNormalClosureSuppressesReconnect(t *testing.T) {
	url, dials := fakeGateway(t, func(conn *websocket.Conn, _ int) {
		if !acceptConnect(conn) {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the close echo so the peer sees 1000, not a dropped TCP
		// connection.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = conn.ReadMessage()
	})
	c := newTestClient(t, url, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Connected() {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("still connected after server close")
	}

	// Give a would-be reconnect loop time to fire.
	time.Sleep(150 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (close 1000 must not reconnect)", got)
	}

	_, err := c.Call(context.Background(), "any.method", nil)
	wantRPCCode(t, err, rpc.CodeConnectionClosed)
}

func TestHandshakeAuthRejected(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn, _ int) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"id": req.ID, "success": false,
			"error": map[string]any{"code": "PERMISSION_DENIED", "message": "invalid auth token"},
		})
	})
	c := newTestClient(t, url, func(cfg *Config) { cfg.AuthToken = "nope" })

	err := c.Connect(context.Background())
	wantRPCCode(t, err, rpc.CodePermissionDenied)
}

func TestEventSubscriptions(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn, _ int) {
		if !acceptConnect(conn) {
			return
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_ = conn.WriteJSON(map[string]any{
			"type": "turn.started", "timestamp": now,
			"data": map[string]any{"sessionId": "ses_1", "turn": 1},
		})
		_ = conn.WriteJSON(map[string]any{
			"type": "turn.ended", "timestamp": now,
			"data": map[string]any{"sessionId": "ses_1", "turn": 1},
		})
		time.Sleep(time.Second)
	})

	c := newTestClient(t, url, nil)
	started := make(chan Event, 1)
	all := make(chan Event, 4)
	c.On("turn.started", func(e Event) { started <- e })
	c.OnAll(func(e Event) { all <- e })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case e := <-started:
		if e.Type != "turn.started" {
			t.Fatalf("event type = %q, want turn.started", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no turn.started event")
	}

	got := 0
	timeout := time.After(2 * time.Second)
	for got < 2 {
		select {
		case <-all:
			got++
		case <-timeout:
			t.Fatalf("OnAll saw %d events, want 2", got)
		}
	}
}
