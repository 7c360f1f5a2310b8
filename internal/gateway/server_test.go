package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/internal/tasks"
	"github.com/tronlabs/tron/pkg/models"
)

// wireFrame decodes either envelope: responses carry an id, events a type.
type wireFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := storage.NewMigrator(db.DB)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	return Deps{
		Store: eventstore.NewStore(db, eventstore.Options{}),
		Tasks: tasks.NewStore(db, nil),
	}
}

func newTestGateway(t *testing.T, deps Deps, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(deps, cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, id, method string, params any) {
	t.Helper()
	req := rpc.Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON(%s): %v", method, err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wireFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

// awaitResponse reads frames until the response matching id arrives,
// skipping interleaved event pushes.
func awaitResponse(t *testing.T, ws *websocket.Conn, id string) wireFrame {
	t.Helper()
	for i := 0; i < 32; i++ {
		f := readFrame(t, ws)
		if f.Type != "" {
			continue
		}
		if f.ID == id {
			return f
		}
		t.Fatalf("response id = %q, want %q", f.ID, id)
	}
	t.Fatalf("no response for %q after 32 frames", id)
	return wireFrame{}
}

// awaitEvent reads frames until an event of the given type arrives.
func awaitEvent(t *testing.T, ws *websocket.Conn, typ models.WireEventType) wireFrame {
	t.Helper()
	for i := 0; i < 32; i++ {
		f := readFrame(t, ws)
		if f.Type == string(typ) {
			return f
		}
	}
	t.Fatalf("no %s event after 32 frames", typ)
	return wireFrame{}
}

func call(t *testing.T, ws *websocket.Conn, id, method string, params any) wireFrame {
	t.Helper()
	send(t, ws, id, method, params)
	return awaitResponse(t, ws, id)
}

func mustResult(t *testing.T, f wireFrame, v any) {
	t.Helper()
	if !f.Success {
		t.Fatalf("call failed: %v", f.Error)
	}
	if err := json.Unmarshal(f.Result, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func wantCode(t *testing.T, f wireFrame, code rpc.Code) {
	t.Helper()
	if f.Success {
		t.Fatalf("call succeeded, want error %s", code)
	}
	if f.Error == nil || f.Error.Code != code {
		t.Fatalf("error = %v, want code %s", f.Error, code)
	}
}

func TestConnectPushesSystemConnected(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{ServerVersion: "test"})
	ws := dial(t, url)

	f := awaitEvent(t, ws, models.WireSystemConnected)
	var data models.SystemConnectedData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.ProtocolVersion != protocolVersion {
		t.Fatalf("protocolVersion = %d, want %d", data.ProtocolVersion, protocolVersion)
	}
	if data.ServerVersion != "test" {
		t.Fatalf("serverVersion = %q, want %q", data.ServerVersion, "test")
	}
}

func TestHandshakeGatesMethodsWhenTokenSet(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{AuthToken: "sekrit"})
	ws := dial(t, url)

	wantCode(t, call(t, ws, "r1", "session.list", nil), rpc.CodePermissionDenied)
	wantCode(t, call(t, ws, "r2", "connect", map[string]any{"token": "wrong"}), rpc.CodePermissionDenied)

	resp := call(t, ws, "r3", "connect", map[string]any{"token": "sekrit", "clientName": "test"})
	var data models.SystemConnectedData
	mustResult(t, resp, &data)
	if data.ProtocolVersion != protocolVersion {
		t.Fatalf("protocolVersion = %d, want %d", data.ProtocolVersion, protocolVersion)
	}
	awaitEvent(t, ws, models.WireSystemConnected)

	listResp := call(t, ws, "r4", "session.list", nil)
	if !listResp.Success {
		t.Fatalf("session.list after handshake failed: %v", listResp.Error)
	}
}

func TestConnectRejectsIncompatibleProtocol(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{AuthToken: "sekrit"})
	ws := dial(t, url)

	resp := call(t, ws, "r1", "connect", map[string]any{
		"token":       "sekrit",
		"minProtocol": protocolVersion + 1,
		"maxProtocol": protocolVersion + 2,
	})
	wantCode(t, resp, rpc.CodeInvalidParams)
}

func TestSessionRoundTrip(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var created models.Session
	mustResult(t, call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
		"title":            "round trip",
	}), &created)
	if !strings.HasPrefix(created.ID, "ses_") {
		t.Fatalf("session id = %q, want ses_ prefix", created.ID)
	}
	if created.Status != models.SessionActive {
		t.Fatalf("status = %s, want %s", created.Status, models.SessionActive)
	}

	var got models.Session
	mustResult(t, call(t, ws, "r2", "session.get", map[string]any{"sessionId": created.ID}), &got)
	if got.ID != created.ID {
		t.Fatalf("get id = %q, want %q", got.ID, created.ID)
	}

	var listed struct {
		Sessions []models.Session `json:"sessions"`
	}
	mustResult(t, call(t, ws, "r3", "session.list", nil), &listed)
	if len(listed.Sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(listed.Sessions))
	}
}

func TestSessionEndEmitsSessionUpdated(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var created models.Session
	mustResult(t, call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
	}), &created)

	send(t, ws, "r2", "session.end", map[string]any{"sessionId": created.ID, "reason": "done"})

	var ended *models.Session
	sawUpdate := false
	for i := 0; i < 8 && (ended == nil || !sawUpdate); i++ {
		f := readFrame(t, ws)
		switch {
		case f.ID == "r2":
			var s models.Session
			mustResult(t, f, &s)
			ended = &s
		case f.Type == string(models.WireSessionUpdated):
			sawUpdate = true
		}
	}
	if ended == nil || !sawUpdate {
		t.Fatalf("ended=%v sawUpdate=%v, want both", ended != nil, sawUpdate)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("status = %s, want %s", ended.Status, models.SessionEnded)
	}
}

func TestMethodNotFound(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	wantCode(t, call(t, ws, "r1", "no.such.method", nil), rpc.CodeMethodNotFound)
}

func TestMissingRequiredParam(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	f := call(t, ws, "r1", "session.get", map[string]any{})
	wantCode(t, f, rpc.CodeInvalidParams)
	if !strings.Contains(f.Error.Message, "sessionId") {
		t.Fatalf("error message %q does not name the missing param", f.Error.Message)
	}
}

func TestParamsSchemaRejectsWrongTypes(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	f := call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
		"tags":             "not-an-array",
	})
	wantCode(t, f, rpc.CodeInvalidParams)
}

func TestInvalidFrameGetsErrorResponse(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	// Frame without a method violates the envelope schema.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"bad1"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	f := awaitResponse(t, ws, "bad1")
	wantCode(t, f, rpc.CodeInvalidParams)
}

func TestUnwiredManagerIsNotAvailable(t *testing.T) {
	deps := newTestDeps(t)
	deps.Tasks = nil
	_, url := newTestGateway(t, deps, Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	wantCode(t, call(t, ws, "r1", "task.list", nil), rpc.CodeNotAvailable)
	wantCode(t, call(t, ws, "r2", "agent.prompt", map[string]any{"sessionId": "ses_x"}), rpc.CodeNotAvailable)
	wantCode(t, call(t, ws, "r3", "browser.screenshot", nil), rpc.CodeNotAvailable)
}

func TestTaskMethodsOverWire(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var task tasks.Task
	mustResult(t, call(t, ws, "r1", "task.create", map[string]any{
		"title": "ship the gateway",
		"tags":  []string{"engine"},
	}), &task)
	if !strings.HasPrefix(task.ID, "task_") {
		t.Fatalf("task id = %q, want task_ prefix", task.ID)
	}

	var done tasks.Task
	mustResult(t, call(t, ws, "r2", "task.complete", map[string]any{"taskId": task.ID}), &done)
	if done.Status != tasks.StatusDone {
		t.Fatalf("status = %s, want %s", done.Status, tasks.StatusDone)
	}

	wantCode(t, call(t, ws, "r3", "task.get", map[string]any{"taskId": "task_missing"}),
		rpc.CodeTaskNotFound)
}

func TestModelListSorted(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{
		ModelWindows: map[string]int64{"opus-4": 200000, "haiku-4": 200000},
	})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var result struct {
		Models []modelEntry `json:"models"`
	}
	mustResult(t, call(t, ws, "r1", "model.list", nil), &result)
	if len(result.Models) != 2 {
		t.Fatalf("len(models) = %d, want 2", len(result.Models))
	}
	if result.Models[0].ID != "haiku-4" || result.Models[1].ID != "opus-4" {
		t.Fatalf("models not sorted by id: %+v", result.Models)
	}
}

func TestModelSwitchAppendsConfigEvent(t *testing.T) {
	deps := newTestDeps(t)
	_, url := newTestGateway(t, deps, Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var created models.Session
	mustResult(t, call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
	}), &created)

	send(t, ws, "r2", "model.switch", map[string]any{"sessionId": created.ID, "model": "opus-4"})
	switched := awaitResponse(t, ws, "r2")
	var updated models.Session
	mustResult(t, switched, &updated)
	if updated.LatestModel != "opus-4" {
		t.Fatalf("latestModel = %q, want opus-4", updated.LatestModel)
	}

	events, err := deps.Store.GetEventsBySession(context.Background(), created.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetEventsBySession: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == models.EventConfigModelSwitch {
			found = true
		}
	}
	if !found {
		t.Fatalf("no %s event appended", models.EventConfigModelSwitch)
	}
}

func TestPlanModeLifecycle(t *testing.T) {
	planDir := t.TempDir()
	_, url := newTestGateway(t, newTestDeps(t), Config{PlanDir: planDir})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	var created models.Session
	mustResult(t, call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
	}), &created)
	id := created.ID

	// Saving outside plan mode is rejected.
	wantCode(t, call(t, ws, "r2", "plan.save", map[string]any{
		"sessionId": id, "content": "# plan",
	}), rpc.CodeNotInPlanMode)

	var entered models.Event
	mustResult(t, call(t, ws, "r3", "plan.enter", map[string]any{"sessionId": id}), &entered)
	if entered.Type != models.EventConfigPlanMode {
		t.Fatalf("event type = %s, want %s", entered.Type, models.EventConfigPlanMode)
	}
	wantCode(t, call(t, ws, "r4", "plan.enter", map[string]any{"sessionId": id}),
		rpc.CodeAlreadyInPlanMode)

	var saved struct {
		Path string `json:"path"`
	}
	mustResult(t, call(t, ws, "r5", "plan.save", map[string]any{
		"sessionId": id, "content": "# the plan\n",
	}), &saved)
	if !strings.HasPrefix(saved.Path, planDir) {
		t.Fatalf("plan path %q not under %q", saved.Path, planDir)
	}

	var got struct {
		PlanMode bool   `json:"planMode"`
		Document string `json:"document"`
	}
	mustResult(t, call(t, ws, "r6", "plan.get", map[string]any{"sessionId": id}), &got)
	if !got.PlanMode || got.Document != "# the plan\n" {
		t.Fatalf("plan.get = %+v, want planMode with saved document", got)
	}

	mustResult(t, call(t, ws, "r7", "plan.exit", map[string]any{"sessionId": id}), &entered)
	wantCode(t, call(t, ws, "r8", "plan.exit", map[string]any{"sessionId": id}),
		rpc.CodeNotInPlanMode)
}

func TestHubBroadcastReachesClient(t *testing.T) {
	s, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	s.Hub().Emit(context.Background(), models.WireTurnStarted, models.TurnData{
		SessionID: "ses_x",
		Turn:      1,
	})

	f := awaitEvent(t, ws, models.WireTurnStarted)
	var data models.TurnData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.SessionID != "ses_x" || data.Turn != 1 {
		t.Fatalf("data = %+v", data)
	}
}

func TestSystemStatusReportsStoreStats(t *testing.T) {
	_, url := newTestGateway(t, newTestDeps(t), Config{ServerVersion: "1.2.3"})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	mustResult(t, call(t, ws, "r1", "session.create", map[string]any{
		"workingDirectory": "/work/demo",
		"model":            "sonnet-4",
	}), &models.Session{})

	var status struct {
		Version         string           `json:"version"`
		ProtocolVersion int              `json:"protocolVersion"`
		Connections     int              `json:"connections"`
		DB              eventstore.Stats `json:"db"`
	}
	mustResult(t, call(t, ws, "r2", "system.status", nil), &status)
	if status.Version != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", status.Version)
	}
	if status.ProtocolVersion != protocolVersion {
		t.Fatalf("protocolVersion = %d, want %d", status.ProtocolVersion, protocolVersion)
	}
	if status.Connections != 1 {
		t.Fatalf("connections = %d, want 1", status.Connections)
	}
	if status.DB.Sessions != 1 || status.DB.Workspaces != 1 {
		t.Fatalf("db stats = %+v, want 1 session and 1 workspace", status.DB)
	}
}

func TestShutdownSendsNormalClosure(t *testing.T) {
	s, url := newTestGateway(t, newTestDeps(t), Config{})
	ws := dial(t, url)
	awaitEvent(t, ws, models.WireSystemConnected)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("close error = %v, want code %d", err, websocket.CloseNormalClosure)
			}
			return
		}
	}
}
