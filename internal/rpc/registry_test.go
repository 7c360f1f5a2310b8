package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tronlabs/tron/internal/agent"
	"github.com/tronlabs/tron/internal/contextmgr"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/notes"
	"github.com/tronlabs/tron/internal/tasks"
)

func echoHandler(ctx context.Context, req *Request) (any, error) {
	return "ok", nil
}

func request(method, params string) *Request {
	req := &Request{ID: "req_1", Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func TestDispatchMethodNotFound(t *testing.T) {
	reg := NewRegistry()
	resp := reg.Dispatch(context.Background(), request("no.such.method", ""))
	if resp.Success {
		t.Fatalf("expected failure for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("code = %s, want METHOD_NOT_FOUND", resp.Error.Code)
	}
	if resp.ID != "req_1" {
		t.Fatalf("response id = %q, want req_1", resp.ID)
	}
}

func TestDispatchRequiredParams(t *testing.T) {
	reg := NewRegistry()
	reg.Register("session.get", echoHandler, WithRequiredParams("sessionId"))

	resp := reg.Dispatch(context.Background(), request("session.get", `{"other":"x"}`))
	if resp.Success {
		t.Fatalf("expected failure for missing param")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Fatalf("code = %s, want INVALID_PARAMS", resp.Error.Code)
	}
	if want := `missing required parameter "sessionId" for session.get`; resp.Error.Message != want {
		t.Fatalf("message = %q, want %q", resp.Error.Message, want)
	}

	// Explicit null counts as missing.
	resp = reg.Dispatch(context.Background(), request("session.get", `{"sessionId":null}`))
	if resp.Success || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("null param: got %+v, want INVALID_PARAMS", resp)
	}

	resp = reg.Dispatch(context.Background(), request("session.get", `{"sessionId":"sess_1"}`))
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
}

func TestDispatchRequiredManagers(t *testing.T) {
	reg := NewRegistry()
	reg.Register("browser.navigate", echoHandler, WithRequiredManagers("browser"))

	resp := reg.Dispatch(context.Background(), request("browser.navigate", `{"url":"https://example.com"}`))
	if resp.Success {
		t.Fatalf("expected failure without browser manager")
	}
	if resp.Error.Code != CodeNotAvailable {
		t.Fatalf("code = %s, want NOT_AVAILABLE", resp.Error.Code)
	}

	ctx := WithManagers(context.Background(), "browser", "file")
	resp = reg.Dispatch(ctx, request("browser.navigate", `{"url":"https://example.com"}`))
	if !resp.Success {
		t.Fatalf("expected success with manager present, got %+v", resp.Error)
	}
}

func TestDispatchMiddlewareOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (any, error) {
				order = append(order, name+".before")
				result, err := next(ctx, req)
				order = append(order, name+".after")
				return result, err
			}
		}
	}
	reg.Use(tag("outer"), tag("inner"))
	reg.Register("system.ping", func(ctx context.Context, req *Request) (any, error) {
		order = append(order, "handler")
		return nil, nil
	})

	if resp := reg.Dispatch(context.Background(), request("system.ping", "")); !resp.Success {
		t.Fatalf("dispatch failed: %+v", resp.Error)
	}
	want := []string{"outer.before", "inner.before", "handler", "inner.after", "outer.after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestDispatchMapsHandlerErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("session.get", func(ctx context.Context, req *Request) (any, error) {
		return nil, eventstore.ErrSessionNotFound
	})
	reg.Register("plan.enter", func(ctx context.Context, req *Request) (any, error) {
		return nil, NewError(CodeAlreadyInPlanMode, "session already in plan mode")
	})

	resp := reg.Dispatch(context.Background(), request("session.get", `{"sessionId":"sess_x"}`))
	if resp.Error == nil || resp.Error.Code != CodeSessionNotFound {
		t.Fatalf("sentinel mapping: got %+v, want SESSION_NOT_FOUND", resp.Error)
	}

	resp = reg.Dispatch(context.Background(), request("plan.enter", ""))
	if resp.Error == nil || resp.Error.Code != CodeAlreadyInPlanMode {
		t.Fatalf("typed error passthrough: got %+v, want ALREADY_IN_PLAN_MODE", resp.Error)
	}
}

func TestFromErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{eventstore.ErrSessionNotFound, CodeSessionNotFound},
		{eventstore.ErrUnsettledBoundary, CodeInvalidParams},
		{eventstore.ErrInvalidParent, CodeInvalidParams},
		{contextmgr.ErrContextExhausted, CodeContextExhausted},
		{contextmgr.ErrEstimatedOverflow, CodeContextExhausted},
		{contextmgr.ErrNoSummarizer, CodeNotAvailable},
		{agent.ErrTurnActive, CodeTurnActive},
		{agent.ErrEmptyPrompt, CodeInvalidParams},
		{agent.ErrNoProvider, CodeNotAvailable},
		{tasks.ErrTaskNotFound, CodeTaskNotFound},
		{tasks.ErrDependencyCycle, CodeDependencyCycle},
		{tasks.ErrProjectNotFound, CodeParentNotFound},
		{notes.ErrNoteNotFound, CodeVoiceNoteNotFound},
		{context.DeadlineExceeded, CodeRPCTimeout},
		{errors.New("boom"), CodeInternalError},
	}
	for _, tc := range cases {
		if got := FromError(tc.err).Code; got != tc.want {
			t.Fatalf("FromError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}

	// Wrapped sentinels map the same way.
	wrapped := errors.Join(errors.New("context"), eventstore.ErrSessionNotFound)
	if got := FromError(wrapped).Code; got != CodeSessionNotFound {
		t.Fatalf("wrapped sentinel = %s, want SESSION_NOT_FOUND", got)
	}
	if FromError(nil) != nil {
		t.Fatalf("FromError(nil) should be nil")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	reg := NewRegistry()
	reg.Use(Recovery(nil))
	reg.Register("system.panic", func(ctx context.Context, req *Request) (any, error) {
		panic("boom")
	})

	resp := reg.Dispatch(context.Background(), request("system.panic", ""))
	if resp.Success {
		t.Fatalf("expected failure from panicking handler")
	}
	if resp.Error.Code != CodeInternalError {
		t.Fatalf("code = %s, want INTERNAL_ERROR", resp.Error.Code)
	}
}

func TestSchemaValidationMiddleware(t *testing.T) {
	reg := NewRegistry()
	reg.Use(reg.SchemaValidation())
	reg.Register("task.create", echoHandler, WithParamsSchema(`{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": { "type": "string", "minLength": 1 },
			"priority": { "type": "integer", "minimum": 0 }
		}
	}`))
	reg.Register("system.ping", echoHandler)

	resp := reg.Dispatch(context.Background(), request("task.create", `{"title":""}`))
	if resp.Success || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("schema violation: got %+v, want INVALID_PARAMS", resp)
	}

	resp = reg.Dispatch(context.Background(), request("task.create", `{"title":"write docs","priority":2}`))
	if !resp.Success {
		t.Fatalf("valid params rejected: %+v", resp.Error)
	}

	// Methods without a schema are not constrained.
	resp = reg.Dispatch(context.Background(), request("system.ping", `{"anything":123}`))
	if !resp.Success {
		t.Fatalf("schemaless method rejected: %+v", resp.Error)
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame([]byte(`{"id":"r1","method":"system.ping"}`)); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}
	if err := ValidateFrame([]byte(`{"id":"r1","method":"system.ping","params":{"a":1}}`)); err != nil {
		t.Fatalf("frame with params rejected: %v", err)
	}

	var rpcErr *Error
	err := ValidateFrame([]byte(`{"method":"system.ping"}`))
	if err == nil || !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("missing id: got %v, want INVALID_PARAMS", err)
	}
	if err := ValidateFrame([]byte(`{"id":"r1","method":"x","params":[1,2]}`)); err == nil {
		t.Fatalf("array params should fail frame validation")
	}
	if err := ValidateFrame([]byte(`not json`)); err == nil {
		t.Fatalf("malformed JSON should fail frame validation")
	}
}

func TestRequestBind(t *testing.T) {
	var params struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	req := request("session.messages", `{"sessionId":"sess_1","limit":50}`)
	if err := req.Bind(&params); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if params.SessionID != "sess_1" || params.Limit != 50 {
		t.Fatalf("bound params = %+v", params)
	}

	// Absent params bind as an empty object.
	empty := request("session.list", "")
	if err := empty.Bind(&params); err != nil {
		t.Fatalf("bind of empty params failed: %v", err)
	}

	bad := request("session.messages", `[1,2]`)
	var rpcErr *Error
	if err := bad.Bind(&params); err == nil || !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("bind of non-object params: got %v, want INVALID_PARAMS", err)
	}
}
