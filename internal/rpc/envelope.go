// Package rpc defines the JSON wire protocol spoken over the websocket
// gateway: request/response envelopes, event frames, the typed error
// vocabulary, and a method registry with a middleware chain.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is a client-to-server call frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID. Success carries
// Result; failure carries Error.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is a server push frame. Events have no ID and expect no reply.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// OK builds a success response.
func OK(id string, result any) *Response {
	return &Response{ID: id, Success: true, Result: result}
}

// Fail builds an error response, mapping err through FromError.
func Fail(id string, err error) *Response {
	return &Response{ID: id, Success: false, Error: FromError(err)}
}

// NewEvent builds a push frame stamped with the current time.
func NewEvent(eventType string, data any) *Event {
	return &Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// Bind unmarshals the request params into v. Absent params bind as an
// empty object so optional-param methods need no nil checks.
func (r *Request) Bind(v any) error {
	raw := r.Params
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewError(CodeInvalidParams, "invalid parameters for %s: %v", r.Method, err)
	}
	return nil
}

// paramFields splits the params object into its top-level fields. A JSON
// null or absent params object yields an empty map.
func (r *Request) paramFields() (map[string]json.RawMessage, error) {
	if len(r.Params) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Params, &fields); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
