package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestFrameSchema is the shape every inbound frame must satisfy before
// dispatch. Params stay unconstrained here; per-method schemas attached
// via WithParamsSchema cover them.
const requestFrameSchema = `{
  "type": "object",
  "required": ["id", "method"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": { "type": ["object", "null"] }
  },
  "additionalProperties": true
}`

var frameSchema struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

func compileFrameSchema() error {
	frameSchema.once.Do(func() {
		schema, err := jsonschema.CompileString("request_frame", requestFrameSchema)
		if err != nil {
			frameSchema.initErr = err
			return
		}
		frameSchema.schema = schema
	})
	return frameSchema.initErr
}

// ValidateFrame checks a raw inbound frame against the request envelope
// schema. The gateway read pump calls this before decoding; violations
// come back as INVALID_PARAMS.
func ValidateFrame(raw []byte) error {
	if err := compileFrameSchema(); err != nil {
		return NewError(CodeInternalError, "frame schema unavailable: %v", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return NewError(CodeInvalidParams, "malformed request frame: %v", err)
	}
	if err := frameSchema.schema.Validate(payload); err != nil {
		return NewError(CodeInvalidParams, "invalid request frame: %v", err)
	}
	return nil
}

// SchemaValidation returns the middleware enforcing per-method params
// schemas. Methods registered without WithParamsSchema pass through.
func (r *Registry) SchemaValidation() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			r.mu.RLock()
			spec := r.methods[req.Method]
			r.mu.RUnlock()
			if spec == nil || spec.paramsSchema == nil {
				return next(ctx, req)
			}

			var params any
			if len(req.Params) == 0 {
				params = map[string]any{}
			} else if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid parameters for %s: %v", req.Method, err)
			}
			if err := spec.paramsSchema.Validate(params); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid parameters for %s: %v", req.Method, err)
			}
			return next(ctx, req)
		}
	}
}
