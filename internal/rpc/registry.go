package rpc

import (
	"context"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler serves one RPC method.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a handler, running before and after it. Chains compose
// outermost-first: the first middleware passed to Use sees the request
// first and the response last.
type Middleware func(next Handler) Handler

type methodSpec struct {
	handler          Handler
	requiredParams   []string
	requiredManagers []string
	paramsSchema     *jsonschema.Schema
}

// RegisterOption customizes a method registration.
type RegisterOption func(*methodSpec)

// WithRequiredParams declares top-level params fields that must be present
// and non-null. Missing fields fail with INVALID_PARAMS naming the field,
// before the handler runs.
func WithRequiredParams(names ...string) RegisterOption {
	return func(spec *methodSpec) {
		spec.requiredParams = append(spec.requiredParams, names...)
	}
}

// WithRequiredManagers declares external managers the method delegates to.
// Requests fail with NOT_AVAILABLE when the connection's context does not
// carry them (the server did not configure the manager).
func WithRequiredManagers(names ...string) RegisterOption {
	return func(spec *methodSpec) {
		spec.requiredManagers = append(spec.requiredManagers, names...)
	}
}

// WithParamsSchema attaches a JSON Schema enforced on the params object by
// the validation middleware. The schema text must compile; registration is
// startup-time code, so failures panic like regexp.MustCompile.
func WithParamsSchema(schemaJSON string) RegisterOption {
	return func(spec *methodSpec) {
		spec.paramsSchema = jsonschema.MustCompileString("params", schemaJSON)
	}
}

// Registry maps method names to handlers and dispatches requests through
// the middleware chain.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*methodSpec
	chain   []Middleware
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*methodSpec)}
}

// Register binds a method name to a handler. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(method string, h Handler, opts ...RegisterOption) {
	spec := &methodSpec{handler: h}
	for _, opt := range opts {
		opt(spec)
	}
	r.mu.Lock()
	r.methods[method] = spec
	r.mu.Unlock()
}

// Use appends middleware to the chain in invocation order.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	r.chain = append(r.chain, mw...)
	r.mu.Unlock()
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch serves one request: method lookup, required-param and
// required-manager checks, then the middleware chain around the handler.
// It always returns a response; handler errors become error responses.
func (r *Registry) Dispatch(ctx context.Context, req *Request) *Response {
	r.mu.RLock()
	spec := r.methods[req.Method]
	chain := r.chain
	r.mu.RUnlock()

	if spec == nil {
		return Fail(req.ID, NewError(CodeMethodNotFound, "unknown method %q", req.Method))
	}

	if len(spec.requiredParams) > 0 {
		fields, err := req.paramFields()
		if err != nil {
			return Fail(req.ID, NewError(CodeInvalidParams, "%v", err))
		}
		for _, name := range spec.requiredParams {
			raw, ok := fields[name]
			if !ok || string(raw) == "null" {
				return Fail(req.ID, NewError(CodeInvalidParams,
					"missing required parameter %q for %s", name, req.Method))
			}
		}
	}

	for _, name := range spec.requiredManagers {
		if !HasManager(ctx, name) {
			return Fail(req.ID, NewError(CodeNotAvailable,
				"%s manager is not configured on this server", name))
		}
	}

	h := spec.handler
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}

	result, err := h(ctx, req)
	if err != nil {
		return Fail(req.ID, err)
	}
	return OK(req.ID, result)
}

type managersKey struct{}

// WithManagers marks manager names as available on the context. The
// gateway sets this once per connection from its configured managers.
func WithManagers(ctx context.Context, names ...string) context.Context {
	present, _ := ctx.Value(managersKey{}).(map[string]bool)
	merged := make(map[string]bool, len(present)+len(names))
	for name := range present {
		merged[name] = true
	}
	for _, name := range names {
		merged[name] = true
	}
	return context.WithValue(ctx, managersKey{}, merged)
}

// HasManager reports whether the named manager was marked available.
func HasManager(ctx context.Context, name string) bool {
	present, _ := ctx.Value(managersKey{}).(map[string]bool)
	return present[name]
}
