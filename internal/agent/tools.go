package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tronlabs/tron/pkg/models"
)

// MaxToolNameLength bounds registered tool names.
const MaxToolNameLength = 256

// Tool is one executable capability exposed to the model. Execute receives
// the final arguments committed by the model and must honor ctx
// cancellation; long-running tools are additionally bounded by the
// registry's per-tool timeout.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolOutput, error)
}

// ToolOutput is the result of one tool execution. Content feeds the
// tool.result payload; BlobRefs name blobs the tool stored out of band.
type ToolOutput struct {
	Content  models.Blocks
	IsError  bool
	BlobRefs []string
}

// TextOutput wraps plain text in a successful ToolOutput.
func TextOutput(text string) *ToolOutput {
	return &ToolOutput{Content: models.Blocks{models.TextBlock(text)}}
}

// ErrorOutput wraps a failure message in an error ToolOutput.
func ErrorOutput(text string) *ToolOutput {
	return &ToolOutput{Content: models.Blocks{models.TextBlock(text)}, IsError: true}
}

// Registry holds the tools visible to the model for a turn. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	timeouts map[string]time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds or replaces a tool. Empty and oversized names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("agent: cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("agent: cannot register tool with empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("agent: tool name exceeds %d bytes", MaxToolNameLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// SetTimeout overrides the execution deadline for one tool. Zero or
// negative durations restore the orchestrator default.
func (r *Registry) SetTimeout(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 {
		delete(r.timeouts, name)
		return
	}
	r.timeouts[name] = d
}

// TimeoutFor returns the execution deadline for a tool, falling back to def.
func (r *Registry) TimeoutFor(name string, def time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[name]; ok {
		return d
	}
	return def
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup is Get with a typed error for the miss.
func (r *Registry) Lookup(name string) (Tool, error) {
	if t, ok := r.Get(name); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
}

// Unregister removes a tool and its timeout override.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.timeouts, name)
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the provider-facing descriptions of all registered
// tools, sorted by name so completion requests are deterministic.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ToolFunc builds a Tool from a function. Convenient for small built-ins
// and tests.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage) (*ToolOutput, error)
}

func (t *ToolFunc) Name() string            { return t.ToolName }
func (t *ToolFunc) Description() string     { return t.ToolDescription }
func (t *ToolFunc) Schema() json.RawMessage { return t.ToolSchema }

func (t *ToolFunc) Execute(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	return t.Fn(ctx, args)
}
