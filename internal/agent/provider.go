package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tronlabs/tron/pkg/models"
)

// StreamEventKind discriminates provider stream events.
type StreamEventKind string

const (
	// StreamTextDelta carries a fragment of assistant text.
	StreamTextDelta StreamEventKind = "text_delta"
	// StreamThinkingDelta carries a fragment of extended thinking.
	StreamThinkingDelta StreamEventKind = "thinking_delta"
	// StreamThinkingSignature carries the signature sealing a thinking block.
	StreamThinkingSignature StreamEventKind = "thinking_signature"
	// StreamToolUseBatch carries the model's committed set of tool intents.
	StreamToolUseBatch StreamEventKind = "tool_use_batch"
	// StreamToolArgDelta carries partial tool arguments. Cosmetic; forwarded
	// to clients and never tracked.
	StreamToolArgDelta StreamEventKind = "tool_arg_delta"
	// StreamToolExecutionStart signals that one tool call's arguments are
	// final and the tool should run now.
	StreamToolExecutionStart StreamEventKind = "tool_execution_start"
	// StreamEndOfTurn closes one provider call with its stop reason and
	// token usage.
	StreamEndOfTurn StreamEventKind = "end_of_turn"
	// StreamError reports a provider-side failure. The channel closes after.
	StreamError StreamEventKind = "error"
)

// ToolUseIntent is one committed tool call inside a tool_use_batch event.
type ToolUseIntent struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// StreamEvent is one element of a provider stream. Kind selects which
// fields are meaningful.
type StreamEvent struct {
	Kind StreamEventKind

	// Delta holds text for text_delta, thinking_delta and tool_arg_delta.
	Delta string
	// Signature holds the thinking signature for thinking_signature, or
	// rides along with the final thinking_delta.
	Signature string
	// Intents holds the committed tool calls for tool_use_batch.
	Intents []ToolUseIntent

	// ToolCallID, ToolName, Args and StartedAt describe tool_arg_delta and
	// tool_execution_start events.
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	StartedAt  time.Time

	// StopReason and Usage arrive with end_of_turn.
	StopReason models.StopReason
	Usage      models.TokenUsage

	// Err carries the failure for error events.
	Err error
}

// ToolDefinition is the provider-facing description of a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionRequest carries one provider invocation. Messages is the full
// projected conversation at the session head.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Provider adapts one model backend to a uniform event stream. Stream
// returns a channel that delivers events in generation order and closes at
// stream end; implementations must honor ctx cancellation.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)
}
