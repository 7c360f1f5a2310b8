package models

import "time"

// WireEventType names a server-pushed RPC event. Stream events are cosmetic
// mirrors of the orchestrator's progress; the event log is the truth.
type WireEventType string

const (
	WireStreamTextDelta     WireEventType = "stream.text_delta"
	WireStreamThinkingDelta WireEventType = "stream.thinking_delta"
	WireStreamToolStarted   WireEventType = "stream.toolcall_started"
	WireStreamToolArgDelta  WireEventType = "stream.toolcall_argdelta"
	WireToolStarted         WireEventType = "tool.started"
	WireToolResult          WireEventType = "tool.result"
	WireTurnStarted         WireEventType = "turn.started"
	WireTurnEnded           WireEventType = "turn.ended"
	WireTurnAborted         WireEventType = "turn.aborted"
	WireSessionUpdated      WireEventType = "session.updated"
	WireContextUpdated      WireEventType = "context.updated"
	WireCompactionSuggested WireEventType = "compaction.suggested"
	WireSystemConnected     WireEventType = "system.connected"
	WireLogAppended         WireEventType = "log.appended"
)

// Cosmetic reports whether frames of this type may be dropped under
// backpressure. Boundary events are never dropped.
func (t WireEventType) Cosmetic() bool {
	switch t {
	case WireStreamTextDelta, WireStreamThinkingDelta, WireStreamToolArgDelta, WireLogAppended:
		return true
	default:
		return false
	}
}

// TextDeltaData is the data body for stream.text_delta and
// stream.thinking_delta events.
type TextDeltaData struct {
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn"`
	Delta     string `json:"delta"`
}

// ToolStartedData is the data body for stream.toolcall_started and
// tool.started events.
type ToolStartedData struct {
	SessionID  string    `json:"sessionId"`
	Turn       int       `json:"turn"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	StartedAt  time.Time `json:"startedAt"`
}

// ToolArgDeltaData is the data body for stream.toolcall_argdelta events.
type ToolArgDeltaData struct {
	SessionID  string `json:"sessionId"`
	Turn       int    `json:"turn"`
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// ToolResultData is the data body for tool.result events.
type ToolResultData struct {
	SessionID  string           `json:"sessionId"`
	Turn       int              `json:"turn"`
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName"`
	Status     ToolResultStatus `json:"status"`
	IsError    bool             `json:"isError,omitempty"`
	EventID    string           `json:"eventId,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
}

// TurnData is the data body for turn.started, turn.ended and turn.aborted
// events.
type TurnData struct {
	SessionID   string     `json:"sessionId"`
	Turn        int        `json:"turn"`
	EventID     string     `json:"eventId,omitempty"`
	StopReason  StopReason `json:"stopReason,omitempty"`
	TokenUsage  TokenUsage `json:"tokenUsage,omitzero"`
	DurationMS  int64      `json:"durationMs,omitempty"`
	ErrorDetail string     `json:"error,omitempty"`
}

// SessionUpdatedData is the data body for session.updated events.
type SessionUpdatedData struct {
	Session *Session `json:"session"`
}

// ContextUpdatedData is the data body for context.updated events.
type ContextUpdatedData struct {
	SessionID   string  `json:"sessionId"`
	UsedTokens  int64   `json:"usedTokens"`
	Window      int64   `json:"window"`
	UsedPercent float64 `json:"usedPercent"`
}

// CompactionSuggestedData is the data body for compaction.suggested events.
type CompactionSuggestedData struct {
	SessionID   string  `json:"sessionId"`
	Reason      string  `json:"reason"`
	UsedPercent float64 `json:"usedPercent"`
}

// SystemConnectedData is the data body for the system.connected event pushed
// once per connection.
type SystemConnectedData struct {
	ProtocolVersion int    `json:"protocolVersion"`
	ServerVersion   string `json:"serverVersion"`
	ServerTime      string `json:"serverTime"`
}

// LogAppendedData is the data body for log.appended events.
type LogAppendedData struct {
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
