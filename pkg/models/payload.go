package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StopReason is the model-reported reason an assistant turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopAborted   StopReason = "aborted"
)

// ToolResultStatus classifies a tool.result event.
type ToolResultStatus string

const (
	ToolStatusOK          ToolResultStatus = "ok"
	ToolStatusError       ToolResultStatus = "error"
	ToolStatusInterrupted ToolResultStatus = "interrupted"
)

// SkillMethod says how a skill was attached.
type SkillMethod string

const (
	SkillPersistent SkillMethod = "persistent"
	SkillEphemeral  SkillMethod = "ephemeral"
)

// SessionStartPayload is the body of a session.start root event.
type SessionStartPayload struct {
	WorkspaceID      string   `json:"workspaceId"`
	WorkingDirectory string   `json:"workingDirectory"`
	Model            string   `json:"model"`
	Title            string   `json:"title,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// SessionForkPayload is the body of a session.fork root event. The event's
// parent is the source event in the source session.
type SessionForkPayload struct {
	SourceSessionID string `json:"sourceSessionId"`
	SourceEventID   string `json:"sourceEventId"`
	Title           string `json:"title,omitempty"`
	Model           string `json:"model,omitempty"`
}

// SessionEndPayload is the body of a session.end event.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// MessageUserPayload is the body of a message.user event.
type MessageUserPayload struct {
	Content Blocks `json:"content"`
}

// MessageAssistantPayload is the body of a message.assistant event. Content
// block order is fixed: thinking, text, tool_use.
type MessageAssistantPayload struct {
	Content    Blocks     `json:"content"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Model      string     `json:"model,omitempty"`
	TokenUsage TokenUsage `json:"tokenUsage,omitzero"`
}

// MessageDeletedPayload hides an earlier event (and its same-turn
// descendants) from projections. Nothing is physically removed.
type MessageDeletedPayload struct {
	TargetEventID string `json:"targetEventId"`
	Reason        string `json:"reason,omitempty"`
}

// ToolCallPayload is the body of a standalone tool.call event. Native turns
// embed tool_use blocks in message.assistant instead; the type exists for
// imported histories and extensions.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the body of a tool.result event.
type ToolResultPayload struct {
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName,omitempty"`
	Content    Blocks           `json:"content,omitempty"`
	IsError    bool             `json:"isError,omitempty"`
	Status     ToolResultStatus `json:"status,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
	BlobRefs   []string         `json:"blobRefs,omitempty"`
}

// ConfigModelSwitchPayload records a model change mid-session.
type ConfigModelSwitchPayload struct {
	FromModel string `json:"fromModel,omitempty"`
	ToModel   string `json:"toModel"`
}

// ConfigPlanModePayload records entering or leaving plan mode.
type ConfigPlanModePayload struct {
	Enabled bool   `json:"enabled"`
	Note    string `json:"note,omitempty"`
}

// CompactBoundaryPayload replaces the preceding conversation with a summary.
// Fingerprint is the SHA-256 over the compacted prefix's event ids.
type CompactBoundaryPayload struct {
	Summary             string `json:"summary"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	CompactedEventCount int    `json:"compactedEventCount,omitempty"`
	CompactedThroughID  string `json:"compactedThroughId,omitempty"`
}

// ContextClearedPayload discards the preceding conversation.
type ContextClearedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SkillAddedPayload attaches a skill to the session.
type SkillAddedPayload struct {
	Name   string      `json:"name"`
	Source string      `json:"source,omitempty"`
	Method SkillMethod `json:"method,omitempty"`
}

// SkillRemovedPayload detaches a skill.
type SkillRemovedPayload struct {
	Name string `json:"name"`
}

// MemoryLedgerPayload is a structured memory entry contributed by the agent.
type MemoryLedgerPayload struct {
	Title     string   `json:"title,omitempty"`
	Input     string   `json:"input,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	Lessons   []string `json:"lessons,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	FilePaths []string `json:"filePaths,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// payloadPrototype returns a fresh payload struct for t, or nil when the
// type carries no fixed schema (extension namespaces).
func payloadPrototype(t EventType) any {
	switch t {
	case EventSessionStart:
		return &SessionStartPayload{}
	case EventSessionFork:
		return &SessionForkPayload{}
	case EventSessionEnd:
		return &SessionEndPayload{}
	case EventMessageUser:
		return &MessageUserPayload{}
	case EventMessageAssistant:
		return &MessageAssistantPayload{}
	case EventMessageDeleted:
		return &MessageDeletedPayload{}
	case EventToolCall:
		return &ToolCallPayload{}
	case EventToolResult:
		return &ToolResultPayload{}
	case EventConfigModelSwitch:
		return &ConfigModelSwitchPayload{}
	case EventConfigPlanMode:
		return &ConfigPlanModePayload{}
	case EventCompactBoundary:
		return &CompactBoundaryPayload{}
	case EventContextCleared:
		return &ContextClearedPayload{}
	case EventSkillAdded:
		return &SkillAddedPayload{}
	case EventSkillRemoved:
		return &SkillRemovedPayload{}
	case EventMemoryLedger:
		return &MemoryLedgerPayload{}
	default:
		return nil
	}
}

// DecodePayload unmarshals raw into the typed payload for t. Unknown fields
// are tolerated (lenient replay). Extension types decode to
// map[string]any.
func DecodePayload(t EventType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	proto := payloadPrototype(t)
	if proto == nil {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
		return m, nil
	}
	if err := json.Unmarshal(raw, proto); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return proto, nil
}

// ValidatePayload strictly checks raw against the schema for t: unknown
// fields are rejected. Used at the append boundary.
func ValidatePayload(t EventType, raw json.RawMessage) error {
	if !KnownEventType(t) {
		return fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) == 0 {
		return nil
	}
	proto := payloadPrototype(t)
	if proto == nil {
		if !json.Valid(raw) {
			return fmt.Errorf("invalid JSON payload for %s", t)
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(proto); err != nil {
		return fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return nil
}

// EncodePayload marshals a typed payload to its JSON body.
func EncodePayload(p any) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}
