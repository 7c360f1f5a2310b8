package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of a session event. The set is closed:
// unknown types are rejected at the append boundary and skipped during
// lenient replay.
type EventType string

const (
	EventSessionStart EventType = "session.start"
	EventSessionFork  EventType = "session.fork"
	EventSessionEnd   EventType = "session.end"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageDeleted   EventType = "message.deleted"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventConfigModelSwitch EventType = "config.model_switch"
	EventConfigPlanMode    EventType = "config.plan_mode"

	EventCompactBoundary EventType = "compact.boundary"
	EventContextCleared  EventType = "context.cleared"

	EventSkillAdded   EventType = "skill.added"
	EventSkillRemoved EventType = "skill.removed"

	EventMemoryLedger EventType = "memory.ledger"
)

// knownEventTypes is the closed set accepted at the append boundary.
var knownEventTypes = map[EventType]bool{
	EventSessionStart:      true,
	EventSessionFork:       true,
	EventSessionEnd:        true,
	EventMessageUser:       true,
	EventMessageAssistant:  true,
	EventMessageDeleted:    true,
	EventToolCall:          true,
	EventToolResult:        true,
	EventConfigModelSwitch: true,
	EventConfigPlanMode:    true,
	EventCompactBoundary:   true,
	EventContextCleared:    true,
	EventSkillAdded:        true,
	EventSkillRemoved:      true,
	EventMemoryLedger:      true,
}

// KnownEventType reports whether t belongs to the closed type set.
// Extension namespaces (types containing a "/" vendor prefix) pass.
func KnownEventType(t EventType) bool {
	if knownEventTypes[t] {
		return true
	}
	return strings.Contains(string(t), "/")
}

// IsRootType reports whether t may appear at sequence 0.
func IsRootType(t EventType) bool {
	return t == EventSessionStart || t == EventSessionFork
}

// IsMessageType reports whether t counts toward the session message counter.
func IsMessageType(t EventType) bool {
	return strings.HasPrefix(string(t), "message.")
}

// Group returns the namespace before the first dot ("session", "message",
// "tool", "config", ...).
func (t EventType) Group() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// RoleForType derives the conversational role mirrored into the role column.
func RoleForType(t EventType) Role {
	switch t {
	case EventMessageUser:
		return RoleUser
	case EventMessageAssistant, EventToolCall:
		return RoleAssistant
	case EventToolResult:
		return RoleTool
	default:
		return ""
	}
}

// Event is one immutable record in a session's append-only log. Events form
// a DAG through ParentID; within a session, Sequence is dense from 0 and
// strictly monotone. Payload is the type-specific JSON body; Role, ToolName,
// ToolCallID, Turn and Usage mirror payload fields into columns for
// queryability.
type Event struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parentId,omitempty"`
	SessionID   string          `json:"sessionId"`
	WorkspaceID string          `json:"workspaceId"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        EventType       `json:"type"`
	Sequence    int64           `json:"sequence"`
	Depth       int64           `json:"depth"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	Role       Role       `json:"role,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Turn       int        `json:"turn,omitempty"`
	Usage      TokenUsage `json:"tokenUsage,omitzero"`
}

// IsRoot reports whether the event starts a session (sequence 0).
func (e *Event) IsRoot() bool {
	return e.Sequence == 0
}
