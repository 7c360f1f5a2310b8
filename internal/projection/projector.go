// Package projection reconstructs conversational state from a session's
// event log. Replay is pure: the same ancestor chain always produces the
// same State, byte for byte, and nothing here touches storage.
package projection

import (
	"context"
	"fmt"

	"github.com/tronlabs/tron/internal/skills"
	"github.com/tronlabs/tron/pkg/models"
)

// compactedNotice opens the synthesized message pair a compact.boundary
// event projects as.
const compactedNotice = "Prior conversation was compacted; summary follows."

// EventSource supplies the event chains the projector replays.
type EventSource interface {
	// Ancestors returns the event and all its ancestors, root first,
	// crossing fork boundaries into parent sessions.
	Ancestors(ctx context.Context, eventID string) ([]*models.Event, error)
	// Head returns the latest event of a session.
	Head(ctx context.Context, sessionID string) (*models.Event, error)
}

// State is the projected view of a session at one event. Messages is the
// conversation passed to the model; it is the only source of truth for it.
type State struct {
	SessionID        string                       `json:"sessionId"`
	WorkspaceID      string                       `json:"workspaceId"`
	HeadEventID      string                       `json:"headEventId"`
	Model            string                       `json:"model,omitempty"`
	WorkingDirectory string                       `json:"workingDirectory,omitempty"`
	PlanMode         bool                         `json:"planMode,omitempty"`
	Messages         []models.MessageEntry        `json:"messages"`
	Usage            models.TokenUsage            `json:"usage"`
	LastTurnUsage    models.TokenUsage            `json:"lastTurnUsage,omitzero"`
	TurnCount        int                          `json:"turnCount"`
	Skills           skills.Snapshot              `json:"skills"`
	Memory           []models.MemoryLedgerPayload `json:"memory,omitempty"`
}

// Projector replays ancestor chains fetched from an EventSource.
type Projector struct {
	source EventSource
}

func NewProjector(source EventSource) *Projector {
	return &Projector{source: source}
}

// StateAt projects the session state visible at the given event.
func (p *Projector) StateAt(ctx context.Context, eventID string) (*State, error) {
	chain, err := p.source.Ancestors(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return Replay(chain)
}

// StateAtHead projects the session state at its latest event.
func (p *Projector) StateAtHead(ctx context.Context, sessionID string) (*State, error) {
	head, err := p.source.Head(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return p.StateAt(ctx, head.ID)
}

// MessagesAt projects just the ordered conversation at the given event.
func (p *Projector) MessagesAt(ctx context.Context, eventID string) ([]models.MessageEntry, error) {
	state, err := p.StateAt(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return state.Messages, nil
}

// MessagesAtHead projects the conversation at the session's latest event.
func (p *Projector) MessagesAtHead(ctx context.Context, sessionID string) ([]models.MessageEntry, error) {
	state, err := p.StateAtHead(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return state.Messages, nil
}

// entry is one materialized message during replay, keyed by the event that
// produced it. Hidden entries stay in place so later deletions can still
// resolve positions.
type entry struct {
	eventID  string
	turn     int
	role     models.Role
	blocks   models.Blocks
	endsTurn bool
	hidden   bool
}

// Replay folds an ancestor chain, root first, into a State. Replay is
// lenient: events with undecodable payloads and unknown types are skipped,
// because stored history may predate the current type set.
func Replay(chain []*models.Event) (*State, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("projection: empty event chain")
	}

	target := chain[len(chain)-1]
	state := &State{
		SessionID:   target.SessionID,
		WorkspaceID: target.WorkspaceID,
		HeadEventID: target.ID,
	}
	tracker := skills.New(skills.Lenient)
	var entries []*entry

	for _, e := range chain {
		// The tracker consumes skill, assistant, and reset events and
		// ignores the rest.
		_ = tracker.Apply(e)

		payload, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			continue
		}

		switch e.Type {
		case models.EventSessionStart:
			p := payload.(*models.SessionStartPayload)
			state.Model = p.Model
			state.WorkingDirectory = p.WorkingDirectory

		case models.EventSessionFork:
			if p := payload.(*models.SessionForkPayload); p.Model != "" {
				state.Model = p.Model
			}

		case models.EventMessageUser:
			p := payload.(*models.MessageUserPayload)
			entries = append(entries, &entry{
				eventID: e.ID,
				turn:    e.Turn,
				role:    models.RoleUser,
				blocks:  p.Content,
			})

		case models.EventMessageAssistant:
			p := payload.(*models.MessageAssistantPayload)
			entries = append(entries, &entry{
				eventID:  e.ID,
				turn:     e.Turn,
				role:     models.RoleAssistant,
				blocks:   assistantBlockOrder(p.Content),
				endsTurn: p.StopReason == models.StopEndTurn,
			})
			state.Usage.Add(p.TokenUsage)
			if !p.TokenUsage.IsZero() {
				state.LastTurnUsage = p.TokenUsage
			}

		case models.EventToolCall:
			p := payload.(*models.ToolCallPayload)
			entries = append(entries, &entry{
				eventID: e.ID,
				turn:    e.Turn,
				role:    models.RoleAssistant,
				blocks:  models.Blocks{models.ToolUseBlock(p.ToolCallID, p.Name, p.Input)},
			})

		case models.EventToolResult:
			p := payload.(*models.ToolResultPayload)
			entries = append(entries, &entry{
				eventID: e.ID,
				turn:    e.Turn,
				role:    models.RoleTool,
				blocks:  models.Blocks{models.ToolResultBlock(p.ToolCallID, p.Content, p.IsError)},
			})

		case models.EventMessageDeleted:
			hideDeleted(entries, payload.(*models.MessageDeletedPayload).TargetEventID)

		case models.EventCompactBoundary:
			p := payload.(*models.CompactBoundaryPayload)
			entries = entries[:0]
			entries = append(entries,
				&entry{eventID: e.ID, role: models.RoleSystem, blocks: models.Blocks{models.TextBlock(compactedNotice)}},
				&entry{eventID: e.ID, role: models.RoleUser, blocks: models.Blocks{models.TextBlock(p.Summary)}},
			)
			// Cumulative usage survives the boundary; the live context
			// occupancy does not.
			state.LastTurnUsage = models.TokenUsage{}

		case models.EventContextCleared:
			entries = entries[:0]
			state.LastTurnUsage = models.TokenUsage{}

		case models.EventConfigModelSwitch:
			state.Model = payload.(*models.ConfigModelSwitchPayload).ToModel

		case models.EventConfigPlanMode:
			state.PlanMode = payload.(*models.ConfigPlanModePayload).Enabled

		case models.EventMemoryLedger:
			state.Memory = append(state.Memory, *payload.(*models.MemoryLedgerPayload))
		}
	}

	state.Messages = make([]models.MessageEntry, 0, len(entries))
	for _, en := range entries {
		if en.hidden {
			continue
		}
		state.Messages = append(state.Messages, models.MessageEntry{
			EventID: en.eventID,
			Message: models.Message{Role: en.role, Content: en.blocks},
		})
		if en.endsTurn {
			state.TurnCount++
		}
	}
	state.Skills = tracker.Snapshot()
	return state, nil
}

// hideDeleted hides the target's materialization and every later entry of
// the same turn: the deletion scope is the target plus its same-turn
// descendants in the chain.
func hideDeleted(entries []*entry, targetEventID string) {
	idx := -1
	for i, en := range entries {
		if en.eventID == targetEventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	turn := entries[idx].turn
	entries[idx].hidden = true
	for _, en := range entries[idx+1:] {
		if en.turn == turn {
			en.hidden = true
		}
	}
}

// assistantBlockOrder enforces the assistant content order: thinking blocks,
// then text and anything else in insertion order, then tool_use blocks.
func assistantBlockOrder(content models.Blocks) models.Blocks {
	var thinking, body, tools models.Blocks
	for _, b := range content {
		switch b.Type {
		case models.BlockThinking:
			thinking = append(thinking, b)
		case models.BlockToolUse:
			tools = append(tools, b)
		default:
			body = append(body, b)
		}
	}
	if len(thinking) == 0 && len(tools) == 0 {
		return content
	}
	out := make(models.Blocks, 0, len(content))
	out = append(out, thinking...)
	out = append(out, body...)
	out = append(out, tools...)
	return out
}
