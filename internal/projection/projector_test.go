package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tronlabs/tron/pkg/models"
)

type chain struct {
	t      *testing.T
	events []*models.Event
}

func newChain(t *testing.T) *chain {
	return &chain{t: t}
}

func (c *chain) add(typ models.EventType, turn int, payload any) *models.Event {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	e := &models.Event{
		ID:          fmt.Sprintf("evt_%d", len(c.events)+1),
		SessionID:   "ses_test",
		WorkspaceID: "wks_test",
		Type:        typ,
		Sequence:    int64(len(c.events)),
		Turn:        turn,
		Payload:     raw,
	}
	if len(c.events) > 0 {
		e.ParentID = c.events[len(c.events)-1].ID
		e.Depth = c.events[len(c.events)-1].Depth + 1
	}
	c.events = append(c.events, e)
	return e
}

func (c *chain) start() *models.Event {
	return c.add(models.EventSessionStart, 0, models.SessionStartPayload{
		WorkspaceID:      "wks_test",
		WorkingDirectory: "/work/demo",
		Model:            "sonnet-4",
	})
}

func (c *chain) user(turn int, text string) *models.Event {
	return c.add(models.EventMessageUser, turn, models.MessageUserPayload{
		Content: models.Blocks{models.TextBlock(text)},
	})
}

func (c *chain) assistant(turn int, p models.MessageAssistantPayload) *models.Event {
	return c.add(models.EventMessageAssistant, turn, p)
}

func TestReplayConversationOrder(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "list the files")
	c.assistant(1, models.MessageAssistantPayload{
		Content: models.Blocks{
			models.TextBlock("Checking."),
			models.ToolUseBlock("call_1", "shell", json.RawMessage(`{"cmd":"ls"}`)),
			models.ThinkingBlock("need to run ls", "sig_1"),
		},
		StopReason: models.StopToolUse,
		TokenUsage: models.TokenUsage{InputTokens: 120, OutputTokens: 30},
	})
	c.add(models.EventToolResult, 1, models.ToolResultPayload{
		ToolCallID: "call_1",
		ToolName:   "shell",
		Content:    models.Blocks{models.TextBlock("main.go")},
		Status:     models.ToolStatusOK,
	})
	c.assistant(2, models.MessageAssistantPayload{
		Content:    models.Blocks{models.TextBlock("One file: main.go")},
		StopReason: models.StopEndTurn,
		TokenUsage: models.TokenUsage{InputTokens: 180, OutputTokens: 12},
	})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(state.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(state.Messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if got := state.Messages[i].Message.Role; got != want {
			t.Errorf("Messages[%d].Role = %q, want %q", i, got, want)
		}
	}

	// Assistant blocks reorder to thinking, text, tool_use.
	blocks := state.Messages[1].Message.Content
	wantTypes := []models.BlockType{models.BlockThinking, models.BlockText, models.BlockToolUse}
	for i, want := range wantTypes {
		if blocks[i].Type != want {
			t.Errorf("assistant block[%d].Type = %q, want %q", i, blocks[i].Type, want)
		}
	}

	if state.Usage.InputTokens != 300 || state.Usage.OutputTokens != 42 {
		t.Errorf("Usage = %+v, want input 300 output 42", state.Usage)
	}
	if state.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1 (only end_turn counts)", state.TurnCount)
	}
	if state.LastTurnUsage.InputTokens != 180 {
		t.Errorf("LastTurnUsage.InputTokens = %d, want 180", state.LastTurnUsage.InputTokens)
	}
	if state.Model != "sonnet-4" || state.WorkingDirectory != "/work/demo" {
		t.Errorf("Model/WorkingDirectory = %q/%q", state.Model, state.WorkingDirectory)
	}
	if state.HeadEventID != c.events[len(c.events)-1].ID {
		t.Errorf("HeadEventID = %q, want %q", state.HeadEventID, c.events[len(c.events)-1].ID)
	}
}

func TestReplayDeterministic(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "hello")
	c.add(models.EventSkillAdded, 1, models.SkillAddedPayload{Name: "review"})
	c.assistant(1, models.MessageAssistantPayload{
		Content:    models.Blocks{models.TextBlock("hi")},
		StopReason: models.StopEndTurn,
	})
	c.add(models.EventMemoryLedger, 1, models.MemoryLedgerPayload{Title: "greeting", Tags: []string{"smalltalk"}})

	first, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	second, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("replays differ:\n%s\n%s", a, b)
	}
}

func TestReplayDeletedHidesSameTurn(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "first question")
	target := c.assistant(1, models.MessageAssistantPayload{
		Content:    models.Blocks{models.ToolUseBlock("call_1", "shell", nil)},
		StopReason: models.StopToolUse,
	})
	c.add(models.EventToolResult, 1, models.ToolResultPayload{ToolCallID: "call_1"})
	c.user(2, "second question")
	c.assistant(2, models.MessageAssistantPayload{
		Content:    models.Blocks{models.TextBlock("answer two")},
		StopReason: models.StopEndTurn,
	})
	c.add(models.EventMessageDeleted, 2, models.MessageDeletedPayload{TargetEventID: target.ID})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	// The assistant message and its same-turn tool result disappear; the
	// turn-1 user message and all of turn 2 stay.
	if len(state.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3: %+v", len(state.Messages), state.Messages)
	}
	for _, m := range state.Messages {
		if m.EventID == target.ID {
			t.Fatalf("deleted event %s still projected", target.ID)
		}
	}
	if state.Messages[0].Message.Role != models.RoleUser {
		t.Errorf("Messages[0].Role = %q, want user", state.Messages[0].Message.Role)
	}
}

func TestReplayDeletedUnknownTargetIsNoop(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "hello")
	c.add(models.EventMessageDeleted, 1, models.MessageDeletedPayload{TargetEventID: "evt_missing"})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(state.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(state.Messages))
	}
}

func TestReplayCompactBoundary(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "long setup")
	c.add(models.EventSkillAdded, 1, models.SkillAddedPayload{Name: "review"})
	c.assistant(1, models.MessageAssistantPayload{
		Content:    models.Blocks{models.TextBlock("done")},
		StopReason: models.StopEndTurn,
		TokenUsage: models.TokenUsage{InputTokens: 900, OutputTokens: 100},
	})
	boundary := c.add(models.EventCompactBoundary, 1, models.CompactBoundaryPayload{
		Summary:             "We set up the project.",
		CompactedEventCount: 3,
	})
	c.user(2, "continue")

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(state.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3 (pair + new user)", len(state.Messages))
	}
	if state.Messages[0].Message.Role != models.RoleSystem ||
		state.Messages[0].Message.Content.Text() != compactedNotice {
		t.Errorf("Messages[0] = %+v, want system notice", state.Messages[0])
	}
	if state.Messages[1].Message.Role != models.RoleUser ||
		state.Messages[1].Message.Content.Text() != "We set up the project." {
		t.Errorf("Messages[1] = %+v, want summary as user message", state.Messages[1])
	}
	if state.Messages[0].EventID != boundary.ID || state.Messages[1].EventID != boundary.ID {
		t.Error("synthesized pair not tagged with the boundary event id")
	}

	if state.TurnCount != 0 {
		t.Errorf("TurnCount = %d, want 0 after compaction", state.TurnCount)
	}
	if len(state.Skills.Added) != 0 {
		t.Errorf("Skills.Added = %+v, want reset", state.Skills.Added)
	}
	// Token accounting is historical and survives the boundary.
	if state.Usage.InputTokens != 900 {
		t.Errorf("Usage.InputTokens = %d, want 900", state.Usage.InputTokens)
	}
	// Live context occupancy does not.
	if !state.LastTurnUsage.IsZero() {
		t.Errorf("LastTurnUsage = %+v, want zero after compaction", state.LastTurnUsage)
	}
}

func TestReplayContextCleared(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "hello")
	c.assistant(1, models.MessageAssistantPayload{
		Content:    models.Blocks{models.TextBlock("hi")},
		StopReason: models.StopEndTurn,
		TokenUsage: models.TokenUsage{InputTokens: 50, OutputTokens: 5},
	})
	c.add(models.EventContextCleared, 1, models.ContextClearedPayload{Reason: "user request"})
	c.user(2, "fresh start")

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(state.Messages) != 1 || state.Messages[0].Message.Content.Text() != "fresh start" {
		t.Fatalf("Messages = %+v, want only the post-clear user message", state.Messages)
	}
	if state.Usage.InputTokens != 50 {
		t.Errorf("Usage.InputTokens = %d, want 50 (unchanged by clear)", state.Usage.InputTokens)
	}
	if !state.LastTurnUsage.IsZero() {
		t.Errorf("LastTurnUsage = %+v, want zero after clear", state.LastTurnUsage)
	}
}

func TestReplayModelSwitchAndPlanMode(t *testing.T) {
	c := newChain(t)
	c.start()
	c.add(models.EventConfigModelSwitch, 0, models.ConfigModelSwitchPayload{FromModel: "sonnet-4", ToModel: "opus-4"})
	c.add(models.EventConfigPlanMode, 0, models.ConfigPlanModePayload{Enabled: true})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if state.Model != "opus-4" {
		t.Errorf("Model = %q, want opus-4", state.Model)
	}
	if !state.PlanMode {
		t.Error("PlanMode = false, want true")
	}
}

func TestReplaySkipsUnknownAndMalformed(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "hello")
	c.events = append(c.events, &models.Event{
		ID: "evt_ext", SessionID: "ses_test", WorkspaceID: "wks_test",
		Type: "acme/sensor.ping", Sequence: int64(len(c.events)), Payload: json.RawMessage(`{"v":1}`),
	})
	c.events = append(c.events, &models.Event{
		ID: "evt_bad", SessionID: "ses_test", WorkspaceID: "wks_test",
		Type: models.EventMessageAssistant, Sequence: int64(len(c.events)), Payload: json.RawMessage(`{"content":`),
	})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(state.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1 (extension and malformed skipped)", len(state.Messages))
	}
}

func TestReplayMemoryLedger(t *testing.T) {
	c := newChain(t)
	c.start()
	c.add(models.EventMemoryLedger, 0, models.MemoryLedgerPayload{Title: "first", Lessons: []string{"check flags"}})
	c.add(models.EventCompactBoundary, 0, models.CompactBoundaryPayload{Summary: "s"})
	c.add(models.EventMemoryLedger, 0, models.MemoryLedgerPayload{Title: "second"})

	state, err := Replay(c.events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	// Ledger entries are durable notes; compaction does not drop them.
	if len(state.Memory) != 2 || state.Memory[0].Title != "first" || state.Memory[1].Title != "second" {
		t.Fatalf("Memory = %+v, want [first second]", state.Memory)
	}
}

func TestReplayEmptyChain(t *testing.T) {
	if _, err := Replay(nil); err == nil {
		t.Fatal("Replay(nil) error = nil, want error")
	}
}

type fakeSource struct {
	chains map[string][]*models.Event
	heads  map[string]*models.Event
}

func (f *fakeSource) Ancestors(_ context.Context, eventID string) ([]*models.Event, error) {
	chain, ok := f.chains[eventID]
	if !ok {
		return nil, fmt.Errorf("no chain for %s", eventID)
	}
	return chain, nil
}

func (f *fakeSource) Head(_ context.Context, sessionID string) (*models.Event, error) {
	head, ok := f.heads[sessionID]
	if !ok {
		return nil, fmt.Errorf("no head for %s", sessionID)
	}
	return head, nil
}

func TestProjectorDelegation(t *testing.T) {
	c := newChain(t)
	c.start()
	c.user(1, "hello")
	head := c.events[len(c.events)-1]

	src := &fakeSource{
		chains: map[string][]*models.Event{head.ID: c.events},
		heads:  map[string]*models.Event{"ses_test": head},
	}
	p := NewProjector(src)

	state, err := p.StateAtHead(context.Background(), "ses_test")
	if err != nil {
		t.Fatalf("StateAtHead() error = %v", err)
	}
	if state.HeadEventID != head.ID {
		t.Errorf("HeadEventID = %q, want %q", state.HeadEventID, head.ID)
	}

	msgs, err := p.MessagesAt(context.Background(), head.ID)
	if err != nil {
		t.Fatalf("MessagesAt() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(msgs))
	}
}
