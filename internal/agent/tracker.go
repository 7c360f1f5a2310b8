package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tronlabs/tron/pkg/models"
)

// ToolCallStatus tracks one tool call through its in-memory lifecycle.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallDone    ToolCallStatus = "done"
	ToolCallError   ToolCallStatus = "error"
	// ToolCallInterrupted marks entries closed by an interruption closure.
	// Terminal: a late completion of the real tool must not write a second
	// result for the same call id.
	ToolCallInterrupted ToolCallStatus = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallDone || s == ToolCallError || s == ToolCallInterrupted
}

// ToolCallState is the tracker's view of one tool call.
type ToolCallState struct {
	ID        string
	Name      string
	Args      json.RawMessage
	Status    ToolCallStatus
	StartedAt time.Time
	EndedAt   time.Time

	call   int  // provider call that registered the entry
	sealed bool // belongs to an already-persisted provider call
}

// InterruptedToolCall names one tool call that needs a synthetic
// interrupted result to settle the log.
type InterruptedToolCall struct {
	ToolCallID string
	ToolName   string
	StartedAt  time.Time
}

// InterruptedContent is everything an aborted or failed turn still owes the
// event log: the unflushed assistant content, if any, plus one synthetic
// result per unresolved tool call.
type InterruptedContent struct {
	AssistantContent models.Blocks
	ToolResults      []InterruptedToolCall
}

// TurnTracker accumulates the partial state of one streaming turn so an
// interruption at any moment can be persisted as well-formed events. It is
// owned by a single turn goroutine and is not safe for concurrent use;
// cross-goroutine aborts go through the runner's cancel channel, never
// through the tracker.
type TurnTracker struct {
	call              int
	text              strings.Builder
	thinking          strings.Builder
	thinkingSignature string
	toolOrder         []string
	toolCalls         map[string]*ToolCallState
	preToolFlushed    bool
}

// NewTurnTracker returns a tracker ready for OnAgentStart.
func NewTurnTracker() *TurnTracker {
	return &TurnTracker{toolCalls: make(map[string]*ToolCallState)}
}

// OnAgentStart resets all state for a fresh prompt.
func (t *TurnTracker) OnAgentStart() {
	t.call = 0
	t.text.Reset()
	t.thinking.Reset()
	t.thinkingSignature = ""
	t.toolOrder = t.toolOrder[:0]
	t.toolCalls = make(map[string]*ToolCallState)
	t.preToolFlushed = false
}

// OnTurnStart begins provider call n. Accumulated text, thinking and the
// flush flag reset; tool entries from earlier calls are sealed so the new
// call's flush and interruption closure never touch already-persisted
// content.
func (t *TurnTracker) OnTurnStart(n int) {
	t.call = n
	t.text.Reset()
	t.thinking.Reset()
	t.thinkingSignature = ""
	t.preToolFlushed = false
	for _, tc := range t.toolCalls {
		if tc.call < n {
			tc.sealed = true
		}
	}
}

// Call returns the current provider call number.
func (t *TurnTracker) Call() int { return t.call }

// AddTextDelta appends a fragment of assistant text.
func (t *TurnTracker) AddTextDelta(delta string) {
	t.text.WriteString(delta)
}

// AddThinkingDelta appends a fragment of extended thinking.
func (t *TurnTracker) AddThinkingDelta(delta string) {
	t.thinking.WriteString(delta)
}

// SetThinkingSignature records the signature sealing the thinking block.
func (t *TurnTracker) SetThinkingSignature(sig string) {
	if sig != "" {
		t.thinkingSignature = sig
	}
}

// RegisterToolIntents records the model's committed tool calls as pending.
// Idempotent per id: re-registration never resets an entry that has already
// advanced.
func (t *TurnTracker) RegisterToolIntents(intents []ToolUseIntent) {
	for _, in := range intents {
		if in.ID == "" {
			continue
		}
		if _, ok := t.toolCalls[in.ID]; ok {
			continue
		}
		t.toolCalls[in.ID] = &ToolCallState{
			ID:     in.ID,
			Name:   in.Name,
			Args:   in.Args,
			Status: ToolCallPending,
			call:   t.call,
		}
		t.toolOrder = append(t.toolOrder, in.ID)
	}
}

// StartToolCall transitions a pending entry to running, creating the entry
// first when the provider skipped the batch registration. Final args win
// over any partial args captured at registration.
func (t *TurnTracker) StartToolCall(id, name string, args json.RawMessage, ts time.Time) {
	tc, ok := t.toolCalls[id]
	if !ok {
		tc = &ToolCallState{ID: id, call: t.call}
		t.toolCalls[id] = tc
		t.toolOrder = append(t.toolOrder, id)
	}
	if tc.Status.Terminal() {
		return
	}
	if name != "" {
		tc.Name = name
	}
	if len(args) > 0 {
		tc.Args = args
	}
	tc.Status = ToolCallRunning
	tc.StartedAt = ts
}

// EndToolCall closes a tracked entry as done or error. It reports false
// when the entry is unknown or already terminal, in which case the caller
// must not persist a result for it.
func (t *TurnTracker) EndToolCall(id string, isError bool, ts time.Time) bool {
	tc, ok := t.toolCalls[id]
	if !ok || tc.Status.Terminal() {
		return false
	}
	if isError {
		tc.Status = ToolCallError
	} else {
		tc.Status = ToolCallDone
	}
	tc.EndedAt = ts
	return true
}

// PendingCalls returns the unsealed entries still pending, in insertion
// order. The sweep after stream close runs these so a committed batch never
// leaves dangling tool_use blocks.
func (t *TurnTracker) PendingCalls() []ToolCallState {
	var out []ToolCallState
	for _, id := range t.toolOrder {
		tc := t.toolCalls[id]
		if tc.sealed || tc.Status != ToolCallPending {
			continue
		}
		out = append(out, *tc)
	}
	return out
}

// ToolCall returns a copy of the tracked entry for id.
func (t *TurnTracker) ToolCall(id string) (ToolCallState, bool) {
	tc, ok := t.toolCalls[id]
	if !ok {
		return ToolCallState{}, false
	}
	return *tc, true
}

// PreToolFlushed reports whether the current call's content was already
// persisted.
func (t *TurnTracker) PreToolFlushed() bool { return t.preToolFlushed }

// FlushPreToolContent returns the current call's accumulated content, in
// thinking, text, tool_use order, exactly once. The second return is false
// when the content was already flushed; the blocks may be empty when the
// model produced nothing.
func (t *TurnTracker) FlushPreToolContent() (models.Blocks, bool) {
	if t.preToolFlushed {
		return nil, false
	}
	t.preToolFlushed = true
	return t.currentContent(), true
}

// currentContent assembles the unsealed content blocks without touching the
// flush flag.
func (t *TurnTracker) currentContent() models.Blocks {
	var blocks models.Blocks
	if t.thinking.Len() > 0 {
		blocks = append(blocks, models.ThinkingBlock(t.thinking.String(), t.thinkingSignature))
	}
	if t.text.Len() > 0 {
		blocks = append(blocks, models.TextBlock(t.text.String()))
	}
	for _, id := range t.toolOrder {
		tc := t.toolCalls[id]
		if tc.sealed {
			continue
		}
		blocks = append(blocks, models.ToolUseBlock(tc.ID, tc.Name, tc.Args))
	}
	return blocks
}

// BuildCurrentTurnInterruptedContent computes the closure an interrupted
// turn owes the log. AssistantContent repeats what FlushPreToolContent
// would have returned, and is empty when the flush already happened.
// ToolResults covers pending and running entries only; those entries move
// to interrupted so a late real completion cannot double-write.
func (t *TurnTracker) BuildCurrentTurnInterruptedContent() InterruptedContent {
	var ic InterruptedContent
	if !t.preToolFlushed {
		ic.AssistantContent = t.currentContent()
		t.preToolFlushed = true
	}
	for _, id := range t.toolOrder {
		tc := t.toolCalls[id]
		if tc.sealed {
			continue
		}
		if tc.Status != ToolCallPending && tc.Status != ToolCallRunning {
			continue
		}
		tc.Status = ToolCallInterrupted
		tc.EndedAt = time.Now().UTC()
		ic.ToolResults = append(ic.ToolResults, InterruptedToolCall{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			StartedAt:  tc.StartedAt,
		})
	}
	return ic
}
