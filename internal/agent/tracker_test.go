package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tronlabs/tron/pkg/models"
)

func TestTrackerFlushOrderAndOnce(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.AddTextDelta("let me ")
	tr.AddTextDelta("check")
	tr.AddThinkingDelta("hmm")
	tr.SetThinkingSignature("sig-1")
	tr.RegisterToolIntents([]ToolUseIntent{
		{ID: "t1", Name: "read_file", Args: json.RawMessage(`{"path":"a.go"}`)},
		{ID: "t2", Name: "grep"},
	})

	blocks, flushed := tr.FlushPreToolContent()
	if !flushed {
		t.Fatal("first flush reported already-flushed")
	}
	if len(blocks) != 4 {
		t.Fatalf("flushed %d blocks, want 4", len(blocks))
	}
	if blocks[0].Type != models.BlockThinking || blocks[0].Thinking != "hmm" || blocks[0].Signature != "sig-1" {
		t.Fatalf("block 0 = %+v, want thinking with signature", blocks[0])
	}
	if blocks[1].Type != models.BlockText || blocks[1].Text != "let me check" {
		t.Fatalf("block 1 = %+v, want accumulated text", blocks[1])
	}
	if blocks[2].Type != models.BlockToolUse || blocks[2].ID != "t1" {
		t.Fatalf("block 2 = %+v, want tool_use t1", blocks[2])
	}
	if blocks[3].ID != "t2" {
		t.Fatalf("block 3 = %+v, want tool_use t2", blocks[3])
	}

	if again, flushed := tr.FlushPreToolContent(); flushed || again != nil {
		t.Fatalf("second flush returned (%v, %v), want (nil, false)", again, flushed)
	}
}

func TestTrackerRegisterIdempotent(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.RegisterToolIntents([]ToolUseIntent{{ID: "t1", Name: "bash"}})
	tr.StartToolCall("t1", "bash", json.RawMessage(`{"cmd":"ls"}`), time.Now())

	// A replayed batch must not reset a running entry.
	tr.RegisterToolIntents([]ToolUseIntent{{ID: "t1", Name: "bash"}})
	tc, ok := tr.ToolCall("t1")
	if !ok || tc.Status != ToolCallRunning {
		t.Fatalf("status after re-register = %v, want running", tc.Status)
	}
	if string(tc.Args) != `{"cmd":"ls"}` {
		t.Fatalf("args after re-register = %s", tc.Args)
	}
}

func TestTrackerStartCreatesUnregisteredEntry(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.StartToolCall("t9", "bash", json.RawMessage(`{}`), time.Now())
	tc, ok := tr.ToolCall("t9")
	if !ok {
		t.Fatal("start of unregistered id did not create an entry")
	}
	if tc.Status != ToolCallRunning || tc.Name != "bash" {
		t.Fatalf("entry = %+v", tc)
	}

	blocks, _ := tr.FlushPreToolContent()
	if len(blocks) != 1 || blocks[0].Type != models.BlockToolUse || blocks[0].ID != "t9" {
		t.Fatalf("flush = %+v, want single tool_use t9", blocks)
	}
}

func TestTrackerEndToolCall(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	if tr.EndToolCall("missing", false, time.Now()) {
		t.Fatal("ending an unknown id reported success")
	}

	tr.RegisterToolIntents([]ToolUseIntent{{ID: "t1", Name: "bash"}})
	tr.StartToolCall("t1", "bash", nil, time.Now())
	if !tr.EndToolCall("t1", true, time.Now()) {
		t.Fatal("ending a running entry failed")
	}
	tc, _ := tr.ToolCall("t1")
	if tc.Status != ToolCallError {
		t.Fatalf("status = %v, want error", tc.Status)
	}
	if tr.EndToolCall("t1", false, time.Now()) {
		t.Fatal("ending a terminal entry reported success")
	}
}

func TestTrackerInterruptedClosure(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.AddTextDelta("working on it")
	tr.RegisterToolIntents([]ToolUseIntent{
		{ID: "t1", Name: "bash"},
		{ID: "t2", Name: "grep"},
	})
	tr.StartToolCall("t1", "bash", nil, time.Now())

	ic := tr.BuildCurrentTurnInterruptedContent()
	if len(ic.AssistantContent) != 3 {
		t.Fatalf("assistant content has %d blocks, want text + 2 tool_use", len(ic.AssistantContent))
	}
	if len(ic.ToolResults) != 2 {
		t.Fatalf("closure produced %d synthetic results, want 2", len(ic.ToolResults))
	}
	if ic.ToolResults[0].ToolCallID != "t1" || ic.ToolResults[1].ToolCallID != "t2" {
		t.Fatalf("closure order = %+v, want t1 then t2", ic.ToolResults)
	}
	for _, id := range []string{"t1", "t2"} {
		tc, _ := tr.ToolCall(id)
		if tc.Status != ToolCallInterrupted {
			t.Fatalf("%s status = %v, want interrupted", id, tc.Status)
		}
	}

	// A late real completion must be rejected.
	if tr.EndToolCall("t1", false, time.Now()) {
		t.Fatal("late completion after closure reported success")
	}

	// Closure is idempotent: everything is settled now.
	again := tr.BuildCurrentTurnInterruptedContent()
	if len(again.AssistantContent) != 0 || len(again.ToolResults) != 0 {
		t.Fatalf("second closure = %+v, want empty", again)
	}
}

func TestTrackerClosureSkipsCompletedTools(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.RegisterToolIntents([]ToolUseIntent{{ID: "t1", Name: "bash"}, {ID: "t2", Name: "grep"}})
	tr.StartToolCall("t1", "bash", nil, time.Now())
	tr.EndToolCall("t1", false, time.Now())
	if _, flushed := tr.FlushPreToolContent(); !flushed {
		t.Fatal("flush failed")
	}

	ic := tr.BuildCurrentTurnInterruptedContent()
	if len(ic.AssistantContent) != 0 {
		t.Fatalf("assistant content after flush = %+v, want empty", ic.AssistantContent)
	}
	if len(ic.ToolResults) != 1 || ic.ToolResults[0].ToolCallID != "t2" {
		t.Fatalf("closure = %+v, want only pending t2", ic.ToolResults)
	}
}

func TestTrackerOnTurnStartSealsPriorCalls(t *testing.T) {
	tr := NewTurnTracker()
	tr.OnAgentStart()
	tr.OnTurnStart(1)

	tr.AddTextDelta("first call")
	tr.RegisterToolIntents([]ToolUseIntent{{ID: "t1", Name: "bash"}})
	tr.StartToolCall("t1", "bash", nil, time.Now())
	tr.EndToolCall("t1", false, time.Now())
	if _, flushed := tr.FlushPreToolContent(); !flushed {
		t.Fatal("first call flush failed")
	}

	tr.OnTurnStart(2)
	tr.AddTextDelta("second call")

	blocks, flushed := tr.FlushPreToolContent()
	if !flushed {
		t.Fatal("flush flag did not reset on new call")
	}
	if len(blocks) != 1 || blocks[0].Text != "second call" {
		t.Fatalf("second call flush = %+v, want only new text", blocks)
	}

	ic := tr.BuildCurrentTurnInterruptedContent()
	if len(ic.ToolResults) != 0 {
		t.Fatalf("closure touched sealed entries: %+v", ic.ToolResults)
	}
}
