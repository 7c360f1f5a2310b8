package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/tronlabs/tron/pkg/models"
)

// gatedProvider parks every stream until release closes, so tests can hold
// a turn open across goroutines.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Stream(ctx context.Context, _ *CompletionRequest) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, 2)
	go func() {
		defer close(ch)
		select {
		case p.started <- struct{}{}:
		default:
		}
		select {
		case <-p.release:
			ch <- StreamEvent{Kind: StreamTextDelta, Delta: "ok"}
			ch <- StreamEvent{Kind: StreamEndOfTurn, StopReason: models.StopEndTurn}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type promptOut struct {
	res *TurnResult
	err error
}

func textScript(text string) []StreamEvent {
	return []StreamEvent{
		{Kind: StreamTextDelta, Delta: text},
		{Kind: StreamEndOfTurn, StopReason: models.StopEndTurn},
	}
}

func TestRuntimeRejectsConcurrentTurns(t *testing.T) {
	store := newAgentStore(t)
	sess := seedAgentSession(t, store)
	p := &gatedProvider{started: make(chan struct{}, 1), release: make(chan struct{})}
	o := NewOrchestrator(OrchestratorDeps{Store: store, Provider: p}, Config{})
	rt := NewRuntime(o, nil, nil, 0)

	outc := make(chan promptOut, 1)
	go func() {
		res, err := rt.Prompt(context.Background(), PromptRequest{SessionID: sess.ID, Prompt: "first"})
		outc <- promptOut{res: res, err: err}
	}()
	<-p.started

	if _, err := rt.Prompt(context.Background(), PromptRequest{SessionID: sess.ID, Prompt: "second"}); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("overlapping prompt error = %v, want ErrTurnActive", err)
	}
	if !rt.Active(sess.ID) {
		t.Fatal("Active() = false during turn")
	}

	close(p.release)
	out := <-outc
	if out.err != nil {
		t.Fatalf("first prompt error = %v", out.err)
	}
	if out.res.StopReason != models.StopEndTurn {
		t.Fatalf("first prompt stop = %s", out.res.StopReason)
	}

	// The slot frees after the turn: a new prompt is admitted.
	if _, err := rt.Prompt(context.Background(), PromptRequest{SessionID: sess.ID, Prompt: "third"}); err != nil {
		t.Fatalf("follow-up prompt error = %v", err)
	}
}

func TestRuntimeAbort(t *testing.T) {
	store := newAgentStore(t)
	sess := seedAgentSession(t, store)
	p := &gatedProvider{started: make(chan struct{}, 1), release: make(chan struct{})}
	o := NewOrchestrator(OrchestratorDeps{Store: store, Provider: p}, Config{})
	rt := NewRuntime(o, nil, nil, 0)

	if rt.Abort(sess.ID) {
		t.Fatal("Abort() on idle session reported a running turn")
	}

	outc := make(chan promptOut, 1)
	go func() {
		res, err := rt.Prompt(context.Background(), PromptRequest{SessionID: sess.ID, Prompt: "hi"})
		outc <- promptOut{res: res, err: err}
	}()
	<-p.started

	if !rt.Abort(sess.ID) {
		t.Fatal("Abort() during turn reported no running turn")
	}
	out := <-outc
	if out.err != nil {
		t.Fatalf("aborted prompt error = %v", out.err)
	}
	if !out.res.Aborted {
		t.Fatalf("result = %+v, want aborted", out.res)
	}

	// Nothing was streamed before the abort, so the closure writes no
	// assistant event: root and user only.
	if n := len(sessionEvents(t, store, sess.ID)); n != 2 {
		t.Fatalf("event count = %d, want 2", n)
	}
	if rt.Abort(sess.ID) {
		t.Fatal("Abort() after turn reported a running turn")
	}
	if got := rt.ActiveTurns(); len(got) != 0 {
		t.Fatalf("ActiveTurns() = %v, want empty", got)
	}
}

func TestRuntimeEvictsIdleRunners(t *testing.T) {
	store := newAgentStore(t)
	provider := &scriptedProvider{calls: [][]StreamEvent{
		textScript("a"), textScript("b"), textScript("c"),
	}}
	o := NewOrchestrator(OrchestratorDeps{Store: store, Provider: provider}, Config{})
	rt := NewRuntime(o, nil, nil, 2)

	var ids []string
	for i := 0; i < 3; i++ {
		sess := seedAgentSession(t, store)
		ids = append(ids, sess.ID)
		if _, err := rt.Prompt(context.Background(), PromptRequest{SessionID: sess.ID, Prompt: "hi"}); err != nil {
			t.Fatalf("Prompt(%d) error = %v", i, err)
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.runners) != 2 {
		t.Fatalf("runner count = %d, want 2", len(rt.runners))
	}
	if _, ok := rt.runners[ids[0]]; ok {
		t.Fatal("oldest idle runner survived eviction")
	}
	for _, id := range ids[1:] {
		if _, ok := rt.runners[id]; !ok {
			t.Fatalf("runner for %s evicted, want kept", id)
		}
	}
}
