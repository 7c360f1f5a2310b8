package agent

import (
	"container/list"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/tronlabs/tron/internal/observability"
)

// DefaultMaxRunners bounds the runner cache. A slot is only a busy flag and
// an abort hook, so the cap exists to keep the map from growing with every
// session ever prompted.
const DefaultMaxRunners = 256

// runner is the per-session turn slot: one turn at a time, one abort hook.
type runner struct {
	sessionID string
	busy      bool
	abort     chan struct{}
	elem      *list.Element
}

// Runtime serializes turns per session and routes aborts into running
// turns. Idle slots live in an LRU and are evicted beyond MaxRunners.
type Runtime struct {
	orch    *Orchestrator
	logger  *observability.Logger
	metrics *observability.Metrics

	maxRunners int

	mu      sync.Mutex
	runners map[string]*runner
	idle    *list.List // front = most recently released
}

// NewRuntime wraps an orchestrator with per-session turn slots. maxRunners
// <= 0 takes DefaultMaxRunners.
func NewRuntime(orch *Orchestrator, logger *observability.Logger, metrics *observability.Metrics, maxRunners int) *Runtime {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	if maxRunners <= 0 {
		maxRunners = DefaultMaxRunners
	}
	return &Runtime{
		orch:       orch,
		logger:     logger.Component("agent.runtime"),
		metrics:    metrics,
		maxRunners: maxRunners,
		runners:    make(map[string]*runner),
		idle:       list.New(),
	}
}

// Prompt runs one turn for the session, rejecting overlap with
// ErrTurnActive. The turn observes Abort through the slot's cancel hook.
func (rt *Runtime) Prompt(ctx context.Context, req PromptRequest) (*TurnResult, error) {
	rn, err := rt.acquire(req.SessionID)
	if err != nil {
		return nil, err
	}
	defer rt.release(rn)
	return rt.orch.run(ctx, req, rn.abort)
}

// Abort signals the session's running turn to stop at its next suspension
// point. It reports whether a turn was in flight.
func (rt *Runtime) Abort(sessionID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runners[sessionID]
	if rn == nil || !rn.busy || rn.abort == nil {
		return false
	}
	select {
	case <-rn.abort:
	default:
		close(rn.abort)
	}
	return true
}

// Active reports whether the session has a turn in flight.
func (rt *Runtime) Active(sessionID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runners[sessionID]
	return rn != nil && rn.busy
}

// ActiveTurns lists the sessions with a running turn, sorted.
func (rt *Runtime) ActiveTurns() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var ids []string
	for id, rn := range rt.runners {
		if rn.busy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (rt *Runtime) acquire(sessionID string) (*runner, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runners[sessionID]
	if rn == nil {
		rn = &runner{sessionID: sessionID}
		rt.runners[sessionID] = rn
	}
	if rn.busy {
		return nil, ErrTurnActive
	}
	if rn.elem != nil {
		rt.idle.Remove(rn.elem)
		rn.elem = nil
	}
	rn.busy = true
	rn.abort = make(chan struct{})
	rt.setGaugeLocked()
	return rn, nil
}

func (rt *Runtime) release(rn *runner) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn.busy = false
	rn.abort = nil
	rn.elem = rt.idle.PushFront(rn)
	for len(rt.runners) > rt.maxRunners {
		back := rt.idle.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*runner)
		rt.idle.Remove(back)
		evicted.elem = nil
		delete(rt.runners, evicted.sessionID)
	}
	rt.setGaugeLocked()
}

func (rt *Runtime) setGaugeLocked() {
	if rt.metrics != nil {
		rt.metrics.ActiveSessions.Set(float64(len(rt.runners)))
	}
}
