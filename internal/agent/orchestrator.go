package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tronlabs/tron/internal/contextmgr"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/projection"
	"github.com/tronlabs/tron/pkg/models"
)

// Config holds the orchestrator knobs. Zero values take the defaults below.
type Config struct {
	// MaxTurns caps provider calls per prompt while the model keeps
	// requesting tools.
	MaxTurns int
	// MaxTokens is the response budget passed to the provider.
	MaxTokens int
	// ToolTimeout bounds one tool execution unless the registry carries a
	// per-tool override.
	ToolTimeout time.Duration
	// MaxConcurrentTools bounds parallel tool executions within a turn.
	MaxConcurrentTools int
	// StreamBuffer sizes the internal completion channel.
	StreamBuffer int
	// SystemPrompt is prepended to the assembled system text.
	SystemPrompt string
}

const (
	DefaultMaxTurns           = 16
	DefaultMaxTokens          = 8192
	DefaultToolTimeout        = 2 * time.Minute
	DefaultMaxConcurrentTools = 4
	DefaultStreamBuffer       = 64
)

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	return c
}

// EventStore is the slice of the event store a turn needs.
type EventStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetStateAtHead(ctx context.Context, sessionID string) (*projection.State, error)
	AppendEvent(ctx context.Context, req eventstore.AppendRequest) (*models.Event, error)
}

// ContextGate is the slice of the context manager consulted around a turn.
// A nil gate skips admission and compaction checks.
type ContextGate interface {
	CanAcceptTurn(ctx context.Context, sessionID string, estimatedResponseTokens int64) error
	ShouldCompact(ctx context.Context, sessionID string) (bool, string)
	Snapshot(ctx context.Context, sessionID string) (*contextmgr.Snapshot, error)
}

// PromptRequest carries one user prompt into a session.
type PromptRequest struct {
	SessionID string        `json:"sessionId"`
	Prompt    string        `json:"prompt,omitempty"`
	Blocks    models.Blocks `json:"blocks,omitempty"`

	// EstimatedResponseTokens is an optional admission hint.
	EstimatedResponseTokens int64 `json:"estimatedResponseTokens,omitempty"`
}

// TurnResult summarizes one completed prompt.
type TurnResult struct {
	SessionID        string            `json:"sessionId"`
	Turn             int               `json:"turn"`
	UserEventID      string            `json:"userEventId"`
	AssistantEventID string            `json:"assistantEventId,omitempty"`
	StopReason       models.StopReason `json:"stopReason"`
	Usage            models.TokenUsage `json:"usage"`
	ToolCalls        int               `json:"toolCalls"`
	Aborted          bool              `json:"aborted,omitempty"`
	DurationMS       int64             `json:"durationMs"`
}

// OrchestratorDeps wires the orchestrator's collaborators. Store and
// Provider are required; the rest default to no-ops.
type OrchestratorDeps struct {
	Store    EventStore
	Provider Provider
	Tools    *Registry
	Gate     ContextGate
	Sink     EventSink
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Orchestrator drives streaming turns: it appends the user event, consumes
// the provider stream, persists assistant content at the flush points,
// executes tools, and reinvokes the provider until the model stops asking
// for tools. All durable writes go through the event store; everything
// clients see live is a cosmetic mirror.
type Orchestrator struct {
	store    EventStore
	provider Provider
	tools    *Registry
	gate     ContextGate
	sink     EventSink
	logger   *observability.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// NewOrchestrator builds an orchestrator from deps and cfg.
func NewOrchestrator(deps OrchestratorDeps, cfg Config) *Orchestrator {
	if deps.Tools == nil {
		deps.Tools = NewRegistry()
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Orchestrator{
		store:    deps.Store,
		provider: deps.Provider,
		tools:    deps.Tools,
		gate:     deps.Gate,
		sink:     deps.Sink,
		logger:   deps.Logger.Component("agent"),
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
	}
}

// Tools exposes the registry for RPC surfaces.
func (o *Orchestrator) Tools() *Registry { return o.tools }

// errInterrupted trips at a suspension point after an abort or context
// cancellation. Internal; the caller converts it into the closure path.
var errInterrupted = errors.New("agent: turn interrupted")

// Prompt runs one turn without an external abort hook. The session runtime
// wraps it with per-session serialization and abort plumbing.
func (o *Orchestrator) Prompt(ctx context.Context, req PromptRequest) (*TurnResult, error) {
	return o.run(ctx, req, nil)
}

func (o *Orchestrator) run(ctx context.Context, req PromptRequest, abort <-chan struct{}) (*TurnResult, error) {
	started := time.Now()
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	content, err := buildUserContent(req)
	if err != nil {
		return nil, err
	}

	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, observability.SessionIDKey, session.ID)

	if o.gate != nil {
		if err := o.gate.CanAcceptTurn(ctx, session.ID, req.EstimatedResponseTokens); err != nil {
			return nil, turnErr(PhaseAdmission, 0, "turn refused", err)
		}
	}

	state, err := o.store.GetStateAtHead(ctx, session.ID)
	if err != nil {
		return nil, turnErr(PhaseProject, 0, "project session state", err)
	}
	turn := state.TurnCount + 1

	raw, err := models.EncodePayload(models.MessageUserPayload{Content: content})
	if err != nil {
		return nil, turnErr(PhaseAppend, 0, "encode user payload", err)
	}
	userEv, err := o.store.AppendEvent(ctx, eventstore.AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   raw,
		Turn:      turn,
	})
	if err != nil {
		return nil, turnErr(PhaseAppend, 0, "append user message", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &turnRun{
		o:           o,
		ctx:         ctx,
		turnCtx:     turnCtx,
		persist:     context.WithoutCancel(ctx),
		abort:       abort,
		done:        make(chan struct{}),
		results:     make(chan toolCompletion, o.cfg.StreamBuffer),
		sem:         make(chan struct{}, o.cfg.MaxConcurrentTools),
		tracker:     NewTurnTracker(),
		sessionID:   session.ID,
		turn:        turn,
		model:       stateModel(state, session),
		userEventID: userEv.ID,
		startedAt:   started,
	}
	defer close(r.done)
	if abort != nil {
		// An abort cancels in-flight provider and tool work; the loop then
		// trips at its next suspension point.
		go func() {
			select {
			case <-abort:
				cancel()
			case <-r.done:
			}
		}()
	}

	o.logger.Info(ctx, "turn started", "turn", turn, "user_event_id", userEv.ID)
	r.emit(models.WireTurnStarted, models.TurnData{SessionID: session.ID, Turn: turn, EventID: userEv.ID})

	r.tracker.OnAgentStart()

	var stop models.StopReason
	for call := 1; ; call++ {
		if call > o.cfg.MaxTurns {
			detail := fmt.Sprintf("provider call limit %d reached", o.cfg.MaxTurns)
			o.logger.Warn(ctx, "turn hit provider call limit", "turn", turn, "limit", o.cfg.MaxTurns)
			r.emit(models.WireTurnEnded, r.turnData(stop, detail))
			r.observeTurn("error", started)
			r.afterTurn()
			return nil, turnErr(PhaseComplete, call-1, detail, ErrMaxTurns)
		}

		s, err := r.streamOnce(call)
		if errors.Is(err, errInterrupted) {
			reason := r.interruptReason()
			r.persistClosure()
			o.logger.Info(ctx, "turn aborted", "turn", turn, "reason", reason)
			r.emit(models.WireTurnAborted, r.turnData(models.StopAborted, reason))
			r.observeTurn("aborted", started)
			r.afterTurn()
			return &TurnResult{
				SessionID:        session.ID,
				Turn:             turn,
				UserEventID:      userEv.ID,
				AssistantEventID: r.lastAssistantID,
				StopReason:       models.StopAborted,
				Usage:            r.total,
				ToolCalls:        r.toolsRun,
				Aborted:          true,
				DurationMS:       time.Since(started).Milliseconds(),
			}, nil
		}
		if err != nil {
			// Provider or append failure: settle the log, then surface the
			// error as the prompt's response.
			r.persistClosure()
			o.logger.Error(ctx, "turn failed", "turn", turn, "call", call, "error", err)
			r.emit(models.WireTurnEnded, r.turnData(stop, err.Error()))
			r.observeTurn("error", started)
			r.afterTurn()
			return nil, err
		}
		stop = s
		if stop == models.StopToolUse && r.completedThisCall > 0 {
			continue
		}
		if stop == models.StopToolUse {
			o.logger.Warn(ctx, "model stopped for tool use but no tool completed", "turn", turn, "call", call)
		}
		break
	}

	duration := time.Since(started)
	o.logger.Info(ctx, "turn ended",
		"turn", turn, "stop_reason", string(stop), "tool_calls", r.toolsRun,
		"duration_ms", duration.Milliseconds())
	r.emit(models.WireTurnEnded, r.turnData(stop, ""))
	r.observeTurn("ended", started)
	r.afterTurn()

	return &TurnResult{
		SessionID:        session.ID,
		Turn:             turn,
		UserEventID:      userEv.ID,
		AssistantEventID: r.lastAssistantID,
		StopReason:       stop,
		Usage:            r.total,
		ToolCalls:        r.toolsRun,
		DurationMS:       duration.Milliseconds(),
	}, nil
}

// turnRun is the mutable state of one prompt. It lives on the turn
// goroutine; tool goroutines communicate exclusively through results.
type turnRun struct {
	o       *Orchestrator
	ctx     context.Context
	turnCtx context.Context
	persist context.Context
	abort   <-chan struct{}
	done    chan struct{}
	results chan toolCompletion
	sem     chan struct{}

	tracker     *TurnTracker
	sessionID   string
	turn        int
	model       string
	userEventID string
	startedAt   time.Time

	inflight          int
	toolsRun          int
	completedThisCall int
	total             models.TokenUsage
	// carried holds usage that arrived after its call's assistant event was
	// already flushed; the next flush attributes it.
	carried         models.TokenUsage
	lastAssistantID string
}

type toolCompletion struct {
	id       string
	name     string
	output   *ToolOutput
	err      error
	duration time.Duration
}

// streamOnce drives a single provider call: project, stream, flush, execute
// tools, drain. It returns the call's stop reason.
func (r *turnRun) streamOnce(call int) (models.StopReason, error) {
	state, err := r.o.store.GetStateAtHead(r.ctx, r.sessionID)
	if err != nil {
		return "", turnErr(PhaseProject, call, "project session state", err)
	}
	if state.Model != "" {
		r.model = state.Model
	}
	r.tracker.OnTurnStart(call)
	r.completedThisCall = 0

	stream, err := r.o.provider.Stream(r.turnCtx, &CompletionRequest{
		Model:     r.model,
		System:    r.o.systemPrompt(state),
		Messages:  conversationMessages(state),
		Tools:     r.o.tools.Definitions(),
		MaxTokens: r.o.cfg.MaxTokens,
	})
	if err != nil {
		return "", turnErr(PhaseStream, call, "open provider stream", err)
	}

	var (
		stop      models.StopReason
		sawEnd    bool
		callUsage models.TokenUsage
	)

	for stream != nil || r.inflight > 0 {
		// Aborts win over ready stream events.
		select {
		case <-r.abortChan():
			return stop, errInterrupted
		case <-r.ctx.Done():
			return stop, errInterrupted
		default:
		}

		select {
		case <-r.abortChan():
			return stop, errInterrupted
		case <-r.ctx.Done():
			return stop, errInterrupted
		case ev, ok := <-stream:
			if !ok {
				stream = nil
				if !sawEnd {
					return stop, turnErr(PhaseStream, call, "provider stream closed without end of turn", nil)
				}
				if stop == models.StopToolUse {
					if err := r.sweepPending(call, callUsage); err != nil {
						return stop, err
					}
				}
				continue
			}
			switch ev.Kind {
			case StreamTextDelta:
				r.tracker.AddTextDelta(ev.Delta)
				r.emit(models.WireStreamTextDelta, models.TextDeltaData{SessionID: r.sessionID, Turn: r.turn, Delta: ev.Delta})
			case StreamThinkingDelta:
				r.tracker.AddThinkingDelta(ev.Delta)
				r.tracker.SetThinkingSignature(ev.Signature)
				r.emit(models.WireStreamThinkingDelta, models.TextDeltaData{SessionID: r.sessionID, Turn: r.turn, Delta: ev.Delta})
			case StreamThinkingSignature:
				r.tracker.SetThinkingSignature(ev.Signature)
			case StreamToolUseBatch:
				r.tracker.RegisterToolIntents(ev.Intents)
				for _, in := range ev.Intents {
					r.emit(models.WireStreamToolStarted, models.ToolStartedData{
						SessionID:  r.sessionID,
						Turn:       r.turn,
						ToolCallID: in.ID,
						ToolName:   in.Name,
						StartedAt:  time.Now().UTC(),
					})
				}
			case StreamToolArgDelta:
				r.emit(models.WireStreamToolArgDelta, models.ToolArgDeltaData{
					SessionID:  r.sessionID,
					Turn:       r.turn,
					ToolCallID: ev.ToolCallID,
					Delta:      ev.Delta,
				})
			case StreamToolExecutionStart:
				if !r.tracker.PreToolFlushed() {
					if err := r.flushAssistant(call, models.StopToolUse, models.TokenUsage{}); err != nil {
						return stop, err
					}
				}
				r.startTool(ev.ToolCallID, ev.ToolName, ev.Args, ev.StartedAt)
			case StreamEndOfTurn:
				sawEnd = true
				stop = ev.StopReason
				callUsage = ev.Usage
				r.total.Add(ev.Usage)
				if stop != models.StopToolUse {
					if err := r.flushAssistant(call, stop, ev.Usage); err != nil {
						return stop, err
					}
				} else if r.tracker.PreToolFlushed() {
					r.carried.Add(ev.Usage)
				}
			case StreamError:
				return stop, turnErr(PhaseStream, call, "provider stream error", ev.Err)
			}
		case comp := <-r.results:
			r.inflight--
			r.finishTool(comp)
		}
	}
	return stop, nil
}

// sweepPending runs intents the provider registered but never signaled an
// execution start for. The batch is the model's commitment; a missing start
// event must not leave dangling tool_use blocks.
func (r *turnRun) sweepPending(call int, callUsage models.TokenUsage) error {
	if !r.tracker.PreToolFlushed() {
		if err := r.flushAssistant(call, models.StopToolUse, callUsage); err != nil {
			return err
		}
	}
	for _, tc := range r.tracker.PendingCalls() {
		r.startTool(tc.ID, tc.Name, tc.Args, time.Now().UTC())
	}
	return nil
}

// flushAssistant persists the tracker's accumulated content once per
// provider call. Usage carried over from earlier flushed calls rides along
// so session counters stay complete.
func (r *turnRun) flushAssistant(call int, stop models.StopReason, usage models.TokenUsage) error {
	blocks, flushed := r.tracker.FlushPreToolContent()
	if !flushed {
		r.carried.Add(usage)
		return nil
	}
	total := r.carried
	total.Add(usage)
	raw, err := models.EncodePayload(models.MessageAssistantPayload{
		Content:    blocks,
		StopReason: stop,
		Model:      r.model,
		TokenUsage: total,
	})
	if err != nil {
		return turnErr(PhaseAppend, call, "encode assistant payload", err)
	}
	ev, err := r.o.store.AppendEvent(r.persist, eventstore.AppendRequest{
		SessionID: r.sessionID,
		Type:      models.EventMessageAssistant,
		Payload:   raw,
		Turn:      r.turn,
	})
	if err != nil {
		return turnErr(PhaseAppend, call, "append assistant message", err)
	}
	r.carried = models.TokenUsage{}
	r.lastAssistantID = ev.ID
	return nil
}

// startTool transitions the tracker entry to running, announces it, and
// hands execution to a goroutine gated by the concurrency semaphore.
func (r *turnRun) startTool(id, name string, args json.RawMessage, startedAt time.Time) {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if tc, ok := r.tracker.ToolCall(id); ok {
		if name == "" {
			name = tc.Name
		}
		if len(args) == 0 {
			args = tc.Args
		}
	}
	r.tracker.StartToolCall(id, name, args, startedAt)
	r.o.logger.Debug(r.ctx, "tool started", "tool", name, "tool_call_id", id)
	r.emit(models.WireToolStarted, models.ToolStartedData{
		SessionID:  r.sessionID,
		Turn:       r.turn,
		ToolCallID: id,
		ToolName:   name,
		StartedAt:  startedAt,
	})
	r.inflight++
	go r.execTool(id, name, args)
}

func (r *turnRun) execTool(id, name string, args json.RawMessage) {
	comp := toolCompletion{id: id, name: name}
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.turnCtx.Done():
		comp.err = r.turnCtx.Err()
		r.deliver(comp)
		return
	}

	ctx, cancel := context.WithTimeout(r.turnCtx, r.o.tools.TimeoutFor(name, r.o.cfg.ToolTimeout))
	defer cancel()
	start := time.Now()
	tool, err := r.o.tools.Lookup(name)
	if err != nil {
		comp.output = ErrorOutput(fmt.Sprintf("tool %q is not registered", name))
	} else {
		comp.output, comp.err = tool.Execute(ctx, args)
	}
	comp.duration = time.Since(start)
	r.deliver(comp)
}

// deliver hands a completion to the turn loop, dropping it when the turn
// already finished (the closure wrote a synthetic result in that case).
func (r *turnRun) deliver(comp toolCompletion) {
	select {
	case r.results <- comp:
	case <-r.done:
	}
}

// finishTool appends the tool.result event for one completion. The tracker
// transition guards against double-writes after an interruption closure.
func (r *turnRun) finishTool(comp toolCompletion) {
	isError := comp.err != nil || (comp.output != nil && comp.output.IsError)
	if !r.tracker.EndToolCall(comp.id, isError, time.Now().UTC()) {
		return
	}

	status := models.ToolStatusOK
	var content models.Blocks
	var blobRefs []string
	switch {
	case errors.Is(comp.err, context.Canceled) || errors.Is(comp.err, context.DeadlineExceeded):
		status = models.ToolStatusInterrupted
		content = models.Blocks{models.TextBlock(fmt.Sprintf("tool execution interrupted: %v", comp.err))}
	case comp.err != nil:
		status = models.ToolStatusError
		content = models.Blocks{models.TextBlock(comp.err.Error())}
	default:
		if comp.output != nil {
			content = comp.output.Content
			blobRefs = comp.output.BlobRefs
			if comp.output.IsError {
				status = models.ToolStatusError
			}
		}
	}

	payload := models.ToolResultPayload{
		ToolCallID: comp.id,
		ToolName:   comp.name,
		Content:    content,
		IsError:    status != models.ToolStatusOK,
		Status:     status,
		DurationMS: comp.duration.Milliseconds(),
		BlobRefs:   blobRefs,
	}
	raw, err := models.EncodePayload(payload)
	if err != nil {
		r.o.logger.Error(r.ctx, "encode tool result", "tool", comp.name, "error", err)
		return
	}
	ev, err := r.o.store.AppendEvent(r.persist, eventstore.AppendRequest{
		SessionID: r.sessionID,
		Type:      models.EventToolResult,
		Payload:   raw,
		Turn:      r.turn,
	})
	if err != nil {
		r.o.logger.Error(r.ctx, "append tool result", "tool", comp.name, "error", err)
		return
	}
	r.toolsRun++
	r.completedThisCall++
	r.emit(models.WireToolResult, models.ToolResultData{
		SessionID:  r.sessionID,
		Turn:       r.turn,
		ToolCallID: comp.id,
		ToolName:   comp.name,
		Status:     status,
		IsError:    payload.IsError,
		EventID:    ev.ID,
		DurationMS: payload.DurationMS,
	})
	if r.o.metrics != nil {
		r.o.metrics.ToolExecutions.WithLabelValues(comp.name, string(status)).Inc()
		r.o.metrics.ToolDuration.WithLabelValues(comp.name).Observe(comp.duration.Seconds())
	}
}

// persistClosure settles the log after an interruption: the unflushed
// assistant content, then one synthetic interrupted result per unresolved
// tool call. Failures are logged and skipped; the writes are best effort on
// an already-failing path.
func (r *turnRun) persistClosure() {
	ic := r.tracker.BuildCurrentTurnInterruptedContent()
	if len(ic.AssistantContent) > 0 {
		raw, err := models.EncodePayload(models.MessageAssistantPayload{
			Content:    ic.AssistantContent,
			StopReason: models.StopAborted,
			Model:      r.model,
			TokenUsage: r.carried,
		})
		if err == nil {
			ev, aerr := r.o.store.AppendEvent(r.persist, eventstore.AppendRequest{
				SessionID: r.sessionID,
				Type:      models.EventMessageAssistant,
				Payload:   raw,
				Turn:      r.turn,
			})
			if aerr != nil {
				r.o.logger.Error(r.ctx, "append interrupted assistant message", "error", aerr)
			} else {
				r.carried = models.TokenUsage{}
				r.lastAssistantID = ev.ID
			}
		}
	}
	for _, tc := range ic.ToolResults {
		raw, err := models.EncodePayload(models.ToolResultPayload{
			ToolCallID: tc.ToolCallID,
			ToolName:   tc.ToolName,
			Content:    models.Blocks{models.TextBlock("tool execution interrupted")},
			Status:     models.ToolStatusInterrupted,
		})
		if err != nil {
			continue
		}
		ev, err := r.o.store.AppendEvent(r.persist, eventstore.AppendRequest{
			SessionID: r.sessionID,
			Type:      models.EventToolResult,
			Payload:   raw,
			Turn:      r.turn,
		})
		if err != nil {
			r.o.logger.Error(r.ctx, "append synthetic tool result", "tool_call_id", tc.ToolCallID, "error", err)
			continue
		}
		r.emit(models.WireToolResult, models.ToolResultData{
			SessionID:  r.sessionID,
			Turn:       r.turn,
			ToolCallID: tc.ToolCallID,
			ToolName:   tc.ToolName,
			Status:     models.ToolStatusInterrupted,
			EventID:    ev.ID,
		})
		if r.o.metrics != nil {
			r.o.metrics.ToolExecutions.WithLabelValues(tc.ToolName, string(models.ToolStatusInterrupted)).Inc()
		}
	}
}

// afterTurn pushes the post-turn snapshots: the refreshed session row, the
// context occupancy, and a compaction suggestion when the gate asks for one.
func (r *turnRun) afterTurn() {
	if sess, err := r.o.store.GetSession(r.persist, r.sessionID); err == nil {
		r.emit(models.WireSessionUpdated, models.SessionUpdatedData{Session: sess})
	}
	if r.o.gate == nil {
		return
	}
	snap, err := r.o.gate.Snapshot(r.persist, r.sessionID)
	if err != nil {
		return
	}
	r.emit(models.WireContextUpdated, models.ContextUpdatedData{
		SessionID:   r.sessionID,
		UsedTokens:  snap.UsedTokens,
		Window:      snap.Window,
		UsedPercent: snap.UsedPercent,
	})
	if should, reason := r.o.gate.ShouldCompact(r.persist, r.sessionID); should {
		r.emit(models.WireCompactionSuggested, models.CompactionSuggestedData{
			SessionID:   r.sessionID,
			Reason:      reason,
			UsedPercent: snap.UsedPercent,
		})
	}
}

func (r *turnRun) emit(typ models.WireEventType, data any) {
	r.o.sink.Emit(r.persist, typ, data)
}

func (r *turnRun) turnData(stop models.StopReason, detail string) models.TurnData {
	return models.TurnData{
		SessionID:   r.sessionID,
		Turn:        r.turn,
		EventID:     r.lastAssistantID,
		StopReason:  stop,
		TokenUsage:  r.total,
		DurationMS:  time.Since(r.startedAt).Milliseconds(),
		ErrorDetail: detail,
	}
}

func (r *turnRun) observeTurn(outcome string, started time.Time) {
	if r.o.metrics == nil {
		return
	}
	r.o.metrics.Turns.WithLabelValues(outcome).Inc()
	r.o.metrics.TurnDuration.Observe(time.Since(started).Seconds())
}

// abortChan returns a never-ready channel when no abort hook is attached,
// keeping the selects uniform.
func (r *turnRun) abortChan() <-chan struct{} {
	if r.abort == nil {
		return nil
	}
	return r.abort
}

func (r *turnRun) interruptReason() string {
	select {
	case <-r.abortChan():
		return "aborted"
	default:
	}
	if err := r.ctx.Err(); err != nil {
		return err.Error()
	}
	return "interrupted"
}

// buildUserContent assembles the message.user blocks from a prompt string
// and optional rich blocks.
func buildUserContent(req PromptRequest) (models.Blocks, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && len(req.Blocks) == 0 {
		return nil, ErrEmptyPrompt
	}
	var content models.Blocks
	if prompt != "" {
		content = append(content, models.TextBlock(prompt))
	}
	content = append(content, req.Blocks...)
	return content, nil
}

func conversationMessages(state *projection.State) []models.Message {
	msgs := make([]models.Message, 0, len(state.Messages))
	for _, entry := range state.Messages {
		msgs = append(msgs, entry.Message)
	}
	return msgs
}

func stateModel(state *projection.State, session *models.Session) string {
	if state.Model != "" {
		return state.Model
	}
	return session.LatestModel
}

// systemPrompt assembles the system text from the configured preamble and
// the projected session state: working directory, plan mode, active skills
// and memory ledger notes.
func (o *Orchestrator) systemPrompt(state *projection.State) string {
	var b strings.Builder
	add := func(s string) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s)
	}
	if o.cfg.SystemPrompt != "" {
		add(o.cfg.SystemPrompt)
	}
	if state.WorkingDirectory != "" {
		add("Working directory: " + state.WorkingDirectory)
	}
	if state.PlanMode {
		add("Plan mode is on. Propose a plan and wait for approval; do not change anything until plan mode is turned off.")
	}
	if len(state.Skills.Added) > 0 {
		var sb strings.Builder
		sb.WriteString("Active skills:")
		for _, sk := range state.Skills.Added {
			sb.WriteString("\n- ")
			sb.WriteString(sk.Name)
			if sk.Source != "" {
				sb.WriteString(" (")
				sb.WriteString(sk.Source)
				sb.WriteString(")")
			}
		}
		add(sb.String())
	}
	if len(state.Memory) > 0 {
		var sb strings.Builder
		sb.WriteString("Notes from earlier in this session:")
		for _, m := range state.Memory {
			sb.WriteString("\n- ")
			sb.WriteString(memoryLine(m))
		}
		add(sb.String())
	}
	return b.String()
}

func memoryLine(m models.MemoryLedgerPayload) string {
	parts := make([]string, 0, 3)
	if m.Title != "" {
		parts = append(parts, m.Title)
	}
	parts = append(parts, m.Lessons...)
	parts = append(parts, m.Decisions...)
	if len(parts) == 0 {
		return m.Input
	}
	return strings.Join(parts, "; ")
}
