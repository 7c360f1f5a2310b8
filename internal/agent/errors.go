package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider is returned when a prompt arrives and no provider
	// adapter is configured.
	ErrNoProvider = errors.New("agent: no provider configured")

	// ErrTurnActive is returned when a prompt arrives for a session that
	// already has a turn in flight.
	ErrTurnActive = errors.New("agent: turn already active for session")

	// ErrMaxTurns is returned when a single prompt exhausts the provider
	// call cap while the model keeps requesting tools.
	ErrMaxTurns = errors.New("agent: provider call limit reached")

	// ErrEmptyPrompt is returned when a prompt carries neither text nor
	// content blocks.
	ErrEmptyPrompt = errors.New("agent: prompt requires text or content blocks")

	// ErrToolNotFound is returned by the registry for an unregistered tool
	// name. During a turn the miss is folded into an error tool result
	// rather than failing the turn.
	ErrToolNotFound = errors.New("agent: tool not found")
)

// TurnPhase identifies where in the turn lifecycle an error occurred.
type TurnPhase string

const (
	PhaseAdmission TurnPhase = "admission"
	PhaseAppend    TurnPhase = "append"
	PhaseProject   TurnPhase = "project"
	PhaseStream    TurnPhase = "stream"
	PhaseTools     TurnPhase = "execute_tools"
	PhaseComplete  TurnPhase = "complete"
)

// TurnError wraps a turn failure with the phase and provider call number
// where it happened.
type TurnError struct {
	Phase   TurnPhase
	Call    int
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn error at %s (call %d): %s: %v", e.Phase, e.Call, e.Message, e.Cause)
	}
	return fmt.Sprintf("turn error at %s (call %d): %s", e.Phase, e.Call, e.Message)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}

func turnErr(phase TurnPhase, call int, message string, cause error) *TurnError {
	return &TurnError{Phase: phase, Call: call, Message: message, Cause: cause}
}
