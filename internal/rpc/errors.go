package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tronlabs/tron/internal/agent"
	"github.com/tronlabs/tron/internal/contextmgr"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/notes"
	"github.com/tronlabs/tron/internal/tasks"
)

// Code classifies an RPC failure. Codes are stable wire contract; clients
// branch on them, not on messages.
type Code string

const (
	CodeInvalidParams     Code = "INVALID_PARAMS"
	CodeMethodNotFound    Code = "METHOD_NOT_FOUND"
	CodeNotAvailable      Code = "NOT_AVAILABLE"
	CodeInternalError     Code = "INTERNAL_ERROR"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSessionNotActive  Code = "SESSION_NOT_ACTIVE"
	CodeAlreadyInPlanMode Code = "ALREADY_IN_PLAN_MODE"
	CodeNotInPlanMode     Code = "NOT_IN_PLAN_MODE"
	CodeFileNotFound      Code = "FILE_NOT_FOUND"
	CodeFileError         Code = "FILE_ERROR"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeParentNotFound    Code = "PARENT_NOT_FOUND"
	CodeBrowserError      Code = "BROWSER_ERROR"
	CodeFilesystemError   Code = "FILESYSTEM_ERROR"
	CodeTranscription     Code = "TRANSCRIPTION_ERROR"
	CodeVoiceNoteNotFound Code = "VOICE_NOTE_NOT_FOUND"
	CodeVoiceNoteError    Code = "VOICE_NOTE_ERROR"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeDependencyCycle   Code = "DEPENDENCY_CYCLE"
	CodeContextExhausted  Code = "CONTEXT_EXHAUSTED"
	CodeTurnActive        Code = "TURN_ACTIVE"
	CodeRPCTimeout        Code = "RPC_TIMEOUT"
	CodeConnectionClosed  Code = "CONNECTION_CLOSED"
)

// Error is the wire error carried in failed responses. It implements error
// so handlers can return one directly and have the code pass through.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError maps an arbitrary handler error onto the wire vocabulary.
// Typed *Error values pass through unchanged; known sentinels from the
// engine packages map to their codes; everything else is INTERNAL_ERROR.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := CodeInternalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeRPCTimeout

	case errors.Is(err, eventstore.ErrSessionNotFound):
		code = CodeSessionNotFound

	case errors.Is(err, contextmgr.ErrContextExhausted),
		errors.Is(err, contextmgr.ErrEstimatedOverflow):
		code = CodeContextExhausted

	case errors.Is(err, agent.ErrTurnActive):
		code = CodeTurnActive

	case errors.Is(err, agent.ErrNoProvider),
		errors.Is(err, contextmgr.ErrNoSummarizer),
		errors.Is(err, notes.ErrNoTranscriber):
		code = CodeNotAvailable

	case errors.Is(err, tasks.ErrTaskNotFound):
		code = CodeTaskNotFound

	case errors.Is(err, tasks.ErrDependencyCycle):
		code = CodeDependencyCycle

	case errors.Is(err, tasks.ErrProjectNotFound),
		errors.Is(err, tasks.ErrAreaNotFound):
		code = CodeParentNotFound

	case errors.Is(err, notes.ErrNoteNotFound):
		code = CodeVoiceNoteNotFound

	case errors.Is(err, eventstore.ErrInvalidParent),
		errors.Is(err, eventstore.ErrUnsettledBoundary),
		errors.Is(err, eventstore.ErrInvalidPayload),
		errors.Is(err, eventstore.ErrInvalidEventType),
		errors.Is(err, eventstore.ErrEventNotFound),
		errors.Is(err, eventstore.ErrBranchNotFound),
		errors.Is(err, eventstore.ErrBranchNameTaken),
		errors.Is(err, eventstore.ErrWorkspaceNotFound),
		errors.Is(err, contextmgr.ErrNoPreview),
		errors.Is(err, contextmgr.ErrNothingToCompact),
		errors.Is(err, agent.ErrEmptyPrompt):
		code = CodeInvalidParams
	}

	return &Error{Code: code, Message: err.Error()}
}
