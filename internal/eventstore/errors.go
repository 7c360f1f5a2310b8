package eventstore

import "errors"

var (
	// ErrWorkspaceNotFound is returned when a workspace id or path resolves
	// to nothing.
	ErrWorkspaceNotFound = errors.New("eventstore: workspace not found")

	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("eventstore: session not found")

	// ErrEventNotFound is returned when an event id resolves to nothing.
	ErrEventNotFound = errors.New("eventstore: event not found")

	// ErrBranchNotFound is returned when a branch id resolves to nothing.
	ErrBranchNotFound = errors.New("eventstore: branch not found")

	// ErrBlobNotFound is returned when a blob id or hash resolves to nothing.
	ErrBlobNotFound = errors.New("eventstore: blob not found")

	// ErrInvalidParent is returned when an append names a parent that is
	// missing, belongs to another session, or is null for a non-root type.
	ErrInvalidParent = errors.New("eventstore: invalid parent event")

	// ErrInvalidEventType is returned when an append uses a type outside the
	// closed set.
	ErrInvalidEventType = errors.New("eventstore: invalid event type")

	// ErrInvalidPayload is returned when an event payload fails strict schema
	// validation at the append boundary.
	ErrInvalidPayload = errors.New("eventstore: invalid event payload")

	// ErrSequenceRace is returned when two appends race on the same session
	// head. The store retries internally; callers seeing it exhausted the
	// retry budget.
	ErrSequenceRace = errors.New("eventstore: sequence allocation race")

	// ErrUnsettledBoundary is returned when a fork names an event that is
	// not a settled message boundary.
	ErrUnsettledBoundary = errors.New("eventstore: fork source is not a settled message boundary")

	// ErrBranchNameTaken is returned when a branch name already exists in
	// the session.
	ErrBranchNameTaken = errors.New("eventstore: branch name already exists")
)
