package tasks

import "errors"

var (
	// ErrTaskNotFound is returned when a task id resolves to nothing.
	ErrTaskNotFound = errors.New("tasks: task not found")

	// ErrProjectNotFound is returned when a referenced project does not exist.
	ErrProjectNotFound = errors.New("tasks: project not found")

	// ErrAreaNotFound is returned when a referenced area does not exist.
	ErrAreaNotFound = errors.New("tasks: area not found")

	// ErrDependencyCycle rejects a dependency edge that would make a task
	// transitively block itself.
	ErrDependencyCycle = errors.New("tasks: dependency would create a cycle")

	// ErrTitleRequired rejects tasks and projects created without a name.
	ErrTitleRequired = errors.New("tasks: title is required")

	// ErrInvalidStatus rejects writes with an unknown lifecycle state.
	ErrInvalidStatus = errors.New("tasks: invalid status")
)
