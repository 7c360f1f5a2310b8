// Package tasks implements the PARA organizer: tasks grouped into projects
// and areas, with an activity log and dependency edges between tasks. The
// store is exposed to clients only through the task.* RPC family; the agent
// sees it as a one-line summary injected into the system prompt.
package tasks

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusTodo is the initial state.
	StatusTodo Status = "todo"

	// StatusDoing marks a task as in progress.
	StatusDoing Status = "doing"

	// StatusDone marks a task as completed.
	StatusDone Status = "done"

	// StatusArchived removes a task from every default view without
	// deleting its history.
	StatusArchived Status = "archived"
)

// Open reports whether the status counts toward the open workload.
func (s Status) Open() bool {
	return s == StatusTodo || s == StatusDoing
}

// valid statuses for writes; anything else is rejected on update.
func (s Status) valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone, StatusArchived:
		return true
	}
	return false
}

// Task is one actionable item. Project, area and workspace links are all
// optional; a bare task is fine.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Priority    string         `json:"priority,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
	AreaID      string         `json:"areaId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DueAt       *time.Time     `json:"dueAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	// DependsOn lists task ids this task is blocked by. Populated on Get,
	// not on List.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Project groups tasks with a shared outcome.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	AreaID      string    `json:"areaId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Area is a long-lived sphere of responsibility projects and tasks hang off.
type Area struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Activity is one row of a task's audit trail.
type Activity struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Note      string    `json:"note,omitempty"`
}

// CreateTaskParams carries the writable fields of a new task.
type CreateTaskParams struct {
	Title       string
	Description string
	Priority    string
	ProjectID   string
	AreaID      string
	WorkspaceID string
	Tags        []string
	Metadata    map[string]any
	DueAt       *time.Time
}

// UpdateTaskParams patches a task. Nil fields leave the column untouched.
type UpdateTaskParams struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *string
	ProjectID   *string
	AreaID      *string
	Tags        *[]string
	Metadata    *map[string]any
	DueAt       *time.Time
	ClearDueAt  bool
}

// ListTasksFilter narrows ListTasks. Zero values mean "any".
type ListTasksFilter struct {
	Status      Status
	ProjectID   string
	AreaID      string
	Tag         string
	WorkspaceID string
	Limit       int
	Offset      int
}
