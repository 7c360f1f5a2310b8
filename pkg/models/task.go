package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "todo"
	TaskDoing    TaskStatus = "doing"
	TaskDone     TaskStatus = "done"
	TaskArchived TaskStatus = "archived"
)

// TaskPriority orders tasks within a status.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is one actionable item in the PARA organizer. Tasks live beside the
// event log in sibling tables and are exposed only through RPC.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    TaskPriority   `json:"priority,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
	AreaID      string         `json:"areaId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DueAt       *time.Time     `json:"dueAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectOnHold   ProjectStatus = "on_hold"
	ProjectDone     ProjectStatus = "done"
	ProjectArchived ProjectStatus = "archived"
)

// Project groups tasks toward one outcome.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	AreaID      string        `json:"areaId,omitempty"`
	WorkspaceID string        `json:"workspaceId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Area is an ongoing sphere of responsibility.
type Area struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskActivity is one row in a task's append-only activity log.
type TaskActivity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Note      string    `json:"note,omitempty"`
}

// TaskDependency is one edge in the task dependency graph. Cycles are
// rejected on insert.
type TaskDependency struct {
	TaskID    string `json:"taskId"`
	DependsOn string `json:"dependsOn"`
}
