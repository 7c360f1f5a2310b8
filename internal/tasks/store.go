package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/storage"
)

// Store persists the PARA tables. It borrows the engine's SQLite handle;
// every multi-statement write runs in one transaction.
type Store struct {
	db     *storage.DB
	logger *observability.Logger
}

// NewStore builds a Store over an open, migrated database.
func NewStore(db *storage.DB, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Store{db: db, logger: logger.Component("tasks")}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, title, description, status, priority, project_id, area_id,
	workspace_id, tags, metadata, due_at, created_at, updated_at`

// CreateTask inserts a task in status todo and records the first activity
// row. Project and area references are checked up front.
func (s *Store) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	if params.ProjectID != "" {
		if _, err := s.GetProject(ctx, params.ProjectID); err != nil {
			return nil, err
		}
	}
	if params.AreaID != "" {
		if _, err := s.GetArea(ctx, params.AreaID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          storage.NewID("task"),
		Title:       title,
		Description: params.Description,
		Status:      StatusTodo,
		Priority:    params.Priority,
		ProjectID:   params.ProjectID,
		AreaID:      params.AreaID,
		WorkspaceID: params.WorkspaceID,
		Tags:        params.Tags,
		Metadata:    params.Metadata,
		DueAt:       params.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tags, err := storage.JSONColumn(task.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task tags: %w", err)
	}
	metadata, err := storage.JSONColumn(task.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task metadata: %w", err)
	}

	err = storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Title, storage.NullString(task.Description),
			string(task.Status), storage.NullString(task.Priority),
			storage.NullString(task.ProjectID), storage.NullString(task.AreaID),
			storage.NullString(task.WorkspaceID),
			tags, metadata, storage.NullTime(task.DueAt),
			storage.FormatTime(now), storage.FormatTime(now),
		); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return recordActivityTx(ctx, tx, task.ID, now, "created", "")
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "task created", "task_id", task.ID, "title", task.Title)
	return task, nil
}

// GetTask loads one task with its dependency edges.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	deps, err := s.Dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

// ListTasks returns tasks matching the filter, most recently updated first.
// Archived tasks only show up when asked for by status.
func (s *Store) ListTasks(ctx context.Context, filter ListTasksFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	} else {
		where = append(where, "status != ?")
		args = append(args, string(StatusArchived))
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.AreaID != "" {
		where = append(where, "area_id = ?")
		args = append(args, filter.AreaID)
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if filter.Tag != "" && !hasTag(task.Tags, filter.Tag) {
			continue
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateTask applies a partial update and logs what changed.
func (s *Store) UpdateTask(ctx context.Context, id string, params UpdateTaskParams) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	var activities []Activity
	now := time.Now().UTC()

	if params.Title != nil {
		title := strings.TrimSpace(*params.Title)
		if title == "" {
			return nil, ErrTitleRequired
		}
		task.Title = title
	}
	if params.Description != nil {
		task.Description = *params.Description
	}
	if params.Status != nil {
		if !params.Status.valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *params.Status)
		}
		if *params.Status != task.Status {
			activities = append(activities, Activity{
				TaskID: id, Timestamp: now, Kind: "status",
				Note: fmt.Sprintf("%s -> %s", task.Status, *params.Status),
			})
			task.Status = *params.Status
		}
	}
	if params.Priority != nil {
		task.Priority = *params.Priority
	}
	if params.ProjectID != nil {
		if *params.ProjectID != "" {
			if _, err := s.GetProject(ctx, *params.ProjectID); err != nil {
				return nil, err
			}
		}
		task.ProjectID = *params.ProjectID
	}
	if params.AreaID != nil {
		if *params.AreaID != "" {
			if _, err := s.GetArea(ctx, *params.AreaID); err != nil {
				return nil, err
			}
		}
		task.AreaID = *params.AreaID
	}
	if params.Tags != nil {
		task.Tags = *params.Tags
	}
	if params.Metadata != nil {
		task.Metadata = *params.Metadata
	}
	if params.ClearDueAt {
		task.DueAt = nil
	} else if params.DueAt != nil {
		task.DueAt = params.DueAt
	}
	task.UpdatedAt = now
	activities = append(activities, Activity{TaskID: id, Timestamp: now, Kind: "updated"})

	tags, err := storage.JSONColumn(task.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task tags: %w", err)
	}
	metadata, err := storage.JSONColumn(task.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task metadata: %w", err)
	}

	err = storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				title = ?, description = ?, status = ?, priority = ?,
				project_id = ?, area_id = ?, tags = ?, metadata = ?,
				due_at = ?, updated_at = ?
			WHERE id = ?`,
			task.Title, storage.NullString(task.Description), string(task.Status),
			storage.NullString(task.Priority),
			storage.NullString(task.ProjectID), storage.NullString(task.AreaID),
			tags, metadata, storage.NullTime(task.DueAt),
			storage.FormatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return ErrTaskNotFound
		}
		for _, a := range activities {
			if err := recordActivityTx(ctx, tx, a.TaskID, a.Timestamp, a.Kind, a.Note); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask moves a task to done.
func (s *Store) CompleteTask(ctx context.Context, id string) (*Task, error) {
	return s.setStatus(ctx, id, StatusDone, "completed")
}

// ArchiveTask hides a task from default listings without deleting it.
func (s *Store) ArchiveTask(ctx context.Context, id string) (*Task, error) {
	return s.setStatus(ctx, id, StatusArchived, "archived")
}

func (s *Store) setStatus(ctx context.Context, id string, status Status, kind string) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	err = storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), storage.FormatTime(now), id,
		); err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		return recordActivityTx(ctx, tx, id, now, kind, "")
	})
	if err != nil {
		return nil, err
	}
	task.Status = status
	task.UpdatedAt = now
	return task, nil
}

// DeleteTask removes a task, its activity rows, and every dependency edge
// touching it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_deps WHERE task_id = ? OR depends_on = ?`, id, id); err != nil {
			return fmt.Errorf("failed to delete task dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_activity WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task activity: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// AddDependency records that task blocks on dependsOn. Edges that would
// let a task reach itself are rejected before the insert.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return ErrDependencyCycle
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.GetTask(ctx, dependsOn); err != nil {
		return err
	}

	// Reject the edge if dependsOn already reaches taskID through existing
	// edges; inserting it would close a loop.
	var reached int
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT depends_on FROM task_deps WHERE task_id = ?
			UNION
			SELECT td.depends_on FROM task_deps td JOIN reach ON td.task_id = reach.id
		)
		SELECT COUNT(*) FROM reach WHERE id = ?`, dependsOn, taskID).Scan(&reached)
	if err != nil {
		return fmt.Errorf("failed to check dependency graph: %w", err)
	}
	if reached > 0 {
		return ErrDependencyCycle
	}

	now := time.Now().UTC()
	return storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?)`,
			taskID, dependsOn); err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
		return recordActivityTx(ctx, tx, taskID, now, "dependency", "blocked by "+dependsOn)
	})
}

// Dependencies returns the ids a task is blocked by, in insertion order.
func (s *Store) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Activity returns a task's audit trail, oldest first.
func (s *Store) Activity(ctx context.Context, taskID string) ([]Activity, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, timestamp, kind, note FROM task_activity
		WHERE task_id = ? ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a    Activity
			ts   string
			note sql.NullString
		)
		if err := rows.Scan(&a.TaskID, &ts, &a.Kind, &note); err != nil {
			return nil, fmt.Errorf("failed to scan task activity: %w", err)
		}
		if a.Timestamp, err = storage.ParseTime(ts); err != nil {
			return nil, err
		}
		a.Note = storage.StringValue(note)
		out = append(out, a)
	}
	return out, rows.Err()
}

func recordActivityTx(ctx context.Context, tx *sql.Tx, taskID string, at time.Time, kind, note string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_activity (task_id, timestamp, kind, note) VALUES (?, ?, ?, ?)`,
		taskID, storage.FormatTime(at), kind, storage.NullString(note)); err != nil {
		return fmt.Errorf("failed to record task activity: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                            Task
		description, priority        sql.NullString
		projectID, areaID, workspace sql.NullString
		tags, metadata, dueAt        sql.NullString
		status, created, updated     string
	)
	if err := row.Scan(
		&t.ID, &t.Title, &description, &status, &priority,
		&projectID, &areaID, &workspace,
		&tags, &metadata, &dueAt, &created, &updated,
	); err != nil {
		return nil, err
	}

	t.Description = storage.StringValue(description)
	t.Status = Status(status)
	t.Priority = storage.StringValue(priority)
	t.ProjectID = storage.StringValue(projectID)
	t.AreaID = storage.StringValue(areaID)
	t.WorkspaceID = storage.StringValue(workspace)

	if err := storage.ScanJSON(tags, &t.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode task tags: %w", err)
	}
	if err := storage.ScanJSON(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode task metadata: %w", err)
	}

	var err error
	if t.DueAt, err = storage.TimeValue(dueAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
