package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tronlabs/tron/internal/storage"
)

// dueSoonWindow is how far ahead a due date counts as "due soon".
// Overdue open tasks count too.
const dueSoonWindow = 48 * time.Hour

// AutoSummary renders the one-line workload summary ("N open, M in
// progress, K due soon; next: ...") that clients inject into the agent's
// context. workspaceID narrows the view; empty covers every task.
func (s *Store) AutoSummary(ctx context.Context, workspaceID string) (string, error) {
	where := `status IN (?, ?)`
	args := []any{string(StatusTodo), string(StatusDoing)}
	if workspaceID != "" {
		where += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}

	horizon := storage.FormatTime(time.Now().UTC().Add(dueSoonWindow))
	var open, doing, dueSoon int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN due_at IS NOT NULL AND due_at <= ? THEN 1 END)
		FROM tasks WHERE `+where,
		append([]any{string(StatusTodo), string(StatusDoing), horizon}, args...)...,
	).Scan(&open, &doing, &dueSoon)
	if err != nil {
		return "", fmt.Errorf("failed to count tasks: %w", err)
	}

	if open+doing == 0 {
		return "no open tasks", nil
	}

	// The next task is the soonest-due open one, oldest first among tasks
	// without a due date.
	var next string
	err = s.db.QueryRowContext(ctx, `
		SELECT title FROM tasks WHERE `+where+`
		ORDER BY (due_at IS NULL), due_at, created_at LIMIT 1`, args...,
	).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to pick next task: %w", err)
	}

	summary := fmt.Sprintf("%d open, %d in progress, %d due soon", open, doing, dueSoon)
	if next != "" {
		summary += "; next: " + next
	}
	return summary, nil
}
