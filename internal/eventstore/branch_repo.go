package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

const branchColumns = `id, session_id, name, description, root_event_id, head_event_id,
	is_default, created_at, last_activity_at`

// branchRepo persists named heads over the event DAG. At most one branch per
// session is the default, enforced by a partial unique index and kept true
// by SetDefault's transactional clear-then-set.
type branchRepo struct {
	db *storage.DB
}

// Create inserts a branch. The first branch of a session becomes the default
// automatically.
func (r *branchRepo) Create(ctx context.Context, b *models.Branch) (*models.Branch, error) {
	if b.SessionID == "" {
		return nil, fmt.Errorf("branch session id is required")
	}
	if b.Name == "" {
		return nil, fmt.Errorf("branch name is required")
	}
	now := time.Now().UTC()
	out := *b
	out.ID = storage.NewID("br")
	out.CreatedAt = now
	out.LastActivityAt = now

	err := storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		if !out.IsDefault {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM branches WHERE session_id = ?`, out.SessionID).Scan(&n); err != nil {
				return fmt.Errorf("failed to count session branches: %w", err)
			}
			out.IsDefault = n == 0
		}
		if out.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE branches SET is_default = 0 WHERE session_id = ?`, out.SessionID); err != nil {
				return fmt.Errorf("failed to clear default branches: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO branches (id, session_id, name, description, root_event_id, head_event_id, is_default, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.SessionID, out.Name, storage.NullString(out.Description),
			storage.NullString(out.RootEventID), storage.NullString(out.HeadEventID),
			out.IsDefault, storage.FormatTime(now), storage.FormatTime(now),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return ErrBranchNameTaken
			}
			return fmt.Errorf("failed to create branch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *branchRepo) Get(ctx context.Context, id string) (*models.Branch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

// ListBySession returns the session's branches, default first, then by
// recency.
func (r *branchRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+branchColumns+` FROM branches
		WHERE session_id = ?
		ORDER BY is_default DESC, last_activity_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetDefault makes the branch the session's default, clearing any other
// default in the same transaction.
func (r *branchRepo) SetDefault(ctx context.Context, id string) error {
	return storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx,
			`SELECT session_id FROM branches WHERE id = ?`, id).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBranchNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve branch session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE branches SET is_default = 0 WHERE session_id = ? AND id != ?`, sessionID, id); err != nil {
			return fmt.Errorf("failed to clear default branches: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE branches SET is_default = 1, last_activity_at = ? WHERE id = ?`,
			storage.FormatTime(time.Now()), id); err != nil {
			return fmt.Errorf("failed to set default branch: %w", err)
		}
		return nil
	})
}

// UpdateHead advances the branch head pointer.
func (r *branchRepo) UpdateHead(ctx context.Context, id, headEventID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE branches SET head_event_id = ?, last_activity_at = ? WHERE id = ?`,
		storage.NullString(headEventID), storage.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update branch head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrBranchNotFound
	}
	return nil
}

// DeleteBySessionTx removes a session's branches inside a transaction.
func (r *branchRepo) DeleteBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session branches: %w", err)
	}
	return nil
}

func scanBranch(row rowScanner) (*models.Branch, error) {
	var (
		b                     models.Branch
		description           sql.NullString
		rootEvent, headEvent  sql.NullString
		created, lastActivity string
	)
	if err := row.Scan(
		&b.ID, &b.SessionID, &b.Name, &description, &rootEvent, &headEvent,
		&b.IsDefault, &created, &lastActivity,
	); err != nil {
		return nil, err
	}
	b.Description = storage.StringValue(description)
	b.RootEventID = storage.StringValue(rootEvent)
	b.HeadEventID = storage.StringValue(headEvent)

	var err error
	if b.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if b.LastActivityAt, err = storage.ParseTime(lastActivity); err != nil {
		return nil, err
	}
	return &b, nil
}
