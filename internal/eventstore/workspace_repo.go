package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

// workspaceRepo persists workspaces. Workspaces are keyed by path and
// created on first reference; the engine never deletes them.
type workspaceRepo struct {
	db *storage.DB
}

func (r *workspaceRepo) Create(ctx context.Context, path, name string) (*models.Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	if name == "" {
		name = filepath.Base(path)
	}
	now := time.Now()
	ws := &models.Workspace{
		ID:             storage.NewID("ws"),
		Path:           path,
		Name:           name,
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, path, name, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Path, storage.NullString(ws.Name), storage.FormatTime(now), storage.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// GetOrCreate returns the workspace for path, inserting it when absent. The
// upsert keeps last_activity_at fresh on the hit path.
func (r *workspaceRepo) GetOrCreate(ctx context.Context, path string) (*models.Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	now := storage.FormatTime(time.Now())
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, path, name, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET last_activity_at = excluded.last_activity_at
		RETURNING id, path, name, created_at, last_activity_at`,
		storage.NewID("ws"), path, storage.NullString(filepath.Base(path)), now, now,
	)
	ws, err := scanWorkspace(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create workspace: %w", err)
	}
	return ws, nil
}

func (r *workspaceRepo) Get(ctx context.Context, id string) (*models.Workspace, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

func (r *workspaceRepo) GetByPath(ctx context.Context, path string) (*models.Workspace, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces WHERE path = ?`, path)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace by path: %w", err)
	}
	return ws, nil
}

func (r *workspaceRepo) List(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// TouchTx bumps last_activity_at inside an append transaction.
func (r *workspaceRepo) TouchTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE workspaces SET last_activity_at = ? WHERE id = ?`,
		storage.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch workspace: %w", err)
	}
	return nil
}

// rowScanner matches *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	var (
		ws               models.Workspace
		name             sql.NullString
		created, updated string
	)
	if err := row.Scan(&ws.ID, &ws.Path, &name, &created, &updated); err != nil {
		return nil, err
	}
	ws.Name = storage.StringValue(name)

	var err error
	if ws.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if ws.LastActivityAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &ws, nil
}
