package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tronlabs/tron/internal/storage"
)

const projectColumns = `id, name, description, status, area_id, workspace_id, created_at, updated_at`

// CreateProjectParams carries the writable fields of a new project.
type CreateProjectParams struct {
	Name        string
	Description string
	AreaID      string
	WorkspaceID string
}

// CreateProject inserts a project in status active.
func (s *Store) CreateProject(ctx context.Context, params CreateProjectParams) (*Project, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, ErrTitleRequired
	}
	if params.AreaID != "" {
		if _, err := s.GetArea(ctx, params.AreaID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	project := &Project{
		ID:          storage.NewID("proj"),
		Name:        name,
		Description: params.Description,
		Status:      "active",
		AreaID:      params.AreaID,
		WorkspaceID: params.WorkspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ID, project.Name, storage.NullString(project.Description),
		project.Status, storage.NullString(project.AreaID),
		storage.NullString(project.WorkspaceID),
		storage.FormatTime(now), storage.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return project, nil
}

// GetProject loads one project.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// ListProjects returns projects, optionally narrowed to a workspace.
func (s *Store) ListProjects(ctx context.Context, workspaceID string) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, project)
	}
	return out, rows.Err()
}

// CreateArea inserts an area. Names are unique; reusing one is an error.
func (s *Store) CreateArea(ctx context.Context, name, description string) (*Area, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrTitleRequired
	}

	now := time.Now().UTC()
	area := &Area{
		ID:          storage.NewID("area"),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO areas (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		area.ID, area.Name, storage.NullString(area.Description),
		storage.FormatTime(now), storage.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert area: %w", err)
	}
	return area, nil
}

// GetArea loads one area.
func (s *Store) GetArea(ctx context.Context, id string) (*Area, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM areas WHERE id = ?`, id)
	area, err := scanArea(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAreaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get area: %w", err)
	}
	return area, nil
}

// ListAreas returns every area, oldest first.
func (s *Store) ListAreas(ctx context.Context) ([]*Area, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM areas ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	defer rows.Close()

	var out []*Area
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		out = append(out, area)
	}
	return out, rows.Err()
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                     Project
		description, area, ws sql.NullString
		created, updated      string
	)
	if err := row.Scan(&p.ID, &p.Name, &description, &p.Status, &area, &ws, &created, &updated); err != nil {
		return nil, err
	}
	p.Description = storage.StringValue(description)
	p.AreaID = storage.StringValue(area)
	p.WorkspaceID = storage.StringValue(ws)

	var err error
	if p.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanArea(row rowScanner) (*Area, error) {
	var (
		a                Area
		description      sql.NullString
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.Name, &description, &created, &updated); err != nil {
		return nil, err
	}
	a.Description = storage.StringValue(description)

	var err error
	if a.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}
