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

const sessionColumns = `id, workspace_id, working_directory, latest_model, title, status,
	root_event_id, head_event_id,
	event_count, message_count, turn_count,
	input_tokens, output_tokens, last_turn_input_tokens,
	cache_read_tokens, cache_creation_tokens, cost,
	parent_session_id, fork_from_event_id,
	spawning_session_id, spawn_type, spawn_task,
	tags, created_at, last_activity_at, ended_at`

type sessionRepo struct {
	db *storage.DB
}

// ListSessionsFilter narrows ListSessions. Zero values mean "any".
type ListSessionsFilter struct {
	WorkspaceID     string
	Status          models.SessionStatus
	ParentSessionID string
	Limit           int
	Offset          int
}

// CreateTx inserts the session row. Callers pair it with the root event
// insert in the same transaction so a session never exists without one.
func (r *sessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *models.Session) error {
	tags, err := storage.JSONColumn(s.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode session tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, working_directory, latest_model, title, status,
			root_event_id, head_event_id,
			event_count, message_count, turn_count,
			input_tokens, output_tokens, last_turn_input_tokens,
			cache_read_tokens, cache_creation_tokens, cost,
			parent_session_id, fork_from_event_id,
			spawning_session_id, spawn_type, spawn_task,
			tags, created_at, last_activity_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.WorkingDirectory,
		storage.NullString(s.LatestModel), storage.NullString(s.Title), string(s.Status),
		storage.NullString(s.RootEventID), storage.NullString(s.HeadEventID),
		s.EventCount, s.MessageCount, s.TurnCount,
		s.InputTokens, s.OutputTokens, s.LastTurnInputTokens,
		s.CacheReadTokens, s.CacheCreationTokens, s.Cost,
		storage.NullString(s.ParentSessionID), storage.NullString(s.ForkFromEventID),
		storage.NullString(s.SpawningSessionID), storage.NullString(string(s.SpawnType)), storage.NullString(s.SpawnTask),
		tags, storage.FormatTime(s.CreatedAt), storage.FormatTime(s.LastActivityAt), storage.NullTime(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetTx reads the session row inside an append transaction so the
// event_count it returns is the one the optimistic update is checked against.
func (r *sessionRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*models.Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) List(ctx context.Context, filter ListSessionsFilter) ([]*models.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentSessionID != "" {
		where = append(where, "parent_session_id = ?")
		args = append(args, filter.ParentSessionID)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// appendDelta is what one appended event contributes to the session row.
// Nullable fields leave the column untouched when unset.
type appendDelta struct {
	HeadEventID   string
	RootEventID   sql.NullString
	MessageDelta  int64
	TurnDelta     int64
	Usage         models.TokenUsage
	LastTurnInput sql.NullInt64
	LatestModel   sql.NullString
	Status        sql.NullString
	EndedAt       sql.NullString
	At            time.Time
}

// ApplyAppendTx folds one appended event into the session counters. The
// WHERE clause pins event_count to the value read at the start of the
// transaction; zero rows affected means another writer got there first.
func (r *sessionRepo) ApplyAppendTx(ctx context.Context, tx *sql.Tx, sessionID string, expectedCount int64, d appendDelta) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			head_event_id = ?,
			root_event_id = COALESCE(root_event_id, ?),
			event_count = event_count + 1,
			message_count = message_count + ?,
			turn_count = turn_count + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			last_turn_input_tokens = COALESCE(?, last_turn_input_tokens),
			cache_read_tokens = cache_read_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cost = cost + ?,
			latest_model = COALESCE(?, latest_model),
			status = COALESCE(?, status),
			ended_at = CASE WHEN ? THEN ? ELSE ended_at END,
			last_activity_at = ?
		WHERE id = ? AND event_count = ?`,
		d.HeadEventID, d.RootEventID,
		d.MessageDelta, d.TurnDelta,
		d.Usage.InputTokens, d.Usage.OutputTokens,
		d.LastTurnInput,
		d.Usage.CacheReadTokens, d.Usage.CacheCreationTokens,
		d.Usage.CostUSD,
		d.LatestModel, d.Status,
		d.Status.Valid, d.EndedAt,
		storage.FormatTime(d.At),
		sessionID, expectedCount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *sessionRepo) UpdateTitle(ctx context.Context, id, title string) error {
	return r.updateOne(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, storage.NullString(title), id)
}

func (r *sessionRepo) UpdateLatestModel(ctx context.Context, id, model string) error {
	return r.updateOne(ctx, `UPDATE sessions SET latest_model = ? WHERE id = ?`, storage.NullString(model), id)
}

func (r *sessionRepo) UpdateSpawnInfo(ctx context.Context, id string, info models.SpawnInfo) error {
	return r.updateOne(ctx, `
		UPDATE sessions SET spawning_session_id = ?, spawn_type = ?, spawn_task = ?
		WHERE id = ?`,
		storage.NullString(info.SpawningSessionID),
		storage.NullString(string(info.SpawnType)),
		storage.NullString(info.SpawnTask),
		id)
}

func (r *sessionRepo) UpdateTags(ctx context.Context, id string, tags []string) error {
	col, err := storage.JSONColumn(tags)
	if err != nil {
		return fmt.Errorf("failed to encode session tags: %w", err)
	}
	return r.updateOne(ctx, `UPDATE sessions SET tags = ? WHERE id = ?`, col, id)
}

// SetEnded marks the session ended without appending an event. The facade
// prefers appending session.end; this exists for administrative cleanup.
func (r *sessionRepo) SetEnded(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, last_activity_at = ?
		WHERE id = ?`,
		string(models.SessionEnded), storage.FormatTime(at), storage.FormatTime(at), id)
}

// ClearEnded reopens an ended session, used when new activity arrives after
// a session.end event.
func (r *sessionRepo) ClearEnded(ctx context.Context, id string) error {
	return r.updateOne(ctx, `
		UPDATE sessions SET status = ?, ended_at = NULL WHERE id = ?`,
		string(models.SessionActive), id)
}

func (r *sessionRepo) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteTx removes the session row. Events, branches, and index rows are
// deleted by the facade in the same transaction.
func (r *sessionRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s                                  models.Session
		latestModel, title                 sql.NullString
		rootEvent, headEvent               sql.NullString
		parentSession, forkEvent           sql.NullString
		spawningSession, spawnType, task   sql.NullString
		tags                               sql.NullString
		status                             string
		created, lastActivity              string
		endedAt                            sql.NullString
	)
	if err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.WorkingDirectory, &latestModel, &title, &status,
		&rootEvent, &headEvent,
		&s.EventCount, &s.MessageCount, &s.TurnCount,
		&s.InputTokens, &s.OutputTokens, &s.LastTurnInputTokens,
		&s.CacheReadTokens, &s.CacheCreationTokens, &s.Cost,
		&parentSession, &forkEvent,
		&spawningSession, &spawnType, &task,
		&tags, &created, &lastActivity, &endedAt,
	); err != nil {
		return nil, err
	}

	s.LatestModel = storage.StringValue(latestModel)
	s.Title = storage.StringValue(title)
	s.Status = models.SessionStatus(status)
	s.RootEventID = storage.StringValue(rootEvent)
	s.HeadEventID = storage.StringValue(headEvent)
	s.ParentSessionID = storage.StringValue(parentSession)
	s.ForkFromEventID = storage.StringValue(forkEvent)
	s.SpawningSessionID = storage.StringValue(spawningSession)
	s.SpawnType = models.SpawnType(storage.StringValue(spawnType))
	s.SpawnTask = storage.StringValue(task)

	if err := storage.ScanJSON(tags, &s.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode session tags: %w", err)
	}

	var err error
	if s.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = storage.ParseTime(lastActivity); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := storage.ParseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	return &s, nil
}
