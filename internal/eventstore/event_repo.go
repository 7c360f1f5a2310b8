package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

const eventColumns = `id, parent_id, session_id, workspace_id, timestamp, type, sequence, depth,
	payload, role, tool_name, tool_call_id, turn,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens`

// eventRepo persists the append-only event DAG. Inserts extract the mirror
// columns (role, tool info, token usage) from the payload; sequence and
// depth are computed by the facade, which holds the session lock.
type eventRepo struct {
	db *storage.DB
}

// payloadMirror is the subset of payload fields mirrored into columns.
type payloadMirror struct {
	Name       string            `json:"name"`
	ToolName   string            `json:"toolName"`
	ToolCallID string            `json:"toolCallId"`
	TokenUsage models.TokenUsage `json:"tokenUsage"`
}

// applyMirrors fills the event's mirror fields from its type and payload.
func applyMirrors(e *models.Event) {
	e.Role = models.RoleForType(e.Type)
	if len(e.Payload) == 0 {
		return
	}
	var m payloadMirror
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return
	}
	if e.ToolName == "" {
		if m.ToolName != "" {
			e.ToolName = m.ToolName
		} else if m.Name != "" {
			e.ToolName = m.Name
		}
	}
	if e.ToolCallID == "" {
		e.ToolCallID = m.ToolCallID
	}
	if e.Usage.IsZero() {
		e.Usage = m.TokenUsage
	}
}

// InsertTx writes one event row. The caller owns the transaction.
func (r *eventRepo) InsertTx(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	applyMirrors(e)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			id, parent_id, session_id, workspace_id, timestamp, type, sequence, depth,
			payload, role, tool_name, tool_call_id, turn,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, storage.NullString(e.ParentID), e.SessionID, e.WorkspaceID,
		storage.FormatTime(e.Timestamp), string(e.Type), e.Sequence, e.Depth,
		storage.NullString(string(e.Payload)),
		storage.NullString(string(e.Role)), storage.NullString(e.ToolName), storage.NullString(e.ToolCallID), e.Turn,
		e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.CacheReadTokens, e.Usage.CacheCreationTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *eventRepo) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// GetTx reads one event inside an append transaction (parent validation).
func (r *eventRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*models.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// GetBySession returns the session's events ordered by sequence ascending.
// limit <= 0 means no limit.
func (r *eventRepo) GetBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? ORDER BY sequence ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return r.query(ctx, query, args...)
}

// GetByTypes returns the session's events of the given types, by sequence.
func (r *eventRepo) GetByTypes(ctx context.Context, sessionID string, types []models.EventType) ([]*models.Event, error) {
	if len(types) == 0 {
		return r.GetBySession(ctx, sessionID, 0, 0)
	}
	placeholders := strings.Repeat("?, ", len(types)-1) + "?"
	args := make([]any, 0, len(types)+1)
	args = append(args, sessionID)
	for _, t := range types {
		args = append(args, string(t))
	}
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND type IN (`+placeholders+`) ORDER BY sequence ASC`,
		args...)
}

// GetSince returns events with sequence > seq, by sequence.
func (r *eventRepo) GetSince(ctx context.Context, sessionID string, seq int64) ([]*models.Event, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, seq)
}

// GetRange returns events with lo <= sequence <= hi, by sequence.
func (r *eventRepo) GetRange(ctx context.Context, sessionID string, lo, hi int64) ([]*models.Event, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND sequence BETWEEN ? AND ? ORDER BY sequence ASC`,
		sessionID, lo, hi)
}

// GetLatest returns the event with the maximum sequence for the session.
func (r *eventRepo) GetLatest(ctx context.Context, sessionID string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, sessionID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}
	return e, nil
}

// GetAncestors returns the inclusive chain from the root to id, root first.
// The walk follows parent_id and crosses fork boundaries into the source
// session; the returned length is always depth(id)+1.
func (r *eventRepo) GetAncestors(ctx context.Context, id string) ([]*models.Event, error) {
	events, err := r.query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT `+eventColumns+` FROM events WHERE id = ?
			UNION ALL
			SELECT `+prefixedEventColumns("e")+` FROM events e
			JOIN chain ON e.id = chain.parent_id
		)
		SELECT `+eventColumns+` FROM chain ORDER BY depth ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return events, nil
}

// GetChildren returns the direct children of id ordered by sequence.
func (r *eventRepo) GetChildren(ctx context.Context, id string) ([]*models.Event, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE parent_id = ? ORDER BY session_id, sequence ASC`, id)
}

// GetDescendants returns every event below id in the DAG, exclusive of id,
// ordered by depth then sequence.
func (r *eventRepo) GetDescendants(ctx context.Context, id string) ([]*models.Event, error) {
	return r.query(ctx, `
		WITH RECURSIVE sub AS (
			SELECT `+eventColumns+` FROM events WHERE parent_id = ?
			UNION ALL
			SELECT `+prefixedEventColumns("e")+` FROM events e
			JOIN sub ON e.parent_id = sub.id
		)
		SELECT `+eventColumns+` FROM sub ORDER BY depth ASC, sequence ASC`, id)
}

// Delete hard-deletes one event. Admin and test use only; the engine hides
// events with message.deleted instead.
func (r *eventRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeleteBySessionTx removes all events of a session inside a transaction.
func (r *eventRepo) DeleteBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session events: %w", err)
	}
	return nil
}

// InsertBatchTx writes several events atomically in insertion order.
func (r *eventRepo) InsertBatchTx(ctx context.Context, tx *sql.Tx, events []*models.Event) error {
	for _, e := range events {
		if err := r.InsertTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *eventRepo) query(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixedEventColumns qualifies the column list for joins.
func prefixedEventColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(eventColumns, "\n", " "), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e                             models.Event
		parentID                      sql.NullString
		ts, typ                       string
		payload, role, toolName, tcID sql.NullString
	)
	if err := row.Scan(
		&e.ID, &parentID, &e.SessionID, &e.WorkspaceID, &ts, &typ, &e.Sequence, &e.Depth,
		&payload, &role, &toolName, &tcID, &e.Turn,
		&e.Usage.InputTokens, &e.Usage.OutputTokens, &e.Usage.CacheReadTokens, &e.Usage.CacheCreationTokens,
	); err != nil {
		return nil, err
	}
	e.ParentID = storage.StringValue(parentID)
	e.Type = models.EventType(typ)
	e.Role = models.Role(storage.StringValue(role))
	e.ToolName = storage.StringValue(toolName)
	e.ToolCallID = storage.StringValue(tcID)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	var err error
	if e.Timestamp, err = storage.ParseTime(ts); err != nil {
		return nil, err
	}
	return &e, nil
}
