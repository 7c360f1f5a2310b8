package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tronlabs/tron/internal/storage"
)

// LogRow is one structured application log record. Rows carry the trace
// lineage columns (trace_id, parent_trace_id, depth) so a turn's nested
// operations can be reassembled.
type LogRow struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Component     string         `json:"component,omitempty"`
	Message       string         `json:"message"`
	SessionID     string         `json:"sessionId,omitempty"`
	WorkspaceID   string         `json:"workspaceId,omitempty"`
	EventID       string         `json:"eventId,omitempty"`
	Turn          int            `json:"turn,omitempty"`
	TraceID       string         `json:"traceId,omitempty"`
	ParentTraceID string         `json:"parentTraceId,omitempty"`
	Depth         int            `json:"depth,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	ErrorStack    string         `json:"errorStack,omitempty"`
}

// LogQuery filters QueryLogs. Zero values mean "any".
type LogQuery struct {
	Level     string
	Component string
	SessionID string
	Since     time.Time
	Limit     int
}

// logRepo persists application logs beside the event log, with an FTS mirror
// over component and message.
type logRepo struct {
	db *storage.DB
}

// Append writes one log row and its FTS mirror.
func (r *logRepo) Append(ctx context.Context, row *LogRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	data, err := storage.JSONColumn(row.Data)
	if err != nil {
		return fmt.Errorf("failed to encode log data: %w", err)
	}
	return storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO logs (timestamp, level, component, message, session_id, workspace_id,
				event_id, turn, trace_id, parent_trace_id, depth, data, error_message, error_stack)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			storage.FormatTime(row.Timestamp), row.Level, storage.NullString(row.Component), row.Message,
			storage.NullString(row.SessionID), storage.NullString(row.WorkspaceID),
			storage.NullString(row.EventID), row.Turn,
			storage.NullString(row.TraceID), storage.NullString(row.ParentTraceID), row.Depth,
			data, storage.NullString(row.ErrorMessage), storage.NullString(row.ErrorStack),
		)
		if err != nil {
			return fmt.Errorf("failed to append log row: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read log row id: %w", err)
		}
		row.ID = id
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO logs_fts (log_id, component, message) VALUES (?, ?, ?)`,
			id, row.Component, row.Message); err != nil {
			return fmt.Errorf("failed to index log row: %w", err)
		}
		return nil
	})
}

const logColumns = `id, timestamp, level, component, message, session_id, workspace_id,
	event_id, turn, trace_id, parent_trace_id, depth, data, error_message, error_stack`

// Query returns matching rows, newest first.
func (r *logRepo) Query(ctx context.Context, q LogQuery) ([]*LogRow, error) {
	var (
		where []string
		args  []any
	)
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}
	if q.Component != "" {
		where = append(where, "component = ?")
		args = append(args, q.Component)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, storage.FormatTime(q.Since))
	}

	query := `SELECT ` + logColumns + ` FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()
	return scanLogRows(rows)
}

// Search finds rows whose component or message match the FTS query, newest
// first.
func (r *logRepo) Search(ctx context.Context, query string, limit int) ([]*LogRow, error) {
	match := normalizeQuery(query)
	if match == "" {
		return nil, fmt.Errorf("log search query is empty")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixedLogColumns("l")+`
		FROM logs_fts f
		JOIN logs l ON l.id = f.log_id
		WHERE logs_fts MATCH ?
		ORDER BY bm25(logs_fts) LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search logs: %w", err)
	}
	defer rows.Close()
	return scanLogRows(rows)
}

// PruneBefore removes rows older than cutoff (and their FTS mirrors),
// returning the count removed. The retention sweep calls this.
func (r *logRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		ts := storage.FormatTime(cutoff)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM logs_fts WHERE log_id IN (SELECT id FROM logs WHERE timestamp < ?)`, ts); err != nil {
			return fmt.Errorf("failed to prune log index: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, ts)
		if err != nil {
			return fmt.Errorf("failed to prune logs: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}

func prefixedLogColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(logColumns, "\n", " "), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanLogRows(rows *sql.Rows) ([]*LogRow, error) {
	var out []*LogRow
	for rows.Next() {
		var (
			row                               LogRow
			ts                                string
			component, sessionID, workspaceID sql.NullString
			eventID, traceID, parentTraceID   sql.NullString
			data, errMsg, errStack            sql.NullString
		)
		if err := rows.Scan(
			&row.ID, &ts, &row.Level, &component, &row.Message, &sessionID, &workspaceID,
			&eventID, &row.Turn, &traceID, &parentTraceID, &row.Depth,
			&data, &errMsg, &errStack,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		row.Component = storage.StringValue(component)
		row.SessionID = storage.StringValue(sessionID)
		row.WorkspaceID = storage.StringValue(workspaceID)
		row.EventID = storage.StringValue(eventID)
		row.TraceID = storage.StringValue(traceID)
		row.ParentTraceID = storage.StringValue(parentTraceID)
		row.ErrorMessage = storage.StringValue(errMsg)
		row.ErrorStack = storage.StringValue(errStack)
		if err := storage.ScanJSON(data, &row.Data); err != nil {
			return nil, err
		}
		var err error
		if row.Timestamp, err = storage.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
