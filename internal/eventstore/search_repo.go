package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

// searchRepo maintains the FTS index over event content and tool names. One
// row per event, written in the same transaction as the event insert, so
// live indexing and RebuildSessionIndex produce identical rows.
type searchRepo struct {
	db *storage.DB
}

// SearchOptions narrow a content search. Zero values mean "any".
type SearchOptions struct {
	SessionID   string
	WorkspaceID string
	Types       []models.EventType
	Limit       int
	Offset      int
}

// SearchHit is one FTS match with its BM25 relevance and snippet.
type SearchHit struct {
	EventID     string  `json:"eventId"`
	SessionID   string  `json:"sessionId"`
	WorkspaceID string  `json:"workspaceId"`
	Type        string  `json:"type"`
	ToolName    string  `json:"toolName,omitempty"`
	Snippet     string  `json:"snippet"`
	Rank        float64 `json:"rank"`
}

// IndexTx writes the event's FTS row inside the append transaction.
func (r *searchRepo) IndexTx(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	content, toolName := ExtractSearchContent(e)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events_fts (event_id, session_id, workspace_id, type, content, tool_name)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.WorkspaceID, string(e.Type), content, toolName,
	)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	return nil
}

// ExtractSearchContent derives the indexed text and tool name for an event.
// Generic payloads contribute their content field (string or block array);
// memory.ledger entries concatenate their structured fields; tool payloads
// expose the tool name.
func ExtractSearchContent(e *models.Event) (content, toolName string) {
	toolName = e.ToolName
	if len(e.Payload) == 0 {
		return "", toolName
	}

	switch e.Type {
	case models.EventMemoryLedger:
		var p models.MemoryLedgerPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", toolName
		}
		parts := make([]string, 0, 8)
		if p.Title != "" {
			parts = append(parts, p.Title)
		}
		if p.Input != "" {
			parts = append(parts, p.Input)
		}
		parts = append(parts, p.Actions...)
		parts = append(parts, p.Lessons...)
		parts = append(parts, p.Decisions...)
		parts = append(parts, p.FilePaths...)
		parts = append(parts, p.Tags...)
		return strings.Join(parts, "\n"), toolName

	case models.EventCompactBoundary:
		var p models.CompactBoundaryPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return "", toolName
		}
		return p.Summary, toolName

	default:
		var generic struct {
			Content  models.Blocks `json:"content"`
			Name     string        `json:"name"`
			ToolName string        `json:"toolName"`
		}
		if err := json.Unmarshal(e.Payload, &generic); err != nil {
			return "", toolName
		}
		if toolName == "" {
			if generic.ToolName != "" {
				toolName = generic.ToolName
			} else if generic.Name != "" {
				toolName = generic.Name
			}
		}
		return blocksSearchText(generic.Content), toolName
	}
}

// blocksSearchText flattens the searchable text of a block list, including
// nested tool_result content.
func blocksSearchText(blocks models.Blocks) string {
	var parts []string
	for _, blk := range blocks {
		switch blk.Type {
		case models.BlockText:
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		case models.BlockThinking:
			if blk.Thinking != "" {
				parts = append(parts, blk.Thinking)
			}
		case models.BlockToolResult:
			if nested := blocksSearchText(blk.Content); nested != "" {
				parts = append(parts, nested)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// normalizeQuery NFC-normalizes and escapes the user query for MATCH. Each
// term is quoted so FTS5 operators in user input stay inert.
func normalizeQuery(query string) string {
	query = norm.NFC.String(strings.TrimSpace(query))
	if query == "" {
		return ""
	}
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// Search runs an FTS query ranked by BM25, best match first. Snippets wrap
// matched terms in <mark> tags.
func (r *searchRepo) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	match := normalizeQuery(query)
	if match == "" {
		return nil, fmt.Errorf("search query is empty")
	}

	sb := strings.Builder{}
	sb.WriteString(`
		SELECT event_id, session_id, workspace_id, type, tool_name,
			snippet(events_fts, 4, '<mark>', '</mark>', '…', 24) AS snip,
			bm25(events_fts) AS rank
		FROM events_fts
		WHERE events_fts MATCH ?`)
	args := []any{match}

	if opts.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.WorkspaceID != "" {
		sb.WriteString(" AND workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if len(opts.Types) > 0 {
		sb.WriteString(" AND type IN (" + strings.Repeat("?, ", len(opts.Types)-1) + "?)")
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	sb.WriteString(" ORDER BY rank LIMIT ?")
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)
	if opts.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchByToolName returns hits whose tool_name column matches name.
func (r *searchRepo) SearchByToolName(ctx context.Context, name string, opts SearchOptions) ([]SearchHit, error) {
	match := normalizeQuery(name)
	if match == "" {
		return nil, fmt.Errorf("tool name is empty")
	}
	query := `
		SELECT event_id, session_id, workspace_id, type, tool_name,
			snippet(events_fts, 4, '<mark>', '</mark>', '…', 24) AS snip,
			bm25(events_fts) AS rank
		FROM events_fts
		WHERE events_fts MATCH ?`
	args := []any{"tool_name : " + match}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	query += " ORDER BY rank LIMIT ?"
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search by tool name: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// ReindexByType re-derives FTS rows for every event of one type. Used after
// a migration changes an extractor.
func (r *searchRepo) ReindexByType(ctx context.Context, eventType models.EventType) (int64, error) {
	var count int64
	err := storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events_fts WHERE event_id IN (SELECT id FROM events WHERE type = ?)`,
			string(eventType)); err != nil {
			return fmt.Errorf("failed to clear index rows: %w", err)
		}
		n, err := r.indexFromEventsTx(ctx, tx, `type = ?`, string(eventType))
		count = n
		return err
	})
	return count, err
}

// RebuildSessionIndex drops and re-derives the session's FTS rows from the
// events table. The result matches what live indexing produced.
func (r *searchRepo) RebuildSessionIndex(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := storage.WithTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events_fts WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to clear session index: %w", err)
		}
		n, err := r.indexFromEventsTx(ctx, tx, `session_id = ?`, sessionID)
		count = n
		return err
	})
	return count, err
}

// DeleteBySessionTx removes a session's FTS rows inside a transaction.
func (r *searchRepo) DeleteBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events_fts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session index rows: %w", err)
	}
	return nil
}

// Optimize merges the FTS b-tree segments. Called by the maintenance sweep.
func (r *searchRepo) Optimize(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO events_fts(events_fts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("failed to optimize search index: %w", err)
	}
	return nil
}

func (r *searchRepo) indexFromEventsTx(ctx context.Context, tx *sql.Tx, where string, args ...any) (int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+where+` ORDER BY sequence ASC`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to read events for reindex: %w", err)
	}
	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan event for reindex: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range events {
		if err := r.IndexTx(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	return int64(len(events)), nil
}

func scanHits(rows *sql.Rows) ([]SearchHit, error) {
	var out []SearchHit
	for rows.Next() {
		var (
			hit      SearchHit
			toolName sql.NullString
		)
		if err := rows.Scan(&hit.EventID, &hit.SessionID, &hit.WorkspaceID, &hit.Type,
			&toolName, &hit.Snippet, &hit.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.ToolName = storage.StringValue(toolName)
		out = append(out, hit)
	}
	return out, rows.Err()
}
