package eventstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tronlabs/tron/pkg/models"
)

func TestSearchContentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	e := mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "deploy the staging cluster tonight"),
		Turn:      1,
	})

	hits, err := s.SearchContent(ctx, "staging", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchContent() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	hit := hits[0]
	if hit.EventID != e.ID || hit.SessionID != session.ID {
		t.Fatalf("hit = %s in %s", hit.EventID, hit.SessionID)
	}
	if hit.Type != string(models.EventMessageUser) {
		t.Fatalf("hit type = %s", hit.Type)
	}
	if !strings.Contains(hit.Snippet, "<mark>staging</mark>") {
		t.Fatalf("snippet = %q, want marked term", hit.Snippet)
	}
}

func TestSearchIndexesThinkingAndToolResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageAssistant,
		Payload: mustEncode(t, models.MessageAssistantPayload{
			Content: models.Blocks{
				models.ThinkingBlock("the failing test is flaky", "sig"),
				models.TextBlock("Retrying."),
			},
			StopReason: models.StopEndTurn,
		}),
		Turn: 1,
	})
	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventToolResult,
		Payload: mustEncode(t, models.ToolResultPayload{
			ToolCallID: "call_1",
			ToolName:   "shell",
			Content:    models.Blocks{models.TextBlock("panic: nil dereference in handler")},
		}),
		Turn: 1,
	})

	if hits, err := s.SearchContent(ctx, "flaky", SearchOptions{}); err != nil || len(hits) != 1 {
		t.Fatalf("thinking search hits = %d, err = %v, want 1", len(hits), err)
	}
	if hits, err := s.SearchContent(ctx, "dereference", SearchOptions{}); err != nil || len(hits) != 1 {
		t.Fatalf("tool result search hits = %d, err = %v, want 1", len(hits), err)
	}
}

func TestSearchMemoryLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMemoryLedger,
		Payload: mustEncode(t, models.MemoryLedgerPayload{
			Title:     "migration cleanup",
			Lessons:   []string{"vacuum after large deletes"},
			FilePaths: []string{"internal/storage/db.go"},
			Tags:      []string{"sqlite"},
		}),
	})

	for _, term := range []string{"vacuum", "sqlite", "cleanup"} {
		hits, err := s.SearchContent(ctx, term, SearchOptions{})
		if err != nil {
			t.Fatalf("SearchContent(%q) error = %v", term, err)
		}
		if len(hits) != 1 {
			t.Fatalf("hits for %q = %d, want 1", term, len(hits))
		}
		if hits[0].Type != string(models.EventMemoryLedger) {
			t.Fatalf("hit type = %s", hits[0].Type)
		}
	}
}

func TestSearchCompactSummary(t *testing.T) {
	s := newTestStore(t)
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventCompactBoundary,
		Payload: mustEncode(t, models.CompactBoundaryPayload{
			Summary: "refactored the scheduler and fixed the cron drift",
		}),
	})

	hits, err := s.SearchContent(context.Background(), "cron drift", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchContent() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, _ := seedSession(t, s)
	second, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: first.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "shared keyword alpha"),
	})
	mustAppend(t, s, AppendRequest{
		SessionID: second.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "shared keyword beta"),
	})
	mustAppend(t, s, AppendRequest{
		SessionID: second.ID,
		Type:      models.EventMemoryLedger,
		Payload:   mustEncode(t, models.MemoryLedgerPayload{Title: "shared keyword ledger"}),
	})

	all, err := s.SearchContent(ctx, "shared keyword", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchContent() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered hits = %d, want 3", len(all))
	}

	scoped, err := s.SearchContent(ctx, "shared keyword", SearchOptions{SessionID: first.ID})
	if err != nil {
		t.Fatalf("SearchContent(session) error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].SessionID != first.ID {
		t.Fatalf("session-scoped hits = %d", len(scoped))
	}

	typed, err := s.SearchContent(ctx, "shared keyword", SearchOptions{
		Types: []models.EventType{models.EventMemoryLedger},
	})
	if err != nil {
		t.Fatalf("SearchContent(types) error = %v", err)
	}
	if len(typed) != 1 || typed[0].Type != string(models.EventMemoryLedger) {
		t.Fatalf("type-scoped hits = %d", len(typed))
	}

	limited, err := s.SearchContent(ctx, "shared keyword", SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("SearchContent(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited hits = %d, want 2", len(limited))
	}
}

func TestSearchByToolName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventToolCall,
		Payload: mustEncode(t, models.ToolCallPayload{
			ToolCallID: "call_1",
			Name:       "shell",
			Input:      json.RawMessage(`{"cmd":"ls"}`),
		}),
		Turn: 1,
	})
	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventToolResult,
		Payload: mustEncode(t, models.ToolResultPayload{
			ToolCallID: "call_1",
			ToolName:   "shell",
			Content:    models.Blocks{models.TextBlock("main.go")},
		}),
		Turn: 1,
	})
	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventToolResult,
		Payload: mustEncode(t, models.ToolResultPayload{
			ToolCallID: "call_2",
			ToolName:   "web_search",
			Content:    models.Blocks{models.TextBlock("no results")},
		}),
		Turn: 2,
	})

	hits, err := s.SearchByToolName(ctx, "shell", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchByToolName() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.ToolName != "shell" {
			t.Fatalf("hit tool = %q, want shell", h.ToolName)
		}
	}
}

func TestSearchQueryOperatorsInert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "plain sentence"),
	})

	// FTS5 syntax in user input must not reach the parser.
	for _, q := range []string{`sentence AND`, `NEAR(plain`, `"plain`, `plain*`} {
		if _, err := s.SearchContent(ctx, q, SearchOptions{}); err != nil {
			t.Fatalf("SearchContent(%q) error = %v", q, err)
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SearchContent(context.Background(), "   ", SearchOptions{}); err == nil {
		t.Fatal("empty query succeeded, want error")
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", `"hello"`},
		{"  two words ", `"two" "words"`},
		{`say "hi"`, `"say" """hi"""`},
		{"", ""},
		// Decomposed e + combining acute folds to the composed form.
		{"café", "\"café\""},
	}
	for _, tt := range tests {
		if got := normalizeQuery(tt.in); got != tt.want {
			t.Errorf("normalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRebuildSessionIndexEquivalence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "unique rebuild marker"),
	})
	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMemoryLedger,
		Payload:   mustEncode(t, models.MemoryLedgerPayload{Title: "unique rebuild marker too"}),
	})

	before, err := s.SearchContent(ctx, "rebuild marker", SearchOptions{SessionID: session.ID})
	if err != nil {
		t.Fatalf("SearchContent() error = %v", err)
	}

	n, err := s.RebuildSessionIndex(ctx, session.ID)
	if err != nil {
		t.Fatalf("RebuildSessionIndex() error = %v", err)
	}
	// Root event included: every event gets an index row.
	if n != 3 {
		t.Fatalf("indexed = %d, want 3", n)
	}

	after, err := s.SearchContent(ctx, "rebuild marker", SearchOptions{SessionID: session.ID})
	if err != nil {
		t.Fatalf("SearchContent() after rebuild error = %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("hits after rebuild = %d, want %d", len(after), len(before))
	}
	for i := range after {
		if after[i].EventID != before[i].EventID {
			t.Fatalf("hit %d = %s, want %s", i, after[i].EventID, before[i].EventID)
		}
	}
}

func TestRebuildSessionIndexUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RebuildSessionIndex(context.Background(), "ses_missing"); err == nil {
		t.Fatal("rebuild of unknown session succeeded")
	}
}

func TestReindexByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session, _ := seedSession(t, s)

	for i := 0; i < 3; i++ {
		mustAppend(t, s, AppendRequest{
			SessionID: session.ID,
			Type:      models.EventMessageUser,
			Payload:   userPayload(t, "reindex me"),
		})
	}

	n, err := s.search.ReindexByType(ctx, models.EventMessageUser)
	if err != nil {
		t.Fatalf("ReindexByType() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("reindexed = %d, want 3", n)
	}

	hits, err := s.SearchContent(ctx, "reindex", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchContent() error = %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
}

func TestOptimizeSearchIndex(t *testing.T) {
	s := newTestStore(t)
	session, _ := seedSession(t, s)
	mustAppend(t, s, AppendRequest{
		SessionID: session.ID,
		Type:      models.EventMessageUser,
		Payload:   userPayload(t, "optimize target"),
	})
	if err := s.OptimizeSearchIndex(context.Background()); err != nil {
		t.Fatalf("OptimizeSearchIndex() error = %v", err)
	}
}

func TestExtractSearchContent(t *testing.T) {
	tests := []struct {
		name     string
		event    *models.Event
		content  string
		toolName string
	}{
		{
			name: "user text",
			event: &models.Event{
				Type:    models.EventMessageUser,
				Payload: json.RawMessage(`{"content":"plain text"}`),
			},
			content: "plain text",
		},
		{
			name: "tool call name",
			event: &models.Event{
				Type:    models.EventToolCall,
				Payload: json.RawMessage(`{"toolCallId":"c1","name":"shell"}`),
			},
			toolName: "shell",
		},
		{
			name: "tool result nested blocks",
			event: &models.Event{
				Type: models.EventToolResult,
				Payload: json.RawMessage(
					`{"toolCallId":"c1","toolName":"shell","content":[{"type":"text","text":"output line"}]}`),
			},
			content:  "output line",
			toolName: "shell",
		},
		{
			name:    "empty payload",
			event:   &models.Event{Type: models.EventSessionEnd},
			content: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, toolName := ExtractSearchContent(tt.event)
			if content != tt.content {
				t.Fatalf("content = %q, want %q", content, tt.content)
			}
			if toolName != tt.toolName {
				t.Fatalf("toolName = %q, want %q", toolName, tt.toolName)
			}
		})
	}
}
