package gateway

import (
	"context"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

func (s *Server) registerSearchMethods() {
	r := s.registry
	r.Register("search.content", s.handleSearchContent, rpc.WithRequiredParams("query"))
	r.Register("search.byToolName", s.handleSearchByToolName, rpc.WithRequiredParams("toolName"))
	r.Register("search.rebuildIndex", s.handleSearchRebuildIndex, rpc.WithRequiredParams("sessionId"))
	r.Register("search.logs", s.handleSearchLogs, rpc.WithRequiredParams("query"))
}

type searchParams struct {
	Query       string   `json:"query,omitempty"`
	ToolName    string   `json:"toolName,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	Types       []string `json:"types,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Offset      int      `json:"offset,omitempty"`
}

func (p *searchParams) options() eventstore.SearchOptions {
	opts := eventstore.SearchOptions{
		SessionID:   p.SessionID,
		WorkspaceID: p.WorkspaceID,
		Limit:       p.Limit,
		Offset:      p.Offset,
	}
	for _, t := range p.Types {
		opts.Types = append(opts.Types, models.EventType(t))
	}
	return opts
}

func (s *Server) handleSearchContent(ctx context.Context, req *rpc.Request) (any, error) {
	var params searchParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	hits, err := s.store.SearchContent(ctx, params.Query, params.options())
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits}, nil
}

func (s *Server) handleSearchByToolName(ctx context.Context, req *rpc.Request) (any, error) {
	var params searchParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	hits, err := s.store.SearchByToolName(ctx, params.ToolName, params.options())
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits}, nil
}

func (s *Server) handleSearchRebuildIndex(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	indexed, err := s.store.RebuildSessionIndex(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": params.SessionID, "indexed": indexed}, nil
}

type searchLogsParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleSearchLogs(ctx context.Context, req *rpc.Request) (any, error) {
	var params searchLogsParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	logs, err := s.store.SearchLogs(ctx, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"logs": logs}, nil
}
