package gateway

import (
	"context"

	"github.com/tronlabs/tron/internal/agent"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

func (s *Server) registerAgentMethods() {
	r := s.registry
	r.Register("agent.prompt", s.handleAgentPrompt,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerAgent))
	r.Register("agent.abort", s.handleAgentAbort,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerAgent))
	r.Register("agent.status", s.handleAgentStatus,
		rpc.WithRequiredManagers(managerAgent))
	r.Register("agent.tools", s.handleAgentTools,
		rpc.WithRequiredManagers(managerAgent))

	r.Register("context.snapshot", s.handleContextSnapshot,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerContext))
	r.Register("context.detailedSnapshot", s.handleContextDetailedSnapshot,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerContext))
	r.Register("context.previewCompaction", s.handleContextPreviewCompaction,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerContext))
	r.Register("context.confirmCompaction", s.handleContextConfirmCompaction,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerContext))
	r.Register("context.clear", s.handleContextClear,
		rpc.WithRequiredParams("sessionId"),
		rpc.WithRequiredManagers(managerContext))
}

func (s *Server) handleAgentPrompt(ctx context.Context, req *rpc.Request) (any, error) {
	var params agent.PromptRequest
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.runtime.Prompt(ctx, params)
}

func (s *Server) handleAgentAbort(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId": params.SessionID,
		"aborted":   s.runtime.Abort(params.SessionID),
	}, nil
}

func (s *Server) handleAgentStatus(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.SessionID != "" {
		return map[string]any{
			"sessionId": params.SessionID,
			"active":    s.runtime.Active(params.SessionID),
		}, nil
	}
	return map[string]any{"activeTurns": s.runtime.ActiveTurns()}, nil
}

func (s *Server) handleAgentTools(_ context.Context, _ *rpc.Request) (any, error) {
	defs := []agent.ToolDefinition{}
	if s.tools != nil {
		defs = s.tools.Definitions()
	}
	return map[string]any{"tools": defs}, nil
}

func (s *Server) handleContextSnapshot(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.contextMgr.Snapshot(ctx, params.SessionID)
}

func (s *Server) handleContextDetailedSnapshot(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.contextMgr.DetailedSnapshot(ctx, params.SessionID)
}

func (s *Server) handleContextPreviewCompaction(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	summary, err := s.contextMgr.PreviewCompaction(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

type confirmCompactionParams struct {
	SessionID     string `json:"sessionId"`
	EditedSummary string `json:"editedSummary,omitempty"`
}

func (s *Server) handleContextConfirmCompaction(ctx context.Context, req *rpc.Request) (any, error) {
	var params confirmCompactionParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	event, err := s.contextMgr.ConfirmCompaction(ctx, params.SessionID, params.EditedSummary)
	if err != nil {
		return nil, err
	}
	s.emitContextUpdated(ctx, params.SessionID)
	return event, nil
}

type contextClearParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleContextClear(ctx context.Context, req *rpc.Request) (any, error) {
	var params contextClearParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	event, err := s.contextMgr.ClearContext(ctx, params.SessionID, params.Reason)
	if err != nil {
		return nil, err
	}
	s.emitContextUpdated(ctx, params.SessionID)
	return event, nil
}

func (s *Server) emitContextUpdated(ctx context.Context, sessionID string) {
	snap, err := s.contextMgr.Snapshot(ctx, sessionID)
	if err != nil {
		s.logger.Warn(ctx, "failed to snapshot context after update",
			"session_id", sessionID, "error", err)
		return
	}
	s.hub.Emit(ctx, models.WireContextUpdated, models.ContextUpdatedData{
		SessionID:   sessionID,
		UsedTokens:  snap.UsedTokens,
		Window:      snap.Window,
		UsedPercent: snap.UsedPercent,
	})
}
