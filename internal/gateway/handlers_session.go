package gateway

import (
	"context"
	"sort"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

const sessionCreateSchema = `{
	"type": "object",
	"required": ["workingDirectory", "model"],
	"properties": {
		"workingDirectory": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

func (s *Server) registerSessionMethods() {
	r := s.registry
	r.Register("session.create", s.handleSessionCreate,
		rpc.WithRequiredParams("workingDirectory", "model"),
		rpc.WithParamsSchema(sessionCreateSchema))
	r.Register("session.get", s.handleSessionGet, rpc.WithRequiredParams("sessionId"))
	r.Register("session.list", s.handleSessionList)
	r.Register("session.fork", s.handleSessionFork, rpc.WithRequiredParams("sourceEventId"))
	r.Register("session.end", s.handleSessionEnd, rpc.WithRequiredParams("sessionId"))
	r.Register("session.resume", s.handleSessionResume, rpc.WithRequiredParams("sessionId"))
	r.Register("session.update", s.handleSessionUpdate, rpc.WithRequiredParams("sessionId"))
	r.Register("session.messages", s.handleSessionMessages, rpc.WithRequiredParams("sessionId"))
	r.Register("session.events", s.handleSessionEvents, rpc.WithRequiredParams("sessionId"))
	r.Register("session.deleteMessage", s.handleSessionDeleteMessage,
		rpc.WithRequiredParams("sessionId", "targetEventId"))
	r.Register("session.branches.list", s.handleBranchesList, rpc.WithRequiredParams("sessionId"))
	r.Register("session.branches.create", s.handleBranchesCreate,
		rpc.WithRequiredParams("sessionId", "name"))
	r.Register("session.branches.setDefault", s.handleBranchesSetDefault,
		rpc.WithRequiredParams("branchId"))
	r.Register("model.list", s.handleModelList)
	r.Register("model.switch", s.handleModelSwitch, rpc.WithRequiredParams("sessionId", "model"))
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type sessionCreateParams struct {
	WorkingDirectory string   `json:"workingDirectory"`
	Model            string   `json:"model"`
	Title            string   `json:"title,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

func (s *Server) handleSessionCreate(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	ws, err := s.store.GetOrCreateWorkspace(ctx, params.WorkingDirectory)
	if err != nil {
		return nil, err
	}
	session, _, err := s.store.CreateSession(ctx, ws.ID, params.WorkingDirectory, params.Model,
		eventstore.CreateSessionOptions{Title: params.Title, Tags: params.Tags})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Server) handleSessionGet(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, params.SessionID)
}

type sessionListParams struct {
	WorkspaceID     string `json:"workspaceId,omitempty"`
	Status          string `json:"status,omitempty"`
	ParentSessionID string `json:"parentSessionId,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}

func (s *Server) handleSessionList(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionListParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	list, err := s.store.ListSessions(ctx, eventstore.ListSessionsFilter{
		WorkspaceID:     params.WorkspaceID,
		Status:          models.SessionStatus(params.Status),
		ParentSessionID: params.ParentSessionID,
		Limit:           params.Limit,
		Offset:          params.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": list}, nil
}

type sessionForkParams struct {
	SourceEventID string `json:"sourceEventId"`
	Title         string `json:"title,omitempty"`
	Model         string `json:"model,omitempty"`
}

func (s *Server) handleSessionFork(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionForkParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	session, _, err := s.store.Fork(ctx, params.SourceEventID, eventstore.ForkOptions{
		Title: params.Title,
		Model: params.Model,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

type sessionEndParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleSessionEnd(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionEndParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if _, err := s.store.EndSession(ctx, params.SessionID, params.Reason); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	s.emitSessionUpdated(ctx, session)
	return session, nil
}

func (s *Server) handleSessionResume(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.store.ClearSessionEnded(ctx, params.SessionID); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	s.emitSessionUpdated(ctx, session)
	return session, nil
}

type sessionUpdateParams struct {
	SessionID string    `json:"sessionId"`
	Title     *string   `json:"title,omitempty"`
	Tags      *[]string `json:"tags,omitempty"`
}

func (s *Server) handleSessionUpdate(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionUpdateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.Title != nil {
		if err := s.store.UpdateSessionTitle(ctx, params.SessionID, *params.Title); err != nil {
			return nil, err
		}
	}
	if params.Tags != nil {
		if err := s.store.UpdateSessionTags(ctx, params.SessionID, *params.Tags); err != nil {
			return nil, err
		}
	}
	session, err := s.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	s.emitSessionUpdated(ctx, session)
	return session, nil
}

type sessionMessagesParams struct {
	SessionID string `json:"sessionId"`
	AtEventID string `json:"atEventId,omitempty"`
}

func (s *Server) handleSessionMessages(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionMessagesParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	var (
		messages []models.MessageEntry
		err      error
	)
	if params.AtEventID != "" {
		messages, err = s.store.GetMessagesAt(ctx, params.AtEventID)
	} else {
		messages, err = s.store.GetMessagesAtHead(ctx, params.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": messages}, nil
}

type sessionEventsParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (s *Server) handleSessionEvents(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionEventsParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	events, err := s.store.GetEventsBySession(ctx, params.SessionID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

type deleteMessageParams struct {
	SessionID     string `json:"sessionId"`
	TargetEventID string `json:"targetEventId"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleSessionDeleteMessage(ctx context.Context, req *rpc.Request) (any, error) {
	var params deleteMessageParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.store.DeleteMessage(ctx, params.SessionID, params.TargetEventID, params.Reason)
}

func (s *Server) handleBranchesList(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branches": branches}, nil
}

type branchCreateParams struct {
	SessionID   string `json:"sessionId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleBranchesCreate(ctx context.Context, req *rpc.Request) (any, error) {
	var params branchCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.store.CreateBranch(ctx, params.SessionID, params.Name, params.Description)
}

type branchIDParams struct {
	BranchID string `json:"branchId"`
}

func (s *Server) handleBranchesSetDefault(ctx context.Context, req *rpc.Request) (any, error) {
	var params branchIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.store.SetDefaultBranch(ctx, params.BranchID); err != nil {
		return nil, err
	}
	return s.store.GetBranch(ctx, params.BranchID)
}

// modelEntry is one model.list row, taken from the context window table.
type modelEntry struct {
	ID            string `json:"id"`
	ContextWindow int64  `json:"contextWindow"`
}

func (s *Server) handleModelList(_ context.Context, _ *rpc.Request) (any, error) {
	entries := make([]modelEntry, 0, len(s.config.ModelWindows))
	for id, window := range s.config.ModelWindows {
		entries = append(entries, modelEntry{ID: id, ContextWindow: window})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return map[string]any{"models": entries}, nil
}

type modelSwitchParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

func (s *Server) handleModelSwitch(ctx context.Context, req *rpc.Request) (any, error) {
	var params modelSwitchParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	payload, err := models.EncodePayload(models.ConfigModelSwitchPayload{
		FromModel: session.LatestModel,
		ToModel:   params.Model,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.store.AppendEvent(ctx, eventstore.AppendRequest{
		SessionID: params.SessionID,
		Type:      models.EventConfigModelSwitch,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateLatestModel(ctx, params.SessionID, params.Model); err != nil {
		return nil, err
	}

	session, err = s.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	s.emitSessionUpdated(ctx, session)
	return session, nil
}

func (s *Server) emitSessionUpdated(ctx context.Context, session *models.Session) {
	s.hub.Emit(ctx, models.WireSessionUpdated, models.SessionUpdatedData{Session: session})
}
