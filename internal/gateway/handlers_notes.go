package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/notes"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

func (s *Server) registerNoteMethods() {
	r := s.registry
	gated := rpc.WithRequiredManagers(managerVoiceNotes)

	r.Register("voiceNotes.list", s.handleVoiceNotesList, gated)
	r.Register("voiceNotes.get", s.handleVoiceNotesGet, rpc.WithRequiredParams("name"), gated)
	r.Register("voiceNotes.delete", s.handleVoiceNotesDelete, rpc.WithRequiredParams("name"), gated)
	r.Register("voiceNotes.transcribe", s.handleVoiceNotesTranscribe,
		rpc.WithRequiredParams("name"), gated)

	r.Register("plan.enter", s.handlePlanEnter, rpc.WithRequiredParams("sessionId"))
	r.Register("plan.exit", s.handlePlanExit, rpc.WithRequiredParams("sessionId"))
	r.Register("plan.get", s.handlePlanGet, rpc.WithRequiredParams("sessionId"))
	r.Register("plan.save", s.handlePlanSave, rpc.WithRequiredParams("sessionId", "content"))
}

func (s *Server) handleVoiceNotesList(_ context.Context, _ *rpc.Request) (any, error) {
	return map[string]any{"notes": s.notes.List()}, nil
}

type noteNameParams struct {
	Name string `json:"name"`
}

func (s *Server) handleVoiceNotesGet(_ context.Context, req *rpc.Request) (any, error) {
	var params noteNameParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	note, err := s.notes.Get(params.Name)
	if err != nil {
		return nil, err
	}
	transcript, err := s.notes.Transcript(params.Name)
	if err != nil && !errors.Is(err, notes.ErrNoteNotFound) {
		return nil, rpc.NewError(rpc.CodeVoiceNoteError, "failed to read transcript: %v", err)
	}
	return map[string]any{"note": note, "transcript": transcript}, nil
}

func (s *Server) handleVoiceNotesDelete(_ context.Context, req *rpc.Request) (any, error) {
	var params noteNameParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.notes.Delete(params.Name); err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			return nil, err
		}
		return nil, rpc.NewError(rpc.CodeVoiceNoteError, "failed to delete note: %v", err)
	}
	return map[string]any{"name": params.Name, "deleted": true}, nil
}

func (s *Server) handleVoiceNotesTranscribe(ctx context.Context, req *rpc.Request) (any, error) {
	var params noteNameParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	transcript, err := s.notes.Transcribe(ctx, params.Name)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) || errors.Is(err, notes.ErrNoTranscriber) {
			return nil, err
		}
		return nil, rpc.NewError(rpc.CodeTranscription, "%v", err)
	}
	note, err := s.notes.Get(params.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":           params.Name,
		"transcript":     transcript,
		"transcriptPath": note.TranscriptPath,
	}, nil
}

type planEnterParams struct {
	SessionID string `json:"sessionId"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handlePlanEnter(ctx context.Context, req *rpc.Request) (any, error) {
	var params planEnterParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	state, err := s.store.GetStateAtHead(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if state.PlanMode {
		return nil, rpc.NewError(rpc.CodeAlreadyInPlanMode,
			"session %s is already in plan mode", params.SessionID)
	}
	return s.appendPlanMode(ctx, params.SessionID, true, params.Note)
}

func (s *Server) handlePlanExit(ctx context.Context, req *rpc.Request) (any, error) {
	var params planEnterParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	state, err := s.store.GetStateAtHead(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if !state.PlanMode {
		return nil, rpc.NewError(rpc.CodeNotInPlanMode,
			"session %s is not in plan mode", params.SessionID)
	}
	return s.appendPlanMode(ctx, params.SessionID, false, params.Note)
}

func (s *Server) appendPlanMode(ctx context.Context, sessionID string, enabled bool, note string) (*models.Event, error) {
	payload, err := models.EncodePayload(models.ConfigPlanModePayload{Enabled: enabled, Note: note})
	if err != nil {
		return nil, err
	}
	return s.store.AppendEvent(ctx, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      models.EventConfigPlanMode,
		Payload:   payload,
	})
}

func (s *Server) handlePlanGet(ctx context.Context, req *rpc.Request) (any, error) {
	var params sessionIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	state, err := s.store.GetStateAtHead(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"sessionId": params.SessionID, "planMode": state.PlanMode}
	raw, err := os.ReadFile(s.planPath(params.SessionID))
	switch {
	case err == nil:
		result["document"] = string(raw)
	case !errors.Is(err, os.ErrNotExist):
		return nil, rpc.NewError(rpc.CodeFileError, "failed to read plan document: %v", err)
	}
	return result, nil
}

type planSaveParams struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (s *Server) handlePlanSave(ctx context.Context, req *rpc.Request) (any, error) {
	var params planSaveParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	state, err := s.store.GetStateAtHead(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if !state.PlanMode {
		return nil, rpc.NewError(rpc.CodeNotInPlanMode,
			"session %s is not in plan mode", params.SessionID)
	}
	path := s.planPath(params.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rpc.NewError(rpc.CodeFileError, "failed to create plan directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return nil, rpc.NewError(rpc.CodeFileError, "failed to write plan document: %v", err)
	}
	return map[string]any{"sessionId": params.SessionID, "path": path}, nil
}

func (s *Server) planPath(sessionID string) string {
	return filepath.Join(s.config.PlanDir, fmt.Sprintf("%s.md", sessionID))
}
