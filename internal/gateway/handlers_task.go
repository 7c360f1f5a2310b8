package gateway

import (
	"context"
	"time"

	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/internal/tasks"
)

func (s *Server) registerTaskMethods() {
	r := s.registry
	gated := rpc.WithRequiredManagers(managerTasks)

	r.Register("task.create", s.handleTaskCreate, rpc.WithRequiredParams("title"), gated)
	r.Register("task.get", s.handleTaskGet, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.list", s.handleTaskList, gated)
	r.Register("task.update", s.handleTaskUpdate, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.complete", s.handleTaskComplete, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.archive", s.handleTaskArchive, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.delete", s.handleTaskDelete, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.addDependency", s.handleTaskAddDependency,
		rpc.WithRequiredParams("taskId", "dependsOn"), gated)
	r.Register("task.activity", s.handleTaskActivity, rpc.WithRequiredParams("taskId"), gated)
	r.Register("task.summary", s.handleTaskSummary, gated)
	r.Register("task.projects.create", s.handleProjectCreate, rpc.WithRequiredParams("name"), gated)
	r.Register("task.projects.list", s.handleProjectList, gated)
	r.Register("task.areas.create", s.handleAreaCreate, rpc.WithRequiredParams("name"), gated)
	r.Register("task.areas.list", s.handleAreaList, gated)
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

type taskCreateParams struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
	AreaID      string         `json:"areaId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DueAt       *time.Time     `json:"dueAt,omitempty"`
}

func (s *Server) handleTaskCreate(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.CreateTask(ctx, tasks.CreateTaskParams{
		Title:       params.Title,
		Description: params.Description,
		Priority:    params.Priority,
		ProjectID:   params.ProjectID,
		AreaID:      params.AreaID,
		WorkspaceID: params.WorkspaceID,
		Tags:        params.Tags,
		Metadata:    params.Metadata,
		DueAt:       params.DueAt,
	})
}

func (s *Server) handleTaskGet(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.GetTask(ctx, params.TaskID)
}

type taskListParams struct {
	Status      string `json:"status,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	AreaID      string `json:"areaId,omitempty"`
	Tag         string `json:"tag,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

func (s *Server) handleTaskList(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskListParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	list, err := s.tasks.ListTasks(ctx, tasks.ListTasksFilter{
		Status:      tasks.Status(params.Status),
		ProjectID:   params.ProjectID,
		AreaID:      params.AreaID,
		Tag:         params.Tag,
		WorkspaceID: params.WorkspaceID,
		Limit:       params.Limit,
		Offset:      params.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": list}, nil
}

type taskUpdateParams struct {
	TaskID      string          `json:"taskId"`
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *string         `json:"status,omitempty"`
	Priority    *string         `json:"priority,omitempty"`
	ProjectID   *string         `json:"projectId,omitempty"`
	AreaID      *string         `json:"areaId,omitempty"`
	Tags        *[]string       `json:"tags,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
	DueAt       *time.Time      `json:"dueAt,omitempty"`
	ClearDueAt  bool            `json:"clearDueAt,omitempty"`
}

func (s *Server) handleTaskUpdate(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskUpdateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	update := tasks.UpdateTaskParams{
		Title:       params.Title,
		Description: params.Description,
		Priority:    params.Priority,
		ProjectID:   params.ProjectID,
		AreaID:      params.AreaID,
		Tags:        params.Tags,
		Metadata:    params.Metadata,
		DueAt:       params.DueAt,
		ClearDueAt:  params.ClearDueAt,
	}
	if params.Status != nil {
		status := tasks.Status(*params.Status)
		update.Status = &status
	}
	return s.tasks.UpdateTask(ctx, params.TaskID, update)
}

func (s *Server) handleTaskComplete(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.CompleteTask(ctx, params.TaskID)
}

func (s *Server) handleTaskArchive(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.ArchiveTask(ctx, params.TaskID)
}

func (s *Server) handleTaskDelete(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.tasks.DeleteTask(ctx, params.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"taskId": params.TaskID, "deleted": true}, nil
}

type addDependencyParams struct {
	TaskID    string `json:"taskId"`
	DependsOn string `json:"dependsOn"`
}

func (s *Server) handleTaskAddDependency(ctx context.Context, req *rpc.Request) (any, error) {
	var params addDependencyParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.tasks.AddDependency(ctx, params.TaskID, params.DependsOn); err != nil {
		return nil, err
	}
	return s.tasks.GetTask(ctx, params.TaskID)
}

func (s *Server) handleTaskActivity(ctx context.Context, req *rpc.Request) (any, error) {
	var params taskIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	activity, err := s.tasks.Activity(ctx, params.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"activity": activity}, nil
}

type workspaceIDParams struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (s *Server) handleTaskSummary(ctx context.Context, req *rpc.Request) (any, error) {
	var params workspaceIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	summary, err := s.tasks.AutoSummary(ctx, params.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

type projectCreateParams struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AreaID      string `json:"areaId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (s *Server) handleProjectCreate(ctx context.Context, req *rpc.Request) (any, error) {
	var params projectCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.CreateProject(ctx, tasks.CreateProjectParams{
		Name:        params.Name,
		Description: params.Description,
		AreaID:      params.AreaID,
		WorkspaceID: params.WorkspaceID,
	})
}

func (s *Server) handleProjectList(ctx context.Context, req *rpc.Request) (any, error) {
	var params workspaceIDParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	projects, err := s.tasks.ListProjects(ctx, params.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects}, nil
}

type areaCreateParams struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleAreaCreate(ctx context.Context, req *rpc.Request) (any, error) {
	var params areaCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	return s.tasks.CreateArea(ctx, params.Name, params.Description)
}

func (s *Server) handleAreaList(ctx context.Context, _ *rpc.Request) (any, error) {
	areas, err := s.tasks.ListAreas(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"areas": areas}, nil
}
