package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"os"

	"github.com/tronlabs/tron/internal/rpc"
)

func (s *Server) registerManagerMethods() {
	r := s.registry

	r.Register("file.read", s.handleFileRead,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerFile))
	r.Register("file.write", s.handleFileWrite,
		rpc.WithRequiredParams("path", "content"), rpc.WithRequiredManagers(managerFile))
	r.Register("file.stat", s.handleFileStat,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerFile))

	r.Register("filesystem.list", s.handleFilesystemList,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerFilesystem))
	r.Register("filesystem.mkdir", s.handleFilesystemMkdir,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerFilesystem))
	r.Register("filesystem.remove", s.handleFilesystemRemove,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerFilesystem))
	r.Register("filesystem.move", s.handleFilesystemMove,
		rpc.WithRequiredParams("from", "to"), rpc.WithRequiredManagers(managerFilesystem))

	r.Register("worktree.status", s.handleWorktreeStatus,
		rpc.WithRequiredManagers(managerWorktree))
	r.Register("worktree.diff", s.handleWorktreeDiff,
		rpc.WithRequiredManagers(managerWorktree))

	r.Register("browser.navigate", s.handleBrowserNavigate,
		rpc.WithRequiredParams("url"), rpc.WithRequiredManagers(managerBrowser))
	r.Register("browser.screenshot", s.handleBrowserScreenshot,
		rpc.WithRequiredManagers(managerBrowser))
	r.Register("browser.currentUrl", s.handleBrowserCurrentURL,
		rpc.WithRequiredManagers(managerBrowser))

	r.Register("transcribe.audio", s.handleTranscribeAudio,
		rpc.WithRequiredParams("path"), rpc.WithRequiredManagers(managerTranscriber))

	r.Register("canvas.show", s.handleCanvasShow,
		rpc.WithRequiredParams("content"), rpc.WithRequiredManagers(managerCanvas))
	r.Register("canvas.navigate", s.handleCanvasNavigate,
		rpc.WithRequiredParams("url"), rpc.WithRequiredManagers(managerCanvas))
	r.Register("canvas.hide", s.handleCanvasHide,
		rpc.WithRequiredManagers(managerCanvas))
}

type filePathParams struct {
	Path string `json:"path"`
}

// fileError maps manager file errors onto the wire: missing files get their
// own code so clients can branch without parsing messages.
func fileError(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return rpc.NewError(rpc.CodeFileNotFound, "%v", err)
	}
	return rpc.NewError(rpc.CodeFileError, "%v", err)
}

func (s *Server) handleFileRead(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	content, err := s.managers.File.ReadFile(ctx, params.Path)
	if err != nil {
		return nil, fileError(err)
	}
	return map[string]any{"path": params.Path, "content": content}, nil
}

type fileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleFileWrite(ctx context.Context, req *rpc.Request) (any, error) {
	var params fileWriteParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.File.WriteFile(ctx, params.Path, params.Content); err != nil {
		return nil, fileError(err)
	}
	return map[string]any{"path": params.Path, "bytesWritten": len(params.Content)}, nil
}

func (s *Server) handleFileStat(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	info, err := s.managers.File.StatFile(ctx, params.Path)
	if err != nil {
		return nil, fileError(err)
	}
	return info, nil
}

func (s *Server) handleFilesystemList(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	entries, err := s.managers.Filesystem.ListDir(ctx, params.Path)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return map[string]any{"path": params.Path, "entries": entries}, nil
}

func (s *Server) handleFilesystemMkdir(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.Filesystem.MakeDir(ctx, params.Path); err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return map[string]any{"path": params.Path, "created": true}, nil
}

func (s *Server) handleFilesystemRemove(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.Filesystem.Remove(ctx, params.Path); err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return map[string]any{"path": params.Path, "removed": true}, nil
}

type fileMoveParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleFilesystemMove(ctx context.Context, req *rpc.Request) (any, error) {
	var params fileMoveParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.Filesystem.Move(ctx, params.From, params.To); err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return map[string]any{"from": params.From, "to": params.To, "moved": true}, nil
}

type worktreeParams struct {
	Dir  string `json:"dir,omitempty"`
	Path string `json:"path,omitempty"`
}

func (s *Server) handleWorktreeStatus(ctx context.Context, req *rpc.Request) (any, error) {
	var params worktreeParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	status, err := s.managers.Worktree.Status(ctx, params.Dir)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return status, nil
}

func (s *Server) handleWorktreeDiff(ctx context.Context, req *rpc.Request) (any, error) {
	var params worktreeParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	diff, err := s.managers.Worktree.Diff(ctx, params.Dir, params.Path)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeFilesystemError, "%v", err)
	}
	return map[string]any{"diff": diff}, nil
}

type urlParams struct {
	URL string `json:"url"`
}

func (s *Server) handleBrowserNavigate(ctx context.Context, req *rpc.Request) (any, error) {
	var params urlParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.Browser.Navigate(ctx, params.URL); err != nil {
		return nil, rpc.NewError(rpc.CodeBrowserError, "%v", err)
	}
	return map[string]any{"url": params.URL}, nil
}

func (s *Server) handleBrowserScreenshot(ctx context.Context, _ *rpc.Request) (any, error) {
	data, mimeType, err := s.managers.Browser.Screenshot(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeBrowserError, "%v", err)
	}
	return map[string]any{
		"mimeType":   mimeType,
		"dataBase64": base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (s *Server) handleBrowserCurrentURL(ctx context.Context, _ *rpc.Request) (any, error) {
	url, err := s.managers.Browser.CurrentURL(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeBrowserError, "%v", err)
	}
	return map[string]any{"url": url}, nil
}

func (s *Server) handleTranscribeAudio(ctx context.Context, req *rpc.Request) (any, error) {
	var params filePathParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	transcript, err := s.managers.Transcriber.Transcribe(ctx, params.Path)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeTranscription, "%v", err)
	}
	return map[string]any{"path": params.Path, "transcript": transcript}, nil
}

type canvasShowParams struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
}

func (s *Server) handleCanvasShow(ctx context.Context, req *rpc.Request) (any, error) {
	var params canvasShowParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.MimeType == "" {
		params.MimeType = "text/markdown"
	}
	if err := s.managers.Canvas.Show(ctx, params.Content, params.MimeType); err != nil {
		return nil, err
	}
	return map[string]any{"shown": true}, nil
}

func (s *Server) handleCanvasNavigate(ctx context.Context, req *rpc.Request) (any, error) {
	var params urlParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := s.managers.Canvas.Navigate(ctx, params.URL); err != nil {
		return nil, err
	}
	return map[string]any{"url": params.URL}, nil
}

func (s *Server) handleCanvasHide(ctx context.Context, _ *rpc.Request) (any, error) {
	if err := s.managers.Canvas.Hide(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"hidden": true}, nil
}
