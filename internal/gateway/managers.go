package gateway

import (
	"context"
	"time"

	"github.com/tronlabs/tron/internal/notes"
)

// FileInfo describes one file for file.stat and filesystem.list results.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"isDir"`
	Modified time.Time `json:"modified"`
}

// FileManager serves the file.* methods.
type FileManager interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	StatFile(ctx context.Context, path string) (*FileInfo, error)
}

// FilesystemManager serves the filesystem.* methods.
type FilesystemManager interface {
	ListDir(ctx context.Context, path string) ([]FileInfo, error)
	MakeDir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Move(ctx context.Context, from, to string) error
}

// WorktreeStatus is the worktree.status result.
type WorktreeStatus struct {
	Dir       string   `json:"dir"`
	Branch    string   `json:"branch,omitempty"`
	Clean     bool     `json:"clean"`
	Modified  []string `json:"modified,omitempty"`
	Untracked []string `json:"untracked,omitempty"`
}

// WorktreeManager serves the worktree.* methods.
type WorktreeManager interface {
	Status(ctx context.Context, dir string) (*WorktreeStatus, error)
	Diff(ctx context.Context, dir, path string) (string, error)
}

// BrowserManager serves the browser.* methods.
type BrowserManager interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) (data []byte, mimeType string, err error)
	CurrentURL(ctx context.Context) (string, error)
}

// CanvasHost serves the canvas.* methods.
type CanvasHost interface {
	Show(ctx context.Context, content, mimeType string) error
	Navigate(ctx context.Context, url string) error
	Hide(ctx context.Context) error
}

// Managers holds the optional external subsystems the gateway delegates to.
// A nil field leaves its method family registered but gated: calls fail
// with NOT_AVAILABLE instead of METHOD_NOT_FOUND, so clients can tell
// "not wired on this server" from "no such method".
type Managers struct {
	File        FileManager
	Filesystem  FilesystemManager
	Worktree    WorktreeManager
	Browser     BrowserManager
	Transcriber notes.Transcriber
	Canvas      CanvasHost
}

// Manager names used in requiredManagers declarations.
const (
	managerAgent       = "agent"
	managerContext     = "context"
	managerTasks       = "tasks"
	managerVoiceNotes  = "voiceNotes"
	managerFile        = "file"
	managerFilesystem  = "filesystem"
	managerWorktree    = "worktree"
	managerBrowser     = "browser"
	managerTranscriber = "transcriber"
	managerCanvas      = "canvas"
)
