// Package notes indexes the voice-note directory: audio files dropped in by
// companion apps, each optionally paired with a sibling .txt transcript. The
// index lives in memory and follows the directory through an fsnotify
// watcher, so List never touches the disk.
package notes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tronlabs/tron/internal/observability"
)

var (
	// ErrNoteNotFound is returned when a note name resolves to nothing.
	ErrNoteNotFound = errors.New("notes: voice note not found")

	// ErrNoTranscriber is returned by Transcribe when no transcription
	// backend is configured.
	ErrNoTranscriber = errors.New("notes: no transcriber configured")
)

// audioExtensions are the file types indexed as voice notes.
var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".opus": true,
	".flac": true,
	".webm": true,
}

// defaultDebounce coalesces bursts of filesystem events into one rescan.
const defaultDebounce = 250 * time.Millisecond

// Note is one indexed voice note.
type Note struct {
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	Modified       time.Time `json:"modified"`
	TranscriptPath string    `json:"transcriptPath,omitempty"`
}

// Transcriber turns an audio file into text. The gateway wires the external
// transcription manager in here.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Manager owns the voice-note directory.
type Manager struct {
	dir         string
	transcriber Transcriber
	logger      *observability.Logger
	debounce    time.Duration

	mu    sync.RWMutex
	index map[string]*Note

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates the directory if needed and builds the initial index.
// transcriber may be nil when no backend is configured.
func NewManager(dir string, transcriber Transcriber, logger *observability.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("notes directory is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notes directory: %w", err)
	}

	m := &Manager{
		dir:         dir,
		transcriber: transcriber,
		logger:      logger.Component("notes"),
		debounce:    defaultDebounce,
		index:       make(map[string]*Note),
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the indexed directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Refresh rebuilds the index from the directory.
func (m *Manager) Refresh() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read notes directory: %w", err)
	}

	index := make(map[string]*Note)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !audioExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		note := &Note{
			Name:     entry.Name(),
			Path:     filepath.Join(m.dir, entry.Name()),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		}
		if transcript := transcriptPath(note.Path); fileExists(transcript) {
			note.TranscriptPath = transcript
		}
		index[note.Name] = note
	}

	m.mu.Lock()
	m.index = index
	m.mu.Unlock()
	return nil
}

// List returns the indexed notes sorted by name.
func (m *Manager) List() []*Note {
	m.mu.RLock()
	out := make([]*Note, 0, len(m.index))
	for _, note := range m.index {
		copied := *note
		out = append(out, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one note by file name.
func (m *Manager) Get(name string) (*Note, error) {
	m.mu.RLock()
	note, ok := m.index[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, name)
	}
	copied := *note
	return &copied, nil
}

// Delete removes the audio file and its transcript, if any.
func (m *Manager) Delete(name string) error {
	note, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := os.Remove(note.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete voice note: %w", err)
	}
	if note.TranscriptPath != "" {
		if err := os.Remove(note.TranscriptPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete transcript: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.index, name)
	m.mu.Unlock()
	return nil
}

// SaveTranscript writes the sibling .txt for a note and updates the index.
func (m *Manager) SaveTranscript(name, text string) (string, error) {
	note, err := m.Get(name)
	if err != nil {
		return "", err
	}
	path := transcriptPath(note.Path)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}

	m.mu.Lock()
	if indexed, ok := m.index[name]; ok {
		indexed.TranscriptPath = path
	}
	m.mu.Unlock()
	return path, nil
}

// Transcript reads a note's transcript.
func (m *Manager) Transcript(name string) (string, error) {
	note, err := m.Get(name)
	if err != nil {
		return "", err
	}
	if note.TranscriptPath == "" {
		return "", nil
	}
	raw, err := os.ReadFile(note.TranscriptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(raw), nil
}

// Transcribe runs the configured backend over a note and stores the result
// as its sibling transcript.
func (m *Manager) Transcribe(ctx context.Context, name string) (string, error) {
	note, err := m.Get(name)
	if err != nil {
		return "", err
	}
	if m.transcriber == nil {
		return "", ErrNoTranscriber
	}

	text, err := m.transcriber.Transcribe(ctx, note.Path)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe %s: %w", name, err)
	}
	if _, err := m.SaveTranscript(name, text); err != nil {
		return "", err
	}
	m.logger.Info(ctx, "voice note transcribed", "note", name, "chars", len(text))
	return text, nil
}

// Watch follows the directory until ctx is canceled or Close is called.
// Bursts of events collapse into one rescan per debounce window.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create notes watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch notes directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.watchCancel = cancel

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher, if running.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleRefresh := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Refresh(); err != nil {
				m.logger.Warn(ctx, "voice note rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRefresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn(ctx, "voice note watch error", "error", err)
		}
	}
}

// transcriptPath is the sibling .txt for an audio path.
func transcriptPath(audioPath string) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".txt"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
