package notes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "standup.m4a"), "audio-bytes")
	writeFile(t, filepath.Join(dir, "idea.wav"), "more-audio")
	writeFile(t, filepath.Join(dir, "idea.txt"), "remember the milk")
	writeFile(t, filepath.Join(dir, "report.pdf"), "not audio")
	writeFile(t, filepath.Join(dir, ".hidden.mp3"), "ignored")

	m, err := NewManager(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func TestManagerIndexesAudioFiles(t *testing.T) {
	m, dir := newTestManager(t)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() has %d notes, want 2: %+v", len(list), list)
	}
	// Sorted by name.
	if list[0].Name != "idea.wav" || list[1].Name != "standup.m4a" {
		t.Fatalf("List() order = [%s, %s]", list[0].Name, list[1].Name)
	}
	if want := filepath.Join(dir, "idea.txt"); list[0].TranscriptPath != want {
		t.Fatalf("transcript path = %q, want %q", list[0].TranscriptPath, want)
	}
	if list[1].TranscriptPath != "" {
		t.Fatalf("standup.m4a should have no transcript, got %q", list[1].TranscriptPath)
	}
	if list[0].Size != int64(len("more-audio")) {
		t.Fatalf("size = %d", list[0].Size)
	}
}

func TestGetAndDelete(t *testing.T) {
	m, dir := newTestManager(t)

	if _, err := m.Get("nope.mp3"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNoteNotFound", err)
	}

	note, err := m.Get("idea.wav")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if note.Path != filepath.Join(dir, "idea.wav") {
		t.Fatalf("path = %q", note.Path)
	}

	if err := m.Delete("idea.wav"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "idea.wav")); !os.IsNotExist(err) {
		t.Fatalf("audio file still exists: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "idea.txt")); !os.IsNotExist(err) {
		t.Fatalf("transcript still exists: %v", err)
	}
	if _, err := m.Get("idea.wav"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNoteNotFound", err)
	}
	if err := m.Delete("idea.wav"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("Delete(deleted) error = %v, want ErrNoteNotFound", err)
	}
}

func TestSaveAndReadTranscript(t *testing.T) {
	m, dir := newTestManager(t)

	path, err := m.SaveTranscript("standup.m4a", "we shipped the thing")
	if err != nil {
		t.Fatalf("SaveTranscript() error = %v", err)
	}
	if want := filepath.Join(dir, "standup.txt"); path != want {
		t.Fatalf("transcript path = %q, want %q", path, want)
	}

	text, err := m.Transcript("standup.m4a")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if text != "we shipped the thing" {
		t.Fatalf("transcript = %q", text)
	}

	note, err := m.Get("standup.m4a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if note.TranscriptPath != path {
		t.Fatalf("index transcript path = %q, want %q", note.TranscriptPath, path)
	}
}

type stubTranscriber struct {
	text string
	err  error
	path string
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	s.path = audioPath
	return s.text, s.err
}

func TestTranscribeDelegates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "memo.ogg"), "audio")

	tr := &stubTranscriber{text: "buy more coffee"}
	m, err := NewManager(dir, tr, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	text, err := m.Transcribe(context.Background(), "memo.ogg")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "buy more coffee" {
		t.Fatalf("text = %q", text)
	}
	if tr.path != filepath.Join(dir, "memo.ogg") {
		t.Fatalf("transcriber got path %q", tr.path)
	}
	saved, err := os.ReadFile(filepath.Join(dir, "memo.txt"))
	if err != nil || string(saved) != "buy more coffee" {
		t.Fatalf("saved transcript = %q, err = %v", saved, err)
	}

	tr.err = errors.New("model offline")
	if _, err := m.Transcribe(context.Background(), "memo.ogg"); err == nil {
		t.Fatalf("expected transcription failure to propagate")
	}
}

func TestTranscribeWithoutBackend(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Transcribe(context.Background(), "standup.m4a"); !errors.Is(err, ErrNoTranscriber) {
		t.Fatalf("error = %v, want ErrNoTranscriber", err)
	}
}

func TestWatchPicksUpNewNotes(t *testing.T) {
	m, dir := newTestManager(t)
	m.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "fresh.mp3"), "new audio")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := m.Get("fresh.mp3"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never indexed fresh.mp3")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
