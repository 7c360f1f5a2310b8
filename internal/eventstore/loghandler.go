package eventstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogHandler is a slog.Handler that tees records into the logs table, fed to
// the main logger through the observability fanout. Rows at warn level and
// above are also forwarded to a push hook so connected clients can observe
// them as log.appended events.
type LogHandler struct {
	sink   *logSink
	attrs  []slog.Attr
	groups []string
}

// logSink is the state shared across WithAttrs/WithGroup clones, so a push
// hook installed after the logger was built reaches every derived handler.
type logSink struct {
	store    *Store
	minLevel slog.Level

	mu   sync.RWMutex
	push func(*LogRow)
}

// NewLogHandler builds a handler persisting records at or above minLevel.
func NewLogHandler(store *Store, minLevel slog.Level) *LogHandler {
	return &LogHandler{sink: &logSink{store: store, minLevel: minLevel}}
}

// SetPush installs the hook invoked for warn-and-above rows. The gateway
// registers its broadcast here once it is up.
func (h *LogHandler) SetPush(fn func(*LogRow)) {
	h.sink.mu.Lock()
	h.sink.push = fn
	h.sink.mu.Unlock()
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.minLevel
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

// Handle persists the record. The insert runs on a detached context: a
// canceled request must not lose its final log rows.
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	row := &LogRow{
		Timestamp: r.Time.UTC(),
		Level:     strings.ToLower(r.Level.String()),
		Message:   r.Message,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	for _, a := range h.attrs {
		h.fold(row, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.fold(row, a)
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sink.store.AppendLog(ctx, row); err != nil {
		return err
	}

	if r.Level >= slog.LevelWarn {
		h.sink.mu.RLock()
		push := h.sink.push
		h.sink.mu.RUnlock()
		if push != nil {
			push(row)
		}
	}
	return nil
}

// fold routes one attribute into its column, or into the data JSON when no
// column matches.
func (h *LogHandler) fold(row *LogRow, a slog.Attr) {
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	v := a.Value.Resolve()

	switch key {
	case "component":
		row.Component = v.String()
	case "session_id":
		row.SessionID = v.String()
	case "workspace_id":
		row.WorkspaceID = v.String()
	case "event_id":
		row.EventID = v.String()
	case "turn":
		row.Turn = int(v.Int64())
	case "trace_id":
		row.TraceID = v.String()
	case "parent_trace_id":
		row.ParentTraceID = v.String()
	case "depth":
		row.Depth = int(v.Int64())
	case "error", "err":
		row.ErrorMessage = v.String()
	case "stack":
		row.ErrorStack = v.String()
	default:
		if row.Data == nil {
			row.Data = make(map[string]any)
		}
		row.Data[key] = v.Any()
	}
}
