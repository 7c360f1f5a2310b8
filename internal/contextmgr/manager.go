// Package contextmgr enforces per-session token budgets and drives context
// compaction. Occupancy is read from the projected state at head: the last
// turn's effective input plus its output is what the next request will carry
// to the model, so compact and clear boundaries zero it without touching the
// session's cumulative accounting.
package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/projection"
	"github.com/tronlabs/tron/pkg/models"
)

// Config sets the token budget policy for session contexts.
type Config struct {
	// Windows maps model ids to their context window size in tokens.
	Windows map[string]int64 `json:"windows" yaml:"windows"`

	// DefaultWindow is used for models absent from Windows.
	DefaultWindow int64 `json:"default_window" yaml:"default_window"`

	// CompactThreshold is the fraction of the window at which compaction is
	// suggested.
	CompactThreshold float64 `json:"compact_threshold" yaml:"compact_threshold"`

	// ReserveTokens is held back from the window when admitting turns so the
	// response always has room to complete.
	ReserveTokens int64 `json:"reserve_tokens" yaml:"reserve_tokens"`
}

// DefaultConfig returns the budget policy used when configuration names none.
func DefaultConfig() Config {
	return Config{
		DefaultWindow:    200000,
		CompactThreshold: 0.85,
		ReserveTokens:    20000,
	}
}

// Store is the slice of the event store the manager reads and appends
// through.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetStateAtHead(ctx context.Context, sessionID string) (*projection.State, error)
	GetAncestors(ctx context.Context, eventID string) ([]*models.Event, error)
	AppendEvent(ctx context.Context, req eventstore.AppendRequest) (*models.Event, error)
}

// Summarizer condenses a conversation into the text a compaction boundary
// carries. Implementations call an external model.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.MessageEntry) (string, error)
}

// Snapshot is the occupancy view pushed to clients after every turn.
type Snapshot struct {
	SessionID     string  `json:"sessionId"`
	Model         string  `json:"model"`
	UsedTokens    int64   `json:"usedTokens"`
	Window        int64   `json:"window"`
	UsedPercent   float64 `json:"usedPercent"`
	Remaining     int64   `json:"remaining"`
	ShouldCompact bool    `json:"shouldCompact"`
}

// DetailedSnapshot adds the per-category breakdown of UsedTokens and the
// session's cumulative accounting.
type DetailedSnapshot struct {
	Snapshot
	LastTurnInput       int64             `json:"lastTurnInput"`
	LastTurnOutput      int64             `json:"lastTurnOutput"`
	CacheReadTokens     int64             `json:"cacheReadTokens"`
	CacheCreationTokens int64             `json:"cacheCreationTokens"`
	CumulativeUsage     models.TokenUsage `json:"cumulativeUsage"`
	MessageCount        int               `json:"messageCount"`
	TurnCount           int               `json:"turnCount"`
	ReserveTokens       int64             `json:"reserveTokens"`
	CompactThreshold    float64           `json:"compactThreshold"`
}

// preview is a cached summarization awaiting confirmation.
type preview struct {
	summary     string
	headEventID string
	createdAt   time.Time
}

// Manager owns the budget checks and the compact/clear boundary writes for
// all sessions.
type Manager struct {
	config     Config
	store      Store
	summarizer Summarizer
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	previews map[string]*preview
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewManager builds a Manager over the given store. Zero config fields take
// the DefaultConfig values. A nil summarizer disables PreviewCompaction;
// confirmation then requires an edited summary.
func NewManager(config Config, store Store, summarizer Summarizer, opts Options) *Manager {
	def := DefaultConfig()
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = def.DefaultWindow
	}
	if config.CompactThreshold <= 0 || config.CompactThreshold > 1 {
		config.CompactThreshold = def.CompactThreshold
	}
	if config.ReserveTokens < 0 {
		config.ReserveTokens = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Manager{
		config:     config,
		store:      store,
		summarizer: summarizer,
		logger:     logger.Component("contextmgr"),
		metrics:    opts.Metrics,
		previews:   make(map[string]*preview),
	}
}

// CanAcceptTurn reports whether the session has budget for another turn. The
// budget is the model's window minus the reserve; estimatedResponseTokens,
// when positive, must also fit.
func (m *Manager) CanAcceptTurn(ctx context.Context, sessionID string, estimatedResponseTokens int64) error {
	state, err := m.store.GetStateAtHead(ctx, sessionID)
	if err != nil {
		return err
	}
	budget := m.window(state.Model) - m.config.ReserveTokens
	used := liveTokens(state)
	if used >= budget {
		return fmt.Errorf("%w: %d of %d budget tokens used", ErrContextExhausted, used, budget)
	}
	if estimatedResponseTokens > 0 && used+estimatedResponseTokens > budget {
		return fmt.Errorf("%w: %d used plus %d estimated exceeds budget %d",
			ErrEstimatedOverflow, used, estimatedResponseTokens, budget)
	}
	return nil
}

// ShouldCompact checks the session against the compaction threshold. The
// threshold is a fraction of the full window, not of the admission budget.
func (m *Manager) ShouldCompact(ctx context.Context, sessionID string) (bool, string) {
	state, err := m.store.GetStateAtHead(ctx, sessionID)
	if err != nil {
		return false, ""
	}
	window := m.window(state.Model)
	used := liveTokens(state)
	pct := float64(used) / float64(window)
	if pct >= m.config.CompactThreshold {
		return true, fmt.Sprintf("context %d of %d tokens (%.0f%%) exceeds compact threshold %.0f%%",
			used, window, pct*100, m.config.CompactThreshold*100)
	}
	return false, ""
}

// PreviewCompaction summarizes the visible conversation and caches the text
// for a later ConfirmCompaction. Repeated previews replace the cache.
func (m *Manager) PreviewCompaction(ctx context.Context, sessionID string) (string, error) {
	if m.summarizer == nil {
		return "", ErrNoSummarizer
	}
	state, err := m.store.GetStateAtHead(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(state.Messages) == 0 {
		return "", ErrNothingToCompact
	}
	summary, err := m.summarizer.Summarize(ctx, state.Messages)
	if err != nil {
		return "", fmt.Errorf("failed to summarize conversation: %w", err)
	}
	m.mu.Lock()
	m.previews[sessionID] = &preview{
		summary:     summary,
		headEventID: state.HeadEventID,
		createdAt:   time.Now(),
	}
	m.mu.Unlock()
	m.logger.Debug(ctx, "compaction preview ready",
		"session_id", sessionID, "head_event_id", state.HeadEventID, "summary_chars", len(summary))
	return summary, nil
}

// ConfirmCompaction appends the compact.boundary event. editedSummary, when
// non-blank, wins over the cached preview; a blank summary requires one. The
// boundary always covers the session's current head, so a preview taken
// before more appends still confirms cleanly and fingerprints the longer
// prefix.
func (m *Manager) ConfirmCompaction(ctx context.Context, sessionID, editedSummary string) (*models.Event, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.MessageCount == 0 {
		return nil, ErrNothingToCompact
	}

	m.mu.Lock()
	cached := m.previews[sessionID]
	m.mu.Unlock()

	summary := strings.TrimSpace(editedSummary)
	if summary == "" {
		if cached == nil {
			return nil, ErrNoPreview
		}
		summary = cached.summary
	}
	if cached != nil && cached.headEventID != session.HeadEventID {
		m.logger.Warn(ctx, "session advanced since compaction preview",
			"session_id", sessionID, "preview_head", cached.headEventID, "head", session.HeadEventID)
	}

	chain, err := m.store.GetAncestors(ctx, session.HeadEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk compacted prefix: %w", err)
	}
	payload, err := json.Marshal(models.CompactBoundaryPayload{
		Summary:             summary,
		Fingerprint:         chainFingerprint(chain),
		CompactedEventCount: len(chain),
		CompactedThroughID:  session.HeadEventID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode boundary payload: %w", err)
	}
	event, err := m.store.AppendEvent(ctx, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      models.EventCompactBoundary,
		Payload:   payload,
		Turn:      int(session.TurnCount),
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.previews, sessionID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Compactions.Inc()
	}
	m.logger.Info(ctx, "context compacted",
		"session_id", sessionID, "event_id", event.ID,
		"compacted_events", len(chain), "summary_chars", len(summary))
	return event, nil
}

// ClearContext appends context.cleared, dropping the visible conversation
// while keeping the event history intact.
func (m *Manager) ClearContext(ctx context.Context, sessionID, reason string) (*models.Event, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(models.ContextClearedPayload{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clear payload: %w", err)
	}
	event, err := m.store.AppendEvent(ctx, eventstore.AppendRequest{
		SessionID: sessionID,
		Type:      models.EventContextCleared,
		Payload:   payload,
		Turn:      int(session.TurnCount),
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.previews, sessionID)
	m.mu.Unlock()
	m.logger.Info(ctx, "context cleared",
		"session_id", sessionID, "event_id", event.ID, "reason", reason)
	return event, nil
}

// Snapshot returns the occupancy view for one session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	state, err := m.store.GetStateAtHead(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := m.snapshotFromState(state)
	return &snap, nil
}

// DetailedSnapshot returns the occupancy view with the token breakdown and
// cumulative accounting.
func (m *Manager) DetailedSnapshot(ctx context.Context, sessionID string) (*DetailedSnapshot, error) {
	state, err := m.store.GetStateAtHead(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	u := state.LastTurnUsage
	return &DetailedSnapshot{
		Snapshot:            m.snapshotFromState(state),
		LastTurnInput:       u.InputTokens,
		LastTurnOutput:      u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CumulativeUsage:     state.Usage,
		MessageCount:        len(state.Messages),
		TurnCount:           state.TurnCount,
		ReserveTokens:       m.config.ReserveTokens,
		CompactThreshold:    m.config.CompactThreshold,
	}, nil
}

func (m *Manager) snapshotFromState(state *projection.State) Snapshot {
	window := m.window(state.Model)
	used := liveTokens(state)
	pct := float64(used) / float64(window)
	remaining := window - m.config.ReserveTokens - used
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		SessionID:     state.SessionID,
		Model:         state.Model,
		UsedTokens:    used,
		Window:        window,
		UsedPercent:   pct * 100,
		Remaining:     remaining,
		ShouldCompact: pct >= m.config.CompactThreshold,
	}
}

func (m *Manager) window(model string) int64 {
	if w, ok := m.config.Windows[model]; ok && w > 0 {
		return w
	}
	return m.config.DefaultWindow
}

// liveTokens is the occupancy the next request would carry: the last turn's
// effective input (fresh, cache read, cache creation) plus its output.
func liveTokens(state *projection.State) int64 {
	u := state.LastTurnUsage
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens + u.OutputTokens
}

// chainFingerprint hashes the compacted prefix's event ids so a reader of the
// boundary can verify what the summary replaced.
func chainFingerprint(chain []*models.Event) string {
	h := sha256.New()
	for i, e := range chain {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(e.ID))
	}
	return hex.EncodeToString(h.Sum(nil))
}
