// Package eventstore persists sessions as append-only event logs and serves
// every read the engine makes over them. One Store owns the SQLite handle;
// repositories are plain behaviors borrowing it, and all writes that touch
// more than one table run in a single transaction.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/projection"
	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

// maxAppendRetries bounds optimistic retries after a head race before
// ErrSequenceRace surfaces to the caller.
const maxAppendRetries = 3

// Store is the single contract over session persistence: workspaces,
// sessions, events, branches, blobs, search, and logs, plus the projection
// built on top of them.
type Store struct {
	db      *storage.DB
	logger  *observability.Logger
	metrics *observability.Metrics

	workspaces *workspaceRepo
	sessions   *sessionRepo
	events     *eventRepo
	branches   *branchRepo
	search     *searchRepo
	logs       *logRepo
	blobs      *BlobStore

	locker    *sessionLocker
	projector *projection.Projector
}

// Options carries the optional collaborators of a Store. Nil fields take
// quiet defaults so tests can construct a Store from a bare handle.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewStore builds a Store over an open database. The caller is expected to
// have run migrations.
func NewStore(db *storage.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	s := &Store{
		db:      db,
		logger:  logger.Component("eventstore"),
		metrics: opts.Metrics,

		workspaces: &workspaceRepo{db: db},
		sessions:   &sessionRepo{db: db},
		events:     &eventRepo{db: db},
		branches:   &branchRepo{db: db},
		search:     &searchRepo{db: db},
		logs:       &logRepo{db: db},
		blobs:      &BlobStore{db: db, metrics: opts.Metrics},

		locker: newSessionLocker(),
	}
	s.projector = projection.NewProjector(&storeSource{events: s.events})
	return s
}

// DB exposes the underlying handle for the maintenance service, which runs
// checkpoints and sweeps over the same database.
func (s *Store) DB() *storage.DB {
	return s.db
}

// BlobStore returns the content-addressed blob repository.
func (s *Store) BlobStore() *BlobStore {
	return s.blobs
}

// Close checkpoints and closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// storeSource adapts the event repository to the projection's EventSource.
type storeSource struct {
	events *eventRepo
}

func (s *storeSource) Ancestors(ctx context.Context, eventID string) ([]*models.Event, error) {
	return s.events.GetAncestors(ctx, eventID)
}

func (s *storeSource) Head(ctx context.Context, sessionID string) (*models.Event, error) {
	return s.events.GetLatest(ctx, sessionID)
}

// ---- Workspaces ----

func (s *Store) CreateWorkspace(ctx context.Context, path, name string) (*models.Workspace, error) {
	return s.workspaces.Create(ctx, path, name)
}

func (s *Store) GetOrCreateWorkspace(ctx context.Context, path string) (*models.Workspace, error) {
	return s.workspaces.GetOrCreate(ctx, path)
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return s.workspaces.Get(ctx, id)
}

func (s *Store) GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error) {
	return s.workspaces.GetByPath(ctx, path)
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	return s.workspaces.List(ctx)
}

// ---- Sessions ----

// CreateSessionOptions carries the optional fields of a new session.
type CreateSessionOptions struct {
	Title     string
	Tags      []string
	SpawnInfo *models.SpawnInfo
}

// CreateSession creates the session row and its session.start root event in
// one transaction: a session never exists without a root, and its counters
// start consistent (event_count 1, head = root).
func (s *Store) CreateSession(ctx context.Context, workspaceID, workingDirectory, model string, opts CreateSessionOptions) (*models.Session, *models.Event, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:               storage.NewID("ses"),
		WorkspaceID:      ws.ID,
		WorkingDirectory: workingDirectory,
		LatestModel:      model,
		Title:            opts.Title,
		Status:           models.SessionActive,
		Tags:             opts.Tags,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if opts.SpawnInfo != nil {
		session.SpawningSessionID = opts.SpawnInfo.SpawningSessionID
		session.SpawnType = opts.SpawnInfo.SpawnType
		session.SpawnTask = opts.SpawnInfo.SpawnTask
	}

	payload, err := models.EncodePayload(models.SessionStartPayload{
		WorkspaceID:      ws.ID,
		WorkingDirectory: workingDirectory,
		Model:            model,
		Title:            opts.Title,
		Tags:             opts.Tags,
	})
	if err != nil {
		return nil, nil, err
	}
	root := &models.Event{
		ID:          storage.NewID("evt"),
		SessionID:   session.ID,
		WorkspaceID: ws.ID,
		Timestamp:   now,
		Type:        models.EventSessionStart,
		Sequence:    0,
		Depth:       0,
		Payload:     payload,
	}
	session.RootEventID = root.ID
	session.HeadEventID = root.ID
	session.EventCount = 1

	err = storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if err := s.sessions.CreateTx(ctx, tx, session); err != nil {
			return err
		}
		if err := s.events.InsertTx(ctx, tx, root); err != nil {
			return err
		}
		if err := s.search.IndexTx(ctx, tx, root); err != nil {
			return err
		}
		return s.workspaces.TouchTx(ctx, tx, ws.ID, now)
	})
	if err != nil {
		return nil, nil, err
	}

	s.countAppend(models.EventSessionStart)
	s.logger.Info(ctx, "session created",
		"session_id", session.ID, "workspace_id", ws.ID, "model", model)
	return session, root, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.sessions.Get(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*models.Session, error) {
	return s.sessions.List(ctx, filter)
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.sessions.UpdateTitle(ctx, id, title)
}

func (s *Store) UpdateSessionTags(ctx context.Context, id string, tags []string) error {
	return s.sessions.UpdateTags(ctx, id, tags)
}

func (s *Store) UpdateLatestModel(ctx context.Context, id, model string) error {
	return s.sessions.UpdateLatestModel(ctx, id, model)
}

func (s *Store) UpdateSessionSpawnInfo(ctx context.Context, id string, info models.SpawnInfo) error {
	return s.sessions.UpdateSpawnInfo(ctx, id, info)
}

// EndSession appends a session.end event; the status flip and ended_at ride
// the same transaction through the append delta.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) (*models.Event, error) {
	payload, err := models.EncodePayload(models.SessionEndPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return s.AppendEvent(ctx, AppendRequest{
		SessionID: sessionID,
		Type:      models.EventSessionEnd,
		Payload:   payload,
	})
}

// ClearSessionEnded reopens an ended session without appending an event,
// used by session.resume.
func (s *Store) ClearSessionEnded(ctx context.Context, sessionID string) error {
	return s.sessions.ClearEnded(ctx, sessionID)
}

// DeleteSession removes the session and everything hanging off it. This is
// an administrative operation; normal flows hide events instead.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	release := s.locker.Lock(sessionID)
	defer release()

	return storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if err := s.search.DeleteBySessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := s.branches.DeleteBySessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := s.events.DeleteBySessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		return s.sessions.DeleteTx(ctx, tx, sessionID)
	})
}

// ---- Events ----

// AppendRequest describes one event to append. ParentID defaults to the
// session head; Timestamp defaults to now (imports pass their own).
type AppendRequest struct {
	SessionID string
	ParentID  string
	Type      models.EventType
	Payload   json.RawMessage
	Turn      int
	Timestamp time.Time
}

// AppendEvent validates, sequences, and persists one event. The write holds
// the session's append lock; sequence allocation is optimistic against
// event_count, and a failed check retries a bounded number of times before
// surfacing ErrSequenceRace. Counters, head, search index, and workspace
// activity all move in the event's transaction.
func (s *Store) AppendEvent(ctx context.Context, req AppendRequest) (*models.Event, error) {
	if !models.KnownEventType(req.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, req.Type)
	}
	if models.IsRootType(req.Type) {
		// Roots are written by CreateSession and Fork only.
		return nil, fmt.Errorf("%w: %q cannot be appended", ErrInvalidEventType, req.Type)
	}
	if err := models.ValidatePayload(req.Type, req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	release := s.locker.Lock(req.SessionID)
	defer release()

	for attempt := 0; ; attempt++ {
		event, err := s.appendOnce(ctx, req)
		if err == nil {
			s.countAppend(event.Type)
			return event, nil
		}
		if !errors.Is(err, ErrSequenceRace) || attempt >= maxAppendRetries {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.SequenceRaceRetries.Inc()
		}
		s.logger.Warn(ctx, "append raced on session head, retrying",
			"session_id", req.SessionID, "attempt", attempt+1)
	}
}

func (s *Store) appendOnce(ctx context.Context, req AppendRequest) (*models.Event, error) {
	var event *models.Event
	err := storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		session, err := s.sessions.GetTx(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}

		parentID := req.ParentID
		if parentID == "" {
			parentID = session.HeadEventID
		}
		if parentID == "" {
			return fmt.Errorf("%w: session %s has no head", ErrInvalidParent, req.SessionID)
		}
		parent, err := s.events.GetTx(ctx, tx, parentID)
		if errors.Is(err, ErrEventNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidParent, parentID)
		}
		if err != nil {
			return err
		}
		if parent.SessionID != req.SessionID {
			return fmt.Errorf("%w: %s belongs to another session", ErrInvalidParent, parentID)
		}

		ts := req.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		event = &models.Event{
			ID:          storage.NewID("evt"),
			ParentID:    parent.ID,
			SessionID:   req.SessionID,
			WorkspaceID: session.WorkspaceID,
			Timestamp:   ts,
			Type:        req.Type,
			Sequence:    session.EventCount,
			Depth:       parent.Depth + 1,
			Payload:     req.Payload,
			Turn:        req.Turn,
		}
		if err := s.events.InsertTx(ctx, tx, event); err != nil {
			return err
		}
		if err := s.search.IndexTx(ctx, tx, event); err != nil {
			return err
		}

		delta, err := appendDeltaFor(event, session)
		if err != nil {
			return err
		}
		ok, err := s.sessions.ApplyAppendTx(ctx, tx, req.SessionID, session.EventCount, delta)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSequenceRace
		}
		return s.workspaces.TouchTx(ctx, tx, session.WorkspaceID, ts)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// appendDeltaFor derives what one event contributes to its session row.
func appendDeltaFor(e *models.Event, session *models.Session) (appendDelta, error) {
	d := appendDelta{HeadEventID: e.ID, At: e.Timestamp}
	if models.IsMessageType(e.Type) {
		d.MessageDelta = 1
	}

	switch e.Type {
	case models.EventMessageAssistant:
		p, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		payload := p.(*models.MessageAssistantPayload)
		d.Usage = payload.TokenUsage
		if !payload.TokenUsage.IsZero() {
			effective := payload.TokenUsage.InputTokens +
				payload.TokenUsage.CacheReadTokens +
				payload.TokenUsage.CacheCreationTokens
			d.LastTurnInput = sql.NullInt64{Int64: effective, Valid: true}
		}
		if payload.StopReason == models.StopEndTurn {
			d.TurnDelta = 1
		}
		if payload.Model != "" {
			d.LatestModel = storage.NullString(payload.Model)
		}

	case models.EventConfigModelSwitch:
		p, err := models.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		d.LatestModel = storage.NullString(p.(*models.ConfigModelSwitchPayload).ToModel)

	case models.EventSessionEnd:
		d.Status = storage.NullString(string(models.SessionEnded))
		d.EndedAt = storage.NullString(storage.FormatTime(e.Timestamp))
	}

	// Any activity other than session.end reopens an ended session.
	if session.Status == models.SessionEnded && e.Type != models.EventSessionEnd {
		d.Status = storage.NullString(string(models.SessionActive))
		d.EndedAt = sql.NullString{}
	}
	return d, nil
}

func (s *Store) countAppend(t models.EventType) {
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(t)).Inc()
	}
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	return s.events.Get(ctx, id)
}

func (s *Store) GetEventsBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Event, error) {
	return s.events.GetBySession(ctx, sessionID, limit, offset)
}

func (s *Store) GetEventsByType(ctx context.Context, sessionID string, types ...models.EventType) ([]*models.Event, error) {
	return s.events.GetByTypes(ctx, sessionID, types)
}

func (s *Store) GetEventsSince(ctx context.Context, sessionID string, seq int64) ([]*models.Event, error) {
	return s.events.GetSince(ctx, sessionID, seq)
}

func (s *Store) GetLatestEvent(ctx context.Context, sessionID string) (*models.Event, error) {
	return s.events.GetLatest(ctx, sessionID)
}

// GetAncestors returns the event and all its ancestors root-first, crossing
// fork boundaries. The result length is always depth+1.
func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]*models.Event, error) {
	return s.events.GetAncestors(ctx, eventID)
}

func (s *Store) GetChildren(ctx context.Context, eventID string) ([]*models.Event, error) {
	return s.events.GetChildren(ctx, eventID)
}

func (s *Store) GetDescendants(ctx context.Context, eventID string) ([]*models.Event, error) {
	return s.events.GetDescendants(ctx, eventID)
}

// DeleteMessage appends a message.deleted event hiding the target from
// projections. Nothing is physically removed.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (*models.Event, error) {
	target, err := s.events.Get(ctx, targetEventID)
	if err != nil {
		return nil, err
	}
	if target.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, targetEventID)
	}
	payload, err := models.EncodePayload(models.MessageDeletedPayload{
		TargetEventID: targetEventID,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	return s.AppendEvent(ctx, AppendRequest{
		SessionID: sessionID,
		Type:      models.EventMessageDeleted,
		Payload:   payload,
		Turn:      target.Turn,
	})
}

// ---- Fork ----

// ForkOptions carries the optional fields of a forked session.
type ForkOptions struct {
	Title string
	Model string
}

// Fork creates a new session branching from an event in another session.
// The new session's root is a session.fork event whose parent is the source
// event, so ancestor walks cross into the source history. Counters start
// fresh; projected state is reconstructed by replay up to the fork point.
func (s *Store) Fork(ctx context.Context, sourceEventID string, opts ForkOptions) (*models.Session, *models.Event, error) {
	source, err := s.events.Get(ctx, sourceEventID)
	if err != nil {
		return nil, nil, err
	}
	srcSession, err := s.sessions.Get(ctx, source.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkSettledBoundary(ctx, source); err != nil {
		return nil, nil, err
	}

	model := opts.Model
	if model == "" {
		model = srcSession.LatestModel
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:               storage.NewID("ses"),
		WorkspaceID:      srcSession.WorkspaceID,
		WorkingDirectory: srcSession.WorkingDirectory,
		LatestModel:      model,
		Title:            opts.Title,
		Status:           models.SessionActive,
		ParentSessionID:  srcSession.ID,
		ForkFromEventID:  source.ID,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	payload, err := models.EncodePayload(models.SessionForkPayload{
		SourceSessionID: srcSession.ID,
		SourceEventID:   source.ID,
		Title:           opts.Title,
		Model:           opts.Model,
	})
	if err != nil {
		return nil, nil, err
	}
	root := &models.Event{
		ID:          storage.NewID("evt"),
		ParentID:    source.ID,
		SessionID:   session.ID,
		WorkspaceID: session.WorkspaceID,
		Timestamp:   now,
		Type:        models.EventSessionFork,
		Sequence:    0,
		Depth:       source.Depth + 1,
		Payload:     payload,
	}
	session.RootEventID = root.ID
	session.HeadEventID = root.ID
	session.EventCount = 1

	err = storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if err := s.sessions.CreateTx(ctx, tx, session); err != nil {
			return err
		}
		if err := s.events.InsertTx(ctx, tx, root); err != nil {
			return err
		}
		if err := s.search.IndexTx(ctx, tx, root); err != nil {
			return err
		}
		return s.workspaces.TouchTx(ctx, tx, session.WorkspaceID, now)
	})
	if err != nil {
		return nil, nil, err
	}

	s.countAppend(models.EventSessionFork)
	s.logger.Info(ctx, "session forked",
		"session_id", session.ID, "source_session_id", srcSession.ID, "source_event_id", source.ID)
	return session, root, nil
}

// checkSettledBoundary enforces the fork rule: message.user always settles;
// message.assistant settles when its stop reason is end_turn or every
// tool_use id it carries has a tool.result among its same-turn descendants.
func (s *Store) checkSettledBoundary(ctx context.Context, source *models.Event) error {
	switch source.Type {
	case models.EventMessageUser:
		return nil
	case models.EventMessageAssistant:
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnsettledBoundary, source.ID, source.Type)
	}

	p, err := models.DecodePayload(source.Type, source.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s payload undecodable", ErrUnsettledBoundary, source.ID)
	}
	payload := p.(*models.MessageAssistantPayload)
	if payload.StopReason == models.StopEndTurn {
		return nil
	}
	pending := make(map[string]bool)
	for _, use := range payload.Content.ToolUses() {
		pending[use.ID] = true
	}
	if len(pending) == 0 {
		return nil
	}

	descendants, err := s.events.GetDescendants(ctx, source.ID)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.Type == models.EventToolResult && d.Turn == source.Turn {
			delete(pending, d.ToolCallID)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %d tool calls unresolved", ErrUnsettledBoundary, len(pending))
	}
	return nil
}

// ---- Projection ----

func (s *Store) GetStateAt(ctx context.Context, eventID string) (*projection.State, error) {
	return s.projector.StateAt(ctx, eventID)
}

func (s *Store) GetStateAtHead(ctx context.Context, sessionID string) (*projection.State, error) {
	return s.projector.StateAtHead(ctx, sessionID)
}

func (s *Store) GetMessagesAt(ctx context.Context, eventID string) ([]models.MessageEntry, error) {
	return s.projector.MessagesAt(ctx, eventID)
}

func (s *Store) GetMessagesAtHead(ctx context.Context, sessionID string) ([]models.MessageEntry, error) {
	return s.projector.MessagesAtHead(ctx, sessionID)
}

// ---- Branches ----

// CreateBranch names the session's current (root, head) pair. The first
// branch of a session becomes its default.
func (s *Store) CreateBranch(ctx context.Context, sessionID, name, description string) (*models.Branch, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return s.branches.Create(ctx, &models.Branch{
		ID:             storage.NewID("br"),
		SessionID:      session.ID,
		Name:           name,
		Description:    description,
		RootEventID:    session.RootEventID,
		HeadEventID:    session.HeadEventID,
		CreatedAt:      now,
		LastActivityAt: now,
	})
}

func (s *Store) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	return s.branches.Get(ctx, id)
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	return s.branches.ListBySession(ctx, sessionID)
}

func (s *Store) SetDefaultBranch(ctx context.Context, branchID string) error {
	return s.branches.SetDefault(ctx, branchID)
}

// UpdateBranchHead moves a branch head to another event of the same session.
func (s *Store) UpdateBranchHead(ctx context.Context, branchID, headEventID string) error {
	branch, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return err
	}
	head, err := s.events.Get(ctx, headEventID)
	if err != nil {
		return err
	}
	if head.SessionID != branch.SessionID {
		return fmt.Errorf("%w: %s belongs to another session", ErrInvalidParent, headEventID)
	}
	return s.branches.UpdateHead(ctx, branchID, headEventID)
}

// ---- Search ----

func (s *Store) SearchContent(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	if s.metrics != nil {
		s.metrics.SearchQueries.Inc()
	}
	return s.search.Search(ctx, query, opts)
}

func (s *Store) SearchByToolName(ctx context.Context, name string, opts SearchOptions) ([]SearchHit, error) {
	if s.metrics != nil {
		s.metrics.SearchQueries.Inc()
	}
	return s.search.SearchByToolName(ctx, name, opts)
}

// RebuildSessionIndex drops and re-derives the session's search rows from
// its events, returning how many were indexed.
func (s *Store) RebuildSessionIndex(ctx context.Context, sessionID string) (int64, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return 0, err
	}
	return s.search.RebuildSessionIndex(ctx, sessionID)
}

// OptimizeSearchIndex merges the FTS index structures; the maintenance sweep
// calls this.
func (s *Store) OptimizeSearchIndex(ctx context.Context) error {
	return s.search.Optimize(ctx)
}

// ---- Logs ----

func (s *Store) AppendLog(ctx context.Context, row *LogRow) error {
	return s.logs.Append(ctx, row)
}

// Stats reports row counts across the store, for status surfaces.
type Stats struct {
	Workspaces int64 `json:"workspaces"`
	Sessions   int64 `json:"sessions"`
	Events     int64 `json:"events"`
	Blobs      int64 `json:"blobs"`
	LogRows    int64 `json:"logRows"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM workspaces),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM blobs),
			(SELECT COUNT(*) FROM logs)`).
		Scan(&st.Workspaces, &st.Sessions, &st.Events, &st.Blobs, &st.LogRows)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	return &st, nil
}

func (s *Store) QueryLogs(ctx context.Context, q LogQuery) ([]*LogRow, error) {
	return s.logs.Query(ctx, q)
}

func (s *Store) SearchLogs(ctx context.Context, query string, limit int) ([]*LogRow, error) {
	return s.logs.Search(ctx, query, limit)
}

func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.logs.PruneBefore(ctx, cutoff)
}
