package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SpawnType says how a session came to exist when it was spawned by another.
type SpawnType string

const (
	SpawnSubsession SpawnType = "subsession"
	SpawnTmux       SpawnType = "tmux"
	SpawnFork       SpawnType = "fork"
)

// Workspace groups sessions by working directory. Unique by path; created on
// first reference and never deleted by the engine.
type Workspace struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Session is one conversation thread. Counters are derived from the event
// log and never diverge from it: every successful append updates them in the
// same transaction.
type Session struct {
	ID               string        `json:"id"`
	WorkspaceID      string        `json:"workspaceId"`
	WorkingDirectory string        `json:"workingDirectory"`
	LatestModel      string        `json:"latestModel,omitempty"`
	Title            string        `json:"title,omitempty"`
	Status           SessionStatus `json:"status"`

	RootEventID string `json:"rootEventId,omitempty"`
	HeadEventID string `json:"headEventId,omitempty"`

	EventCount          int64      `json:"eventCount"`
	MessageCount        int64      `json:"messageCount"`
	TurnCount           int64      `json:"turnCount"`
	InputTokens         int64      `json:"inputTokens"`
	OutputTokens        int64      `json:"outputTokens"`
	LastTurnInputTokens int64      `json:"lastTurnInputTokens"`
	CacheReadTokens     int64      `json:"cacheReadTokens"`
	CacheCreationTokens int64      `json:"cacheCreationTokens"`
	Cost                float64    `json:"cost"`

	ParentSessionID   string    `json:"parentSessionId,omitempty"`
	ForkFromEventID   string    `json:"forkFromEventId,omitempty"`
	SpawningSessionID string    `json:"spawningSessionId,omitempty"`
	SpawnType         SpawnType `json:"spawnType,omitempty"`
	SpawnTask         string    `json:"spawnTask,omitempty"`

	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Usage assembles the session's cumulative token counters.
func (s *Session) Usage() TokenUsage {
	return TokenUsage{
		InputTokens:         s.InputTokens,
		OutputTokens:        s.OutputTokens,
		CacheReadTokens:     s.CacheReadTokens,
		CacheCreationTokens: s.CacheCreationTokens,
		CostUSD:             s.Cost,
	}
}

// SpawnInfo carries the spawn columns updated after session creation.
type SpawnInfo struct {
	SpawningSessionID string    `json:"spawningSessionId,omitempty"`
	SpawnType         SpawnType `json:"spawnType,omitempty"`
	SpawnTask         string    `json:"spawnTask,omitempty"`
}

// Branch is a named head over the event DAG of one session. Exactly one
// branch per session is the default.
type Branch struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	RootEventID    string    `json:"rootEventId,omitempty"`
	HeadEventID    string    `json:"headEventId,omitempty"`
	IsDefault      bool      `json:"isDefault"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// BlobCompression records how blob content is stored on disk.
type BlobCompression string

const (
	CompressionNone BlobCompression = "none"
	CompressionGzip BlobCompression = "gzip"
)

// Blob is a content-addressed, reference-counted binary. Hash is the SHA-256
// hex of the original content; storing identical content twice returns the
// same blob with a bumped refcount.
type Blob struct {
	ID             string          `json:"id"`
	Hash           string          `json:"hash"`
	MimeType       string          `json:"mimeType,omitempty"`
	SizeOriginal   int64           `json:"sizeOriginal"`
	SizeCompressed int64           `json:"sizeCompressed"`
	Compression    BlobCompression `json:"compression"`
	RefCount       int64           `json:"refCount"`
	CreatedAt      time.Time       `json:"createdAt"`
}
