package contextmgr

import "errors"

var (
	// ErrContextExhausted is returned when the session's live context has no
	// budget left for another turn.
	ErrContextExhausted = errors.New("contextmgr: context budget exhausted")

	// ErrEstimatedOverflow is returned when the context has room but the
	// estimated response would overrun the budget.
	ErrEstimatedOverflow = errors.New("contextmgr: estimated response exceeds remaining budget")

	// ErrNoPreview is returned when a confirmation carries no edited summary
	// and no preview is cached for the session.
	ErrNoPreview = errors.New("contextmgr: no compaction preview to confirm")

	// ErrNothingToCompact is returned when the session has no conversation to
	// summarize.
	ErrNothingToCompact = errors.New("contextmgr: no conversation to compact")

	// ErrNoSummarizer is returned by PreviewCompaction when the manager was
	// built without a summarizer.
	ErrNoSummarizer = errors.New("contextmgr: no summarizer configured")
)
