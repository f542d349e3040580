package memory

import "errors"

var (
	// ErrNoMergedRecords means the summarizer produced nothing usable; the
	// backlog stays unconsolidated and retriggers later.
	ErrNoMergedRecords       = errors.New("summarizer returned no usable records")
	ErrSummarizerUnavailable = errors.New("no summarizer configured")
	ErrRecordNotFound        = errors.New("memory record not found")
)
