package impact

import "context"

// ArtefactSource resolves artefacts owned by the surrounding application.
// GetArtefact returns nil, nil when the artefact does not exist.
type ArtefactSource interface {
	GetArtefact(ctx context.Context, artefactID string) (*Artefact, error)
}

// SnapshotStore keeps the content each completed analysis was computed from.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, artefactID string) (*Snapshot, error)
	PutSnapshot(ctx context.Context, s Snapshot) error
}

// RunStore persists runs and their items.
//
// CompleteRun must record the completed status and every item atomically so
// readers never observe a completed run without its items. Status writes
// that would move a run backwards must be refused.
type RunStore interface {
	CreateRun(ctx context.Context, r Run) error
	MarkRunRunning(ctx context.Context, runID string) error
	CompleteRun(ctx context.Context, r Run, items []Item) error
	FailRun(ctx context.Context, runID string, reason string, warnings []string, completedAtUnixMs int64) error

	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns returns runs of an artefact, newest first.
	ListRuns(ctx context.Context, artefactID string, limit int) ([]Run, error)
	ListItems(ctx context.Context, runID string) ([]Item, error)
	GetItem(ctx context.Context, itemID string) (*Item, error)
	UpdateItemReviewStatus(ctx context.Context, itemID string, status ReviewStatus) error
}

// LinkageStore persists the linkage graph.
type LinkageStore interface {
	// UpsertEdge inserts e or overwrites the edge with the same key.
	UpsertEdge(ctx context.Context, e Edge) (Edge, error)
	// DeleteEdge reports false when no edge has the id.
	DeleteEdge(ctx context.Context, edgeID string) (bool, error)
	EdgesFor(ctx context.Context, artefactID string) (Graph, error)
	// KnownTargets lists every distinct code and data target across the graph.
	KnownTargets(ctx context.Context) (code []string, data []string, err error)
}

// SuggestionStore persists link suggestions.
type SuggestionStore interface {
	InsertSuggestions(ctx context.Context, s []Suggestion) error
	GetSuggestion(ctx context.Context, suggestionID string) (*Suggestion, error)
	// ListSuggestions filters by status when status is non-empty. Newest first.
	ListSuggestions(ctx context.Context, artefactID string, status SuggestionStatus) ([]Suggestion, error)
	// DecideSuggestion moves a pending suggestion to status. It reports false
	// when the suggestion was no longer pending.
	DecideSuggestion(ctx context.Context, suggestionID string, status SuggestionStatus, decidedAtUnixMs int64) (bool, error)
	// AcceptSuggestion marks a pending suggestion accepted and upserts e in
	// the same transaction. An existing manual edge for the same target is
	// kept and returned instead. It reports false, and writes nothing, when
	// the suggestion was no longer pending.
	AcceptSuggestion(ctx context.Context, suggestionID string, e Edge, decidedAtUnixMs int64) (Edge, bool, error)
}

// QueueStore persists deferred analysis requests.
type QueueStore interface {
	Enqueue(ctx context.Context, e QueueEntry) error
	ListQueued(ctx context.Context) ([]QueueEntry, error)
	// MarkDispatched reports false when the entry was already dispatched.
	MarkDispatched(ctx context.Context, entryID string, atUnixMs int64) (bool, error)
}
