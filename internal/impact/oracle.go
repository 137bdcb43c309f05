package impact

import "context"

// Target is one linked entity the classifier oracle is asked about.
type Target struct {
	Type     TargetType        `json:"type"`
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Classification is the oracle's verdict for one target.
// Score is on the 0..5 scale; a target missing from the response is unaffected.
type Classification struct {
	TargetID string  `json:"target_id"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// Classifier decides which targets a set of changes plausibly affects.
//
// Implementations are not deterministic in general (they usually call a
// language model); the engine bounds every call with a timeout.
type Classifier interface {
	Classify(ctx context.Context, changes []Change, targets []Target) ([]Classification, error)
}

// SuggestedLink is a candidate edge proposed by the link-suggestion oracle.
type SuggestedLink struct {
	TargetType string  `json:"target_type"`
	TargetID   string  `json:"target_id"`
	LinkType   string  `json:"link_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// LinkSuggester proposes new linkage edges for an artefact.
type LinkSuggester interface {
	SuggestLinks(ctx context.Context, artefactContent string, knownCodeIDs []string, knownDataIDs []string) ([]SuggestedLink, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, changes []Change, targets []Target) ([]Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, changes []Change, targets []Target) ([]Classification, error) {
	return f(ctx, changes, targets)
}
