package impact

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/redeven-impact/internal/auditlog"
)

// SetItemStatus moves an item through the review workflow on behalf of actor.
// Setting the current status again is a no-op. Score and reason never change.
func (e *Engine) SetItemStatus(ctx context.Context, itemID string, status string, actor string) (*Item, error) {
	to, ok := ParseReviewStatus(status)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, fmt.Errorf("%w: missing item_id", ErrItemNotFound)
	}
	it, err := e.runs.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	from := it.ReviewStatus
	if from == to {
		return it, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := e.runs.UpdateItemReviewStatus(ctx, itemID, to); err != nil {
		return nil, err
	}
	it.ReviewStatus = to

	artefactID := ""
	if r, err := e.runs.GetRun(ctx, it.RunID); err == nil && r != nil {
		artefactID = r.ArtefactID
	}
	e.appendAudit(auditlog.Entry{
		Action:     auditlog.ActionReviewStatus,
		UserID:     strings.TrimSpace(actor),
		ArtefactID: artefactID,
		RunID:      it.RunID,
		ItemID:     it.ID,
		Detail:     map[string]any{"from": string(from), "to": string(to)},
	})
	recordReviewTransition(ctx, from, to)
	return it, nil
}

// AddLink validates e and upserts it into the graph of artefactID. A link to
// an already linked target overwrites it.
func (e *Engine) AddLink(ctx context.Context, artefactID string, edge Edge, actor string) (Edge, error) {
	edge.UserID = actor
	edge, err := NormalizeEdge(artefactID, edge)
	if err != nil {
		return Edge{}, err
	}
	if err := e.requireArtefact(ctx, edge.ArtefactID); err != nil {
		return Edge{}, err
	}
	edge.ID = newEdgeID()
	edge.CreatedAtUnixMs = e.now().UnixMilli()

	stored, err := e.linkage.UpsertEdge(ctx, edge)
	if err != nil {
		return Edge{}, err
	}
	e.appendAudit(auditlog.Entry{
		Action:     auditlog.ActionLinkAdded,
		UserID:     stored.UserID,
		ArtefactID: stored.ArtefactID,
		EdgeID:     stored.ID,
		Detail: map[string]any{
			"target_type": string(stored.TargetType),
			"target_id":   stored.TargetID,
			"link_source": string(stored.Source),
		},
	})
	return stored, nil
}

// RemoveLink deletes an edge. Items of past runs keep their metadata.
func (e *Engine) RemoveLink(ctx context.Context, edgeID string, actor string) error {
	edgeID = strings.TrimSpace(edgeID)
	if edgeID == "" {
		return fmt.Errorf("%w: missing edge id", ErrEdgeNotFound)
	}
	ok, err := e.linkage.DeleteEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	e.appendAudit(auditlog.Entry{
		Action: auditlog.ActionLinkRemoved,
		UserID: strings.TrimSpace(actor),
		EdgeID: edgeID,
	})
	return nil
}

// Links returns the linkage graph of an artefact.
func (e *Engine) Links(ctx context.Context, artefactID string) (Graph, error) {
	return e.linkage.EdgesFor(ctx, strings.TrimSpace(artefactID))
}

func (e *Engine) requireArtefact(ctx context.Context, artefactID string) error {
	a, err := e.artefacts.GetArtefact(ctx, artefactID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: %s", ErrArtefactNotFound, artefactID)
	}
	return nil
}

// DiffRuns compares two completed runs of the same artefact. Arguments given
// newest first are swapped. Naming the same run twice, or an artefact with
// fewer than two completed runs, reports DiffInsufficientData.
func (e *Engine) DiffRuns(ctx context.Context, olderID string, newerID string) (Diff, error) {
	older, err := e.GetRun(ctx, olderID)
	if err != nil {
		return Diff{}, err
	}
	newer, err := e.GetRun(ctx, newerID)
	if err != nil {
		return Diff{}, err
	}
	if older.ArtefactID != newer.ArtefactID {
		return Diff{}, fmt.Errorf("%w: %s vs %s", ErrArtefactMismatch, older.ArtefactID, newer.ArtefactID)
	}
	completed, err := e.completedRuns(ctx, older.ArtefactID, 2)
	if err != nil {
		return Diff{}, err
	}
	if len(completed) < 2 || older.ID == newer.ID {
		return insufficientDiff(older.ArtefactID), nil
	}
	for _, r := range []*Run{older, newer} {
		if r.Status != RunCompleted {
			return Diff{}, fmt.Errorf("%w: %s is %s", ErrRunNotCompleted, r.ID, r.Status)
		}
	}
	if newer.CreatedAtUnixMs < older.CreatedAtUnixMs {
		older, newer = newer, older
	}
	return e.diff(ctx, *older, *newer)
}

// DiffLatest compares the two newest completed runs of an artefact. With
// fewer than two it reports DiffInsufficientData.
func (e *Engine) DiffLatest(ctx context.Context, artefactID string) (Diff, error) {
	artefactID = strings.TrimSpace(artefactID)
	completed, err := e.completedRuns(ctx, artefactID, 2)
	if err != nil {
		return Diff{}, err
	}
	if len(completed) < 2 {
		return insufficientDiff(artefactID), nil
	}
	return e.diff(ctx, completed[1], completed[0])
}

func (e *Engine) diff(ctx context.Context, older Run, newer Run) (Diff, error) {
	olderItems, err := e.runs.ListItems(ctx, older.ID)
	if err != nil {
		return Diff{}, err
	}
	newerItems, err := e.runs.ListItems(ctx, newer.ID)
	if err != nil {
		return Diff{}, err
	}
	return DiffItems(older, olderItems, newer, newerItems), nil
}

// GenerateSuggestions asks the suggestion oracle for new edges and stores the
// valid ones as pending. Proposals for already linked targets are dropped.
func (e *Engine) GenerateSuggestions(ctx context.Context, artefactID string) ([]Suggestion, error) {
	if e.suggester == nil {
		return nil, ErrNoOracle
	}
	artefactID = strings.TrimSpace(artefactID)
	art, err := e.artefacts.GetArtefact(ctx, artefactID)
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, fmt.Errorf("%w: %s", ErrArtefactNotFound, artefactID)
	}
	if strings.TrimSpace(art.Content) == "" {
		return nil, ErrEmptyContent
	}

	g, err := e.linkage.EdgesFor(ctx, art.ID)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]struct{}, g.Len())
	for _, edge := range g.All() {
		linked[string(edge.TargetType)+"|"+edge.TargetID] = struct{}{}
	}
	code, data, err := e.linkage.KnownTargets(ctx)
	if err != nil {
		return nil, err
	}
	code = unionIDs(code, e.catalogue.Code)
	data = unionIDs(data, e.catalogue.Data)

	proposals, err := e.suggester.SuggestLinks(ctx, art.Content, code, data)
	if err != nil {
		return nil, fmt.Errorf("suggest links: %w", err)
	}

	at := e.now().UnixMilli()
	out := make([]Suggestion, 0, len(proposals))
	for _, in := range proposals {
		s, err := suggestionFromOracle(art.ID, in, linked)
		if err != nil {
			e.log.Debug("link suggestion dropped", "artefact_id", art.ID, "target_id", in.TargetID, "reason", err)
			continue
		}
		// One suggestion per target within a batch.
		linked[string(s.SuggestedTargetType)+"|"+s.SuggestedTargetID] = struct{}{}
		s.CreatedAtUnixMs = at
		out = append(out, s)
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := e.suggestions.InsertSuggestions(ctx, out); err != nil {
		return nil, err
	}
	e.log.Info("link suggestions generated", "artefact_id", art.ID, "proposed", len(proposals), "stored", len(out))
	return out, nil
}

// ListSuggestions lists an artefact's suggestions, optionally by status.
func (e *Engine) ListSuggestions(ctx context.Context, artefactID string, status string) ([]Suggestion, error) {
	st := SuggestionStatus(strings.ToLower(strings.TrimSpace(status)))
	switch st {
	case "", SuggestionPending, SuggestionAccepted, SuggestionRejected:
	default:
		return nil, fmt.Errorf("%w: suggestion status %q", ErrInvalidStatus, status)
	}
	return e.suggestions.ListSuggestions(ctx, strings.TrimSpace(artefactID), st)
}

// AcceptSuggestion materializes a pending suggestion into exactly one edge.
// A suggestion that was already decided yields ErrSuggestionDecided.
func (e *Engine) AcceptSuggestion(ctx context.Context, suggestionID string, actor string) (Edge, error) {
	s, err := e.pendingSuggestion(ctx, suggestionID)
	if err != nil {
		return Edge{}, err
	}
	edge, err := NormalizeEdge(s.ArtefactID, s.Edge(strings.TrimSpace(actor)))
	if err != nil {
		return Edge{}, err
	}
	edge.ID = newEdgeID()
	edge.CreatedAtUnixMs = e.now().UnixMilli()

	stored, ok, err := e.suggestions.AcceptSuggestion(ctx, s.ID, edge, edge.CreatedAtUnixMs)
	if err != nil {
		return Edge{}, err
	}
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrSuggestionDecided, s.ID)
	}
	e.appendAudit(auditlog.Entry{
		Action:       auditlog.ActionSuggestAccepted,
		UserID:       edge.UserID,
		ArtefactID:   s.ArtefactID,
		EdgeID:       stored.ID,
		SuggestionID: s.ID,
		Detail: map[string]any{
			"target_type": string(stored.TargetType),
			"target_id":   stored.TargetID,
			"confidence":  stored.Confidence,
		},
	})
	recordSuggestionDecision(ctx, SuggestionAccepted)
	return stored, nil
}

// RejectSuggestion marks a pending suggestion rejected.
func (e *Engine) RejectSuggestion(ctx context.Context, suggestionID string, actor string) error {
	s, err := e.pendingSuggestion(ctx, suggestionID)
	if err != nil {
		return err
	}
	ok, err := e.suggestions.DecideSuggestion(ctx, s.ID, SuggestionRejected, e.now().UnixMilli())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSuggestionDecided, s.ID)
	}
	e.appendAudit(auditlog.Entry{
		Action:       auditlog.ActionSuggestRejected,
		UserID:       strings.TrimSpace(actor),
		ArtefactID:   s.ArtefactID,
		SuggestionID: s.ID,
	})
	recordSuggestionDecision(ctx, SuggestionRejected)
	return nil
}

func (e *Engine) pendingSuggestion(ctx context.Context, suggestionID string) (*Suggestion, error) {
	suggestionID = strings.TrimSpace(suggestionID)
	if suggestionID == "" {
		return nil, fmt.Errorf("%w: missing suggestion id", ErrSuggestionNotFound)
	}
	s, err := e.suggestions.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSuggestionNotFound, suggestionID)
	}
	if s.Status != SuggestionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrSuggestionDecided, s.ID, s.Status)
	}
	return s, nil
}

func unionIDs(a []string, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
