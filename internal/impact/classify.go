package impact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultClassifyTimeout = 45 * time.Second
	defaultMaxParallel     = 4
)

type classifyOptions struct {
	Timeout     time.Duration
	MaxParallel int
	// Linked holds the artefacts reachable through artefact edges, by id.
	Linked map[string]*Artefact
}

type classifyResult struct {
	Items     []Item
	Warnings  []string
	Failed    []string
	Targets   int
	Succeeded int
	// ManualLinks counts manual edges that produced at least one item.
	ManualLinks int
}

// Degraded reports whether some but not all targets failed.
func (r classifyResult) Degraded() bool {
	return len(r.Failed) > 0 && r.Succeeded > 0
}

type targetGroup struct {
	Type    TargetType
	Edges   []Edge
	Targets []Target
}

type groupOutcome struct {
	Results   map[string][]Classification // target id -> verdicts
	Failed    []string
	Warnings  []string
	Succeeded int
}

// classify asks the oracle about every edge of g, one parallel sub-request
// per target type. A failing sub-request is retried target by target so one
// bad target cannot take the others down with it.
func classify(ctx context.Context, oracle Classifier, changes []Change, g Graph, opts classifyOptions) classifyResult {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultClassifyTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}

	groups := make([]targetGroup, 0, 4)
	for _, t := range []TargetType{TargetCode, TargetTest, TargetData, TargetArtefact} {
		edges := g.ByType(t)
		if len(edges) == 0 {
			continue
		}
		grp := targetGroup{Type: t, Edges: edges, Targets: make([]Target, 0, len(edges))}
		for _, e := range edges {
			grp.Targets = append(grp.Targets, targetForEdge(e, opts.Linked[e.TargetID]))
		}
		groups = append(groups, grp)
	}

	res := classifyResult{Targets: g.Len()}
	if len(groups) == 0 {
		return res
	}

	outcomes := make([]groupOutcome, len(groups))
	var eg errgroup.Group
	eg.SetLimit(opts.MaxParallel)
	for i := range groups {
		eg.Go(func() error {
			outcomes[i] = classifyGroup(ctx, oracle, changes, groups[i], opts.Timeout)
			return nil
		})
	}
	_ = eg.Wait()

	merged := newItemMerger()
	for i, grp := range groups {
		out := outcomes[i]
		res.Failed = append(res.Failed, out.Failed...)
		res.Warnings = append(res.Warnings, out.Warnings...)
		res.Succeeded += out.Succeeded
		for _, e := range grp.Edges {
			verdicts := out.Results[e.TargetID]
			produced := false
			for _, v := range verdicts {
				if v.Score <= 0 {
					continue
				}
				merged.add(itemForEdge(e, opts.Linked[e.TargetID], v))
				produced = true
			}
			if produced && e.Source == LinkManual {
				res.ManualLinks++
			}
		}
	}
	res.Items = merged.items()
	return res
}

func classifyGroup(ctx context.Context, oracle Classifier, changes []Change, grp targetGroup, timeout time.Duration) groupOutcome {
	out := groupOutcome{Results: map[string][]Classification{}}

	verdicts, err := callClassifier(ctx, oracle, changes, grp.Targets, timeout)
	if err == nil {
		out.Succeeded = len(grp.Targets)
		out.accept(grp.Type, grp.Targets, verdicts)
		return out
	}
	if len(grp.Targets) == 1 {
		out.fail(grp.Type, grp.Targets[0].ID, err)
		return out
	}

	for _, t := range grp.Targets {
		one := []Target{t}
		verdicts, err := callClassifier(ctx, oracle, changes, one, timeout)
		if err != nil {
			out.fail(grp.Type, t.ID, err)
			continue
		}
		out.Succeeded++
		out.accept(grp.Type, one, verdicts)
	}
	return out
}

func (o *groupOutcome) fail(t TargetType, targetID string, err error) {
	key := string(t) + ":" + targetID
	o.Failed = append(o.Failed, key)
	o.Warnings = append(o.Warnings, fmt.Sprintf("classification failed for %s: %v", key, err))
}

func (o *groupOutcome) accept(t TargetType, asked []Target, verdicts []Classification) {
	known := make(map[string]struct{}, len(asked))
	for _, a := range asked {
		known[a.ID] = struct{}{}
	}
	for _, v := range verdicts {
		id := strings.TrimSpace(v.TargetID)
		if _, ok := known[id]; !ok {
			o.Warnings = append(o.Warnings, fmt.Sprintf("oracle returned unknown %s target %q", t, id))
			continue
		}
		score, ok := ClampScore(v.Score)
		if !ok {
			o.Warnings = append(o.Warnings, fmt.Sprintf("oracle returned invalid score for %s:%s", t, id))
			continue
		}
		v.TargetID = id
		v.Score = score
		v.Reason = strings.TrimSpace(v.Reason)
		o.Results[id] = append(o.Results[id], v)
	}
}

// callClassifier bounds one oracle request by timeout even when the oracle
// ignores its context, and turns a panic into an error.
func callClassifier(ctx context.Context, oracle Classifier, changes []Change, targets []Target, timeout time.Duration) ([]Classification, error) {
	if oracle == nil {
		return nil, ErrNoOracle
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		verdicts []Classification
		err      error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("oracle panic: %v", p)}
			}
		}()
		v, err := oracle.Classify(cctx, changes, targets)
		ch <- reply{verdicts: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.verdicts, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("oracle timed out after %s", timeout)
		}
		return nil, cctx.Err()
	}
}

func targetForEdge(e Edge, linked *Artefact) Target {
	md := map[string]string{
		"link_type":   e.LinkType,
		"link_source": string(e.Source),
		"confidence":  strconv.FormatFloat(e.Confidence, 'f', -1, 64),
	}
	if e.DataKind != "" {
		md["data_kind"] = string(e.DataKind)
	}
	if linked != nil {
		if t := strings.TrimSpace(linked.Title); t != "" {
			md["title"] = t
		}
		if k := strings.TrimSpace(linked.Kind); k != "" {
			md["kind"] = k
		}
	}
	return Target{Type: e.TargetType, ID: e.TargetID, Metadata: md}
}

func itemForEdge(e Edge, linked *Artefact, v Classification) Item {
	it := Item{
		ID:       newItemID(),
		Name:     e.TargetID,
		Type:     e.ItemType(),
		Score:    v.Score,
		Reason:   v.Reason,
		Metadata: metadataForEdge(e),
	}
	if e.TargetType == TargetArtefact {
		it.RelatedArtefactID = e.TargetID
		if linked != nil {
			it.Type = ItemTypeForArtefactKind(linked.Kind)
			if t := strings.TrimSpace(linked.Title); t != "" {
				it.Metadata.Extra["title"] = t
			}
		}
	}
	it.ReviewStatus = InitialReviewStatus(it.Score)
	return it
}

// itemMerger keeps one item per (item_type, item_name): the highest score
// wins and distinct reasons are joined.
type itemMerger struct {
	order []string
	byKey map[string]*Item
}

func newItemMerger() *itemMerger {
	return &itemMerger{byKey: map[string]*Item{}}
}

func (m *itemMerger) add(it Item) {
	key := it.Key()
	cur, ok := m.byKey[key]
	if !ok {
		cp := it
		m.byKey[key] = &cp
		m.order = append(m.order, key)
		return
	}
	if it.Score > cur.Score {
		cur.Score = it.Score
		cur.Metadata = it.Metadata
		cur.RelatedArtefactID = it.RelatedArtefactID
	}
	cur.Reason = joinReasons(cur.Reason, it.Reason)
	cur.ReviewStatus = InitialReviewStatus(cur.Score)
}

func (m *itemMerger) items() []Item {
	out := make([]Item, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.byKey[k])
	}
	return out
}

func joinReasons(a string, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case b == "":
		return a
	case a == "":
		return b
	}
	for _, part := range strings.Split(a, "; ") {
		if part == b {
			return a
		}
	}
	return a + "; " + b
}
