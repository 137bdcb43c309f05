package impact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/floegence/redeven-impact/internal/auditlog"
)

// memStore is an in-memory implementation of every store interface.
type memStore struct {
	mu          sync.Mutex
	artefacts   map[string]*Artefact
	snapshots   map[string][]Snapshot
	runs        map[string]*Run
	items       map[string][]Item
	edges       map[string]Edge // by key
	suggestions map[string]*Suggestion
	queue       map[string]*QueueEntry

	failComplete error
}

func newMemStore() *memStore {
	return &memStore{
		artefacts:   map[string]*Artefact{},
		snapshots:   map[string][]Snapshot{},
		runs:        map[string]*Run{},
		items:       map[string][]Item{},
		edges:       map[string]Edge{},
		suggestions: map[string]*Suggestion{},
		queue:       map[string]*QueueEntry{},
	}
}

func (m *memStore) putArtefact(a Artefact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artefacts[a.ID] = &a
}

func (m *memStore) GetArtefact(_ context.Context, id string) (*Artefact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artefacts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) LatestSnapshot(_ context.Context, artefactID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.snapshots[artefactID]
	if len(list) == 0 {
		return nil, nil
	}
	s := list[len(list)-1]
	return &s, nil
}

func (m *memStore) PutSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ArtefactID] = append(m.snapshots[s.ArtefactID], s)
	return nil
}

func (m *memStore) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return errors.New("duplicate run")
	}
	m.runs[r.ID] = &r
	return nil
}

func (m *memStore) advance(runID string, to RunStatus) (*Run, error) {
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if !CanAdvanceRun(r.Status, to) {
		return nil, errors.New("status regression")
	}
	return r, nil
}

func (m *memStore) MarkRunRunning(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.advance(runID, RunRunning)
	if err != nil {
		return err
	}
	r.Status = RunRunning
	return nil
}

func (m *memStore) CompleteRun(_ context.Context, run Run, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failComplete != nil {
		return m.failComplete
	}
	if _, err := m.advance(run.ID, RunCompleted); err != nil {
		return err
	}
	cp := run
	m.runs[run.ID] = &cp
	m.items[run.ID] = append([]Item(nil), items...)
	return nil
}

func (m *memStore) FailRun(_ context.Context, runID string, reason string, warnings []string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.advance(runID, RunFailed)
	if err != nil {
		return err
	}
	r.Status = RunFailed
	r.Error = reason
	r.Warnings = warnings
	r.CompletedAtUnixMs = at
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, artefactID string, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.ArtefactID == artefactID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUnixMs != out[j].CreatedAtUnixMs {
			return out[i].CreatedAtUnixMs > out[j].CreatedAtUnixMs
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListItems(_ context.Context, runID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items[runID]...), nil
}

func (m *memStore) GetItem(_ context.Context, itemID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.items {
		for _, it := range list {
			if it.ID == itemID {
				cp := it
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *memStore) UpdateItemReviewStatus(_ context.Context, itemID string, status ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, list := range m.items {
		for i := range list {
			if list[i].ID == itemID {
				m.items[runID][i].ReviewStatus = status
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (m *memStore) upsertLocked(e Edge) Edge {
	if cur, ok := m.edges[e.Key()]; ok {
		e.ID = cur.ID
		e.CreatedAtUnixMs = cur.CreatedAtUnixMs
	}
	m.edges[e.Key()] = e
	return e
}

func (m *memStore) UpsertEdge(_ context.Context, e Edge) (Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(e), nil
}

func (m *memStore) DeleteEdge(_ context.Context, edgeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.edges {
		if e.ID == edgeID {
			delete(m.edges, k)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) EdgesFor(_ context.Context, artefactID string) (Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []Edge
	for _, e := range m.edges {
		if e.ArtefactID == artefactID {
			list = append(list, e)
		}
	}
	return GroupEdges(list), nil
}

func (m *memStore) KnownTargets(_ context.Context) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var code, data []string
	for _, e := range m.edges {
		switch e.TargetType {
		case TargetCode:
			code = append(code, e.TargetID)
		case TargetData:
			data = append(data, e.TargetID)
		}
	}
	return unionIDs(code, nil), unionIDs(data, nil), nil
}

func (m *memStore) edgeCount(t TargetType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.edges {
		if e.TargetType == t {
			n++
		}
	}
	return n
}

func (m *memStore) InsertSuggestions(_ context.Context, list []Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range list {
		cp := s
		m.suggestions[s.ID] = &cp
	}
	return nil
}

func (m *memStore) GetSuggestion(_ context.Context, id string) (*Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSuggestions(_ context.Context, artefactID string, status SuggestionStatus) ([]Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suggestion
	for _, s := range m.suggestions {
		if s.ArtefactID != artefactID || (status != "" && s.Status != status) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuggestedTargetID < out[j].SuggestedTargetID })
	return out, nil
}

func (m *memStore) DecideSuggestion(_ context.Context, id string, status SuggestionStatus, at int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok || s.Status != SuggestionPending {
		return false, nil
	}
	s.Status = status
	s.DecidedAtUnixMs = at
	return true, nil
}

func (m *memStore) AcceptSuggestion(_ context.Context, id string, e Edge, at int64) (Edge, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok || s.Status != SuggestionPending {
		return Edge{}, false, nil
	}
	s.Status = SuggestionAccepted
	s.DecidedAtUnixMs = at
	if cur, ok := m.edges[e.Key()]; ok && cur.Source == LinkManual {
		return cur, true, nil
	}
	return m.upsertLocked(e), true, nil
}

func (m *memStore) Enqueue(_ context.Context, e QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.queue[e.ID] = &cp
	return nil
}

func (m *memStore) ListQueued(_ context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueEntry
	for _, e := range m.queue {
		if e.State == QueueQueued {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) MarkDispatched(_ context.Context, id string, at int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok || e.State != QueueQueued {
		return false, nil
	}
	e.State = QueueDispatched
	e.DispatchedAtUnixMs = at
	return true, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (a *memAudit) Append(e auditlog.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// scriptedOracle scores targets from a table and fails any request that
// includes a target listed in fail.
type scriptedOracle struct {
	scores map[string]float64
	fail   map[string]bool

	mu    sync.Mutex
	calls int
}

func (o *scriptedOracle) Classify(_ context.Context, _ []Change, targets []Target) ([]Classification, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	for _, t := range targets {
		if o.fail[t.ID] {
			return nil, errors.New("oracle unavailable for " + t.ID)
		}
	}
	out := make([]Classification, 0, len(targets))
	for _, t := range targets {
		if s, ok := o.scores[t.ID]; ok {
			out = append(out, Classification{TargetID: t.ID, Score: s, Reason: "touches " + t.ID})
		}
	}
	return out, nil
}

type staticSuggester struct {
	links []SuggestedLink

	gotCode []string
	gotData []string
}

func (s *staticSuggester) SuggestLinks(_ context.Context, _ string, code []string, data []string) ([]SuggestedLink, error) {
	s.gotCode = code
	s.gotData = data
	return s.links, nil
}

// stepClock advances by one second on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t interface{ Fatalf(string, ...any) }, st *memStore, oracle Classifier, opts ...func(*Options)) *Engine {
	o := Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Artefacts:   st,
		Snapshots:   st,
		Runs:        st,
		Linkage:     st,
		Suggestions: st,
		Classifier:  oracle,
		Now:         newStepClock().Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(o)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}
