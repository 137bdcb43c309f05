package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	"github.com/floegence/redeven-impact/internal/auditlog"
)

const (
	defaultRunMaxWallTime = 10 * time.Minute
	maxRunErrorRunes      = 600
)

// AuditSink receives audit entries for effective mutations.
type AuditSink interface {
	Append(e auditlog.Entry)
}

type Options struct {
	Logger *slog.Logger

	Artefacts   ArtefactSource
	Snapshots   SnapshotStore
	Runs        RunStore
	Linkage     LinkageStore
	Suggestions SuggestionStore

	Classifier Classifier
	// Suggester is optional; suggestion operations fail with ErrNoOracle without it.
	Suggester LinkSuggester
	// Catalogue lists code and data identifiers offered to Suggester in
	// addition to the targets already present in the graph.
	Catalogue Catalogue

	Audit AuditSink

	// OnRunFinished is called once per run after its terminal state is stored.
	OnRunFinished func(Run)

	// ClassifyTimeout bounds one classifier sub-request. Zero means 45s.
	ClassifyTimeout time.Duration
	// MaxParallel bounds concurrent classifier sub-requests per run. Zero means 4.
	MaxParallel int
	// RunMaxWallTime is the hard cap for an asynchronous pass. Zero means 10m.
	RunMaxWallTime time.Duration

	Now func() time.Time
}

// Engine runs impact analyses and owns the review, linkage, diff and
// suggestion workflows around them.
type Engine struct {
	log *slog.Logger

	artefacts   ArtefactSource
	snapshots   SnapshotStore
	runs        RunStore
	linkage     LinkageStore
	suggestions SuggestionStore

	classifier Classifier
	suggester  LinkSuggester
	catalogue  Catalogue
	audit      AuditSink

	onRunFinished   func(Run)
	classifyTimeout time.Duration
	maxParallel     int
	maxWall         time.Duration
	now             func() time.Time

	mu        sync.Mutex
	closed    bool
	listeners map[int]func(Run)
	nextLsn   int
	streams   map[*rpc.Server]*runNotifier
	wg        sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Artefacts == nil {
		return nil, errors.New("missing Artefacts")
	}
	if opts.Runs == nil {
		return nil, errors.New("missing Runs")
	}
	if opts.Linkage == nil {
		return nil, errors.New("missing Linkage")
	}
	if opts.Suggestions == nil {
		return nil, errors.New("missing Suggestions")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("missing Snapshots")
	}
	if opts.Classifier == nil {
		return nil, errors.New("missing Classifier")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxWall := opts.RunMaxWallTime
	if maxWall <= 0 {
		maxWall = defaultRunMaxWallTime
	}

	return &Engine{
		log:             logger,
		artefacts:       opts.Artefacts,
		snapshots:       opts.Snapshots,
		runs:            opts.Runs,
		linkage:         opts.Linkage,
		suggestions:     opts.Suggestions,
		classifier:      opts.Classifier,
		suggester:       opts.Suggester,
		catalogue:       opts.Catalogue,
		audit:           opts.Audit,
		onRunFinished:   opts.OnRunFinished,
		classifyTimeout: opts.ClassifyTimeout,
		maxParallel:     opts.MaxParallel,
		maxWall:         maxWall,
		now:             now,
		listeners:       map[int]func(Run){},
	}, nil
}

// Close stops accepting analyses and waits for in-flight passes to finish.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	srvs := make([]*rpc.Server, 0, len(e.streams))
	for srv := range e.streams {
		srvs = append(srvs, srv)
	}
	e.mu.Unlock()
	for _, srv := range srvs {
		e.DetachStream(srv)
	}
}

// Subscribe registers fn for run-finished events. The returned func removes it.
func (e *Engine) Subscribe(fn func(Run)) func() {
	if e == nil || fn == nil {
		return func() {}
	}
	e.mu.Lock()
	id := e.nextLsn
	e.nextLsn++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// AnalysisRequest asks for one analysis pass over an artefact's current content.
type AnalysisRequest struct {
	ArtefactID string `json:"artefact_id"`
	// ComparisonContent replaces the stored snapshot as the previous version
	// when set (an uploaded document to compare against).
	ComparisonContent     *string `json:"comparison_content,omitempty"`
	ComparisonContentType string  `json:"comparison_content_type,omitempty"`
	TriggerChangeSetID    string  `json:"trigger_change_set_id,omitempty"`
}

type preparedRun struct {
	run      Run
	artefact *Artefact
	format   contentFormat
	current  []section
	// previous is set when the request carried a comparison document.
	previous    []section
	hasPrevious bool
}

// StartAnalysis validates req, records a pending run and executes the pass in
// the background. Input errors are returned before any run exists.
func (e *Engine) StartAnalysis(ctx context.Context, req AnalysisRequest) (string, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = e.runs.FailRun(ctx, p.run.ID, ErrClosed.Error(), nil, e.now().UnixMilli())
		return "", ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), e.maxWall)
		defer cancel()
		e.execute(runCtx, p)
	}()
	return p.run.ID, nil
}

// RunAnalysis is the synchronous form of StartAnalysis. Failures inside the
// pass are reported through the returned run's status, not the error.
func (e *Engine) RunAnalysis(ctx context.Context, req AnalysisRequest) (Run, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return Run{}, err
	}
	return e.execute(ctx, p), nil
}

func (e *Engine) prepare(ctx context.Context, req AnalysisRequest) (*preparedRun, error) {
	if e == nil {
		return nil, errors.New("nil engine")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	artefactID := strings.TrimSpace(req.ArtefactID)
	if artefactID == "" {
		return nil, fmt.Errorf("%w: missing artefact_id", ErrArtefactNotFound)
	}
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
	curFormat, err := formatForContentType(art.ContentType)
	if err != nil {
		return nil, err
	}
	current, err := parseSections(art.Content, curFormat)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, ErrEmptyContent
	}

	p := &preparedRun{artefact: art, format: curFormat, current: current}
	if req.ComparisonContent != nil {
		cmpFormat, err := formatForContentType(req.ComparisonContentType)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(*req.ComparisonContent) == "" {
			return nil, fmt.Errorf("%w: comparison document", ErrEmptyContent)
		}
		previous, err := parseSections(*req.ComparisonContent, cmpFormat)
		if err != nil {
			return nil, fmt.Errorf("comparison document: %w", err)
		}
		if len(previous) == 0 {
			return nil, fmt.Errorf("%w: comparison document", ErrEmptyContent)
		}
		p.previous = previous
		p.hasPrevious = true
	}

	p.run = Run{
		ID:                 NewRunID(),
		ArtefactID:         art.ID,
		TriggerChangeSetID: strings.TrimSpace(req.TriggerChangeSetID),
		Status:             RunPending,
		Summary:            Summary{TypeBreakdown: map[ChangeType]int{}},
		CreatedAtUnixMs:    e.now().UnixMilli(),
	}
	if err := e.runs.CreateRun(ctx, p.run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return p, nil
}

// execute drives one pass to a terminal state. It never panics and never
// returns an error; failures land in the run.
func (e *Engine) execute(ctx context.Context, p *preparedRun) (out Run) {
	started := e.now()
	run := p.run
	ctx, span := startRunSpan(ctx, run.ID, run.ArtefactID)
	items := 0

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("impact run panicked", "run_id", run.ID, "panic", r)
			out = e.fail(context.Background(), run, fmt.Sprintf("internal error: %v", r), run.Warnings)
			items = 0
		}
		endRunSpan(span, out, items)
		recordRunMetrics(ctx, e.now().Sub(started), out, items)
		e.finish(out)
	}()

	if err := e.runs.MarkRunRunning(ctx, run.ID); err != nil {
		return e.fail(ctx, run, fmt.Sprintf("start run: %v", err), nil)
	}
	run.Status = RunRunning

	previous := p.previous
	if !p.hasPrevious {
		snap, err := e.snapshots.LatestSnapshot(ctx, run.ArtefactID)
		if err != nil {
			return e.fail(ctx, run, fmt.Sprintf("load previous snapshot: %v", err), nil)
		}
		if snap != nil && strings.TrimSpace(snap.Content) != "" {
			previous, err = parseSections(snap.Content, p.format)
			if err != nil {
				// The artefact's content type changed since the snapshot was taken.
				previous, _ = parseSections(snap.Content, formatAuto)
			}
		}
	}
	changes := sectionChanges(previous, p.current)

	graph, err := e.linkage.EdgesFor(ctx, run.ArtefactID)
	if err != nil {
		return e.fail(ctx, run, fmt.Sprintf("load linkage graph: %v", err), nil)
	}
	linked, warnings := e.resolveLinked(ctx, graph)

	res := classify(ctx, e.classifier, changes, graph, classifyOptions{
		Timeout:     e.classifyTimeout,
		MaxParallel: e.maxParallel,
		Linked:      linked,
	})
	warnings = append(warnings, res.Warnings...)
	if res.Targets > 0 && res.Succeeded == 0 {
		return e.fail(ctx, run, fmt.Sprintf("classification failed for all %d targets", res.Targets), warnings)
	}

	for i := range res.Items {
		res.Items[i].RunID = run.ID
	}
	run.Summary = BuildSummary(changes, res.Items, res.ManualLinks)
	if len(res.Failed) > 0 {
		run.Summary.Degraded = true
		run.Summary.FailedTargets = res.Failed
		warnings = append(warnings, fmt.Sprintf("degraded: %d of %d targets could not be classified", len(res.Failed), res.Targets))
	}
	run.ImpactScore = RunScore(changes, res.Items)
	run.Warnings = warnings
	run.Status = RunCompleted
	run.CompletedAtUnixMs = e.now().UnixMilli()
	run.ArtefactVersionID = newSnapshotID()

	if err := e.runs.CompleteRun(ctx, run, res.Items); err != nil {
		run.Status = RunRunning
		run.ArtefactVersionID = ""
		return e.fail(ctx, run, fmt.Sprintf("store results: %v", err), warnings)
	}
	items = len(res.Items)

	if err := e.snapshots.PutSnapshot(ctx, Snapshot{
		ID:              run.ArtefactVersionID,
		ArtefactID:      run.ArtefactID,
		Content:         p.artefact.Content,
		CreatedAtUnixMs: run.CompletedAtUnixMs,
	}); err != nil {
		e.log.Warn("impact snapshot store failed", "run_id", run.ID, "artefact_id", run.ArtefactID, "error", err)
	}

	if run.Summary.Degraded {
		e.appendAudit(auditlog.Entry{
			Action:     auditlog.ActionRunDegraded,
			ArtefactID: run.ArtefactID,
			RunID:      run.ID,
			Detail:     map[string]any{"failed_targets": run.Summary.FailedTargets},
		})
	}
	e.log.Info("impact run completed",
		"run_id", run.ID,
		"artefact_id", run.ArtefactID,
		"impact_score", run.ImpactScore,
		"band", BandFor(run.ImpactScore).String(),
		"changes", run.Summary.TotalChanges,
		"items", items,
		"degraded", run.Summary.Degraded,
	)
	return run
}

// resolveLinked loads the artefacts reachable through artefact edges. A
// missing or unreadable artefact only costs its title and kind.
func (e *Engine) resolveLinked(ctx context.Context, g Graph) (map[string]*Artefact, []string) {
	out := map[string]*Artefact{}
	var warnings []string
	for _, edge := range g.Artefacts {
		a, err := e.artefacts.GetArtefact(ctx, edge.TargetID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("linked artefact %q unavailable: %v", edge.TargetID, err))
			continue
		}
		if a != nil {
			out[edge.TargetID] = a
		}
	}
	return out, warnings
}

func (e *Engine) fail(ctx context.Context, run Run, reason string, warnings []string) Run {
	reason = truncateRunes(strings.TrimSpace(reason), maxRunErrorRunes)
	at := e.now().UnixMilli()
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.runs.FailRun(ctx, run.ID, reason, warnings, at); err != nil {
		e.log.Error("impact run fail write failed", "run_id", run.ID, "error", err)
	}
	run.Status = RunFailed
	run.Error = reason
	run.Warnings = warnings
	run.CompletedAtUnixMs = at
	e.log.Warn("impact run failed", "run_id", run.ID, "artefact_id", run.ArtefactID, "error", reason)
	e.appendAudit(auditlog.Entry{
		Action:     auditlog.ActionRunFailed,
		Status:     "failure",
		Error:      reason,
		ArtefactID: run.ArtefactID,
		RunID:      run.ID,
	})
	return run
}

func (e *Engine) finish(r Run) {
	e.mu.Lock()
	fns := make([]func(Run), 0, len(e.listeners)+1)
	if e.onRunFinished != nil {
		fns = append(fns, e.onRunFinished)
	}
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.log.Error("run finished callback panicked", "run_id", r.ID, "panic", p)
				}
			}()
			fn(r)
		}()
	}
}

func (e *Engine) appendAudit(entry auditlog.Entry) {
	if e.audit == nil {
		return
	}
	e.audit.Append(entry)
}

// GetRun returns the stored run or ErrRunNotFound.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrRunNotFound)
	}
	r, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// ListRuns returns the runs of an artefact, newest first.
func (e *Engine) ListRuns(ctx context.Context, artefactID string, limit int) ([]Run, error) {
	return e.runs.ListRuns(ctx, strings.TrimSpace(artefactID), limit)
}

// LatestRun returns the newest completed run of an artefact.
func (e *Engine) LatestRun(ctx context.Context, artefactID string) (*Run, error) {
	completed, err := e.completedRuns(ctx, artefactID, 1)
	if err != nil {
		return nil, err
	}
	if len(completed) == 0 {
		return nil, fmt.Errorf("%w: no completed run for %s", ErrRunNotFound, artefactID)
	}
	return &completed[0], nil
}

func (e *Engine) completedRuns(ctx context.Context, artefactID string, want int) ([]Run, error) {
	all, err := e.runs.ListRuns(ctx, strings.TrimSpace(artefactID), 0)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, want)
	for _, r := range all {
		if r.Status != RunCompleted {
			continue
		}
		out = append(out, r)
		if len(out) == want {
			break
		}
	}
	return out, nil
}

// ListItems returns the items of a run.
func (e *Engine) ListItems(ctx context.Context, runID string) ([]Item, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.runs.ListItems(ctx, strings.TrimSpace(runID))
}
