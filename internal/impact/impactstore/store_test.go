package impactstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/floegence/redeven-impact/internal/impact"
	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "impact.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesOnce(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "impact.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutArtefact(context.Background(), impact.Artefact{ID: "doc_1", Content: "# A\nbody"}); err != nil {
		t.Fatalf("PutArtefact: %v", err)
	}
	_ = s.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	a, err := s2.GetArtefact(context.Background(), "doc_1")
	if err != nil || a == nil {
		t.Fatalf("GetArtefact after reopen = %v, %v", a, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer func() { _ = db.Close() }()
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v != 2 {
		t.Fatalf("user_version=%d, want 2", v)
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatalf("Open(blank) succeeded")
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	run := impact.Run{ID: "run_1", ArtefactID: "doc_1", Status: impact.RunPending, CreatedAtUnixMs: 100}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CompleteRun(ctx, run, nil); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("CompleteRun from pending err=%v, want ErrStatusRegression", err)
	}
	if err := s.MarkRunRunning(ctx, "run_1"); err != nil {
		t.Fatalf("MarkRunRunning: %v", err)
	}
	if err := s.MarkRunRunning(ctx, "run_missing"); !errors.Is(err, impact.ErrRunNotFound) {
		t.Fatalf("MarkRunRunning missing err=%v", err)
	}

	run.Status = impact.RunCompleted
	run.ImpactScore = 5
	run.ArtefactVersionID = "snap_1"
	run.CompletedAtUnixMs = 200
	run.Warnings = []string{"degraded: 1 of 2 targets could not be classified"}
	run.Summary = impact.Summary{
		TotalChanges:      2,
		TypeBreakdown:     map[impact.ChangeType]int{impact.ChangeModified: 2},
		HighSeverityCount: 1,
		Degraded:          true,
		FailedTargets:     []string{"code:pkg/b.go"},
	}
	items := []impact.Item{
		{
			ID: "itm_1", RunID: "run_1", Name: "pkg/a.go", Type: impact.ItemCode, Score: 5, Reason: "touches checkout",
			ReviewStatus: impact.ReviewRequired,
			Metadata: impact.ItemMetadata{
				Detail: impact.CodeDetail{Path: "pkg/a.go", LinkType: "implements", Coupling: 1},
				Extra:  map[string]any{"link_source": "manual"},
			},
		},
		{ID: "itm_2", RunID: "run_1", Name: "orders", Type: impact.ItemData, Score: 2, ReviewStatus: impact.ReviewPending},
	}
	if err := s.CompleteRun(ctx, run, items); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := s.FailRun(ctx, "run_1", "late failure", nil, 300); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("FailRun after completion err=%v, want ErrStatusRegression", err)
	}

	got, err := s.GetRun(ctx, "run_1")
	if err != nil || got == nil {
		t.Fatalf("GetRun = %v, %v", got, err)
	}
	if diff := cmp.Diff(run, *got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}

	gotItems, err := s.ListItems(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(gotItems) != 2 || gotItems[0].ID != "itm_1" {
		t.Fatalf("ListItems = %+v", gotItems)
	}
	if diff := cmp.Diff(items[0], gotItems[0]); diff != "" {
		t.Fatalf("item mismatch (-want +got):\n%s", diff)
	}

	if err := s.UpdateItemReviewStatus(ctx, "itm_2", impact.ReviewReviewed); err != nil {
		t.Fatalf("UpdateItemReviewStatus: %v", err)
	}
	it, err := s.GetItem(ctx, "itm_2")
	if err != nil || it == nil || it.ReviewStatus != impact.ReviewReviewed {
		t.Fatalf("GetItem = %+v, %v", it, err)
	}
	if err := s.UpdateItemReviewStatus(ctx, "itm_missing", impact.ReviewReviewed); !errors.Is(err, impact.ErrItemNotFound) {
		t.Fatalf("UpdateItemReviewStatus missing err=%v", err)
	}
	if it, err := s.GetItem(ctx, "itm_missing"); err != nil || it != nil {
		t.Fatalf("GetItem missing = %+v, %v", it, err)
	}
}

func TestStore_CompleteRunIsAtomic(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	run := impact.Run{ID: "run_1", ArtefactID: "doc_1", Status: impact.RunPending, CreatedAtUnixMs: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.MarkRunRunning(ctx, "run_1"); err != nil {
		t.Fatalf("MarkRunRunning: %v", err)
	}
	dup := []impact.Item{
		{ID: "itm_1", Name: "a.go", Type: impact.ItemCode, Score: 3, ReviewStatus: impact.ReviewRequired},
		{ID: "itm_2", Name: "a.go", Type: impact.ItemCode, Score: 4, ReviewStatus: impact.ReviewRequired},
	}
	if err := s.CompleteRun(ctx, run, dup); err == nil {
		t.Fatalf("CompleteRun with duplicate item keys succeeded")
	}

	got, err := s.GetRun(ctx, "run_1")
	if err != nil || got == nil {
		t.Fatalf("GetRun = %v, %v", got, err)
	}
	if got.Status != impact.RunRunning {
		t.Fatalf("status=%q, want running", got.Status)
	}
	items, err := s.ListItems(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items leaked from rolled back completion: %+v", items)
	}

	if err := s.FailRun(ctx, "run_1", "store results: boom", []string{"w"}, 9); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	got, _ = s.GetRun(ctx, "run_1")
	if got.Status != impact.RunFailed || got.Error != "store results: boom" || got.CompletedAtUnixMs != 9 {
		t.Fatalf("failed run = %+v", got)
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		if err := s.CreateRun(ctx, impact.Run{ID: id, ArtefactID: "doc_1", Status: impact.RunPending, CreatedAtUnixMs: int64(i + 1)}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := s.CreateRun(ctx, impact.Run{ID: "run_other", ArtefactID: "doc_2", Status: impact.RunPending, CreatedAtUnixMs: 10}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	all, err := s.ListRuns(ctx, "doc_1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"run_c", "run_b", "run_a"}, ids); diff != "" {
		t.Fatalf("ListRuns order (-want +got):\n%s", diff)
	}

	two, err := s.ListRuns(ctx, "doc_1", 2)
	if err != nil {
		t.Fatalf("ListRuns limit: %v", err)
	}
	if len(two) != 2 || two[0].ID != "run_c" {
		t.Fatalf("ListRuns limit = %+v", two)
	}
}

func TestStore_EdgeUpsertKeepsIdentity(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_1", ArtefactID: "doc_1", TargetType: impact.TargetCode, TargetID: "pkg/a.go",
		LinkType: "implements", Confidence: 1, Source: impact.LinkManual, UserID: "u1", CreatedAtUnixMs: 10,
	})
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	second, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_2", ArtefactID: "doc_1", TargetType: impact.TargetCode, TargetID: "pkg/a.go",
		LinkType: "configures", Confidence: 0.7, Source: impact.LinkAISuggested, UserID: "u2", CreatedAtUnixMs: 20,
	})
	if err != nil {
		t.Fatalf("UpsertEdge overwrite: %v", err)
	}
	if second.ID != first.ID || second.CreatedAtUnixMs != 10 {
		t.Fatalf("overwrite changed identity: first=%+v second=%+v", first, second)
	}
	if second.LinkType != "configures" || second.Source != impact.LinkAISuggested || second.Confidence != 0.7 {
		t.Fatalf("overwrite did not apply: %+v", second)
	}

	if _, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_3", ArtefactID: "doc_1", TargetType: impact.TargetData, TargetID: "orders",
		LinkType: "reads", DataKind: impact.DataKPI, Confidence: 1, Source: impact.LinkManual, CreatedAtUnixMs: 30,
	}); err != nil {
		t.Fatalf("UpsertEdge data: %v", err)
	}
	if _, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_4", ArtefactID: "doc_2", TargetType: impact.TargetCode, TargetID: "pkg/b.go",
		LinkType: "implements", Confidence: 1, Source: impact.LinkManual, CreatedAtUnixMs: 40,
	}); err != nil {
		t.Fatalf("UpsertEdge other artefact: %v", err)
	}

	g, err := s.EdgesFor(ctx, "doc_1")
	if err != nil {
		t.Fatalf("EdgesFor: %v", err)
	}
	if g.Len() != 2 || len(g.Code) != 1 || len(g.Data) != 1 {
		t.Fatalf("graph = %+v", g)
	}
	if g.Data[0].DataKind != impact.DataKPI || g.Data[0].TargetType != impact.TargetData {
		t.Fatalf("data edge = %+v", g.Data[0])
	}

	code, data, err := s.KnownTargets(ctx)
	if err != nil {
		t.Fatalf("KnownTargets: %v", err)
	}
	if diff := cmp.Diff([]string{"pkg/a.go", "pkg/b.go"}, code); diff != "" {
		t.Fatalf("code targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"orders"}, data); diff != "" {
		t.Fatalf("data targets (-want +got):\n%s", diff)
	}

	ok, err := s.DeleteEdge(ctx, "lnk_3")
	if err != nil || !ok {
		t.Fatalf("DeleteEdge = %v, %v", ok, err)
	}
	ok, err = s.DeleteEdge(ctx, "lnk_3")
	if err != nil || ok {
		t.Fatalf("DeleteEdge again = %v, %v", ok, err)
	}
}

func TestStore_SuggestionDecisions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	list := []impact.Suggestion{
		{ID: "sug_1", ArtefactID: "doc_1", SuggestedTargetType: impact.TargetCode, SuggestedTargetID: "pkg/a.go", SuggestedLinkType: "implements", Confidence: 0.8, Reasoning: "mentions checkout", Status: impact.SuggestionPending, CreatedAtUnixMs: 1},
		{ID: "sug_2", ArtefactID: "doc_1", SuggestedTargetType: impact.TargetData, SuggestedTargetID: "conversion_rate", SuggestedLinkType: "measures", SuggestedDataKind: impact.DataKPI, Confidence: 0.6, Status: impact.SuggestionPending, CreatedAtUnixMs: 2},
	}
	if err := s.InsertSuggestions(ctx, list); err != nil {
		t.Fatalf("InsertSuggestions: %v", err)
	}

	pending, err := s.ListSuggestions(ctx, "doc_1", impact.SuggestionPending)
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "sug_2" {
		t.Fatalf("pending = %+v", pending)
	}

	edge := list[0].Edge("u1")
	edge.ID = "lnk_1"
	edge.CreatedAtUnixMs = 5
	got, ok, err := s.AcceptSuggestion(ctx, "sug_1", edge, 5)
	if err != nil || !ok {
		t.Fatalf("AcceptSuggestion = %v, %v", ok, err)
	}
	if got.Source != impact.LinkAISuggested || got.Confidence != 0.8 || got.ID != "lnk_1" {
		t.Fatalf("accepted edge = %+v", got)
	}

	edge.ID = "lnk_2"
	if _, ok, err := s.AcceptSuggestion(ctx, "sug_1", edge, 6); err != nil || ok {
		t.Fatalf("second AcceptSuggestion = %v, %v", ok, err)
	}
	if ok, err := s.DecideSuggestion(ctx, "sug_1", impact.SuggestionRejected, 7); err != nil || ok {
		t.Fatalf("reject after accept = %v, %v", ok, err)
	}
	if ok, err := s.DecideSuggestion(ctx, "sug_2", impact.SuggestionRejected, 8); err != nil || !ok {
		t.Fatalf("reject = %v, %v", ok, err)
	}

	sg, err := s.GetSuggestion(ctx, "sug_2")
	if err != nil || sg == nil {
		t.Fatalf("GetSuggestion = %v, %v", sg, err)
	}
	if sg.Status != impact.SuggestionRejected || sg.DecidedAtUnixMs != 8 || sg.SuggestedDataKind != impact.DataKPI {
		t.Fatalf("suggestion = %+v", sg)
	}

	g, err := s.EdgesFor(ctx, "doc_1")
	if err != nil {
		t.Fatalf("EdgesFor: %v", err)
	}
	if g.Len() != 1 || g.Code[0].ID != "lnk_1" {
		t.Fatalf("graph after decisions = %+v", g)
	}
}

func TestStore_AcceptSuggestionKeepsManualEdge(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	sg := impact.Suggestion{ID: "sug_1", ArtefactID: "doc_1", SuggestedTargetType: impact.TargetCode, SuggestedTargetID: "pkg/a.go", SuggestedLinkType: "configures", Confidence: 0.6, Status: impact.SuggestionPending, CreatedAtUnixMs: 1}
	if err := s.InsertSuggestions(ctx, []impact.Suggestion{sg}); err != nil {
		t.Fatalf("InsertSuggestions: %v", err)
	}
	manual, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_manual", ArtefactID: "doc_1", TargetType: impact.TargetCode, TargetID: "pkg/a.go",
		LinkType: "implements", Confidence: 1, Source: impact.LinkManual, UserID: "u1", CreatedAtUnixMs: 2,
	})
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	edge := sg.Edge("u2")
	edge.ID = "lnk_ai"
	edge.CreatedAtUnixMs = 3
	got, ok, err := s.AcceptSuggestion(ctx, "sug_1", edge, 3)
	if err != nil || !ok {
		t.Fatalf("AcceptSuggestion = %v, %v", ok, err)
	}
	if diff := cmp.Diff(manual, got); diff != "" {
		t.Fatalf("accepted edge (-want +got):\n%s", diff)
	}

	stored, err := s.GetSuggestion(ctx, "sug_1")
	if err != nil || stored == nil || stored.Status != impact.SuggestionAccepted {
		t.Fatalf("GetSuggestion = %+v, %v", stored, err)
	}
	g, err := s.EdgesFor(ctx, "doc_1")
	if err != nil {
		t.Fatalf("EdgesFor: %v", err)
	}
	if g.Len() != 1 || g.Code[0].Source != impact.LinkManual || g.Code[0].Confidence != 1 || g.Code[0].LinkType != "implements" {
		t.Fatalf("graph = %+v", g)
	}
}

func TestStore_SnapshotsAndQueue(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if sn, err := s.LatestSnapshot(ctx, "doc_1"); err != nil || sn != nil {
		t.Fatalf("LatestSnapshot empty = %+v, %v", sn, err)
	}
	for i, body := range []string{"v1", "v2"} {
		if err := s.PutSnapshot(ctx, impact.Snapshot{ID: "snap_" + body, ArtefactID: "doc_1", Content: body, CreatedAtUnixMs: int64(i + 1)}); err != nil {
			t.Fatalf("PutSnapshot: %v", err)
		}
	}
	sn, err := s.LatestSnapshot(ctx, "doc_1")
	if err != nil || sn == nil || sn.Content != "v2" {
		t.Fatalf("LatestSnapshot = %+v, %v", sn, err)
	}

	for _, e := range []impact.QueueEntry{
		{ID: "q_2", ArtefactID: "doc_1", ScheduledAtUnixMs: 20},
		{ID: "q_1", ArtefactID: "doc_1", TriggerChangeSetID: "cs_9", ScheduledAtUnixMs: 10},
	} {
		if err := s.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	queued, err := s.ListQueued(ctx)
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "q_1" || queued[0].State != impact.QueueQueued || queued[0].TriggerChangeSetID != "cs_9" {
		t.Fatalf("queued = %+v", queued)
	}
	if ok, err := s.MarkDispatched(ctx, "q_1", 11); err != nil || !ok {
		t.Fatalf("MarkDispatched = %v, %v", ok, err)
	}
	if ok, err := s.MarkDispatched(ctx, "q_1", 12); err != nil || ok {
		t.Fatalf("MarkDispatched again = %v, %v", ok, err)
	}
	queued, _ = s.ListQueued(ctx)
	if len(queued) != 1 || queued[0].ID != "q_2" {
		t.Fatalf("queued after dispatch = %+v", queued)
	}
}

func TestStore_BacksEngine(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutArtefact(ctx, impact.Artefact{
		ID: "doc_1", Title: "Checkout", Kind: "prd", ContentType: "text/markdown",
		Content: "# Checkout\nUsers must pay by card.\n\n# Metrics\nConversion above 3%.",
	}); err != nil {
		t.Fatalf("PutArtefact: %v", err)
	}
	if _, err := s.UpsertEdge(ctx, impact.Edge{
		ID: "lnk_1", ArtefactID: "doc_1", TargetType: impact.TargetCode, TargetID: "checkout/pay.go",
		LinkType: "implements", Confidence: 1, Source: impact.LinkManual, CreatedAtUnixMs: 1,
	}); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	classifier := impact.ClassifierFunc(func(_ context.Context, _ []impact.Change, targets []impact.Target) ([]impact.Classification, error) {
		out := make([]impact.Classification, 0, len(targets))
		for _, tg := range targets {
			out = append(out, impact.Classification{TargetID: tg.ID, Score: 4, Reason: "payment flow"})
		}
		return out, nil
	})
	eng, err := impact.NewEngine(impact.Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Artefacts:   s,
		Snapshots:   s,
		Runs:        s,
		Linkage:     s,
		Suggestions: s,
		Classifier:  classifier,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()

	run, err := eng.RunAnalysis(ctx, impact.AnalysisRequest{ArtefactID: "doc_1"})
	if err != nil {
		t.Fatalf("RunAnalysis: %v", err)
	}
	if run.Status != impact.RunCompleted {
		t.Fatalf("run status=%q err=%q", run.Status, run.Error)
	}
	items, err := eng.ListItems(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].Name != "checkout/pay.go" || items[0].ReviewStatus != impact.ReviewRequired {
		t.Fatalf("items = %+v", items)
	}
	sn, err := s.LatestSnapshot(ctx, "doc_1")
	if err != nil || sn == nil || sn.ID != run.ArtefactVersionID {
		t.Fatalf("snapshot = %+v, %v (version %q)", sn, err, run.ArtefactVersionID)
	}
}
