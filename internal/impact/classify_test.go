package impact

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testGraph() Graph {
	return GroupEdges([]Edge{
		{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/a.ts", LinkType: "implements", Confidence: 1, Source: LinkManual},
		{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/b.ts", LinkType: "implements", Confidence: 0.6, Source: LinkAISuggested},
		{ArtefactID: "a1", TargetType: TargetTest, TargetID: "a.test.ts", LinkType: "verifies", Confidence: 1, Source: LinkManual},
		{ArtefactID: "a1", TargetType: TargetData, TargetID: "orders", DataKind: DataTable, Confidence: 1, Source: LinkManual},
		{ArtefactID: "a1", TargetType: TargetData, TargetID: "conversion", DataKind: DataKPI, Confidence: 1, Source: LinkManual},
	})
}

var someChanges = []Change{{ChangeType: ChangeModified, Entity: "Goals", Severity: SeverityMedium}}

func TestClassify_PartialFailureIsolatesTargets(t *testing.T) {
	t.Parallel()

	oracle := &scriptedOracle{
		scores: map[string]float64{"src/a.ts": 4.5, "src/b.ts": 1, "a.test.ts": 3, "orders": 2, "conversion": 5},
		fail:   map[string]bool{"src/b.ts": true, "conversion": true},
	}
	res := classify(context.Background(), oracle, someChanges, testGraph(), classifyOptions{Timeout: time.Second})

	if res.Targets != 5 || res.Succeeded != 3 {
		t.Fatalf("targets=%d succeeded=%d, want 5/3", res.Targets, res.Succeeded)
	}
	if len(res.Items) != 3 {
		t.Fatalf("items=%d, want 3: %+v", len(res.Items), res.Items)
	}
	if !res.Degraded() {
		t.Fatalf("Degraded()=false, want true")
	}
	want := map[string]bool{"code:src/b.ts": true, "data:conversion": true}
	if len(res.Failed) != 2 {
		t.Fatalf("failed=%v", res.Failed)
	}
	for _, f := range res.Failed {
		if !want[f] {
			t.Fatalf("unexpected failed target %q", f)
		}
	}
	if res.ManualLinks != 3 {
		t.Fatalf("manual_links=%d, want 3", res.ManualLinks)
	}
}

func TestClassify_ItemShapeAndInitialStatus(t *testing.T) {
	t.Parallel()

	oracle := &scriptedOracle{scores: map[string]float64{"src/b.ts": 1.5, "conversion": 4}}
	res := classify(context.Background(), oracle, someChanges, testGraph(), classifyOptions{})

	byKey := map[string]Item{}
	for _, it := range res.Items {
		byKey[it.Key()] = it
	}
	code, ok := byKey["code:src/b.ts"]
	if !ok {
		t.Fatalf("missing code item: %+v", res.Items)
	}
	if code.ReviewStatus != ReviewPending {
		t.Fatalf("code review_status=%q, want pending", code.ReviewStatus)
	}
	if c, ok := code.Metadata.Coupling(); !ok || c != 0.6 {
		t.Fatalf("coupling=%v,%v, want 0.6", c, ok)
	}
	if code.Score != 1.5 {
		t.Fatalf("coupling changed score: %v", code.Score)
	}
	kpi, ok := byKey["kpi:conversion"]
	if !ok {
		t.Fatalf("missing kpi item: %+v", res.Items)
	}
	if kpi.ReviewStatus != ReviewRequired {
		t.Fatalf("kpi review_status=%q, want review_required", kpi.ReviewStatus)
	}
}

func TestClassify_DedupKeepsMaxAndJoinsReasons(t *testing.T) {
	t.Parallel()

	oracle := ClassifierFunc(func(_ context.Context, _ []Change, targets []Target) ([]Classification, error) {
		var out []Classification
		for _, tg := range targets {
			out = append(out,
				Classification{TargetID: tg.ID, Score: 2, Reason: "touches API"},
				Classification{TargetID: tg.ID, Score: 4.2, Reason: "changes limits"},
				Classification{TargetID: tg.ID, Score: 3, Reason: "touches API"},
			)
		}
		return out, nil
	})
	g := GroupEdges([]Edge{{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/a.ts", Confidence: 1, Source: LinkManual}})
	res := classify(context.Background(), oracle, someChanges, g, classifyOptions{})

	if len(res.Items) != 1 {
		t.Fatalf("items=%d, want 1", len(res.Items))
	}
	it := res.Items[0]
	if it.Score != 4.2 {
		t.Fatalf("score=%v, want 4.2", it.Score)
	}
	if it.Reason != "touches API; changes limits" {
		t.Fatalf("reason=%q", it.Reason)
	}
	if it.ReviewStatus != ReviewRequired {
		t.Fatalf("review_status=%q", it.ReviewStatus)
	}
}

func TestClassify_DropsUnknownTargetsAndClampsScores(t *testing.T) {
	t.Parallel()

	oracle := ClassifierFunc(func(_ context.Context, _ []Change, targets []Target) ([]Classification, error) {
		return []Classification{
			{TargetID: "ghost.ts", Score: 5},
			{TargetID: "src/a.ts", Score: 17},
			{TargetID: "src/b.ts", Score: math.NaN()},
		}, nil
	})
	g := GroupEdges([]Edge{
		{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/a.ts", Confidence: 1, Source: LinkManual},
		{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/b.ts", Confidence: 1, Source: LinkManual},
	})
	res := classify(context.Background(), oracle, someChanges, g, classifyOptions{})
	if len(res.Items) != 1 || res.Items[0].Score != MaxScore {
		t.Fatalf("items=%+v, want one clamped item", res.Items)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings=%v, want 2", res.Warnings)
	}
	if res.Degraded() {
		t.Fatalf("bad verdicts must not mark the run degraded")
	}
}

func TestClassify_TimeoutIsPerRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	oracle := ClassifierFunc(func(ctx context.Context, _ []Change, targets []Target) ([]Classification, error) {
		calls.Add(1)
		if targets[0].Type == TargetTest {
			// Ignores ctx on purpose.
			time.Sleep(300 * time.Millisecond)
		}
		return []Classification{{TargetID: targets[0].ID, Score: 3}}, nil
	})
	g := GroupEdges([]Edge{
		{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/a.ts", Confidence: 1, Source: LinkManual},
		{ArtefactID: "a1", TargetType: TargetTest, TargetID: "a.test.ts", Confidence: 1, Source: LinkManual},
	})
	start := time.Now()
	res := classify(context.Background(), oracle, someChanges, g, classifyOptions{Timeout: 50 * time.Millisecond})
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("classify waited for a timed-out oracle")
	}
	if res.Succeeded != 1 || len(res.Failed) != 1 || res.Failed[0] != "test:a.test.ts" {
		t.Fatalf("succeeded=%d failed=%v", res.Succeeded, res.Failed)
	}
	if !strings.Contains(strings.Join(res.Warnings, "\n"), "timed out") {
		t.Fatalf("warnings=%v, want a timeout warning", res.Warnings)
	}
}

func TestClassify_PanickingOracleBecomesFailure(t *testing.T) {
	t.Parallel()

	oracle := ClassifierFunc(func(context.Context, []Change, []Target) ([]Classification, error) {
		panic("boom")
	})
	g := GroupEdges([]Edge{{ArtefactID: "a1", TargetType: TargetCode, TargetID: "src/a.ts", Confidence: 1, Source: LinkManual}})
	res := classify(context.Background(), oracle, someChanges, g, classifyOptions{})
	if res.Succeeded != 0 || len(res.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%v", res.Succeeded, res.Failed)
	}
}

func TestCallClassifier_NilOracle(t *testing.T) {
	t.Parallel()

	if _, err := callClassifier(context.Background(), nil, nil, nil, time.Second); !errors.Is(err, ErrNoOracle) {
		t.Fatalf("err=%v, want ErrNoOracle", err)
	}
}
