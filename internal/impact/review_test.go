package impact

import (
	"math"
	"testing"
)

func TestBandFor_Monotonic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score float64
		want  Band
	}{
		{0, BandLow},
		{1.99, BandLow},
		{2, BandModerate},
		{3.99, BandModerate},
		{4, BandCritical},
		{5, BandCritical},
	}
	for _, tc := range cases {
		if got := BandFor(tc.score); got != tc.want {
			t.Fatalf("BandFor(%v)=%s, want %s", tc.score, got, tc.want)
		}
	}

	prev := BandFor(0)
	for s := 0.0; s <= MaxScore; s += 0.05 {
		b := BandFor(s)
		if b < prev {
			t.Fatalf("BandFor(%v)=%s is lower than a smaller score's band %s", s, b, prev)
		}
		prev = b
	}
}

func TestClampScore(t *testing.T) {
	t.Parallel()

	if v, ok := ClampScore(-1); !ok || v != 0 {
		t.Fatalf("ClampScore(-1)=%v,%v", v, ok)
	}
	if v, ok := ClampScore(9); !ok || v != MaxScore {
		t.Fatalf("ClampScore(9)=%v,%v", v, ok)
	}
	if _, ok := ClampScore(math.NaN()); ok {
		t.Fatalf("ClampScore(NaN) ok=true, want false")
	}
}

func TestInitialReviewStatus(t *testing.T) {
	t.Parallel()

	if got := InitialReviewStatus(1.9); got != ReviewPending {
		t.Fatalf("InitialReviewStatus(1.9)=%q", got)
	}
	if got := InitialReviewStatus(2); got != ReviewRequired {
		t.Fatalf("InitialReviewStatus(2)=%q", got)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[[2]ReviewStatus]bool{
		{ReviewPending, ReviewRequired}:  true,
		{ReviewPending, ReviewReviewed}:  true,
		{ReviewPending, ReviewIgnored}:   true,
		{ReviewRequired, ReviewReviewed}: true,
		{ReviewRequired, ReviewIgnored}:  true,
		{ReviewReviewed, ReviewRequired}: true,
		{ReviewIgnored, ReviewRequired}:  true,
	}
	all := []ReviewStatus{ReviewPending, ReviewRequired, ReviewReviewed, ReviewIgnored}
	for _, from := range all {
		for _, to := range all {
			want := from == to || allowed[[2]ReviewStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s)=%v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanAdvanceRun_NeverBackwards(t *testing.T) {
	t.Parallel()

	if !CanAdvanceRun(RunPending, RunRunning) || !CanAdvanceRun(RunRunning, RunCompleted) || !CanAdvanceRun(RunRunning, RunFailed) {
		t.Fatalf("forward transitions rejected")
	}
	for _, to := range []RunStatus{RunPending, RunRunning, RunCompleted, RunFailed} {
		if CanAdvanceRun(RunCompleted, to) || CanAdvanceRun(RunFailed, to) {
			t.Fatalf("terminal run may move to %s", to)
		}
	}
	if CanAdvanceRun(RunRunning, RunPending) {
		t.Fatalf("running -> pending allowed")
	}
}

func TestNormalizeEdge(t *testing.T) {
	t.Parallel()

	e, err := NormalizeEdge("a1", Edge{TargetType: "code", TargetID: " src/a.ts ", Confidence: 0.2})
	if err != nil {
		t.Fatalf("NormalizeEdge: %v", err)
	}
	if e.Confidence != 1.0 || e.Source != LinkManual || e.LinkType != "implements" || e.TargetID != "src/a.ts" {
		t.Fatalf("edge=%+v", e)
	}

	d, err := NormalizeEdge("a1", Edge{TargetType: TargetData, TargetID: "orders"})
	if err != nil {
		t.Fatalf("NormalizeEdge data: %v", err)
	}
	if d.DataKind != DataTable {
		t.Fatalf("data_kind=%q, want table", d.DataKind)
	}

	bad := []Edge{
		{TargetType: TargetArtefact, TargetID: "a1"},
		{TargetType: "service", TargetID: "x"},
		{TargetType: TargetCode, TargetID: " "},
		{TargetType: TargetCode, TargetID: "x", Source: LinkAISuggested, Confidence: 0},
		{TargetType: TargetCode, TargetID: "x", Source: LinkAISuggested, Confidence: 1.5},
	}
	for _, in := range bad {
		if _, err := NormalizeEdge("a1", in); err == nil {
			t.Fatalf("NormalizeEdge(%+v) succeeded, want error", in)
		}
	}
}
