package impact

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildSummary(t *testing.T) {
	t.Parallel()

	changes := []Change{
		{ChangeType: ChangeAdded, Severity: SeverityHigh},
		{ChangeType: ChangeModified, Severity: SeverityMedium},
		{ChangeType: ChangeModified, Severity: SeverityLow},
	}
	items := []Item{
		{Type: ItemCode, Name: "a", Score: 4},
		{Type: ItemSpec, Name: "doc-2", Score: 4.9, RelatedArtefactID: "doc-2"},
		{Type: ItemDocumentation, Name: "doc-3", Score: 1, RelatedArtefactID: "doc-3"},
		{Type: ItemTest, Name: "t", Score: 3.99},
	}
	got := BuildSummary(changes, items, 2)
	want := Summary{
		TotalChanges:      3,
		TypeBreakdown:     map[ChangeType]int{ChangeAdded: 1, ChangeModified: 2},
		HighSeverityCount: 2,
		LinkedArtefacts:   2,
		ManualLinks:       2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestRunScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		changes []Change
		items   []Item
		want    float64
	}{
		{"max item rounded", []Change{{Severity: SeverityHigh}}, []Item{{Score: 1.2}, {Score: 3.6}}, 4},
		{"no items uses change severity", []Change{{Severity: SeverityLow}, {Severity: SeverityMedium}}, nil, 3},
		{"nothing", nil, nil, 0},
	}
	for _, tc := range cases {
		if got := RunScore(tc.changes, tc.items); got != tc.want {
			t.Fatalf("%s: RunScore=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDiffItems_PartitionsKeys(t *testing.T) {
	t.Parallel()

	older := Run{ID: "r1", ArtefactID: "a1", ImpactScore: 5}
	newer := Run{ID: "r2", ArtefactID: "a1", ImpactScore: 3}
	olderItems := []Item{
		{Type: ItemCode, Name: "a.ts", Score: 5},
		{Type: ItemData, Name: "orders", Score: 2},
	}
	newerItems := []Item{
		{Type: ItemTest, Name: "a.test.ts", Score: 3},
		{Type: ItemCode, Name: "a.ts", Score: 2.5, Reason: "newer"},
	}
	d := DiffItems(older, olderItems, newer, newerItems)

	keys := func(list []Item) []string {
		out := []string{}
		for _, it := range list {
			out = append(out, it.Key())
		}
		return out
	}
	if diff := cmp.Diff([]string{"test:a.test.ts"}, keys(d.New)); diff != "" {
		t.Fatalf("new (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"data:orders"}, keys(d.Resolved)); diff != "" {
		t.Fatalf("resolved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"code:a.ts"}, keys(d.Persisted)); diff != "" {
		t.Fatalf("persisted (-want +got):\n%s", diff)
	}
	if d.Persisted[0].Reason != "newer" {
		t.Fatalf("persisted item must carry newer values: %+v", d.Persisted[0])
	}
	if d.ScoreDelta != -2 {
		t.Fatalf("score_delta=%v, want -2", d.ScoreDelta)
	}

	seen := map[string]int{}
	for _, list := range [][]Item{d.New, d.Resolved, d.Persisted} {
		for _, it := range list {
			seen[it.Key()]++
		}
	}
	for _, it := range append(olderItems, newerItems...) {
		if seen[it.Key()] != 1 {
			t.Fatalf("key %q appears %d times", it.Key(), seen[it.Key()])
		}
	}
}
