package impact

import "sort"

type DiffStatus string

const (
	DiffOK               DiffStatus = "ok"
	DiffInsufficientData DiffStatus = "insufficient_data"
)

// Diff compares the items of two completed runs of one artefact.
//
// Every item key of either run lands in exactly one of New, Resolved or
// Persisted. Persisted carries the newer run's values.
type Diff struct {
	Status     DiffStatus `json:"status"`
	ArtefactID string     `json:"artefact_id"`
	OlderRunID string     `json:"older_run_id,omitempty"`
	NewerRunID string     `json:"newer_run_id,omitempty"`
	New        []Item     `json:"new"`
	Resolved   []Item     `json:"resolved"`
	Persisted  []Item     `json:"persisted"`
	ScoreDelta float64    `json:"score_delta"`
}

func insufficientDiff(artefactID string) Diff {
	return Diff{Status: DiffInsufficientData, ArtefactID: artefactID}
}

// DiffItems computes the set difference between two runs' items by item key.
func DiffItems(older Run, olderItems []Item, newer Run, newerItems []Item) Diff {
	d := Diff{
		Status:     DiffOK,
		ArtefactID: newer.ArtefactID,
		OlderRunID: older.ID,
		NewerRunID: newer.ID,
		New:        []Item{},
		Resolved:   []Item{},
		Persisted:  []Item{},
		ScoreDelta: newer.ImpactScore - older.ImpactScore,
	}

	olderKeys := make(map[string]struct{}, len(olderItems))
	for _, it := range olderItems {
		olderKeys[it.Key()] = struct{}{}
	}
	newerKeys := make(map[string]struct{}, len(newerItems))
	for _, it := range newerItems {
		newerKeys[it.Key()] = struct{}{}
		if _, ok := olderKeys[it.Key()]; ok {
			d.Persisted = append(d.Persisted, it)
		} else {
			d.New = append(d.New, it)
		}
	}
	for _, it := range olderItems {
		if _, ok := newerKeys[it.Key()]; !ok {
			d.Resolved = append(d.Resolved, it)
		}
	}

	for _, list := range [][]Item{d.New, d.Resolved, d.Persisted} {
		sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })
	}
	return d
}
