package impact

import "math"

// BuildSummary aggregates one classification pass.
//
// manualLinks is the number of manual edges that produced an item.
func BuildSummary(changes []Change, items []Item, manualLinks int) Summary {
	s := Summary{
		TotalChanges:  len(changes),
		TypeBreakdown: map[ChangeType]int{},
		ManualLinks:   manualLinks,
	}
	for _, c := range changes {
		s.TypeBreakdown[c.ChangeType]++
	}
	related := map[string]struct{}{}
	for _, it := range items {
		if IsHighSeverity(it.Score) {
			s.HighSeverityCount++
		}
		if it.RelatedArtefactID != "" {
			related[it.RelatedArtefactID] = struct{}{}
		}
	}
	s.LinkedArtefacts = len(related)
	return s
}

// RunScore is the headline score of a run: the worst item score, rounded.
// Without items the worst change severity is used instead.
func RunScore(changes []Change, items []Item) float64 {
	if len(items) > 0 {
		best := 0.0
		for _, it := range items {
			if it.Score > best {
				best = it.Score
			}
		}
		return math.Round(best)
	}
	best := 0.0
	for _, c := range changes {
		if v := c.Severity.Score(); v > best {
			best = v
		}
	}
	return best
}
