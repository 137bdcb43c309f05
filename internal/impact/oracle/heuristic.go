package oracle

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

const (
	minTermLen           = 3
	maxHeuristicSuggests = 20
	minSuggestConfidence = 0.5
)

var (
	termPattern  = regexp.MustCompile(`[\p{L}\p{N}]+`)
	camelPattern = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

var stopTerms = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {}, "this": {}, "that": {},
	"are": {}, "was": {}, "will": {}, "must": {}, "shall": {}, "should": {}, "can": {},
	"src": {}, "pkg": {}, "internal": {}, "lib": {}, "cmd": {}, "test": {}, "tests": {},
	"spec": {}, "go": {}, "ts": {}, "tsx": {}, "js": {}, "py": {}, "sql": {}, "table": {},
	"index": {}, "main": {}, "util": {}, "utils": {},
}

// Heuristic is an offline oracle that scores targets by the terms their ids
// share with the changed text. It is deterministic and needs no network.
type Heuristic struct{}

var (
	_ impact.Classifier    = Heuristic{}
	_ impact.LinkSuggester = Heuristic{}
)

func (Heuristic) Classify(ctx context.Context, changes []impact.Change, targets []impact.Target) ([]impact.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type changeTerms struct {
		change impact.Change
		terms  map[string]struct{}
	}
	ct := make([]changeTerms, 0, len(changes))
	for _, ch := range changes {
		ct = append(ct, changeTerms{
			change: ch,
			terms:  termSet(ch.Entity + " " + ch.Description + " " + ch.Before + " " + ch.After),
		})
	}

	var out []impact.Classification
	for _, t := range targets {
		want := targetTerms(t)
		var (
			best    float64
			reason  string
			anySev  float64
			section string
		)
		for _, c := range ct {
			if s := c.change.Severity.Score(); s > anySev {
				anySev = s
				section = c.change.Entity
			}
			shared := sharedTerms(want, c.terms)
			if len(shared) == 0 {
				continue
			}
			ratio := float64(len(shared)) / float64(len(want))
			score := c.change.Severity.Score() * (0.5 + 0.5*ratio)
			if score > best {
				best = score
				reason = fmt.Sprintf("section %q (%s) mentions %s", c.change.Entity, c.change.ChangeType, strings.Join(shared, ", "))
			}
		}
		// Linked documents inherit a minor impact from any change even
		// without a shared term.
		if best == 0 && t.Type == impact.TargetArtefact && anySev > 0 {
			best = 1
			reason = fmt.Sprintf("linked document; section %q changed", section)
		}
		if best <= 0 {
			continue
		}
		out = append(out, impact.Classification{TargetID: t.ID, Score: roundScore(best), Reason: reason})
	}
	return out, nil
}

func (Heuristic) SuggestLinks(ctx context.Context, artefactContent string, knownCodeIDs []string, knownDataIDs []string) ([]impact.SuggestedLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := termSet(artefactContent)

	var out []impact.SuggestedLink
	consider := func(targetType impact.TargetType, id string) {
		want := termSet(id)
		if len(want) == 0 {
			return
		}
		shared := sharedTerms(want, doc)
		conf := float64(len(shared)) / float64(len(want))
		if conf < minSuggestConfidence {
			return
		}
		out = append(out, impact.SuggestedLink{
			TargetType: string(targetType),
			TargetID:   id,
			Confidence: roundConfidence(conf),
			Reasoning:  "document mentions " + strings.Join(shared, ", "),
		})
	}
	for _, id := range knownCodeIDs {
		consider(impact.TargetCode, id)
	}
	for _, id := range knownDataIDs {
		consider(impact.TargetData, id)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TargetID < out[j].TargetID
	})
	if len(out) > maxHeuristicSuggests {
		out = out[:maxHeuristicSuggests]
	}
	return out, nil
}

func targetTerms(t impact.Target) map[string]struct{} {
	terms := termSet(t.ID)
	for k := range termSet(t.Metadata["title"]) {
		terms[k] = struct{}{}
	}
	return terms
}

func termSet(s string) map[string]struct{} {
	s = camelPattern.ReplaceAllString(s, "$1 $2")
	out := map[string]struct{}{}
	for _, w := range termPattern.FindAllString(strings.ToLower(s), -1) {
		if len([]rune(w)) < minTermLen {
			continue
		}
		if _, stop := stopTerms[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func sharedTerms(want map[string]struct{}, have map[string]struct{}) []string {
	var out []string
	for w := range want {
		if _, ok := have[w]; ok {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

func roundScore(v float64) float64 {
	if v > 5 {
		v = 5
	}
	return float64(int(v*10+0.5)) / 10
}

func roundConfidence(v float64) float64 {
	if v > 1 {
		v = 1
	}
	return float64(int(v*100+0.5)) / 100
}
