package impact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// rewordSimilarity is the token overlap above which an edit counts as rewording.
	rewordSimilarity = 0.85
	maxChangeText    = 4000
)

var (
	requirementPattern = regexp.MustCompile(`(?i)\b(must|shall|required|will|acceptance criteria)\b`)
	numberPattern      = regexp.MustCompile(`\d+(?:[.,]\d+)?%?`)
	tokenPattern       = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// ExtractChanges compares two versions of an artefact section by section.
//
// A nil or blank previous version means the artefact is new: every top-level
// section is reported once as a high-severity new_artefact change. Output is
// ordered by the current document, followed by removed sections in their
// previous order. The result depends only on its inputs.
func ExtractChanges(previous *string, current string, contentType string) ([]Change, error) {
	if strings.TrimSpace(current) == "" {
		return nil, ErrEmptyContent
	}
	format, err := formatForContentType(contentType)
	if err != nil {
		return nil, err
	}
	cur, err := parseSections(current, format)
	if err != nil {
		return nil, err
	}
	if len(cur) == 0 {
		return nil, ErrEmptyContent
	}
	if previous == nil || strings.TrimSpace(*previous) == "" {
		return sectionChanges(nil, cur), nil
	}
	prev, err := parseSections(*previous, format)
	if err != nil {
		return nil, err
	}
	return sectionChanges(prev, cur), nil
}

// sectionChanges compares parsed sections. A nil prev reports every current
// section as new_artefact.
func sectionChanges(prev []section, cur []section) []Change {
	if prev == nil {
		out := make([]Change, 0, len(cur))
		for _, s := range cur {
			out = append(out, Change{
				ChangeType:  ChangeNewArtefact,
				Entity:      s.Title,
				After:       truncateRunes(s.Body, maxChangeText),
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("New artefact section %q", s.Title),
			})
		}
		return out
	}

	prevByTitle := make(map[string]section, len(prev))
	for _, s := range prev {
		prevByTitle[s.Title] = s
	}
	curTitles := make(map[string]struct{}, len(cur))

	var out []Change
	for _, s := range cur {
		curTitles[s.Title] = struct{}{}
		old, ok := prevByTitle[s.Title]
		if !ok {
			sev := SeverityMedium
			if requirementPattern.MatchString(s.Body) {
				sev = SeverityHigh
			}
			out = append(out, Change{
				ChangeType:  ChangeAdded,
				Entity:      s.Title,
				After:       truncateRunes(s.Body, maxChangeText),
				Severity:    sev,
				Description: fmt.Sprintf("Section %q added", s.Title),
			})
			continue
		}
		if old.Body == s.Body {
			continue
		}
		out = append(out, compareSection(old, s))
	}
	for _, s := range prev {
		if _, ok := curTitles[s.Title]; ok {
			continue
		}
		sev := SeverityMedium
		if requirementPattern.MatchString(s.Body) {
			sev = SeverityHigh
		}
		out = append(out, Change{
			ChangeType:  ChangeRemoved,
			Entity:      s.Title,
			Before:      truncateRunes(s.Body, maxChangeText),
			Severity:    sev,
			Description: fmt.Sprintf("Section %q removed", s.Title),
		})
	}
	return out
}

func compareSection(old section, cur section) Change {
	c := Change{
		Entity: cur.Title,
		Before: truncateRunes(old.Body, maxChangeText),
		After:  truncateRunes(cur.Body, maxChangeText),
	}

	if normalizeText(old.Body) == normalizeText(cur.Body) {
		c.ChangeType = ChangeReworded
		c.Severity = SeverityLow
		c.Description = fmt.Sprintf("Section %q reformatted", cur.Title)
		return c
	}

	droppedRequirement := removedRequirement(old.Body, cur.Body)
	numbersChanged := !equalStrings(numbersIn(old.Body), numbersIn(cur.Body))
	similar := tokenSimilarity(old.Body, cur.Body) >= rewordSimilarity

	switch {
	case droppedRequirement:
		c.ChangeType = ChangeModified
		c.Severity = SeverityHigh
		c.Description = fmt.Sprintf("Section %q modified; a committed requirement was removed or changed", cur.Title)
	case numbersChanged:
		c.ChangeType = ChangeModified
		c.Severity = SeverityHigh
		c.Description = fmt.Sprintf("Section %q modified; figures changed", cur.Title)
	case similar:
		c.ChangeType = ChangeReworded
		c.Severity = SeverityLow
		c.Description = fmt.Sprintf("Section %q reworded", cur.Title)
	default:
		c.ChangeType = ChangeModified
		c.Severity = SeverityMedium
		c.Description = fmt.Sprintf("Section %q modified", cur.Title)
	}
	return c
}

// removedRequirement reports whether a requirement line of old no longer
// appears verbatim (modulo whitespace and case) in cur.
func removedRequirement(old string, cur string) bool {
	have := map[string]struct{}{}
	for _, line := range strings.Split(cur, "\n") {
		have[normalizeText(line)] = struct{}{}
	}
	for _, line := range strings.Split(old, "\n") {
		if !requirementPattern.MatchString(line) {
			continue
		}
		if _, ok := have[normalizeText(line)]; !ok {
			return true
		}
	}
	return false
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func numbersIn(s string) []string {
	out := numberPattern.FindAllString(s, -1)
	sort.Strings(out)
	return out
}

func equalStrings(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tokenSimilarity is the Jaccard index of the lower-cased word sets.
func tokenSimilarity(a string, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		out[t] = struct{}{}
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
