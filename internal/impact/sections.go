package impact

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const preambleTitle = "(preamble)"

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

// section is one top-level block of an artefact's content.
type section struct {
	Title string
	Body  string
}

type contentFormat int

const (
	formatAuto contentFormat = iota
	formatMarkdown
	formatStructured
)

// formatForContentType maps a MIME type onto a parsing strategy. Unknown
// types are rejected so callers can refuse uploads they cannot read.
func formatForContentType(contentType string) (contentFormat, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "":
		return formatAuto, nil
	case "text/markdown", "text/x-markdown", "text/plain":
		return formatMarkdown, nil
	case "application/json", "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return formatStructured, nil
	default:
		return formatAuto, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ct)
	}
}

func parseSections(content string, format contentFormat) ([]section, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	switch format {
	case formatStructured:
		secs, ok, err := parseStructuredSections(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: structured content must be a mapping", ErrUnsupportedFormat)
		}
		return secs, nil
	case formatMarkdown:
		return parseMarkdownSections(content), nil
	default:
		if !hasMarkdownHeading(content) {
			if secs, ok, err := parseStructuredSections(content); err == nil && ok && looksStructured(content, secs) {
				return secs, nil
			}
		}
		return parseMarkdownSections(content), nil
	}
}

// looksStructured keeps undeclared prose such as "Summary: ship saved cards"
// out of the structured path. A JSON object, or a mapping with at least two
// keys, qualifies.
func looksStructured(content string, secs []section) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "{") || len(secs) >= 2
}

func hasMarkdownHeading(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if headingPattern.MatchString(strings.TrimRight(line, " \t")) {
			return true
		}
	}
	return false
}

// parseStructuredSections reads a JSON or YAML mapping; each top-level key
// becomes a section whose body is the canonical YAML rendering of its value.
func parseStructuredSections(content string) ([]section, bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, false, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, false, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode || len(root.Content) == 0 {
		return nil, false, nil
	}

	out := make([]section, 0, len(root.Content)/2)
	seen := map[string]int{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := strings.TrimSpace(root.Content[i].Value)
		if key == "" {
			continue
		}
		body, err := renderYAMLValue(root.Content[i+1])
		if err != nil {
			return nil, false, err
		}
		out = append(out, section{Title: uniqueTitle(seen, key), Body: body})
	}
	return out, len(out) > 0, nil
}

func renderYAMLValue(n *yaml.Node) (string, error) {
	if n == nil {
		return "", nil
	}
	if n.Kind == yaml.ScalarNode {
		return strings.TrimSpace(n.Value), nil
	}
	b, err := yaml.Marshal(n)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// parseMarkdownSections splits on the shallowest heading level present.
// Deeper headings stay inside their enclosing section's body, and headings
// inside fenced code blocks are ignored.
func parseMarkdownSections(content string) []section {
	lines := strings.Split(content, "\n")

	topLevel := 7
	inFence := false
	for _, line := range lines {
		if isFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := headingPattern.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil {
			if len(m[1]) < topLevel {
				topLevel = len(m[1])
			}
		}
	}

	var out []section
	seen := map[string]int{}
	title := preambleTitle
	var body []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if title == preambleTitle && text == "" {
			return
		}
		out = append(out, section{Title: uniqueTitle(seen, title), Body: text})
	}

	inFence = false
	for _, line := range lines {
		if isFence(line) {
			inFence = !inFence
			body = append(body, line)
			continue
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil && len(m[1]) == topLevel {
				flush()
				title = strings.TrimSpace(m[2])
				body = body[:0]
				continue
			}
		}
		body = append(body, line)
	}
	flush()
	return out
}

func isFence(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

func uniqueTitle(seen map[string]int, title string) string {
	seen[title]++
	if n := seen[title]; n > 1 {
		return fmt.Sprintf("%s (%d)", title, n)
	}
	return title
}
