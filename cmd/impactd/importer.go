package main

import (
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/redeven-impact/internal/impact"
)

// frontMatter is the optional YAML header of an imported markdown document.
type frontMatter struct {
	ID               string `yaml:"id"`
	Title            string `yaml:"title"`
	Kind             string `yaml:"kind"`
	ProductContextID string `yaml:"product_context_id"`
}

// splitFrontMatter separates a leading "---" YAML block from the body. Content
// without a well-formed block is returned unchanged.
func splitFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return fm, content, nil
	}
	rest := normalized[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, content, nil
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		if strings.TrimSpace(body[:i]) != "" {
			return fm, content, nil
		}
		body = body[i+1:]
	} else if strings.TrimSpace(body) != "" {
		return fm, content, nil
	} else {
		body = ""
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return frontMatter{}, content, err
	}
	return fm, body, nil
}

func contentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".txt":
		return "text/plain"
	default:
		return ""
	}
}

type importArgs struct {
	Path        string
	Content     string
	ID          string
	Title       string
	Kind        string
	ContentType string
	ProductID   string
	NowUnixMs   int64
}

// artefactFromFile builds the artefact an import stores. Flags win over front
// matter; the file name is the last resort for the id and title.
func artefactFromFile(in importArgs) (impact.Artefact, error) {
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = contentTypeForPath(in.Path)
	}

	content := in.Content
	var fm frontMatter
	if contentType == "" || contentType == "text/markdown" || contentType == "text/plain" {
		parsed, body, err := splitFrontMatter(content)
		if err != nil {
			return impact.Artefact{}, err
		}
		fm, content = parsed, body
	}

	stem := strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	a := impact.Artefact{
		ID:               firstNonEmpty(in.ID, fm.ID, stem),
		Title:            firstNonEmpty(in.Title, fm.Title, stem),
		Kind:             firstNonEmpty(in.Kind, fm.Kind),
		Content:          content,
		ContentType:      contentType,
		ProductContextID: firstNonEmpty(in.ProductID, fm.ProductContextID),
		UpdatedAtUnixMs:  in.NowUnixMs,
	}
	return a, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
