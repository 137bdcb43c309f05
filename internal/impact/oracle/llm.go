package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
	"golang.org/x/time/rate"
)

const (
	maxPromptChangeText = 1200
	maxPromptContent    = 24000
	maxPromptKnownIDs   = 400
)

// LLMOptions configures the model-backed oracles.
type LLMOptions struct {
	Logger   *slog.Logger
	Provider Provider
	// Limiter paces provider requests. Nil means unlimited.
	Limiter *rate.Limiter
}

type llm struct {
	log      *slog.Logger
	provider Provider
	limiter  *rate.Limiter
}

func newLLM(opts LLMOptions) (llm, error) {
	if opts.Provider == nil {
		return llm{}, errors.New("missing Provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return llm{log: logger, provider: opts.Provider, limiter: opts.Limiter}, nil
}

func (l llm) complete(ctx context.Context, system string, user string) (string, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	return l.provider.Complete(ctx, system, user)
}

// LLMClassifier asks a language model which targets a set of changes affects.
type LLMClassifier struct {
	llm
}

var _ impact.Classifier = (*LLMClassifier)(nil)

func NewLLMClassifier(opts LLMOptions) (*LLMClassifier, error) {
	l, err := newLLM(opts)
	if err != nil {
		return nil, err
	}
	return &LLMClassifier{llm: l}, nil
}

const classifySystemPrompt = `You assess how changes to a product document affect the code, tests, data and documents linked to it.
Reply with a single JSON object and nothing else:
{"results":[{"target_id":"<id from targets>","score":<number 0-5>,"reason":"<one sentence>"}]}
Score 0 means unaffected, 1-2 minor, 3 moderate, 4-5 critical. Omit unaffected targets. Only use target ids you were given.`

type classifyPrompt struct {
	Changes []promptChange  `json:"changes"`
	Targets []impact.Target `json:"targets"`
}

type promptChange struct {
	Type        impact.ChangeType `json:"type"`
	Section     string            `json:"section"`
	Severity    impact.Severity   `json:"severity"`
	Description string            `json:"description"`
	Before      string            `json:"before,omitempty"`
	After       string            `json:"after,omitempty"`
}

func (c *LLMClassifier) Classify(ctx context.Context, changes []impact.Change, targets []impact.Target) ([]impact.Classification, error) {
	if c == nil {
		return nil, errors.New("nil classifier")
	}
	if len(targets) == 0 {
		return nil, nil
	}
	prompt := classifyPrompt{Targets: targets, Changes: make([]promptChange, 0, len(changes))}
	for _, ch := range changes {
		prompt.Changes = append(prompt.Changes, promptChange{
			Type:        ch.ChangeType,
			Section:     ch.Entity,
			Severity:    ch.Severity,
			Description: ch.Description,
			Before:      clip(ch.Before, maxPromptChangeText),
			After:       clip(ch.After, maxPromptChangeText),
		})
	}
	b, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}

	text, err := c.complete(ctx, classifySystemPrompt, string(b))
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	out, err := parseClassifications(text)
	if err != nil {
		c.log.Warn("classifier reply not understood", "targets", len(targets), "error", err)
		return nil, err
	}
	return out, nil
}

func parseClassifications(text string) ([]impact.Classification, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(raw, "[") {
		var list []impact.Classification
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("decode classifier reply: %w", err)
		}
		return list, nil
	}
	var reply struct {
		Results []impact.Classification `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decode classifier reply: %w", err)
	}
	return reply.Results, nil
}

// LLMSuggester asks a language model for edges an artefact is missing.
type LLMSuggester struct {
	llm
}

var _ impact.LinkSuggester = (*LLMSuggester)(nil)

func NewLLMSuggester(opts LLMOptions) (*LLMSuggester, error) {
	l, err := newLLM(opts)
	if err != nil {
		return nil, err
	}
	return &LLMSuggester{llm: l}, nil
}

const suggestSystemPrompt = `You link product documents to the code modules and data assets they describe.
Reply with a single JSON object and nothing else:
{"suggestions":[{"target_type":"code|data","target_id":"<id from the known lists>","link_type":"<implements|reads|writes|measures>","confidence":<number between 0 and 1>,"reasoning":"<one sentence>"}]}
Only suggest ids from the known lists. Return an empty list when nothing fits.`

type suggestPrompt struct {
	Document  string   `json:"document"`
	KnownCode []string `json:"known_code"`
	KnownData []string `json:"known_data"`
}

func (s *LLMSuggester) SuggestLinks(ctx context.Context, artefactContent string, knownCodeIDs []string, knownDataIDs []string) ([]impact.SuggestedLink, error) {
	if s == nil {
		return nil, errors.New("nil suggester")
	}
	if len(knownCodeIDs) == 0 && len(knownDataIDs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(suggestPrompt{
		Document:  clip(artefactContent, maxPromptContent),
		KnownCode: headIDs(knownCodeIDs, maxPromptKnownIDs),
		KnownData: headIDs(knownDataIDs, maxPromptKnownIDs),
	})
	if err != nil {
		return nil, err
	}

	text, err := s.complete(ctx, suggestSystemPrompt, string(b))
	if err != nil {
		return nil, fmt.Errorf("suggest links: %w", err)
	}
	raw, err := extractJSON(text)
	if err != nil {
		s.log.Warn("suggester reply not understood", "error", err)
		return nil, err
	}
	if strings.HasPrefix(raw, "[") {
		var list []impact.SuggestedLink
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("decode suggester reply: %w", err)
		}
		return list, nil
	}
	var reply struct {
		Suggestions []impact.SuggestedLink `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decode suggester reply: %w", err)
	}
	return reply.Suggestions, nil
}

// extractJSON finds the JSON value in a model reply, tolerating code fences
// and prose around it.
func extractJSON(text string) (string, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if i := strings.LastIndex(t, "```"); i >= 0 {
			t = t[:i]
		}
		t = strings.TrimSpace(t)
	}
	if json.Valid([]byte(t)) {
		return t, nil
	}

	start := strings.IndexAny(t, "{[")
	if start < 0 {
		return "", errors.New("no JSON in reply")
	}
	closer := byte('}')
	if t[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(t, closer)
	if end <= start {
		return "", errors.New("unterminated JSON in reply")
	}
	candidate := t[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", errors.New("invalid JSON in reply")
	}
	return candidate, nil
}

func clip(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}

func headIDs(ids []string, max int) []string {
	if len(ids) <= max {
		return ids
	}
	return ids[:max]
}
