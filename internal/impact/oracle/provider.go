package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 2048

// Provider sends one system+user prompt to a language model and returns the
// text of its reply.
type Provider interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

// ProviderConfig selects a model behind one of the supported provider types.
type ProviderConfig struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type    string
	BaseURL string
	APIKey  string
	Model   string

	MaxOutputTokens int
}

func NewProvider(cfg ProviderConfig) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(cfg.Type))
	apiKey := strings.TrimSpace(cfg.APIKey)
	baseURL := strings.TrimSpace(cfg.BaseURL)
	model := strings.TrimSpace(cfg.Model)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	if model == "" {
		return nil, errors.New("missing model")
	}
	maxTokens := int64(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	switch providerType {
	case "openai", "openai_compatible":
		if providerType == "openai_compatible" && baseURL == "" {
			return nil, errors.New("base_url is required for openai_compatible")
		}
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIProvider{
			client:    openai.NewClient(opts...),
			model:     model,
			maxTokens: maxTokens,
			jsonMode:  supportsJSONMode(providerType, baseURL),
		}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...), model: model, maxTokens: maxTokens}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// supportsJSONMode enables response_format=json_object only on official
// OpenAI endpoints. Compatible gateways vary too much.
func supportsJSONMode(providerType string, baseURL string) bool {
	if providerType != "openai" {
		return false
	}
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(u.Hostname())) == "api.openai.com"
}

type openAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int64
	jsonMode  bool
}

func (p *openAIProvider) Complete(ctx context.Context, system string, user string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(strings.TrimSpace(system)),
			openai.UserMessage(strings.TrimSpace(user)),
		},
		MaxCompletionTokens: openai.Int(p.maxTokens),
	}
	if p.jsonMode {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

type anthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func (p *anthropicProvider) Complete(ctx context.Context, system string, user string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(strings.TrimSpace(user)))},
	}
	if s := strings.TrimSpace(system); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}
