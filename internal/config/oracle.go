package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OracleConfig selects the language model behind impact classification and
// link suggestion.
type OracleConfig struct {
	// Providers is the provider registry.
	//
	// Providers own their allowed model list. Exactly one provider model must
	// be marked as default via models[].is_default.
	Providers []OracleProvider `json:"providers,omitempty"`

	// CurrentModelID overrides the default model (<provider_id>/<model_name>).
	CurrentModelID string `json:"current_model_id,omitempty"`

	// ClassifyTimeoutSeconds bounds one classifier request. Defaults to 45.
	ClassifyTimeoutSeconds *int `json:"classify_timeout_seconds,omitempty"`

	// MaxParallel bounds concurrent classifier requests per run. Defaults to 4.
	MaxParallel *int `json:"max_parallel,omitempty"`

	// MaxRequestsPerSecond paces provider requests across all runs.
	// Defaults to 2; 0 disables pacing.
	MaxRequestsPerSecond *float64 `json:"max_requests_per_second,omitempty"`

	// RunMaxWallSeconds caps one asynchronous analysis. Defaults to 600.
	RunMaxWallSeconds *int `json:"run_max_wall_seconds,omitempty"`
}

type OracleProvider struct {
	// ID is a stable internal id. API keys in secrets.json are keyed by it.
	ID string `json:"id"`

	// Name is a human-friendly display name.
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	Models []OracleModel `json:"models,omitempty"`
}

type OracleModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty"`
}

const (
	defaultClassifyTimeoutSeconds = 45
	defaultMaxParallel            = 4
	defaultMaxRequestsPerSecond   = 2.0
	defaultRunMaxWallSeconds      = 600
)

func (c *OracleConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.ClassifyTimeoutSeconds != nil && (*c.ClassifyTimeoutSeconds < 1 || *c.ClassifyTimeoutSeconds > 600) {
		return fmt.Errorf("invalid classify_timeout_seconds %d (must be in [1,600])", *c.ClassifyTimeoutSeconds)
	}
	if c.MaxParallel != nil && (*c.MaxParallel < 1 || *c.MaxParallel > 32) {
		return fmt.Errorf("invalid max_parallel %d (must be in [1,32])", *c.MaxParallel)
	}
	if c.MaxRequestsPerSecond != nil && *c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("invalid max_requests_per_second %v", *c.MaxRequestsPerSecond)
	}
	if c.RunMaxWallSeconds != nil && *c.RunMaxWallSeconds < 1 {
		return fmt.Errorf("invalid run_max_wall_seconds %d", *c.RunMaxWallSeconds)
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			name := strings.TrimSpace(p.Models[j].ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if p.Models[j].IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	if id := strings.TrimSpace(c.CurrentModelID); id != "" && !c.IsAllowedModelID(id) {
		return fmt.Errorf("current_model_id %q is not in the provider model list", id)
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
func (c *OracleConfig) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if m.IsDefault && strings.TrimSpace(m.ModelName) != "" {
				return pid + "/" + strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return "", false
}

// IsAllowedModelID reports whether modelID (<provider_id>/<model_name>) is configured.
func (c *OracleConfig) IsAllowedModelID(modelID string) bool {
	_, _, ok := c.lookup(modelID)
	return ok
}

// ResolvedModel returns the provider and model name to use: CurrentModelID
// when set, otherwise the default model.
func (c *OracleConfig) ResolvedModel() (OracleProvider, string, bool) {
	if c == nil {
		return OracleProvider{}, "", false
	}
	id := strings.TrimSpace(c.CurrentModelID)
	if id == "" {
		def, ok := c.DefaultModelID()
		if !ok {
			return OracleProvider{}, "", false
		}
		id = def
	}
	return c.lookup(id)
}

func (c *OracleConfig) lookup(modelID string) (OracleProvider, string, bool) {
	if c == nil {
		return OracleProvider{}, "", false
	}
	pid, mn, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return OracleProvider{}, "", false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return p, mn, true
			}
		}
		return OracleProvider{}, "", false
	}
	return OracleProvider{}, "", false
}

func (c *OracleConfig) EffectiveClassifyTimeout() time.Duration {
	if c == nil || c.ClassifyTimeoutSeconds == nil || *c.ClassifyTimeoutSeconds <= 0 {
		return defaultClassifyTimeoutSeconds * time.Second
	}
	return time.Duration(*c.ClassifyTimeoutSeconds) * time.Second
}

func (c *OracleConfig) EffectiveMaxParallel() int {
	if c == nil || c.MaxParallel == nil || *c.MaxParallel <= 0 {
		return defaultMaxParallel
	}
	return *c.MaxParallel
}

func (c *OracleConfig) EffectiveMaxRequestsPerSecond() float64 {
	if c == nil || c.MaxRequestsPerSecond == nil || *c.MaxRequestsPerSecond < 0 {
		return defaultMaxRequestsPerSecond
	}
	return *c.MaxRequestsPerSecond
}

func (c *OracleConfig) EffectiveRunMaxWallTime() time.Duration {
	if c == nil || c.RunMaxWallSeconds == nil || *c.RunMaxWallSeconds <= 0 {
		return defaultRunMaxWallSeconds * time.Second
	}
	return time.Duration(*c.RunMaxWallSeconds) * time.Second
}
