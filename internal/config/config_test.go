package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validOracle() *OracleConfig {
	return &OracleConfig{
		Providers: []OracleProvider{
			{
				ID:      "openai",
				Name:    "OpenAI",
				Type:    "openai",
				BaseURL: "https://api.openai.com/v1",
				Models:  []OracleModel{{ModelName: "gpt-5-mini", IsDefault: true}, {ModelName: "gpt-5"}},
			},
			{
				ID:     "claude",
				Type:   "anthropic",
				Models: []OracleModel{{ModelName: "claude-sonnet-4-5"}},
			},
		},
	}
}

func TestOracleConfigValidate_RequiresProviderModels(t *testing.T) {
	t.Parallel()

	cfg := &OracleConfig{Providers: []OracleProvider{{ID: "openai", Type: "openai"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing providers[].models[]")
	}
}

func TestOracleConfigValidate_RequiresSingleDefault(t *testing.T) {
	t.Parallel()

	none := validOracle()
	none.Providers[0].Models[0].IsDefault = false
	if err := none.Validate(); err == nil {
		t.Fatalf("expected validation error for missing default model")
	}

	two := validOracle()
	two.Providers[1].Models[0].IsDefault = true
	if err := two.Validate(); err == nil {
		t.Fatalf("expected validation error for multiple default models")
	}
}

func TestOracleConfigValidate_CompatibleNeedsBaseURL(t *testing.T) {
	t.Parallel()

	cfg := &OracleConfig{Providers: []OracleProvider{{ID: "gw", Type: "openai_compatible", Models: []OracleModel{{ModelName: "m", IsDefault: true}}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for openai_compatible without base_url")
	}
	cfg.Providers[0].BaseURL = "ftp://gateway.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for non-http base_url")
	}
	cfg.Providers[0].BaseURL = "https://gateway.example.com/v1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestOracleConfig_ResolvedModel(t *testing.T) {
	t.Parallel()

	cfg := validOracle()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	p, model, ok := cfg.ResolvedModel()
	if !ok || p.ID != "openai" || model != "gpt-5-mini" {
		t.Fatalf("ResolvedModel = %q, %q, %v", p.ID, model, ok)
	}

	cfg.CurrentModelID = "claude/claude-sonnet-4-5"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with current model: %v", err)
	}
	p, model, ok = cfg.ResolvedModel()
	if !ok || p.Type != "anthropic" || model != "claude-sonnet-4-5" {
		t.Fatalf("ResolvedModel = %q, %q, %v", p.Type, model, ok)
	}

	cfg.CurrentModelID = "claude/unknown"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown current_model_id")
	}
}

func TestOracleConfig_EffectiveDefaults(t *testing.T) {
	t.Parallel()

	var nilCfg *OracleConfig
	if got := nilCfg.EffectiveClassifyTimeout(); got != 45*time.Second {
		t.Fatalf("EffectiveClassifyTimeout=%v, want 45s", got)
	}
	if got := nilCfg.EffectiveMaxParallel(); got != 4 {
		t.Fatalf("EffectiveMaxParallel=%d, want 4", got)
	}
	if got := nilCfg.EffectiveRunMaxWallTime(); got != 10*time.Minute {
		t.Fatalf("EffectiveRunMaxWallTime=%v, want 10m", got)
	}

	timeout, parallel, rps := 5, 2, 0.0
	cfg := validOracle()
	cfg.ClassifyTimeoutSeconds = &timeout
	cfg.MaxParallel = &parallel
	cfg.MaxRequestsPerSecond = &rps
	if got := cfg.EffectiveClassifyTimeout(); got != 5*time.Second {
		t.Fatalf("EffectiveClassifyTimeout=%v, want 5s", got)
	}
	if got := cfg.EffectiveMaxParallel(); got != 2 {
		t.Fatalf("EffectiveMaxParallel=%d, want 2", got)
	}
	if got := cfg.EffectiveMaxRequestsPerSecond(); got != 0 {
		t.Fatalf("EffectiveMaxRequestsPerSecond=%v, want 0", got)
	}
}

func TestPermissionPolicy_ResolveCap(t *testing.T) {
	t.Parallel()

	p, err := ParsePermissionPolicyPreset("read-write")
	if err != nil {
		t.Fatalf("ParsePermissionPolicyPreset: %v", err)
	}
	p.ByUser = map[string]*PermissionSet{"peer:10.0.0.9": {Read: true}}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := p.ResolveCap("peer:127.0.0.1"); !got.Read || !got.Write {
		t.Fatalf("ResolveCap(local)=%+v, want read+write", got)
	}
	if got := p.ResolveCap("peer:10.0.0.9"); !got.Read || got.Write {
		t.Fatalf("ResolveCap(capped)=%+v, want read only", got)
	}

	if _, err := ParsePermissionPolicyPreset("execute"); err == nil {
		t.Fatalf("unknown preset accepted")
	}
	bad := &PermissionPolicy{SchemaVersion: 1, LocalMax: &PermissionSet{Write: true}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("write without read accepted")
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := &Config{ListenAddr: "127.0.0.1:9000", LogFormat: "json", LogLevel: "debug", Oracle: validOracle()}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("config mode=%v, want 0600", st.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ResolvedListenAddr() != "127.0.0.1:9000" || got.Oracle == nil || len(got.Oracle.Providers) != 2 {
		t.Fatalf("loaded config = %+v", got)
	}

	paths := got.ResolvePaths(path)
	if paths.StateDir != filepath.Join(dir, "nested", "state") {
		t.Fatalf("StateDir=%q", paths.StateDir)
	}
	if paths.DBPath != filepath.Join(paths.StateDir, "impact.sqlite") {
		t.Fatalf("DBPath=%q", paths.DBPath)
	}
}

func TestConfig_LoadOrDefault(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "absent.json")
	cfg, err := LoadOrDefault(missing)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.ResolvedListenAddr() != defaultListenAddr {
		t.Fatalf("ResolvedListenAddr=%q", cfg.ResolvedListenAddr())
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"log_format":"xml"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrDefault(bad); err == nil {
		t.Fatalf("invalid config accepted")
	}
}
