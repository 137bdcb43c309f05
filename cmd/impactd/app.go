package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/floegence/redeven-impact/internal/auditlog"
	"github.com/floegence/redeven-impact/internal/config"
	"github.com/floegence/redeven-impact/internal/impact"
	"github.com/floegence/redeven-impact/internal/impact/impactstore"
	"github.com/floegence/redeven-impact/internal/impact/oracle"
	"github.com/floegence/redeven-impact/internal/settings"
)

// app is everything a command needs: config, state and a wired engine.
type app struct {
	cfg     *config.Config
	paths   config.Paths
	log     *slog.Logger
	store   *impactstore.Store
	audit   *auditlog.Store
	secrets *settings.SecretsStore
	engine  *impact.Engine
}

type appOptions struct {
	ConfigPath string
	// LogOut receives logs. Commands that print results log to stderr.
	LogOut io.Writer
	// OnRunFinished is forwarded to the engine.
	OnRunFinished func(impact.Run)
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Config path (default: ~/.redeven-impact/config.json)")
}

func resolveConfigPath(raw string) string {
	if p := strings.TrimSpace(raw); p != "" {
		return filepath.Clean(p)
	}
	return filepath.Clean(config.DefaultConfigPath())
}

func openApp(opts appOptions) (*app, error) {
	cfgPath := resolveConfigPath(opts.ConfigPath)
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	out := opts.LogOut
	if out == nil {
		out = os.Stderr
	}
	logger, err := newLogger(out, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	paths := cfg.ResolvePaths(cfgPath)
	if err := os.MkdirAll(paths.StateDir, 0o700); err != nil {
		return nil, err
	}

	st, err := impactstore.Open(paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: paths.StateDir})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	catalogue, err := impact.LoadCatalogue(cfg.CataloguePath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load catalogue: %w", err)
	}

	secrets := settings.NewSecretsStore(paths.SecretsPath)
	classifier, suggester, err := buildOracle(cfg.Oracle, secrets, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := impact.NewEngine(impact.Options{
		Logger:          logger,
		Artefacts:       st,
		Snapshots:       st,
		Runs:            st,
		Linkage:         st,
		Suggestions:     st,
		Classifier:      classifier,
		Suggester:       suggester,
		Catalogue:       catalogue,
		Audit:           audit,
		OnRunFinished:   opts.OnRunFinished,
		ClassifyTimeout: cfg.Oracle.EffectiveClassifyTimeout(),
		MaxParallel:     cfg.Oracle.EffectiveMaxParallel(),
		RunMaxWallTime:  cfg.Oracle.EffectiveRunMaxWallTime(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		paths:   paths,
		log:     logger,
		store:   st,
		audit:   audit,
		secrets: secrets,
		engine:  engine,
	}, nil
}

func (a *app) Close() {
	if a == nil {
		return
	}
	a.engine.Close()
	_ = a.store.Close()
}

// buildOracle returns the model-backed oracles when a model is configured and
// its provider has a key, and the offline heuristic otherwise.
func buildOracle(cfg *config.OracleConfig, secrets *settings.SecretsStore, logger *slog.Logger) (impact.Classifier, impact.LinkSuggester, error) {
	provider, model, ok := cfg.ResolvedModel()
	if !ok {
		logger.Debug("no oracle model configured; using heuristic oracle")
		return oracle.Heuristic{}, oracle.Heuristic{}, nil
	}
	key, found, err := secrets.GetProviderAPIKey(provider.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("read provider key: %w", err)
	}
	if !found {
		logger.Warn("oracle provider has no API key; using heuristic oracle", "provider_id", provider.ID)
		return oracle.Heuristic{}, oracle.Heuristic{}, nil
	}

	p, err := oracle.NewProvider(oracle.ProviderConfig{
		Type:    provider.Type,
		BaseURL: provider.BaseURL,
		APIKey:  key,
		Model:   model,
	})
	if err != nil {
		return nil, nil, err
	}

	var limiter *rate.Limiter
	if rps := cfg.EffectiveMaxRequestsPerSecond(); rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	llmOpts := oracle.LLMOptions{Logger: logger, Provider: p, Limiter: limiter}
	classifier, err := oracle.NewLLMClassifier(llmOpts)
	if err != nil {
		return nil, nil, err
	}
	suggester, err := oracle.NewLLMSuggester(llmOpts)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("oracle configured", "provider_id", provider.ID, "provider_type", provider.Type, "model", model)
	return classifier, suggester, nil
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, errors.New("invalid log format")
	}
}
