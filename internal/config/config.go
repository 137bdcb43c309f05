package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const defaultListenAddr = "127.0.0.1:7420"

// Config is the on-disk configuration for impactd.
//
// Provider API keys never live here; see settings.SecretsStore.
type Config struct {
	// StateDir holds the database, audit log, secrets and lock file.
	// If empty, "state" next to the config file is used.
	StateDir string `json:"state_dir,omitempty"`

	// ListenAddr is the TCP address `impactd serve` accepts RPC connections on.
	ListenAddr string `json:"listen_addr,omitempty"`

	// CataloguePath is an optional YAML file listing code and data ids the
	// link suggester may propose.
	CataloguePath string `json:"catalogue_path,omitempty"`

	// PermissionPolicy caps what RPC peers may do.
	PermissionPolicy *PermissionPolicy `json:"permission_policy,omitempty"`

	// Oracle configures the model-backed classifier and suggester. When nil
	// the offline heuristic oracle is used.
	Oracle *OracleConfig `json:"oracle,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if addr := strings.TrimSpace(c.ListenAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listen_addr: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.PermissionPolicy != nil {
		if err := c.PermissionPolicy.Validate(); err != nil {
			return fmt.Errorf("invalid permission_policy: %w", err)
		}
	}
	if c.Oracle != nil {
		if err := c.Oracle.Validate(); err != nil {
			return fmt.Errorf("invalid oracle: %w", err)
		}
	}
	return nil
}

func (c *Config) ResolvedListenAddr() string {
	if c == nil || strings.TrimSpace(c.ListenAddr) == "" {
		return defaultListenAddr
	}
	return strings.TrimSpace(c.ListenAddr)
}

// Paths are the files impactd keeps under the state dir.
type Paths struct {
	StateDir    string
	DBPath      string
	AuditDir    string
	SecretsPath string
	LockPath    string
}

// ResolvePaths derives the state layout for a config loaded from configPath.
func (c *Config) ResolvePaths(configPath string) Paths {
	dir := ""
	if c != nil {
		dir = strings.TrimSpace(c.StateDir)
	}
	if dir == "" {
		dir = filepath.Join(filepath.Dir(filepath.Clean(configPath)), "state")
	}
	dir = filepath.Clean(dir)
	return Paths{
		StateDir:    dir,
		DBPath:      filepath.Join(dir, "impact.sqlite"),
		AuditDir:    filepath.Join(dir, "audit"),
		SecretsPath: filepath.Join(dir, "secrets.json"),
		LockPath:    filepath.Join(dir, "impactd.lock"),
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-impact/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-impact.config.json"
	}
	return filepath.Join(home, ".redeven-impact", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields an empty config.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
