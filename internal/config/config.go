// Package config loads the bridge configuration: YAML file under the
// bridge home, env overrides, defaults, and a live snapshot for the fields
// that may change while the daemon runs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crosstalk/ct-bridge/internal/otelx"
)

// AgentConfig describes the ACP agent child process.
type AgentConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
	// CLIBin names the companion login CLI. Default "claude".
	CLIBin string `yaml:"cli_bin"`
}

// RetentionConfig controls the audit log sweep.
type RetentionConfig struct {
	AuditLogDays int    `yaml:"audit_log_days"`
	Schedule     string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// AllowOrigins is the exact-match Origin allow-list for controller
	// WebSocket connections.
	AllowOrigins []string `yaml:"allow_origins"`

	// ProjectRoots are the directories fs access is confined to.
	ProjectRoots []string `yaml:"project_roots"`

	PolicyStorePath string `yaml:"policy_store_path"`
	AuditLogPath    string `yaml:"audit_log_path"`

	Agent     AgentConfig     `yaml:"agent"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otelx.Config    `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:8137",
		LogLevel:     "info",
		AllowOrigins: []string{"http://localhost:5173"},
		Retention: RetentionConfig{
			AuditLogDays: 365,
			Schedule:     "0 3 * * *",
		},
		Agent: AgentConfig{
			CLIBin: "claude",
		},
	}
}

// HomeDir resolves the bridge home, honoring the CTBRIDGE_HOME override.
func HomeDir() string {
	if override := os.Getenv("CTBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ct-bridge")
}

// Load reads config.yaml from the bridge home (creating the home if
// missing), applies env overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CTBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTBRIDGE_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	if raw := os.Getenv("CTBRIDGE_PROJECT_ROOTS"); raw != "" {
		cfg.ProjectRoots = splitList(raw)
	}
	if raw := os.Getenv("CTBRIDGE_POLICY_STORE"); raw != "" {
		cfg.PolicyStorePath = raw
	}
	if raw := os.Getenv("CTBRIDGE_AUDIT_LOG"); raw != "" {
		cfg.AuditLogPath = raw
	}
	if raw := os.Getenv("CTBRIDGE_AGENT_CMD"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("CTBRIDGE_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8137"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost:5173"}
	}
	if len(cfg.ProjectRoots) == 0 {
		if cwd, err := os.Getwd(); err == nil {
			cfg.ProjectRoots = []string{cwd}
		}
	}
	for i, root := range cfg.ProjectRoots {
		if abs, err := filepath.Abs(root); err == nil {
			cfg.ProjectRoots[i] = abs
		}
	}
	if cfg.PolicyStorePath == "" {
		cfg.PolicyStorePath = filepath.Join(cfg.HomeDir, "policies.db")
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(cfg.HomeDir, "logs", "audit.jsonl")
	}
	if cfg.Agent.CLIBin == "" {
		cfg.Agent.CLIBin = "claude"
	}
	if cfg.Retention.AuditLogDays <= 0 {
		cfg.Retention.AuditLogDays = 365
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a running bridge carries.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|roots=%v|agent=%s|store=%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.ProjectRoots, c.Agent.Command, c.PolicyStorePath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
