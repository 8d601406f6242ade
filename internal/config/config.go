// Package config loads harbord settings from ~/.harbor/config.yaml with
// environment overrides for deployment knobs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BridgeConfig describes how harbord reaches the native LLM bridge process.
// When Command is set the bridge is spawned as a child process over stdio;
// otherwise BaseURL selects the HTTP long-poll fallback.
type BridgeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	BaseURL string   `yaml:"base_url"`
}

// SweepConfig controls the periodic maintenance jobs.
type SweepConfig struct {
	GrantsSchedule   string `yaml:"grants_schedule"`
	SessionsSchedule string `yaml:"sessions_schedule"`
	PingRemoteAgents bool   `yaml:"ping_remote_agents"`
	RemoteSchedule   string `yaml:"remote_schedule"`
}

// OTelConfig controls trace and metric export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Stdout   bool   `yaml:"stdout"`
}

// Config is the loaded daemon configuration. HomeDir is resolved at load
// time and never read from the file itself.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AllowOrigins []string `yaml:"allow_origins"`

	Bridge BridgeConfig `yaml:"bridge"`
	Sweep  SweepConfig  `yaml:"sweep"`
	OTel   OTelConfig   `yaml:"otel"`

	// ManifestDir holds tool-server manifests loaded at startup, relative
	// paths resolve against HomeDir.
	ManifestDir string `yaml:"manifest_dir"`

	// AuditLog enables the append-only decision log under HomeDir.
	AuditLog bool `yaml:"audit_log"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:18799",
		LogLevel:     "info",
		AllowOrigins: nil,
		Sweep: SweepConfig{
			GrantsSchedule:   "@every 1m",
			SessionsSchedule: "@every 10m",
			RemoteSchedule:   "@every 5m",
		},
		ManifestDir: "servers",
		AuditLog:    true,
	}
}

// HomeDir returns the harbor home directory, honoring the HARBOR_HOME override.
func HomeDir() string {
	if override := os.Getenv("HARBOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".harbor")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load resolves the home directory, reads config.yaml if present, and applies
// environment overrides and defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create harbor home: %w", err)
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
	if raw := os.Getenv("HARBOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HARBOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HARBOR_BRIDGE_COMMAND"); raw != "" {
		cfg.Bridge.Command = raw
	}
	if raw := os.Getenv("HARBOR_BRIDGE_URL"); raw != "" {
		cfg.Bridge.BaseURL = raw
	}
	if raw := os.Getenv("HARBOR_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
	if raw := os.Getenv("HARBOR_AUDIT_LOG"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AuditLog = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18799"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sweep.GrantsSchedule == "" {
		cfg.Sweep.GrantsSchedule = "@every 1m"
	}
	if cfg.Sweep.SessionsSchedule == "" {
		cfg.Sweep.SessionsSchedule = "@every 10m"
	}
	if cfg.Sweep.RemoteSchedule == "" {
		cfg.Sweep.RemoteSchedule = "@every 5m"
	}
	if strings.TrimSpace(cfg.ManifestDir) == "" {
		cfg.ManifestDir = "servers"
	}
}

// ManifestPath resolves the manifest directory against HomeDir when relative.
func (c Config) ManifestPath() string {
	if filepath.IsAbs(c.ManifestDir) {
		return c.ManifestDir
	}
	return filepath.Join(c.HomeDir, c.ManifestDir)
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|bridge=%s%v%s|sweep=%s/%s/%s/%t|otel=%t%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins,
		c.Bridge.Command, c.Bridge.Args, c.Bridge.BaseURL,
		c.Sweep.GrantsSchedule, c.Sweep.SessionsSchedule, c.Sweep.RemoteSchedule, c.Sweep.PingRemoteAgents,
		c.OTel.Enabled, c.OTel.Endpoint)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
