// Package config loads the knowledge-base configuration from
// <home>/config.yaml with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kumanday/nexus-agents/internal/otel"
)

const (
	DefaultCacheTTLHours   = 24
	DefaultCacheHotEntries = 256
	defaultDBName          = "knowledge_base.db"
	defaultStorageDir      = "storage"
)

// CacheConfig tunes the search-result cache.
type CacheConfig struct {
	DefaultTTLHours int `yaml:"default_ttl_hours"`
	// HotEntries bounds the in-process LRU in front of the cache table. 0 keeps the default; negative disables it.
	HotEntries int `yaml:"hot_entries"`
}

// Config is the resolved runtime configuration.
type Config struct {
	HomeDir     string      `yaml:"-"`
	DBPath      string      `yaml:"db_path"`
	StoragePath string      `yaml:"storage_path"`
	LogLevel    string      `yaml:"log_level"`
	Cache       CacheConfig `yaml:"cache"`
	Telemetry   otel.Config `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|storage=%s|log=%s|ttl=%d|hot=%d|otel=%t/%s",
		c.DBPath, c.StoragePath, c.LogLevel, c.Cache.DefaultTTLHours, c.Cache.HotEntries,
		c.Telemetry.Enabled, c.Telemetry.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Cache: CacheConfig{
			DefaultTTLHours: DefaultCacheTTLHours,
			HotEntries:      DefaultCacheHotEntries,
		},
		Telemetry: otel.Config{Exporter: "none"},
	}
}

// HomeDir resolves NEXUS_HOME, falling back to ~/.nexus.
func HomeDir() string {
	if override := os.Getenv("NEXUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nexus")
}

// Load reads config.yaml from the home directory, applies env overrides and
// fills defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nexus home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// WriteDefault writes a config.yaml holding the defaults for homeDir,
// leaving an existing file untouched.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create nexus home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, defaultDBName)
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		cfg.StoragePath = filepath.Join(cfg.HomeDir, defaultStorageDir)
	} else if !filepath.IsAbs(cfg.StoragePath) {
		cfg.StoragePath = filepath.Join(cfg.HomeDir, cfg.StoragePath)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.DefaultTTLHours <= 0 {
		cfg.Cache.DefaultTTLHours = DefaultCacheTTLHours
	}
	if cfg.Cache.HotEntries == 0 {
		cfg.Cache.HotEntries = DefaultCacheHotEntries
	}
	if !cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NEXUS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("NEXUS_STORAGE_PATH"); raw != "" {
		cfg.StoragePath = raw
	}
	if raw := os.Getenv("NEXUS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NEXUS_CACHE_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.DefaultTTLHours = v
		}
	}
	if raw := os.Getenv("NEXUS_CACHE_HOT_ENTRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.HotEntries = v
		}
	}
	if raw := os.Getenv("NEXUS_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = raw != "none"
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("NEXUS_OTEL_METRICS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Metrics = &v
		}
	}
}
