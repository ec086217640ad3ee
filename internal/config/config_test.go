package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kumanday/nexus-agents/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromNexusHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	writeConfig(t, home, "db_path: kb.sqlite\nlog_level: DEBUG\ncache:\n  default_ttl_hours: 6\n  hot_entries: 32\n")
	t.Setenv("NEXUS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("config file exists, NeedsInit should be false")
	}
	if cfg.DBPath != filepath.Join(home, "kb.sqlite") {
		t.Fatalf("relative db_path should resolve against home, got %q", cfg.DBPath)
	}
	if cfg.StoragePath != filepath.Join(home, "storage") {
		t.Fatalf("unexpected default storage path %q", cfg.StoragePath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Cache.DefaultTTLHours != 6 || cfg.Cache.HotEntries != 32 {
		t.Fatalf("cache config = %+v", cfg.Cache)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	t.Setenv("NEXUS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit without config.yaml")
	}
	if cfg.Cache.DefaultTTLHours != config.DefaultCacheTTLHours {
		t.Fatalf("default ttl = %d", cfg.Cache.DefaultTTLHours)
	}
	if cfg.Cache.HotEntries != config.DefaultCacheHotEntries {
		t.Fatalf("default hot entries = %d", cfg.Cache.HotEntries)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "none" {
		t.Fatalf("telemetry should default to disabled, got %+v", cfg.Telemetry)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir should be created: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	writeConfig(t, home, "cache:\n  default_ttl_hours: 6\n")
	t.Setenv("NEXUS_HOME", home)
	dbPath := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("NEXUS_DB_PATH", dbPath)
	t.Setenv("NEXUS_STORAGE_PATH", "/srv/nexus/storage")
	t.Setenv("NEXUS_LOG_LEVEL", "warn")
	t.Setenv("NEXUS_CACHE_TTL_HOURS", "48")
	t.Setenv("NEXUS_CACHE_HOT_ENTRIES", "-1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBPath != dbPath {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, dbPath)
	}
	if cfg.StoragePath != "/srv/nexus/storage" {
		t.Fatalf("storage path = %q", cfg.StoragePath)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Cache.DefaultTTLHours != 48 {
		t.Fatalf("ttl = %d, want 48", cfg.Cache.DefaultTTLHours)
	}
	if cfg.Cache.HotEntries != -1 {
		t.Fatalf("negative hot entries should survive normalisation, got %d", cfg.Cache.HotEntries)
	}
}

func TestLoad_MetricsToggle(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	writeConfig(t, home, "telemetry:\n  enabled: true\n  exporter: none\n")
	t.Setenv("NEXUS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Telemetry.MetricsEnabled() {
		t.Fatal("metrics should follow enabled telemetry when unset")
	}

	t.Setenv("NEXUS_OTEL_METRICS", "false")
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.MetricsEnabled() {
		t.Fatalf("expected tracing on and metrics off, got %+v", cfg.Telemetry)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	writeConfig(t, home, "cache: [unterminated\n")
	t.Setenv("NEXUS_HOME", home)

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	t.Setenv("NEXUS_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable across loads")
	}
	b.Cache.DefaultTTLHours++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with cache ttl")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}

func TestWriteDefault_DoesNotClobber(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nexus")
	path, err := config.WriteDefault(home)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := config.WriteDefault(home); err != nil {
		t.Fatalf("second write default: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "log_level: error\n" {
		t.Fatalf("existing config was overwritten: %q", raw)
	}
}
