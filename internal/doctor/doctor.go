package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kumanday/nexus-agents/internal/artifacts"
	"github.com/kumanday/nexus-agents/internal/config"
	"github.com/kumanday/nexus-agents/internal/persistence"
	"github.com/kumanday/nexus-agents/internal/shared"
	"github.com/kumanday/nexus-agents/internal/telemetry"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkStorage,
		checkArtifactFiles,
	}

	for _, check := range checks {
		r := check(ctx, cfg)
		r.Message = shared.Redact(r.Message)
		r.Detail = shared.Redact(r.Detail)
		d.Results = append(d.Results, r)
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, using defaults",
			Detail:  fmt.Sprintf("run `nexuskb init` to write %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(cfg.DBPath, persistence.Options{
		Logger:          telemetry.Discard(),
		CacheHotEntries: -1,
	})
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema query failed: %v", err)}
	}

	var counts []string
	for _, kind := range persistence.Kinds() {
		n, err := store.Count(ctx, kind)
		if err != nil {
			return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
		}
		counts = append(counts, fmt.Sprintf("%s=%d", kind.Table, n))
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d (%s) at %s", version, checksum, cfg.DBPath),
		Detail:  strings.Join(counts, ", "),
	}
}

func checkStorage(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("Storage root unavailable: %v", err)}
	}

	testFile := filepath.Join(cfg.StoragePath, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("Storage root unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Storage", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.StoragePath)}
}

// checkArtifactFiles looks for file-backed artifact records whose file is gone.
func checkArtifactFiles(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Artifact Files", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Artifact Files", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	files, err := artifacts.New(store, cfg.StoragePath, artifacts.Options{Logger: telemetry.Discard()})
	if err != nil {
		return CheckResult{Name: "Artifact Files", Status: "FAIL", Message: err.Error()}
	}
	records, err := store.ListFileArtifacts(ctx)
	if err != nil {
		return CheckResult{Name: "Artifact Files", Status: "FAIL", Message: fmt.Sprintf("List failed: %v", err)}
	}

	var missing []string
	for _, a := range records {
		if _, err := os.Stat(files.Resolve(a.FilePath)); err != nil {
			missing = append(missing, a.ArtifactID)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Artifact Files",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d artifact files missing", len(missing), len(records)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Artifact Files", Status: "PASS", Message: fmt.Sprintf("%d artifact files present", len(records))}
}
