package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kumanday/nexus-agents/internal/audit"
	"github.com/kumanday/nexus-agents/internal/persistence"
)

func TestPutFileGetFile_RoundTrip(t *testing.T) {
	home := setupHome(t)
	src := filepath.Join(t.TempDir(), "findings.csv")
	content := []byte("source,score\nA,0.9\n")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	out, _ := captureOutput(t)
	if code := runPutFileCommand(context.Background(), []string{src, "-task", "task-1"}); code != 0 {
		t.Fatalf("put-file: got exit code %d, want 0", code)
	}
	id := strings.TrimSpace(out.String())
	if id == "" {
		t.Fatal("expected artifact id on stdout")
	}
	if _, err := os.Stat(filepath.Join(home, "storage", "task-1", id+".csv")); err != nil {
		t.Fatalf("expected stored file: %v", err)
	}

	seedStore(t, home, func(s *persistence.Store) {
		a, err := s.GetArtifact(context.Background(), id)
		if err != nil || a == nil {
			t.Fatalf("get artifact: %+v, %v", a, err)
		}
		if a.Title != "findings.csv" || a.Type != persistence.ArtifactData || a.TaskID != "task-1" {
			t.Fatalf("unexpected record %+v", a)
		}
	})

	out, _ = captureOutput(t)
	if code := runGetFileCommand(context.Background(), []string{id, "-verify"}); code != 0 {
		t.Fatalf("get-file: got exit code %d, want 0", code)
	}
	if out.String() != string(content) {
		t.Fatalf("stdout mismatch: %q", out.String())
	}

	dest := filepath.Join(t.TempDir(), "copy.csv")
	if code := runGetFileCommand(context.Background(), []string{id, "-o", dest}); code != 0 {
		t.Fatalf("get-file -o: got exit code %d, want 0", code)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(content) {
		t.Fatalf("exported copy mismatch: %q, %v", got, err)
	}
}

func TestGetFile_VerifyDetectsTampering(t *testing.T) {
	home := setupHome(t)
	src := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(src, []byte("# notes"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	out, _ := captureOutput(t)
	if code := runPutFileCommand(context.Background(), []string{src}); code != 0 {
		t.Fatalf("put-file: got exit code %d, want 0", code)
	}
	id := strings.TrimSpace(out.String())
	if err := os.WriteFile(filepath.Join(home, "storage", "general", id+".md"), []byte("# edited"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, errOut := captureOutput(t)
	if code := runGetFileCommand(context.Background(), []string{id, "-verify"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "checksum mismatch") {
		t.Fatalf("expected checksum error, got %q", errOut.String())
	}
}

func TestGetFile_Missing(t *testing.T) {
	setupHome(t)
	_, errOut := captureOutput(t)

	if code := runGetFileCommand(context.Background(), []string{"no-such-artifact"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "not found") {
		t.Fatalf("expected not found, got %q", errOut.String())
	}
}

func TestPutFile_MissingSource(t *testing.T) {
	setupHome(t)
	captureOutput(t)
	if code := runPutFileCommand(context.Background(), []string{filepath.Join(t.TempDir(), "absent.pdf")}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestPutFile_WritesAuditJournal(t *testing.T) {
	home := setupHome(t)
	src := filepath.Join(t.TempDir(), "chart.png")
	if err := os.WriteFile(src, []byte("png"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	out, _ := captureOutput(t)
	if code := runPutFileCommand(context.Background(), []string{src}); code != 0 {
		t.Fatalf("put-file: got exit code %d, want 0", code)
	}
	id := strings.TrimSpace(out.String())

	raw, err := os.ReadFile(audit.Path(home))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	journal := string(raw)
	if !strings.Contains(journal, `"action":"artifact.stored"`) || !strings.Contains(journal, id) {
		t.Fatalf("expected artifact event in journal:\n%s", journal)
	}
	if !strings.Contains(journal, `"action":"command.put-file"`) {
		t.Fatalf("expected command entry in journal:\n%s", journal)
	}
}
