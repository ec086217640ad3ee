package artifacts_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kumanday/nexus-agents/internal/artifacts"
	"github.com/kumanday/nexus-agents/internal/bus"
	"github.com/kumanday/nexus-agents/internal/persistence"
	"github.com/kumanday/nexus-agents/internal/telemetry"
)

func openTestArtifacts(t *testing.T, b *bus.Bus) (*artifacts.Store, *persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	kb, err := persistence.Open(filepath.Join(dir, "knowledge_base.db"), persistence.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	t.Cleanup(func() { _ = kb.Close() })

	root := filepath.Join(dir, "storage")
	store, err := artifacts.New(kb, root, artifacts.Options{Logger: telemetry.Discard(), Bus: b})
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	return store, kb, root
}

func TestClassify(t *testing.T) {
	cases := []struct {
		filename string
		typ      persistence.ArtifactType
		format   string
	}{
		{"report.pdf", persistence.ArtifactDocument, "pdf"},
		{"Notes.MD", persistence.ArtifactDocument, "md"},
		{"table.xlsx", persistence.ArtifactData, "xlsx"},
		{"data.json", persistence.ArtifactData, "json"},
		{"chart.JPEG", persistence.ArtifactImage, "jpeg"},
		{"clip.mp4", persistence.ArtifactVideo, "mp4"},
		{"voice.wav", persistence.ArtifactAudio, "wav"},
		{"archive.tar.gz", persistence.ArtifactFile, "gz"},
		{"README", persistence.ArtifactFile, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.filename, func(t *testing.T) {
			typ, format := artifacts.Classify(tc.filename)
			if typ != tc.typ || format != tc.format {
				t.Fatalf("Classify(%q) = %s, %s; want %s, %s", tc.filename, typ, format, tc.typ, tc.format)
			}
		})
	}
}

func TestChecksum_Stable(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := artifacts.Checksum([]byte("abc")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if artifacts.Checksum([]byte("abc")) != artifacts.Checksum([]byte("abc")) {
		t.Fatal("checksum must be deterministic")
	}
}

func TestStoreFile_WritesFileAndRecord(t *testing.T) {
	store, kb, root := openTestArtifacts(t, nil)
	ctx := context.Background()
	content := []byte("%PDF-1.7 fake report")

	id, err := store.StoreFile(ctx, content, "Report.PDF", artifacts.FileOptions{
		TaskID:    "task-1",
		SubtaskID: "sub-1",
		Metadata:  map[string]any{"source": "generator"},
	})
	if err != nil {
		t.Fatalf("store file: %v", err)
	}

	onDisk := filepath.Join(root, "task-1", id+".pdf")
	data, err := os.ReadFile(onDisk)
	if err != nil {
		t.Fatalf("expected file at %s: %v", onDisk, err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("file content mismatch")
	}

	a, err := kb.GetArtifact(ctx, id)
	if err != nil || a == nil {
		t.Fatalf("get artifact: %+v, %v", a, err)
	}
	if a.Type != persistence.ArtifactDocument || a.Format != "pdf" || a.Title != "Report.PDF" {
		t.Fatalf("unexpected classification %+v", a)
	}
	if a.FilePath != "storage/task-1/"+id+".pdf" {
		t.Fatalf("expected path relative to the root's parent, got %q", a.FilePath)
	}
	if a.SizeBytes == nil || *a.SizeBytes != int64(len(content)) {
		t.Fatalf("unexpected size %v", a.SizeBytes)
	}
	if a.Checksum != artifacts.Checksum(content) {
		t.Fatalf("unexpected checksum %s", a.Checksum)
	}
	if a.SubtaskID != "sub-1" || a.Metadata["source"] != "generator" {
		t.Fatalf("unexpected links %+v", a)
	}

	got, err := store.GetFile(ctx, id)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("get file returned different bytes")
	}

	entries, err := os.ReadDir(filepath.Join(root, "task-1"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStoreFile_WithoutTaskUsesGeneralDir(t *testing.T) {
	store, kb, root := openTestArtifacts(t, nil)
	ctx := context.Background()

	id, err := store.StoreFile(ctx, []byte("x"), "blob", artifacts.FileOptions{})
	if err != nil {
		t.Fatalf("store file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "general", id)); err != nil {
		t.Fatalf("expected file in general dir: %v", err)
	}
	a, _ := kb.GetArtifact(ctx, id)
	if a.Type != persistence.ArtifactFile || a.Format != "unknown" || a.TaskID != "" {
		t.Fatalf("unexpected record %+v", a)
	}
}

func TestStoreFile_RejectsUnsafeTaskID(t *testing.T) {
	store, kb, _ := openTestArtifacts(t, nil)
	ctx := context.Background()

	for _, taskID := range []string{"..", "a/b", `a\b`} {
		_, err := store.StoreFile(ctx, []byte("x"), "f.txt", artifacts.FileOptions{TaskID: taskID})
		if !errors.Is(err, persistence.ErrIntegrity) {
			t.Fatalf("task id %q: expected integrity error, got %v", taskID, err)
		}
	}
	n, err := kb.Count(ctx, persistence.KindArtifact)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestStoreFile_DistinctIDsPerCall(t *testing.T) {
	store, _, _ := openTestArtifacts(t, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, err := store.StoreFile(ctx, []byte("same bytes"), "same.txt", artifacts.FileOptions{TaskID: "t"})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate artifact id %s", id)
		}
		seen[id] = true
	}
}

func TestGetFile_MissingCases(t *testing.T) {
	store, kb, root := openTestArtifacts(t, nil)
	ctx := context.Background()

	data, err := store.GetFile(ctx, "no-such-artifact")
	if err != nil || data != nil {
		t.Fatalf("missing record: expected nil, nil; got %v, %v", data, err)
	}

	inline, err := kb.StoreArtifact(ctx, persistence.Artifact{Title: "inline", Content: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("store inline: %v", err)
	}
	data, err = store.GetFile(ctx, inline)
	if err != nil || data != nil {
		t.Fatalf("inline artifact: expected nil, nil; got %v, %v", data, err)
	}

	id, err := store.StoreFile(ctx, []byte("gone soon"), "f.txt", artifacts.FileOptions{TaskID: "t"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "t", id+".txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	data, err = store.GetFile(ctx, id)
	if err != nil || data != nil {
		t.Fatalf("deleted file: expected nil, nil; got %v, %v", data, err)
	}
}

func TestVerify(t *testing.T) {
	store, _, root := openTestArtifacts(t, nil)
	ctx := context.Background()

	id, err := store.StoreFile(ctx, []byte("original"), "f.csv", artifacts.FileOptions{TaskID: "t"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Verify(ctx, id); err != nil {
		t.Fatalf("verify untouched file: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "t", id+".csv"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	// Reads do not re-check the hash.
	data, err := store.GetFile(ctx, id)
	if err != nil || string(data) != "tampered" {
		t.Fatalf("get file: %q, %v", data, err)
	}
	if err := store.Verify(ctx, id); !errors.Is(err, artifacts.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if err := store.Verify(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreFile_PublishesEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicArtifactStored)
	defer b.Unsubscribe(sub)

	store, _, _ := openTestArtifacts(t, b)
	id, err := store.StoreFile(context.Background(), []byte("a,b\n1,2\n"), "t.csv", artifacts.FileOptions{TaskID: "t"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.ArtifactEvent)
		if payload.ArtifactID != id || payload.Type != "data" || payload.SizeBytes != 8 {
			t.Fatalf("unexpected event %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected artifact.stored event")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := artifacts.New(nil, t.TempDir(), artifacts.Options{}); err == nil {
		t.Fatal("expected error for nil knowledge base")
	}
	_, kb, _ := openTestArtifacts(t, nil)
	if _, err := artifacts.New(kb, "", artifacts.Options{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestStoreFile_WriteFailureRegistersNothing(t *testing.T) {
	dir := t.TempDir()
	kb, err := persistence.Open(filepath.Join(dir, "knowledge_base.db"), persistence.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	t.Cleanup(func() { _ = kb.Close() })

	root := filepath.Join(dir, "storage")
	if err := os.WriteFile(root, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	store, err := artifacts.New(kb, root, artifacts.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}

	ctx := context.Background()
	if _, err := store.StoreFile(ctx, []byte("bytes"), "report.pdf", artifacts.FileOptions{TaskID: "task-1"}); err == nil {
		t.Fatal("expected write failure")
	} else {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			t.Fatalf("expected *fs.PathError, got %T: %v", err, err)
		}
	}
	n, err := kb.Count(ctx, persistence.KindArtifact)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no artifact records, got %d", n)
	}
}

func TestStoreFile_RecordFailureRemovesFile(t *testing.T) {
	store, kb, root := openTestArtifacts(t, nil)
	if err := kb.Close(); err != nil {
		t.Fatalf("close kb: %v", err)
	}

	_, err := store.StoreFile(context.Background(), []byte("orphan"), "notes.md", artifacts.FileOptions{TaskID: "task-1"})
	if err == nil || !strings.Contains(err.Error(), "record artifact") {
		t.Fatalf("expected record failure, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "task-1"))
	if err != nil {
		t.Fatalf("read task dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected written file removed, found %v", entries)
	}
}
