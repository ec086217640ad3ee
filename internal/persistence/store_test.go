package persistence_test

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kumanday/nexus-agents/internal/persistence"
	"github.com/kumanday/nexus-agents/internal/telemetry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	return openTestStoreWith(t, persistence.Options{Logger: telemetry.Discard()})
}

func openTestStoreWith(t *testing.T, opts persistence.Options) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "knowledge_base.db")
	store, err := persistence.Open(dbPath, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func openClockedStore(t *testing.T) (*persistence.Store, *testClock) {
	t.Helper()
	clk := newTestClock()
	store, _ := openTestStoreWith(t, persistence.Options{Logger: telemetry.Discard(), Now: clk.Now})
	return store, clk
}

func queryOneString(t *testing.T, db *sql.DB, q string, args ...any) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q, args...).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{
		"schema_migrations", "research_tasks", "research_subtasks", "artifacts", "sources",
		"search_results", "task_operations", "operation_evidence", "operation_dependencies",
	}
	for _, table := range requiredTables {
		queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table)
	}

	requiredIndexes := []string{
		"idx_tasks_status", "idx_tasks_created", "idx_subtasks_task", "idx_subtasks_status",
		"idx_artifacts_task", "idx_artifacts_type", "idx_sources_url", "idx_search_query",
		"idx_operations_task", "idx_operations_status", "idx_operations_type",
		"idx_evidence_operation", "idx_evidence_type", "idx_dependencies_operation",
		"idx_dependencies_depends_on",
	}
	for _, index := range requiredIndexes {
		queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND name = ?", index)
	}
}

func TestStore_KindsMatchTables(t *testing.T) {
	store, _ := openTestStore(t)
	for _, kind := range persistence.Kinds() {
		rows, err := store.DB().Query("SELECT name FROM pragma_table_info(?);", kind.Table)
		if err != nil {
			t.Fatalf("table info %s: %v", kind.Table, err)
		}
		have := map[string]bool{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				t.Fatalf("scan: %v", err)
			}
			have[name] = true
		}
		_ = rows.Close()
		for _, c := range kind.Columns {
			if !have[c.Name] {
				t.Fatalf("kind %s declares column %s missing from table %s", kind.Name, c.Name, kind.Table)
			}
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	id, err := store.CreateTask(ctx, persistence.NewTask{Title: "kept"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, persistence.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetTask(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("task after reopen: %+v, %v", got, err)
	}
	var n int
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "knowledge_base.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, persistence.Options{Logger: telemetry.Discard()})
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, persistence.Options{Logger: telemetry.Discard()})
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_MigratesV1OperationsTable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "knowledge_base.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`INSERT INTO schema_migrations(version, checksum) VALUES(1, 'nx-v1-2025-06-02-knowledge-base');`,
		`CREATE TABLE task_operations (
			operation_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			operation_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			agent_type TEXT,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			metadata TEXT
		);`,
		`INSERT INTO task_operations(operation_id, task_id, operation_type, operation_name, status, started_at, input_data, metadata)
		 VALUES('op-legacy', 'task-1', 'search', 'legacy search', 'pending', '2025-06-01T10:00:00.000000000Z', '{}', '{}');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1 db: %v", err)
		}
	}
	_ = db.Close()

	var logs bytes.Buffer
	store, err := persistence.Open(dbPath, persistence.Options{Logger: telemetry.NewJSONLogger(&logs, "info")})
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()

	version, _, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected migration to version 2, got %d", version)
	}
	op, err := store.GetOperation(context.Background(), "op-legacy")
	if err != nil || op == nil {
		t.Fatalf("get legacy op: %+v, %v", op, err)
	}
	want := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if !op.CreatedAt.Equal(want) {
		t.Fatalf("expected created_at backfilled to %v, got %v", want, op.CreatedAt)
	}
	if !strings.Contains(logs.String(), "schema migrated") {
		t.Fatalf("expected migration log line, got %q", logs.String())
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, persistence.NewTask{Title: "backup me"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	backupDir := t.TempDir()
	backupPath := filepath.Join(backupDir, "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	backupStore, err := persistence.Open(backupPath, persistence.Options{Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backupStore.Close()

	n, err := backupStore.Count(ctx, persistence.KindTask)
	if err != nil {
		t.Fatalf("count tasks in backup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task in backup, got %d", n)
	}

	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
	if err := store.Backup(ctx, ""); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestStore_DefaultPathUsesNexusDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	want := filepath.Join(home, ".nexus", "knowledge_base.db")
	if got := persistence.DefaultDBPath(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStore_IsolatedHandles(t *testing.T) {
	a, _ := openTestStore(t)
	b, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := a.CreateTask(ctx, persistence.NewTask{Title: "only in a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := b.Count(ctx, persistence.KindTask)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected stores to be isolated, b has %d tasks", n)
	}
	if a.Path() == b.Path() {
		t.Fatalf("expected distinct paths")
	}
	if _, err := os.Stat(a.Path()); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}
