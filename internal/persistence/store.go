// Package persistence is the research knowledge base: a SQLite-backed record
// store with an operation ledger, an append-only evidence log, a timeline
// view and an expiring search-result cache.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kumanday/nexus-agents/internal/bus"
	kbotel "github.com/kumanday/nexus-agents/internal/otel"
)

const (
	// v1: the eight knowledge-base tables.
	schemaVersionV1  = 1
	schemaChecksumV1 = "nx-v1-2025-06-02-knowledge-base"

	// v2: task_operations.created_at (started_at now means "became running")
	// plus the depends-on index.
	schemaVersionV2  = 2
	schemaChecksumV2 = "nx-v2-2026-10-01-operation-created-at"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// LatestSchemaVersion is the schema version Open migrates to.
	LatestSchemaVersion = schemaVersionLatest

	// DefaultCacheHotEntries bounds the in-process LRU in front of search_results.
	DefaultCacheHotEntries = 256
)

// Options configures a Store. The zero value is usable.
type Options struct {
	Bus     *bus.Bus // may be nil
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *kbotel.Metrics
	// Now overrides the clock; results are converted to UTC.
	Now func() time.Time
	// CacheHotEntries sizes the cache LRU. 0 means DefaultCacheHotEntries, negative disables it.
	CacheHotEntries int
}

// Store is a handle on one knowledge-base database. It is safe for
// concurrent use; SQLite serialises writers on the single connection.
type Store struct {
	db      *sql.DB
	path    string
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *kbotel.Metrics
	clock   func() time.Time

	hot        *lru.Cache[string, cachedGeneration]
	flight     singleflight.Group
	cacheEpoch atomic.Uint64
	afterLoad  func() // test seam, runs inside the shared cache load
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nexus", "knowledge_base.db")
}

// Open opens (creating if needed) the database at path and brings its
// schema up to date.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:      db,
		path:    path,
		bus:     opts.Bus,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		clock:   opts.Now,
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	if store.tracer == nil {
		store.tracer = kbotel.NoopTracer()
	}
	if store.metrics == nil {
		store.metrics = kbotel.NoopMetrics()
	}
	if store.clock == nil {
		store.clock = time.Now
	}

	hotEntries := opts.CacheHotEntries
	if hotEntries == 0 {
		hotEntries = DefaultCacheHotEntries
	}
	if hotEntries > 0 {
		hot, err := lru.New[string, cachedGeneration](hotEntries)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create cache lru: %w", err)
		}
		store.hot = hot
	}

	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	if maxVersion == schemaVersionLatest {
		if err := s.applyBackfillsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS research_tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			query TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			metadata TEXT,
			decomposition TEXT,
			plan TEXT,
			results TEXT,
			summary TEXT,
			reasoning TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS research_subtasks (
			subtask_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			assigned_agent TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			key_questions TEXT,
			search_results TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			task_id TEXT,
			subtask_id TEXT,
			title TEXT NOT NULL,
			type TEXT NOT NULL,
			format TEXT NOT NULL,
			file_path TEXT,
			content TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			size_bytes INTEGER,
			checksum TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS sources (
			source_id TEXT PRIMARY KEY,
			url TEXT,
			title TEXT,
			description TEXT,
			source_type TEXT,
			provider TEXT,
			accessed_at TEXT NOT NULL,
			metadata TEXT,
			content_hash TEXT,
			reliability_score REAL
		);`,
		`CREATE TABLE IF NOT EXISTS search_results (
			result_id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			provider TEXT NOT NULL,
			results TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS task_operations (
			operation_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			operation_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			agent_type TEXT,
			created_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS operation_evidence (
			evidence_id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			evidence_type TEXT NOT NULL,
			evidence_data TEXT NOT NULL,
			source_url TEXT,
			provider TEXT,
			created_at TEXT NOT NULL,
			size_bytes INTEGER,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS operation_dependencies (
			dependency_id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			depends_on_operation_id TEXT NOT NULL,
			dependency_type TEXT NOT NULL DEFAULT 'sequential',
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	// Phase 2: columns added after v1.
	if err := s.applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON research_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON research_tasks(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON research_subtasks(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_status ON research_subtasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);`,
		`CREATE INDEX IF NOT EXISTS idx_sources_url ON sources(url);`,
		`CREATE INDEX IF NOT EXISTS idx_search_query ON search_results(query, provider);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_task ON task_operations(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_status ON task_operations(status);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_type ON task_operations(operation_type);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_operation ON operation_evidence(operation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_type ON operation_evidence(evidence_type);`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_operation ON operation_dependencies(operation_id);`,
		// v2
		`CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON operation_dependencies(depends_on_operation_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.logger.Info("schema migrated",
		"from_version", maxVersion,
		"to_version", schemaVersionLatest,
		"checksum", schemaChecksumLatest,
	)
	return nil
}

func (s *Store) applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE task_operations ADD COLUMN created_at TEXT;`, desc: "task_operations.created_at"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	// v1 stamped started_at at creation; that instant is the creation time.
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_operations SET created_at = started_at
		WHERE created_at IS NULL AND started_at IS NOT NULL;
	`); err != nil {
		return fmt.Errorf("backfill task_operations.created_at: %w", err)
	}
	return nil
}

// SchemaVersion reports the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Backup writes an online-consistent copy of the database with VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// track opens an internal span for a store call and returns a finisher that
// records the outcome on the span and the duration histogram.
func (s *Store) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, kbotel.AttrOp.String(op))
	ctx, span := kbotel.StartSpan(ctx, s.tracer, "kb."+op, attrs...)
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.StoreDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(kbotel.AttrOp.String(op), kbotel.AttrResult.String(result)))
	}
}

func (s *Store) publish(topic string, payload any) {
	s.bus.Publish(topic, payload)
}
