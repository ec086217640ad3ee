// Package artifacts keeps binary research artifacts on disk under a storage
// root and registers each one as an artifact record in the knowledge base.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kumanday/nexus-agents/internal/bus"
	kbotel "github.com/kumanday/nexus-agents/internal/otel"
	"github.com/kumanday/nexus-agents/internal/persistence"
)

// generalDir holds files stored without a task.
const generalDir = "general"

var typeByExtension = map[string]persistence.ArtifactType{
	".pdf":  persistence.ArtifactDocument,
	".docx": persistence.ArtifactDocument,
	".doc":  persistence.ArtifactDocument,
	".txt":  persistence.ArtifactDocument,
	".md":   persistence.ArtifactDocument,
	".csv":  persistence.ArtifactData,
	".json": persistence.ArtifactData,
	".xlsx": persistence.ArtifactData,
	".xls":  persistence.ArtifactData,
	".png":  persistence.ArtifactImage,
	".jpg":  persistence.ArtifactImage,
	".jpeg": persistence.ArtifactImage,
	".gif":  persistence.ArtifactImage,
	".mp4":  persistence.ArtifactVideo,
	".avi":  persistence.ArtifactVideo,
	".mp3":  persistence.ArtifactAudio,
	".wav":  persistence.ArtifactAudio,
}

// Classify returns the artifact type and format for a filename. The
// extension is matched case-insensitively; format is the extension without
// its dot, or "unknown".
func Classify(filename string) (persistence.ArtifactType, string) {
	ext := strings.ToLower(filepath.Ext(filename))
	typ, ok := typeByExtension[ext]
	if !ok {
		typ = persistence.ArtifactFile
	}
	format := strings.TrimPrefix(ext, ".")
	if format == "" {
		format = "unknown"
	}
	return typ, format
}

// Checksum is the lower-case hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Options configures a Store. The zero value is usable.
type Options struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *kbotel.Metrics
}

// Store writes artifact files below Root and records them in the knowledge base.
type Store struct {
	kb      *persistence.Store
	root    string
	base    string
	logger  *slog.Logger
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *kbotel.Metrics
}

// New returns a file artifact store rooted at root. Stored paths are
// relative to root's parent directory.
func New(kb *persistence.Store, root string, opts Options) (*Store, error) {
	if kb == nil {
		return nil, errors.New("artifacts: knowledge base store is required")
	}
	if root == "" {
		return nil, errors.New("artifacts: storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	s := &Store{
		kb:      kb,
		root:    abs,
		base:    filepath.Dir(abs),
		logger:  opts.Logger,
		bus:     opts.Bus,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = kbotel.NoopTracer()
	}
	if s.metrics == nil {
		s.metrics = kbotel.NoopMetrics()
	}
	return s, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// FileOptions links a stored file to its owners.
type FileOptions struct {
	TaskID    string
	SubtaskID string
	Metadata  map[string]any
}

// StoreFile writes content to <root>/<task_id|general>/<artifact_id><ext>
// and then records the artifact. The record is only written once the file
// is in place; if recording fails the file is removed again.
func (s *Store) StoreFile(ctx context.Context, content []byte, filename string, opts FileOptions) (artifactID string, err error) {
	ctx, span := kbotel.StartSpan(ctx, s.tracer, "kb.artifact.store_file",
		kbotel.AttrTaskID.String(opts.TaskID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dirName := generalDir
	if opts.TaskID != "" {
		if err := validateSegment(opts.TaskID); err != nil {
			return "", err
		}
		dirName = opts.TaskID
	}

	artifactID = uuid.NewString()
	span.SetAttributes(kbotel.AttrArtifactID.String(artifactID))
	typ, format := Classify(filename)
	ext := strings.ToLower(filepath.Ext(filename))

	dir := filepath.Join(s.root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifactID+ext)
	if err := writeFileAtomic(path, content); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.base, path)
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("relativize artifact path: %w", err)
	}
	size := int64(len(content))
	checksum := Checksum(content)

	_, err = s.kb.StoreArtifact(ctx, persistence.Artifact{
		ArtifactID: artifactID,
		TaskID:     opts.TaskID,
		SubtaskID:  opts.SubtaskID,
		Title:      filename,
		Type:       typ,
		Format:     format,
		FilePath:   filepath.ToSlash(rel),
		Metadata:   opts.Metadata,
		SizeBytes:  &size,
		Checksum:   checksum,
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("remove orphaned artifact file", "path", path, "error", rmErr)
		}
		return "", fmt.Errorf("record artifact: %w", err)
	}

	s.metrics.ArtifactBytes.Add(ctx, size, metric.WithAttributes(attribute.String("artifact_type", string(typ))))
	s.bus.Publish(bus.TopicArtifactStored, bus.ArtifactEvent{
		ArtifactID: artifactID,
		TaskID:     opts.TaskID,
		Type:       string(typ),
		Format:     format,
		SizeBytes:  size,
		Checksum:   checksum,
	})
	s.logger.Debug("artifact stored", "artifact_id", artifactID, "task_id", opts.TaskID, "size_bytes", size)
	return artifactID, nil
}

// GetFile returns the bytes of a file-backed artifact. A missing record, an
// inline artifact, or a missing file all yield nil, nil.
func (s *Store) GetFile(ctx context.Context, artifactID string) ([]byte, error) {
	path, err := s.Path(ctx, artifactID)
	if err != nil || path == "" {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact file: %w", err)
	}
	return data, nil
}

// Path resolves the on-disk location of a file-backed artifact, or "" when
// the artifact does not exist or has no file.
func (s *Store) Path(ctx context.Context, artifactID string) (string, error) {
	a, err := s.kb.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	if a == nil || !a.FileBacked() {
		return "", nil
	}
	return s.Resolve(a.FilePath), nil
}

// Resolve maps a stored file_path onto the file system. Relative paths are
// anchored at the storage root's parent.
func (s *Store) Resolve(filePath string) string {
	p := filepath.FromSlash(filePath)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.base, p)
}

// ErrChecksumMismatch reports that an artifact's bytes no longer hash to the
// recorded checksum.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Verify re-reads a file-backed artifact and compares it with the recorded
// checksum. It returns persistence.ErrNotFound when there is nothing to
// verify and ErrChecksumMismatch when the bytes changed.
func (s *Store) Verify(ctx context.Context, artifactID string) error {
	a, err := s.kb.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if a == nil || !a.FileBacked() {
		return fmt.Errorf("artifact %s: %w", artifactID, persistence.ErrNotFound)
	}
	data, err := os.ReadFile(s.Resolve(a.FilePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("artifact %s file: %w", artifactID, persistence.ErrNotFound)
		}
		return fmt.Errorf("read artifact file: %w", err)
	}
	if got := Checksum(data); got != a.Checksum {
		return fmt.Errorf("artifact %s: %w (recorded %s, found %s)", artifactID, ErrChecksumMismatch, a.Checksum, got)
	}
	return nil
}

func validateSegment(taskID string) error {
	if taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) || strings.ContainsRune(taskID, 0) {
		return &persistence.IntegrityError{Kind: persistence.KindArtifact.Name, Field: "task_id", Reason: fmt.Sprintf("%q is not usable as a directory name", taskID)}
	}
	return nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write artifact temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync artifact temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod artifact temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename artifact file: %w", err)
	}
	return nil
}
