package persistence

import (
	"context"
	"time"
)

// ArtifactType classifies an artifact's payload.
type ArtifactType string

const (
	ArtifactDocument ArtifactType = "document"
	ArtifactData     ArtifactType = "data"
	ArtifactImage    ArtifactType = "image"
	ArtifactVideo    ArtifactType = "video"
	ArtifactAudio    ArtifactType = "audio"
	ArtifactFile     ArtifactType = "file"
)

// Artifact is a generated output. File-backed artifacts carry FilePath,
// SizeBytes and Checksum; inline ones carry Content.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	TaskID     string         `json:"task_id,omitempty"`
	SubtaskID  string         `json:"subtask_id,omitempty"`
	Title      string         `json:"title"`
	Type       ArtifactType   `json:"type"`
	Format     string         `json:"format"`
	FilePath   string         `json:"file_path,omitempty"`
	Content    any            `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	SizeBytes  *int64         `json:"size_bytes,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// FileBacked reports whether the payload lives on disk.
func (a *Artifact) FileBacked() bool {
	return a.FilePath != ""
}

func artifactRecord(a Artifact) Record {
	rec := Record{"title": a.Title}
	rec.setText("artifact_id", a.ArtifactID)
	rec.setText("task_id", a.TaskID)
	rec.setText("subtask_id", a.SubtaskID)
	rec.setText("type", string(a.Type))
	rec.setText("format", a.Format)
	rec.setText("file_path", a.FilePath)
	if a.Content != nil {
		rec["content"] = a.Content
	}
	rec.setDoc("metadata", a.Metadata)
	rec.setTime("created_at", a.CreatedAt)
	if a.SizeBytes != nil {
		rec["size_bytes"] = *a.SizeBytes
	}
	rec.setText("checksum", a.Checksum)
	return rec
}

func artifactFromRecord(rec Record) *Artifact {
	return &Artifact{
		ArtifactID: rec.str("artifact_id"),
		TaskID:     rec.str("task_id"),
		SubtaskID:  rec.str("subtask_id"),
		Title:      rec.str("title"),
		Type:       ArtifactType(rec.str("type")),
		Format:     rec.str("format"),
		FilePath:   rec.str("file_path"),
		Content:    rec["content"],
		Metadata:   rec.doc("metadata"),
		CreatedAt:  rec.timestamp("created_at"),
		UpdatedAt:  rec.timestamp("updated_at"),
		SizeBytes:  rec.int64Ptr("size_bytes"),
		Checksum:   rec.str("checksum"),
	}
}

func artifactsFromRecords(recs []Record) []Artifact {
	out := make([]Artifact, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *artifactFromRecord(rec))
	}
	return out
}

// StoreArtifact writes a as the full state of its artifact record and
// returns its id. It does not touch the file system.
func (s *Store) StoreArtifact(ctx context.Context, a Artifact) (string, error) {
	return s.Upsert(ctx, KindArtifact, artifactRecord(a))
}

// GetArtifact returns the artifact record, or nil when it does not exist.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	rec, err := s.Get(ctx, KindArtifact, artifactID)
	if err != nil || rec == nil {
		return nil, err
	}
	return artifactFromRecord(rec), nil
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	recs, err := s.Query(ctx, KindArtifact, Query{
		Where:   []Filter{Eq("task_id", taskID)},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	return artifactsFromRecords(recs), nil
}

// ListFileArtifacts returns every file-backed artifact.
func (s *Store) ListFileArtifacts(ctx context.Context) ([]Artifact, error) {
	recs, err := s.Query(ctx, KindArtifact, Query{
		Where:   []Filter{NotNull("file_path")},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	return artifactsFromRecords(recs), nil
}

// SearchArtifacts matches term as a substring of the title or the inline
// content's JSON text, newest first.
func (s *Store) SearchArtifacts(ctx context.Context, term string) ([]Artifact, error) {
	recs, err := s.Query(ctx, KindArtifact, Query{
		Any:     []Filter{Like("title", term), Like("content", term)},
		OrderBy: []Order{{Column: "created_at", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	return artifactsFromRecords(recs), nil
}
