package persistence

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kumanday/nexus-agents/internal/bus"
	kbotel "github.com/kumanday/nexus-agents/internal/otel"
)

// EvidenceType classifies an evidence item. Values outside the named set
// are accepted.
type EvidenceType string

const (
	EvidenceSearchQuery       EvidenceType = "search_query"
	EvidenceSearchResults     EvidenceType = "search_results"
	EvidenceScrapedContent    EvidenceType = "scraped_content"
	EvidenceLLMPrompt         EvidenceType = "llm_prompt"
	EvidenceLLMResponse       EvidenceType = "llm_response"
	EvidenceGeneratedArtifact EvidenceType = "generated_artifact"
)

// Known reports whether t is one of the named evidence types.
func (t EvidenceType) Known() bool {
	switch t {
	case EvidenceSearchQuery, EvidenceSearchResults, EvidenceScrapedContent,
		EvidenceLLMPrompt, EvidenceLLMResponse, EvidenceGeneratedArtifact:
		return true
	}
	return false
}

// Evidence is one immutable input or output observed during an operation.
type Evidence struct {
	EvidenceID  string          `json:"evidence_id"`
	OperationID string          `json:"operation_id"`
	Type        EvidenceType    `json:"evidence_type"`
	Data        json.RawMessage `json:"evidence_data"`
	SourceURL   string          `json:"source_url,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SizeBytes   int64           `json:"size_bytes"`
	Metadata    map[string]any  `json:"metadata"`
}

// Decode unmarshals the evidence payload into v.
func (e *Evidence) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &SerializationError{Kind: KindEvidence.Name, Column: "evidence_data", Err: err}
	}
	return nil
}

// evidenceFromRow builds an Evidence from scanned columns. Data is the
// stored text as written, not a re-encoding of the decoded value.
func evidenceFromRow(dest []any) (Evidence, error) {
	rec, err := KindEvidence.decode(dest)
	if err != nil {
		return Evidence{}, err
	}
	ev := Evidence{
		EvidenceID:  rec.str("evidence_id"),
		OperationID: rec.str("operation_id"),
		Type:        EvidenceType(rec.str("evidence_type")),
		SourceURL:   rec.str("source_url"),
		Provider:    rec.str("provider"),
		CreatedAt:   rec.timestamp("created_at"),
		Metadata:    rec.doc("metadata"),
	}
	if n := rec.int64Ptr("size_bytes"); n != nil {
		ev.SizeBytes = *n
	}
	if raw, ok := KindEvidence.rawText(dest, "evidence_data"); ok {
		ev.Data = json.RawMessage(raw)
	}
	return ev, nil
}

// NewEvidence describes an evidence item to append. Data is any
// JSON-encodable value other than nil.
type NewEvidence struct {
	OperationID string
	Type        EvidenceType
	Data        any
	SourceURL   string
	Provider    string
	Metadata    map[string]any
}

// AddEvidence appends an evidence item and returns its id. size_bytes is
// the length of the encoding/json serialization of Data, which sorts map
// keys, so equal data always yields equal size.
func (s *Store) AddEvidence(ctx context.Context, ev NewEvidence) (id string, err error) {
	ctx, done := s.track(ctx, "evidence.add", kbotel.AttrOperationID.String(ev.OperationID))
	defer func() { done(err) }()

	if isNil(ev.Data) {
		return "", &IntegrityError{Kind: KindEvidence.Name, Field: "evidence_data", Reason: "evidence data is required"}
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return "", &SerializationError{Kind: KindEvidence.Name, Column: "evidence_data", Err: err}
	}
	if string(raw) == "null" {
		return "", &IntegrityError{Kind: KindEvidence.Name, Field: "evidence_data", Reason: "evidence data is required"}
	}
	size := int64(len(raw))

	rec := Record{
		"operation_id":  ev.OperationID,
		"evidence_type": string(ev.Type),
		"evidence_data": json.RawMessage(raw),
		"size_bytes":    size,
	}
	rec.setText("source_url", ev.SourceURL)
	rec.setText("provider", ev.Provider)
	rec.setDoc("metadata", ev.Metadata)

	id, err = s.Upsert(ctx, KindEvidence, rec)
	if err != nil {
		return "", err
	}
	if ev.Type != "" && !ev.Type.Known() {
		s.logger.Debug("evidence type outside the named set", "evidence_type", string(ev.Type))
	}
	s.metrics.EvidenceBytes.Add(ctx, size, metric.WithAttributes(attribute.String("evidence_type", string(ev.Type))))
	s.publish(bus.TopicEvidenceAdded, bus.EvidenceEvent{
		EvidenceID:  id,
		OperationID: ev.OperationID,
		Type:        string(ev.Type),
		SizeBytes:   size,
	})
	return id, nil
}

// ListEvidence returns an operation's evidence in creation order.
func (s *Store) ListEvidence(ctx context.Context, operationID string) (out []Evidence, err error) {
	ctx, done := s.track(ctx, "evidence.list", kbotel.AttrOperationID.String(operationID))
	defer func() { done(err) }()

	stmt, args, err := KindEvidence.buildSelect(Query{
		Where:   []Filter{Eq("operation_id", operationID)},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	out = []Evidence{}
	err = s.scanRows(ctx, KindEvidence, stmt, args, func(dest []any) error {
		ev, err := evidenceFromRow(dest)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
