package persistence

import (
	"context"
	"time"
)

// Source is an information source referenced by research output.
type Source struct {
	SourceID         string         `json:"source_id"`
	URL              string         `json:"url,omitempty"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	SourceType       string         `json:"source_type,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	AccessedAt       time.Time      `json:"accessed_at"`
	Metadata         map[string]any `json:"metadata"`
	ContentHash      string         `json:"content_hash,omitempty"`
	ReliabilityScore *float64       `json:"reliability_score,omitempty"`
}

func sourceRecord(src Source) Record {
	rec := Record{}
	rec.setText("source_id", src.SourceID)
	rec.setText("url", src.URL)
	rec.setText("title", src.Title)
	rec.setText("description", src.Description)
	rec.setText("source_type", src.SourceType)
	rec.setText("provider", src.Provider)
	rec.setTime("accessed_at", src.AccessedAt)
	rec.setDoc("metadata", src.Metadata)
	rec.setText("content_hash", src.ContentHash)
	if src.ReliabilityScore != nil {
		rec["reliability_score"] = *src.ReliabilityScore
	}
	return rec
}

func sourceFromRecord(rec Record) *Source {
	return &Source{
		SourceID:         rec.str("source_id"),
		URL:              rec.str("url"),
		Title:            rec.str("title"),
		Description:      rec.str("description"),
		SourceType:       rec.str("source_type"),
		Provider:         rec.str("provider"),
		AccessedAt:       rec.timestamp("accessed_at"),
		Metadata:         rec.doc("metadata"),
		ContentHash:      rec.str("content_hash"),
		ReliabilityScore: rec.floatPtr("reliability_score"),
	}
}

func sourcesFromRecords(recs []Record) []Source {
	out := make([]Source, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *sourceFromRecord(rec))
	}
	return out
}

// StoreSource writes src as the full state of its source and returns its id.
func (s *Store) StoreSource(ctx context.Context, src Source) (string, error) {
	return s.Upsert(ctx, KindSource, sourceRecord(src))
}

// GetSource returns the source, or nil when it does not exist.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	rec, err := s.Get(ctx, KindSource, sourceID)
	if err != nil || rec == nil {
		return nil, err
	}
	return sourceFromRecord(rec), nil
}

// SearchSources matches term as a substring of title, description or url,
// most reliable first.
func (s *Store) SearchSources(ctx context.Context, term string) ([]Source, error) {
	recs, err := s.Query(ctx, KindSource, Query{
		Any:     []Filter{Like("title", term), Like("description", term), Like("url", term)},
		OrderBy: []Order{{Column: "reliability_score", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	return sourcesFromRecords(recs), nil
}

// SourcesByURL returns every source recorded for url, oldest access first.
func (s *Store) SourcesByURL(ctx context.Context, url string) ([]Source, error) {
	recs, err := s.Query(ctx, KindSource, Query{
		Where:   []Filter{Eq("url", url)},
		OrderBy: []Order{{Column: "accessed_at"}},
	})
	if err != nil {
		return nil, err
	}
	return sourcesFromRecords(recs), nil
}
