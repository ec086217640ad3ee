package persistence

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kumanday/nexus-agents/internal/bus"
	kbotel "github.com/kumanday/nexus-agents/internal/otel"
)

// DefaultCacheTTLHours is used when CacheResults is given a non-positive TTL.
const DefaultCacheTTLHours = 24

// cachedGeneration is the hot-path copy of the newest live cache row.
type cachedGeneration struct {
	raw       []byte
	expiresAt time.Time
}

func cacheKey(query, provider string) string {
	return provider + "\x00" + query
}

// CacheResults stores a new generation of results for (query, provider),
// live for ttlHours. Earlier generations stay in place; reads pick the newest.
func (s *Store) CacheResults(ctx context.Context, query, provider string, results any, ttlHours int) (resultID string, err error) {
	ctx, done := s.track(ctx, "cache.put", kbotel.AttrProvider.String(provider))
	defer func() { done(err) }()

	if ttlHours <= 0 {
		ttlHours = DefaultCacheTTLHours
	}
	now := s.now()
	expiresAt := now.Add(time.Duration(ttlHours) * time.Hour)

	// Invalidate before writing so a concurrent loader cannot repopulate the
	// hot entry with the generation this write supersedes.
	s.cacheEpoch.Add(1)
	if s.hot != nil {
		s.hot.Remove(cacheKey(query, provider))
	}

	resultID, err = s.Upsert(ctx, KindCachedResult, Record{
		"query":      query,
		"provider":   provider,
		"results":    results,
		"created_at": now,
		"expires_at": expiresAt,
	})
	if err != nil {
		return "", err
	}
	s.cacheEpoch.Add(1)
	if s.hot != nil {
		s.hot.Remove(cacheKey(query, provider))
	}

	s.publish(bus.TopicCacheStored, bus.CacheEvent{
		ResultID:  resultID,
		Query:     query,
		Provider:  provider,
		ExpiresAt: formatTime(expiresAt),
	})
	return resultID, nil
}

// CachedResults returns the results of the newest unexpired generation for
// (query, provider). ok is false on a miss. Expired rows are ignored, never
// deleted.
func (s *Store) CachedResults(ctx context.Context, query, provider string) (results []any, ok bool, err error) {
	ctx, done := s.track(ctx, "cache.get", kbotel.AttrProvider.String(provider))
	defer func() { done(err) }()

	key := cacheKey(query, provider)
	now := s.now()

	if s.hot != nil {
		if gen, hit := s.hot.Get(key); hit {
			if gen.expiresAt.After(now) {
				s.countCache(ctx, true, "hot")
				return decodeResults(gen.raw)
			}
			s.hot.Remove(key)
		}
	}

	// Loads are shared only within one epoch, so a caller never joins a
	// load that started before a put it has already observed.
	epoch := s.cacheEpoch.Load()
	v, err, _ := s.flight.Do(fmt.Sprintf("%s\x00%d", key, epoch), func() (any, error) {
		gen, err := s.loadGeneration(ctx, query, provider, now)
		if s.afterLoad != nil {
			s.afterLoad()
		}
		if err != nil || gen == nil {
			return gen, err
		}
		if s.hot != nil && s.cacheEpoch.Load() == epoch {
			s.hot.Add(key, *gen)
		}
		return gen, nil
	})
	if err != nil {
		return nil, false, err
	}
	gen, _ := v.(*cachedGeneration)
	if gen != nil && !gen.expiresAt.After(now) {
		gen = nil
	}
	if gen == nil {
		s.countCache(ctx, false, "db")
		return nil, false, nil
	}
	s.countCache(ctx, true, "db")
	return decodeResults(gen.raw)
}

func (s *Store) loadGeneration(ctx context.Context, query, provider string, now time.Time) (*cachedGeneration, error) {
	stmt, args, err := KindCachedResult.buildSelect(Query{
		Where: []Filter{
			Eq("query", query),
			Eq("provider", provider),
			Gt("expires_at", now),
		},
		OrderBy: []Order{{Column: "created_at", Desc: true}},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	var gen *cachedGeneration
	err = s.scanRows(ctx, KindCachedResult, stmt, args, func(dest []any) error {
		rec, err := KindCachedResult.decode(dest)
		if err != nil {
			return err
		}
		raw, _ := KindCachedResult.rawText(dest, "results")
		gen = &cachedGeneration{raw: []byte(raw), expiresAt: rec.timestamp("expires_at")}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// decodeResults hands every caller its own copy of the cached documents.
func decodeResults(raw []byte) ([]any, bool, error) {
	v, err := decodeJSON(string(raw))
	if err != nil {
		return nil, false, fmt.Errorf("decode cached results: %w", &SerializationError{Kind: KindCachedResult.Name, Column: "results", Err: err})
	}
	out, _ := v.([]any)
	if out == nil {
		out = []any{}
	}
	return out, true, nil
}

func (s *Store) countCache(ctx context.Context, hit bool, layer string) {
	attrs := metric.WithAttributes(attribute.String("layer", layer))
	if hit {
		s.metrics.CacheHits.Add(ctx, 1, attrs)
		return
	}
	s.metrics.CacheMisses.Add(ctx, 1, attrs)
}
