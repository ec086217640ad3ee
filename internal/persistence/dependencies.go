package persistence

import (
	"context"
	"time"
)

// DependencyType says how an operation relates to the one it depends on.
type DependencyType string

const (
	DependencySequential  DependencyType = "sequential"
	DependencyParallel    DependencyType = "parallel"
	DependencyConditional DependencyType = "conditional"
)

var dependencyTypes = []string{
	string(DependencySequential),
	string(DependencyParallel),
	string(DependencyConditional),
}

// OperationDependency is a directed edge: OperationID depends on DependsOn.
type OperationDependency struct {
	DependencyID string         `json:"dependency_id"`
	OperationID  string         `json:"operation_id"`
	DependsOn    string         `json:"depends_on_operation_id"`
	Type         DependencyType `json:"dependency_type"`
	CreatedAt    time.Time      `json:"created_at"`
}

func dependencyFromRecord(rec Record) OperationDependency {
	return OperationDependency{
		DependencyID: rec.str("dependency_id"),
		OperationID:  rec.str("operation_id"),
		DependsOn:    rec.str("depends_on_operation_id"),
		Type:         DependencyType(rec.str("dependency_type")),
		CreatedAt:    rec.timestamp("created_at"),
	}
}

// AddDependency records that operationID depends on dependsOn. An empty
// type means sequential. Neither operation has to exist and cycles are
// not detected.
func (s *Store) AddDependency(ctx context.Context, operationID, dependsOn string, typ DependencyType) (string, error) {
	rec := Record{
		"operation_id":            operationID,
		"depends_on_operation_id": dependsOn,
	}
	if typ != "" {
		rec["dependency_type"] = string(typ)
	}
	return s.Upsert(ctx, KindDependency, rec)
}

// Dependencies lists the edges leaving operationID, oldest first.
func (s *Store) Dependencies(ctx context.Context, operationID string) ([]OperationDependency, error) {
	return s.dependencyEdges(ctx, "operation_id", operationID)
}

// Dependents lists the edges pointing at operationID, oldest first.
func (s *Store) Dependents(ctx context.Context, operationID string) ([]OperationDependency, error) {
	return s.dependencyEdges(ctx, "depends_on_operation_id", operationID)
}

func (s *Store) dependencyEdges(ctx context.Context, column, operationID string) ([]OperationDependency, error) {
	recs, err := s.Query(ctx, KindDependency, Query{
		Where:   []Filter{Eq(column, operationID)},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]OperationDependency, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dependencyFromRecord(rec))
	}
	return out, nil
}
