package persistence

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kumanday/nexus-agents/internal/bus"
	kbotel "github.com/kumanday/nexus-agents/internal/otel"
	"github.com/kumanday/nexus-agents/internal/shared"
)

// OperationStatus is an operation's lifecycle state.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

var operationStatuses = []string{
	string(OperationPending),
	string(OperationRunning),
	string(OperationCompleted),
	string(OperationFailed),
}

// Terminal reports whether no further transition is expected.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// allowedTransitions is the expected lifecycle. The ledger records
// out-of-order transitions anyway and only logs them.
var allowedTransitions = map[OperationStatus]map[OperationStatus]struct{}{
	OperationPending: {
		OperationRunning: {},
		OperationFailed:  {},
	},
	OperationRunning: {
		OperationCompleted: {},
		OperationFailed:    {},
	},
}

func canTransition(from, to OperationStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// OperationType classifies what an operation does. Values outside the
// named set are accepted.
type OperationType string

const (
	OpDecomposition      OperationType = "decomposition"
	OpSearch             OperationType = "search"
	OpScraping           OperationType = "scraping"
	OpSummarization      OperationType = "summarization"
	OpReasoning          OperationType = "reasoning"
	OpArtifactGeneration OperationType = "artifact_generation"
)

// Known reports whether t is one of the named operation types.
func (t OperationType) Known() bool {
	switch t {
	case OpDecomposition, OpSearch, OpScraping, OpSummarization, OpReasoning, OpArtifactGeneration:
		return true
	}
	return false
}

// Operation is one unit of work performed for a task.
type Operation struct {
	OperationID  string          `json:"operation_id"`
	TaskID       string          `json:"task_id"`
	Type         OperationType   `json:"operation_type"`
	Name         string          `json:"operation_name"`
	Status       OperationStatus `json:"status"`
	AgentType    string          `json:"agent_type,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	InputData    map[string]any  `json:"input_data"`
	OutputData   map[string]any  `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     map[string]any  `json:"metadata"`
}

// EffectiveStart is the instant the timeline orders by: when the operation
// started running, or when it was created if it never did.
func (o *Operation) EffectiveStart() time.Time {
	if o.StartedAt != nil {
		return *o.StartedAt
	}
	return o.CreatedAt
}

func operationFromRecord(rec Record) *Operation {
	return &Operation{
		OperationID:  rec.str("operation_id"),
		TaskID:       rec.str("task_id"),
		Type:         OperationType(rec.str("operation_type")),
		Name:         rec.str("operation_name"),
		Status:       OperationStatus(rec.str("status")),
		AgentType:    rec.str("agent_type"),
		CreatedAt:    rec.timestamp("created_at"),
		StartedAt:    rec.timePtr("started_at"),
		CompletedAt:  rec.timePtr("completed_at"),
		DurationMs:   rec.int64Ptr("duration_ms"),
		InputData:    rec.doc("input_data"),
		OutputData:   rec.doc("output_data"),
		ErrorMessage: rec.str("error_message"),
		Metadata:     rec.doc("metadata"),
	}
}

// NewOperation describes an operation to open under a task.
type NewOperation struct {
	TaskID    string
	Type      OperationType
	Name      string
	AgentType string
	Input     map[string]any
	Metadata  map[string]any
}

// CreateOperation records a pending operation and returns its id.
func (s *Store) CreateOperation(ctx context.Context, op NewOperation) (id string, err error) {
	ctx, done := s.track(ctx, "operation.create", kbotel.AttrTaskID.String(op.TaskID))
	defer func() { done(err) }()

	rec := Record{
		"task_id":        op.TaskID,
		"operation_type": string(op.Type),
		"operation_name": op.Name,
		"status":         string(OperationPending),
	}
	rec.setText("agent_type", op.AgentType)
	rec.setDoc("input_data", op.Input)
	rec.setDoc("metadata", op.Metadata)

	id, err = s.Upsert(ctx, KindOperation, rec)
	if err != nil {
		return "", err
	}
	if op.Type != "" && !op.Type.Known() {
		s.logger.Debug("operation type outside the named set", "operation_type", string(op.Type))
	}
	s.publish(bus.TopicOperationCreated, bus.OperationEvent{
		OperationID: id,
		TaskID:      op.TaskID,
		Type:        string(op.Type),
		NewStatus:   string(OperationPending),
	})
	s.countTransition(ctx, OperationPending)
	return id, nil
}

// StartOperation marks the operation running and stamps started_at.
func (s *Store) StartOperation(ctx context.Context, operationID string) error {
	return s.transition(ctx, operationID, OperationRunning, func(now time.Time) Record {
		return Record{"status": string(OperationRunning), "started_at": now}
	})
}

// CompleteOperation marks the operation completed with its output. A nil
// durationMs leaves duration_ms unset.
func (s *Store) CompleteOperation(ctx context.Context, operationID string, output map[string]any, durationMs *int64) error {
	return s.transition(ctx, operationID, OperationCompleted, func(now time.Time) Record {
		fields := Record{
			"status":       string(OperationCompleted),
			"completed_at": now,
			"output_data":  output,
			"duration_ms":  nil,
		}
		if durationMs != nil {
			fields["duration_ms"] = *durationMs
		}
		return fields
	})
}

// FailOperation marks the operation failed with an error message.
func (s *Store) FailOperation(ctx context.Context, operationID, message string) error {
	return s.transition(ctx, operationID, OperationFailed, func(now time.Time) Record {
		return Record{
			"status":        string(OperationFailed),
			"completed_at":  now,
			"error_message": message,
		}
	})
}

var transitionTopics = map[OperationStatus]string{
	OperationRunning:   bus.TopicOperationStarted,
	OperationCompleted: bus.TopicOperationCompleted,
	OperationFailed:    bus.TopicOperationFailed,
}

// transition applies a status change in a single UPDATE. The previous
// status is read only to report out-of-order calls.
func (s *Store) transition(ctx context.Context, operationID string, to OperationStatus, fields func(time.Time) Record) (err error) {
	ctx, done := s.track(ctx, "operation.transition",
		kbotel.AttrOperationID.String(operationID),
		kbotel.AttrStatus.String(string(to)),
	)
	defer func() { done(err) }()

	var from, taskID, opType string
	err = s.db.QueryRowContext(ctx, `
		SELECT status, task_id, operation_type FROM task_operations WHERE operation_id = ?;
	`, operationID).Scan(&from, &taskID, &opType)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("operation %s: %w", operationID, ErrNotFound)
		}
		return fmt.Errorf("read operation status: %w", err)
	}

	matched, err := s.UpdateFields(ctx, KindOperation, operationID, fields(s.now()))
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("operation %s: %w", operationID, ErrNotFound)
	}

	if !canTransition(OperationStatus(from), to) {
		ctx = shared.WithTaskID(shared.WithOperationID(ctx, operationID), taskID)
		s.logger.Warn("operation transition out of order",
			append(shared.LogAttrs(ctx), "from", from, "to", string(to))...)
	}
	s.publish(transitionTopics[to], bus.OperationEvent{
		OperationID: operationID,
		TaskID:      taskID,
		Type:        opType,
		OldStatus:   from,
		NewStatus:   string(to),
	})
	s.countTransition(ctx, to)
	return nil
}

func (s *Store) countTransition(ctx context.Context, to OperationStatus) {
	s.metrics.OperationTransitions.Add(ctx, 1, metric.WithAttributes(kbotel.AttrStatus.String(string(to))))
}

// GetOperation returns the operation, or nil when it does not exist.
func (s *Store) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	rec, err := s.Get(ctx, KindOperation, operationID)
	if err != nil || rec == nil {
		return nil, err
	}
	return operationFromRecord(rec), nil
}

// ListOperations returns a task's operations ordered by effective start,
// then insertion order.
func (s *Store) ListOperations(ctx context.Context, taskID string) (ops []Operation, err error) {
	ctx, done := s.track(ctx, "operation.list", kbotel.AttrTaskID.String(taskID))
	defer func() { done(err) }()

	stmt := fmt.Sprintf(`SELECT %s FROM task_operations WHERE task_id = ?
		ORDER BY COALESCE(started_at, created_at) ASC, rowid ASC;`, KindOperation.selectList(""))
	recs, err := s.queryRecords(ctx, KindOperation, stmt, taskID)
	if err != nil {
		return nil, err
	}
	ops = make([]Operation, 0, len(recs))
	for _, rec := range recs {
		ops = append(ops, *operationFromRecord(rec))
	}
	return ops, nil
}

// ListOperationsByStatus returns operations in the given status across all
// tasks, oldest first.
func (s *Store) ListOperationsByStatus(ctx context.Context, status OperationStatus) ([]Operation, error) {
	recs, err := s.Query(ctx, KindOperation, Query{
		Where:   []Filter{Eq("status", string(status))},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(recs))
	for _, rec := range recs {
		ops = append(ops, *operationFromRecord(rec))
	}
	return ops, nil
}
