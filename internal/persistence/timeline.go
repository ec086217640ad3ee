package persistence

import (
	"context"
	"database/sql"
	"fmt"

	kbotel "github.com/kumanday/nexus-agents/internal/otel"
)

// TimelineEntry is one operation with its evidence in creation order.
type TimelineEntry struct {
	Operation Operation  `json:"operation"`
	Evidence  []Evidence `json:"evidence"`
}

// Timeline assembles the task's operations, ordered by effective start,
// each with its evidence. Every operation appears exactly once; one
// without evidence carries an empty slice.
func (s *Store) Timeline(ctx context.Context, taskID string) (entries []TimelineEntry, err error) {
	ctx, done := s.track(ctx, "timeline", kbotel.AttrTaskID.String(taskID))
	defer func() { done(err) }()

	stmt := fmt.Sprintf(`
		SELECT %s, %s
		FROM task_operations o
		LEFT JOIN operation_evidence e ON e.operation_id = o.operation_id
		WHERE o.task_id = ?
		ORDER BY COALESCE(o.started_at, o.created_at) ASC, o.rowid ASC, e.created_at ASC, e.rowid ASC;
	`, KindOperation.selectList("o"), KindEvidence.selectList("e"))

	rows, err := s.db.QueryContext(ctx, stmt, taskID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]int)
	entries = []TimelineEntry{}
	for rows.Next() {
		opDest := KindOperation.scanDest()
		evDest := KindEvidence.scanDest()
		if err := rows.Scan(append(opDest, evDest...)...); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}

		opID := opDest[KindOperation.index[KindOperation.ID]].(*sql.NullString).String
		i, seen := byID[opID]
		if !seen {
			rec, err := KindOperation.decode(opDest)
			if err != nil {
				return nil, err
			}
			i = len(entries)
			byID[opID] = i
			entries = append(entries, TimelineEntry{Operation: *operationFromRecord(rec), Evidence: []Evidence{}})
		}

		if !evDest[KindEvidence.index[KindEvidence.ID]].(*sql.NullString).Valid {
			continue
		}
		ev, err := evidenceFromRow(evDest)
		if err != nil {
			return nil, err
		}
		entries[i].Evidence = append(entries[i].Evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return entries, nil
}
