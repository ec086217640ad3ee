package persistence

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle label of tasks and subtasks. The store does
// not restrict it to the named values.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a research task.
type Task struct {
	TaskID        string         `json:"task_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Query         string         `json:"query,omitempty"`
	Status        TaskStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	Decomposition map[string]any `json:"decomposition"`
	Plan          map[string]any `json:"plan"`
	Results       map[string]any `json:"results"`
	Summary       map[string]any `json:"summary"`
	Reasoning     map[string]any `json:"reasoning"`
}

// Subtask is one decomposed topic of a task.
type Subtask struct {
	SubtaskID     string     `json:"subtask_id"`
	TaskID        string     `json:"task_id"`
	Topic         string     `json:"topic"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	KeyQuestions  []string   `json:"key_questions"`
	SearchResults []any      `json:"search_results"`
}

func taskRecord(t Task) Record {
	rec := Record{"title": t.Title}
	rec.setText("task_id", t.TaskID)
	rec.setText("description", t.Description)
	rec.setText("query", t.Query)
	rec.setText("status", string(t.Status))
	rec.setTime("created_at", t.CreatedAt)
	rec.setTimePtr("completed_at", t.CompletedAt)
	rec.setDoc("metadata", t.Metadata)
	rec.setDoc("decomposition", t.Decomposition)
	rec.setDoc("plan", t.Plan)
	rec.setDoc("results", t.Results)
	rec.setDoc("summary", t.Summary)
	rec.setDoc("reasoning", t.Reasoning)
	return rec
}

func taskFromRecord(rec Record) *Task {
	return &Task{
		TaskID:        rec.str("task_id"),
		Title:         rec.str("title"),
		Description:   rec.str("description"),
		Query:         rec.str("query"),
		Status:        TaskStatus(rec.str("status")),
		CreatedAt:     rec.timestamp("created_at"),
		UpdatedAt:     rec.timestamp("updated_at"),
		CompletedAt:   rec.timePtr("completed_at"),
		Metadata:      rec.doc("metadata"),
		Decomposition: rec.doc("decomposition"),
		Plan:          rec.doc("plan"),
		Results:       rec.doc("results"),
		Summary:       rec.doc("summary"),
		Reasoning:     rec.doc("reasoning"),
	}
}

// StoreTask writes t as the full state of its task (updated_at is always
// refreshed; created_at is kept when set) and returns the task id.
func (s *Store) StoreTask(ctx context.Context, t Task) (string, error) {
	return s.Upsert(ctx, KindTask, taskRecord(t))
}

// NewTask holds the fields needed to open a task.
type NewTask struct {
	TaskID      string
	Title       string
	Description string
	Query       string
	Metadata    map[string]any
}

// CreateTask records a new pending task.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (string, error) {
	return s.StoreTask(ctx, Task{
		TaskID:      nt.TaskID,
		Title:       nt.Title,
		Description: nt.Description,
		Query:       nt.Query,
		Status:      TaskPending,
		Metadata:    nt.Metadata,
	})
}

// GetTask returns the task, or nil when it does not exist.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	rec, err := s.Get(ctx, KindTask, taskID)
	if err != nil || rec == nil {
		return nil, err
	}
	return taskFromRecord(rec), nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	q := Query{OrderBy: []Order{{Column: "created_at", Desc: true}}, Limit: limit}
	if status != "" {
		q.Where = append(q.Where, Eq("status", string(status)))
	}
	recs, err := s.Query(ctx, KindTask, q)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *taskFromRecord(rec))
	}
	return out, nil
}

// UpdateTask patches the named columns of a task. It returns ErrNotFound
// when fields is non-empty and no task matched.
func (s *Store) UpdateTask(ctx context.Context, taskID string, fields Record) error {
	if len(fields) == 0 {
		return nil
	}
	matched, err := s.UpdateFields(ctx, KindTask, taskID, fields)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus sets the status, stamping completed_at for terminal
// statuses and clearing it otherwise.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	fields := Record{"status": string(status), "completed_at": nil}
	if status.Terminal() {
		fields["completed_at"] = s.now()
	}
	return s.UpdateTask(ctx, taskID, fields)
}

func subtaskRecord(st Subtask) Record {
	rec := Record{"task_id": st.TaskID, "topic": st.Topic}
	rec.setText("subtask_id", st.SubtaskID)
	rec.setText("description", st.Description)
	rec.setText("status", string(st.Status))
	rec.setText("assigned_agent", st.AssignedAgent)
	rec.setTime("created_at", st.CreatedAt)
	rec.setTimePtr("completed_at", st.CompletedAt)
	if st.KeyQuestions != nil {
		rec["key_questions"] = st.KeyQuestions
	}
	if st.SearchResults != nil {
		rec["search_results"] = st.SearchResults
	}
	return rec
}

func subtaskFromRecord(rec Record) *Subtask {
	return &Subtask{
		SubtaskID:     rec.str("subtask_id"),
		TaskID:        rec.str("task_id"),
		Topic:         rec.str("topic"),
		Description:   rec.str("description"),
		Status:        TaskStatus(rec.str("status")),
		AssignedAgent: rec.str("assigned_agent"),
		CreatedAt:     rec.timestamp("created_at"),
		UpdatedAt:     rec.timestamp("updated_at"),
		CompletedAt:   rec.timePtr("completed_at"),
		KeyQuestions:  rec.stringList("key_questions"),
		SearchResults: rec.list("search_results"),
	}
}

// StoreSubtask writes st as the full state of its subtask and returns its id.
func (s *Store) StoreSubtask(ctx context.Context, st Subtask) (string, error) {
	return s.Upsert(ctx, KindSubtask, subtaskRecord(st))
}

// GetSubtask returns the subtask, or nil when it does not exist.
func (s *Store) GetSubtask(ctx context.Context, subtaskID string) (*Subtask, error) {
	rec, err := s.Get(ctx, KindSubtask, subtaskID)
	if err != nil || rec == nil {
		return nil, err
	}
	return subtaskFromRecord(rec), nil
}

// ListSubtasks returns a task's subtasks in creation order.
func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	recs, err := s.Query(ctx, KindSubtask, Query{
		Where:   []Filter{Eq("task_id", taskID)},
		OrderBy: []Order{{Column: "created_at"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Subtask, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *subtaskFromRecord(rec))
	}
	return out, nil
}
