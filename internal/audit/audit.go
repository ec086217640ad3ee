// Package audit keeps an append-only JSONL journal of knowledge-base writes
// at <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kumanday/nexus-agents/internal/bus"
	"github.com/kumanday/nexus-agents/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Journal appends audit entries to a file. It is safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
	wg   sync.WaitGroup
}

// Path returns the journal location for a home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// Open opens (creating if needed) the journal under homeDir.
func Open(homeDir string) (*Journal, error) {
	path := Path(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return &Journal{file: f, now: time.Now}, nil
}

// Record appends one entry. Subject and detail are redacted first.
func (j *Journal) Record(traceID, action, subject, outcome, detail string) {
	if j == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   shared.Redact(subject),
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
		TraceID:   traceID,
	})
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_, _ = j.file.Write(append(b, '\n'))
	}
}

// Follow records every event delivered on sub until the subscription is
// closed. Close waits for it to drain.
func (j *Journal) Follow(sub *bus.Subscription) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for ev := range sub.Ch() {
			subject, detail := describe(ev.Payload)
			j.Record("", ev.Topic, subject, "ok", detail)
		}
	}()
}

func describe(payload any) (subject, detail string) {
	switch p := payload.(type) {
	case bus.OperationEvent:
		return p.OperationID, fmt.Sprintf("task=%s type=%s %s->%s", p.TaskID, p.Type, p.OldStatus, p.NewStatus)
	case bus.EvidenceEvent:
		return p.EvidenceID, fmt.Sprintf("operation=%s type=%s size=%d", p.OperationID, p.Type, p.SizeBytes)
	case bus.ArtifactEvent:
		return p.ArtifactID, fmt.Sprintf("task=%s type=%s format=%s size=%d sha256=%s", p.TaskID, p.Type, p.Format, p.SizeBytes, p.Checksum)
	case bus.CacheEvent:
		return p.ResultID, fmt.Sprintf("provider=%s expires=%s", p.Provider, p.ExpiresAt)
	default:
		return "", fmt.Sprintf("%v", payload)
	}
}

// Close waits for followers to finish and closes the file. Followers only
// finish once their subscriptions are closed.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.wg.Wait()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
