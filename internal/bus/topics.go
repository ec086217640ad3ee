package bus

// Operation ledger topics.
const (
	TopicOperationCreated   = "operation.created"
	TopicOperationStarted   = "operation.started"
	TopicOperationCompleted = "operation.completed"
	TopicOperationFailed    = "operation.failed"
)

// Evidence, artifact and cache topics.
const (
	TopicEvidenceAdded  = "evidence.added"
	TopicArtifactStored = "artifact.stored"
	TopicCacheStored    = "cache.stored"
)

// OperationEvent is published on every operation lifecycle change.
type OperationEvent struct {
	OperationID string
	TaskID      string
	Type        string
	OldStatus   string // empty on creation
	NewStatus   string
}

// EvidenceEvent is published when evidence is appended to an operation.
type EvidenceEvent struct {
	EvidenceID  string
	OperationID string
	Type        string
	SizeBytes   int64
}

// ArtifactEvent is published after a file artifact is written and registered.
type ArtifactEvent struct {
	ArtifactID string
	TaskID     string
	Type       string
	Format     string
	SizeBytes  int64
	Checksum   string
}

// CacheEvent is published when a new cache generation is inserted.
type CacheEvent struct {
	ResultID  string
	Query     string
	Provider  string
	ExpiresAt string
}
