// Package atlas defines the shared data model for the semantic memory
// service: sources, chunks, vectors, qntm keys, capability bindings, and
// ingestion tasks. Components borrow these types rather than define their
// own local shapes so the Coordinator, Tracker, Pipeline and Retrieval
// Engine agree on wire-compatible structures.
package atlas

import "time"

// SourceStatus is the lifecycle state of a tracked file.
type SourceStatus string

const (
	SourceActive  SourceStatus = "active"
	SourceDeleted SourceStatus = "deleted"
	SourceIgnored SourceStatus = "ignored"
)

// Source represents a tracked file.
type Source struct {
	ID          string
	Path        string
	ContentHash string
	FileMtime   time.Time
	Status      SourceStatus
	IngestCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentType classifies a chunk's payload for embedding-modality selection
// and chunking strategy.
type ContentType string

const (
	ContentProse  ContentType = "prose"
	ContentCode   ContentType = "code"
	ContentBinary ContentType = "binary"
)

// ChunkPayload holds the text and descriptive fields carried alongside a chunk.
type ChunkPayload struct {
	Text               string
	FilePath           string
	FileName           string
	FileType           string
	ContentType        ContentType
	QNTMKeys           []string
	EmbeddingModels    []string
	ConsolidationNotes map[string]any
	Extra              map[string]any // forward-compatible escape hatch
}

// Chunk is a bounded slice of a Source's content.
type Chunk struct {
	ID                 string
	SourceID           string
	ChunkIndex         int
	TotalChunks        int
	CharCount          int
	ContentHash        string
	Payload            ChunkPayload
	ConsolidationLevel int
	SupersededBy       string // empty when not superseded
	DeletionEligible   bool
	DeletionMarkedAt   time.Time
	ByteStart          int
	ByteEnd            int
	CreatedAt          time.Time
}

// Active reports whether the chunk is the live generation (not superseded,
// not marked for deletion).
func (c Chunk) Active() bool {
	return c.SupersededBy == "" && !c.DeletionEligible
}

// NamedVector is one modality's embedding for a chunk.
type NamedVector struct {
	Name      string // e.g. "text", "code", "contextualized"
	Values    []float32
	Dimension int
	Metric    string // "cosine", "dot", "euclidean", ...
}

// QNTMKey is a compact semantic tag attached to chunks.
type QNTMKey struct {
	Key             string
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	UsageCount      int
	LastChunkID     string
}

// CapabilityBinding maps a capability name to an ordered list of backend
// identifiers (primary plus fallbacks).
type CapabilityBinding struct {
	Capability string
	Backends   []string
}

// TaskStatus is the lifecycle state of an Ingestion Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// the pending->cancelled escape hatch handled by the task owner.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskError records a single file's ingestion failure within a task.
type TaskError struct {
	Path string
	Err  string
}

// IngestionTask is a unit of ingestion work created by RPC or the Watcher.
type IngestionTask struct {
	ID        string
	Roots     []string
	Recursive bool
	Watch     bool
	CreatedAt time.Time
	Status    TaskStatus
	Processed int
	Total     int
	Errors    []TaskError
}

// Snapshot returns an immutable copy safe to publish via atomic.Pointer.
func (t *IngestionTask) Snapshot() IngestionTask {
	cp := *t
	cp.Roots = append([]string(nil), t.Roots...)
	cp.Errors = append([]TaskError(nil), t.Errors...)
	return cp
}
