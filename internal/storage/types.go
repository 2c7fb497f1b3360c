package storage

import (
	"context"
	"time"

	"atlas/internal/atlas"
)

// SearchResult represents a single hit from the full-text tier.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]string
}

// FullTextSearch is the minimum interface a full-text backend must satisfy.
// Backends may additionally implement ChunkSearcher, SnippetProvider,
// ChunksTableProbe and ChunkUpserter; callers type-assert for those.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	GetByID(ctx context.Context, id string) (SearchResult, bool, error)
}

// ChunkSearcher is an optional capability of a FullTextSearch backend that
// understands the chunks table directly (language-aware, metadata-filtered).
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query string, lang string, limit int, filter map[string]string) ([]SearchResult, error)
}

// SnippetProvider is an optional capability for backend-generated highlighted
// snippets (e.g. Postgres ts_headline).
type SnippetProvider interface {
	SnippetForID(ctx context.Context, id, lang, query string) (string, bool, error)
}

// ChunksTableProbe reports whether a dedicated chunks table/index exists.
type ChunksTableProbe interface {
	HasChunksTable(ctx context.Context) (bool, error)
}

// ChunkUpserter is an optional capability for writing directly into a
// chunks table rather than the generic documents table.
type ChunkUpserter interface {
	UpsertChunk(ctx context.Context, chunkID, docID string, idx int, text string, metadata map[string]string, lang string) error
}

// VectorResult is a single nearest-neighbor hit. Score is similarity;
// higher is closer.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorStore is the minimum interface a vector backend must satisfy.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Dimension() int
}

// MetadataStore is the authoritative relational tier for Source and Chunk
// rows. Every write the Coordinator accepts must commit here first.
type MetadataStore interface {
	UpsertSource(ctx context.Context, s atlas.Source) error
	GetSource(ctx context.Context, id string) (atlas.Source, bool, error)
	GetSourceByPath(ctx context.Context, path string) (atlas.Source, bool, error)

	UpsertChunks(ctx context.Context, chunks []atlas.Chunk) error
	GetChunk(ctx context.Context, id string) (atlas.Chunk, bool, error)
	GetChunksBySource(ctx context.Context, sourceID string) ([]atlas.Chunk, error)
	// ListActiveChunks returns active (non-superseded, non-deletion-eligible)
	// chunks ordered by (source_id, chunk_index), for the Consolidation
	// Engine's proximity selection. limit<=0 means no cap.
	ListActiveChunks(ctx context.Context, limit int) ([]atlas.Chunk, error)
	// FindChunkByContentHash returns the id of an active chunk already
	// carrying this content hash, for dedup/reuse during re-ingestion.
	FindChunkByContentHash(ctx context.Context, hash string) (string, bool, error)

	// MarkSuperseded transitions oldIDs to superseded-by-newID (newID may be
	// empty, meaning deletion-eligible instead) and stamps DeletionMarkedAt.
	MarkSuperseded(ctx context.Context, oldIDs []string, newID string, eligible bool, markedAt time.Time) error

	// EligibleForPurge returns chunks marked deletion-eligible before cutoff.
	EligibleForPurge(ctx context.Context, cutoff time.Time, limit int) ([]atlas.Chunk, error)
	// PurgeChunks permanently removes the given chunk ids from Metadata.
	PurgeChunks(ctx context.Context, ids []string) error

	UpsertQNTMKey(ctx context.Context, key atlas.QNTMKey) error
}

// CacheStore hydrates hot chunk payload lookups by id with a bounded TTL.
type CacheStore interface {
	Get(ctx context.Context, id string) (atlas.Chunk, bool, error)
	Set(ctx context.Context, chunk atlas.Chunk, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// AnalyticsStore is an append-only sink for chunk write/delete events, used
// for out-of-band aggregate reporting; it never participates in the read path.
type AnalyticsStore interface {
	RecordChunkWrite(ctx context.Context, chunk atlas.Chunk) error
	RecordChunkDelete(ctx context.Context, id string, reason string) error
}

// ArchiveStore is the object-store capability the Retention Vacuum (C12)
// uses to write chunk payloads before physical purge. It is itself
// capability-gated: a nil ArchiveStore means archival is skipped.
type ArchiveStore interface {
	PutChunkArchive(ctx context.Context, chunk atlas.Chunk) error
}

// ReconcileOp is one queued best-effort write against a non-authoritative
// tier after the Metadata write already committed.
type ReconcileOp struct {
	ChunkID   string
	Tier      string // "vector" | "fulltext" | "cache" | "analytics"
	Kind      string // "upsert" | "delete"
	Attempts  int
	NextRetry time.Time
	LastErr   string
}

// TierHealth summarizes one reconcile-queue tier for the health RPC method.
type TierHealth struct {
	QueueDepth int
	Lag        time.Duration
}
