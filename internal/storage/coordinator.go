package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/logging"
)

// ChunkWrite pairs a Chunk with the named vectors the Ingestion Pipeline
// computed for it. The Coordinator picks the first vector as the point
// upserted into the Vector tier; additional vectors are not stored.
type ChunkWrite struct {
	Chunk   atlas.Chunk
	Vectors []atlas.NamedVector
}

// CoordinatorConfig wires the five tiers plus tuning knobs. Cache and
// Analytics may be nil (capability-gated); Vector, Metadata and Full-text
// are required.
type CoordinatorConfig struct {
	Metadata    MetadataStore
	Vector      VectorStore
	FullText    FullTextSearch
	Cache       CacheStore  // optional
	Analytics   AnalyticsStore // optional
	Archive     ArchiveStore   // optional, used by the Retention Vacuum
	Logger      logging.Logger
	CacheTTL    time.Duration
	GraceWindow time.Duration // default 14 days, per the supersession protocol
}

// Coordinator is the Storage Coordinator (C5): it keeps the Vector,
// Metadata, Cache, Full-text and Analytics tiers consistent for the Chunk
// aggregate, with Metadata as the sole authoritative write.
type Coordinator struct {
	metadata    MetadataStore
	vector      VectorStore
	fulltext    FullTextSearch
	cache       CacheStore
	analytics   AnalyticsStore
	archive     ArchiveStore
	log         logging.Logger
	queue       *reconciler
	cacheTTL    time.Duration
	graceWindow time.Duration
}

// NewCoordinator constructs a Coordinator and wires its reconcile queue.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = 14 * 24 * time.Hour
	}
	c := &Coordinator{
		metadata:    cfg.Metadata,
		vector:      cfg.Vector,
		fulltext:    cfg.FullText,
		cache:       cfg.Cache,
		analytics:   cfg.Analytics,
		archive:     cfg.Archive,
		log:         log,
		queue:       newReconciler(log),
		cacheTTL:    ttl,
		graceWindow: grace,
	}
	c.queue.registerTier("vector", c.reconcileVector)
	c.queue.registerTier("fulltext", c.reconcileFullText)
	c.queue.registerTier("cache", c.reconcileCache)
	c.queue.registerTier("analytics", c.reconcileAnalytics)
	return c
}

// Run starts the background reconciler; it blocks until ctx is cancelled,
// so callers should invoke it in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) { c.queue.run(ctx) }

// UpsertChunks commits writes to the authoritative Metadata tier, then
// dispatches Vector/Full-text/Cache/Analytics writes in parallel. Failures
// in the non-authoritative tiers are queued for the reconciler rather than
// returned, matching the write protocol's "Metadata succeeds or the whole
// batch fails" rule.
func (c *Coordinator) UpsertChunks(ctx context.Context, writes []ChunkWrite) error {
	if len(writes) == 0 {
		return nil
	}
	chunks := make([]atlas.Chunk, len(writes))
	for i, w := range writes {
		chunks[i] = w.Chunk
	}
	if err := c.metadata.UpsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("metadata upsert: %w", err)
	}

	type result struct {
		tier string
		err  error
	}
	results := make(chan result, len(writes)*4)
	for _, w := range writes {
		w := w
		go func() { results <- result{"vector", c.vectorUpsert(ctx, w)} }()
		go func() { results <- result{"fulltext", c.fulltextUpsert(ctx, w.Chunk)} }()
		go func() { results <- result{"cache", c.cacheUpsert(ctx, w.Chunk)} }()
		go func() { results <- result{"analytics", c.analyticsUpsert(ctx, w.Chunk)} }()
	}
	for range writes {
		for i := 0; i < 4; i++ {
			r := <-results
			if r.err != nil {
				c.log.Warn("tier write failed, queued for reconcile", map[string]any{
					"tier": r.tier, "err": r.err.Error(),
				})
			}
		}
	}
	return nil
}

// vectorUpsert writes the chunk's primary embedding. Failures are NOT
// queued for blind reconcile retry: a vector upsert requires the embedding
// the Ingestion Pipeline already computed in memory, which the reconciler
// has no way to recompute from Metadata alone. The pipeline's own retry
// loop (with the embedding still in hand) is the correct place to retry
// this; the Coordinator only logs here so the failure is visible.
func (c *Coordinator) vectorUpsert(ctx context.Context, w ChunkWrite) error {
	if c.vector == nil || len(w.Vectors) == 0 {
		return nil
	}
	md := flattenChunkMetadata(w.Chunk)
	return c.vector.Upsert(ctx, w.Chunk.ID, w.Vectors[0].Values, md)
}

func (c *Coordinator) fulltextUpsert(ctx context.Context, chunk atlas.Chunk) error {
	if c.fulltext == nil {
		return nil
	}
	md := flattenChunkMetadata(chunk)
	var err error
	if up, ok := c.fulltext.(ChunkUpserter); ok {
		err = up.UpsertChunk(ctx, chunk.ID, chunk.SourceID, chunk.ChunkIndex, chunk.Payload.Text, md, "english")
	} else {
		err = c.fulltext.Index(ctx, chunk.ID, chunk.Payload.Text, md)
	}
	if err != nil {
		c.queue.enqueue(chunk.ID, "fulltext", "upsert")
		return err
	}
	return nil
}

func (c *Coordinator) cacheUpsert(ctx context.Context, chunk atlas.Chunk) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Set(ctx, chunk, c.cacheTTL); err != nil {
		c.queue.enqueue(chunk.ID, "cache", "upsert")
		return err
	}
	return nil
}

func (c *Coordinator) analyticsUpsert(ctx context.Context, chunk atlas.Chunk) error {
	if c.analytics == nil {
		return nil
	}
	if err := c.analytics.RecordChunkWrite(ctx, chunk); err != nil {
		c.queue.enqueue(chunk.ID, "analytics", "upsert")
		return err
	}
	return nil
}

// GetChunk implements the read protocol: Cache is consulted first for
// payload hydration, falling back to Metadata and populating Cache on miss.
func (c *Coordinator) GetChunk(ctx context.Context, id string) (atlas.Chunk, bool, error) {
	if c.cache != nil {
		if chunk, ok, err := c.cache.Get(ctx, id); err == nil && ok {
			return chunk, true, nil
		}
	}
	chunk, ok, err := c.metadata.GetChunk(ctx, id)
	if err != nil || !ok {
		return chunk, ok, err
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, chunk, c.cacheTTL)
	}
	return chunk, true, nil
}

// SimilaritySearch runs the Vector tier's ANN search and hydrates hits
// against Metadata; a vector hit with no Metadata row is dropped rather
// than treated as a match, per the consistency guarantee.
func (c *Coordinator) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]atlas.Chunk, error) {
	hits, err := c.vector.SimilaritySearch(ctx, vector, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]atlas.Chunk, 0, len(hits))
	for _, h := range hits {
		chunk, ok, err := c.GetChunk(ctx, h.ID)
		if err != nil {
			c.log.Warn("metadata hydrate failed for vector hit", map[string]any{"id": h.ID, "err": err.Error()})
			continue
		}
		if !ok || !chunk.Active() {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

// Supersede marks oldIDs as superseded (or deletion-eligible when newID is
// empty) in Metadata, then queues delete ops for the non-authoritative
// tiers. Physical purge is deferred to the Retention Vacuum.
func (c *Coordinator) Supersede(ctx context.Context, oldIDs []string, newID string) error {
	if len(oldIDs) == 0 {
		return nil
	}
	eligible := newID == ""
	now := time.Now().UTC()
	if err := c.metadata.MarkSuperseded(ctx, oldIDs, newID, eligible, now); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	for _, id := range oldIDs {
		if err := c.vector.Delete(ctx, id); err != nil {
			c.queue.enqueue(id, "vector", "delete")
		}
		if c.fulltext != nil {
			if err := c.fulltext.Remove(ctx, id); err != nil {
				c.queue.enqueue(id, "fulltext", "delete")
			}
		}
		if c.cache != nil {
			if err := c.cache.Delete(ctx, id); err != nil {
				c.queue.enqueue(id, "cache", "delete")
			}
		}
	}
	return nil
}

// GraceWindow returns the configured deletion-eligible grace window, read
// by the Retention Vacuum (C12) to pick a purge cutoff.
func (c *Coordinator) GraceWindow() time.Duration { return c.graceWindow }

// Metadata exposes the authoritative tier directly for components that need
// Source/QNTM-key access beyond the Chunk read/write paths above (the
// Tracker and Consolidation Engine, chiefly).
func (c *Coordinator) Metadata() MetadataStore { return c.metadata }

// FullText exposes the Full-text tier directly for the Retrieval Engine.
func (c *Coordinator) FullText() FullTextSearch { return c.fulltext }

// Vector exposes the Vector tier directly for components that need raw
// similarity search without Metadata hydration (the Consolidation Engine's
// cross-source proximity strategy, chiefly).
func (c *Coordinator) Vector() VectorStore { return c.vector }

// Archive exposes the optional archival tier for the Retention Vacuum (C12).
// Nil means no object-store backend is bound; the vacuum purges without
// archiving in that case.
func (c *Coordinator) Archive() ArchiveStore { return c.archive }

// Health reports the reconcile queue's depth and any ops that exhausted
// retries, surfaced by the RPC health method.
func (c *Coordinator) Health() (pendingReconciles int, persistentFailures []ReconcileOp) {
	return c.queue.snapshot()
}

// TierHealth reports per-tier reconcile queue depth and lag, for the RPC
// health method's tiers field.
func (c *Coordinator) TierHealth() map[string]TierHealth {
	return c.queue.depthByTier()
}

// Close releases any pooled connections held by the underlying tiers.
func (c *Coordinator) Close() {
	for _, closer := range []any{c.metadata, c.vector, c.fulltext, c.cache, c.analytics} {
		if cl, ok := closer.(interface{ Close() }); ok {
			cl.Close()
		} else if cl, ok := closer.(interface{ Close() error }); ok {
			_ = cl.Close()
		}
	}
}

// reconcileVector only ever handles queued deletes; upsert failures are
// retried by the Ingestion Pipeline directly (see vectorUpsert).
func (c *Coordinator) reconcileVector(ctx context.Context, op ReconcileOp) error {
	return c.vector.Delete(ctx, op.ChunkID)
}

func (c *Coordinator) reconcileFullText(ctx context.Context, op ReconcileOp) error {
	if op.Kind == "delete" {
		return c.fulltext.Remove(ctx, op.ChunkID)
	}
	chunk, ok, err := c.metadata.GetChunk(ctx, op.ChunkID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.fulltextUpsert(ctx, chunk)
}

func (c *Coordinator) reconcileCache(ctx context.Context, op ReconcileOp) error {
	if op.Kind == "delete" {
		return c.cache.Delete(ctx, op.ChunkID)
	}
	chunk, ok, err := c.metadata.GetChunk(ctx, op.ChunkID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.cache.Set(ctx, chunk, c.cacheTTL)
}

func (c *Coordinator) reconcileAnalytics(ctx context.Context, op ReconcileOp) error {
	if op.Kind == "delete" {
		return c.analytics.RecordChunkDelete(ctx, op.ChunkID, "reconcile")
	}
	chunk, ok, err := c.metadata.GetChunk(ctx, op.ChunkID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.analytics.RecordChunkWrite(ctx, chunk)
}

func flattenChunkMetadata(chunk atlas.Chunk) map[string]string {
	md := map[string]string{
		"type":        "chunk",
		"doc_id":      chunk.SourceID,
		"source_id":   chunk.SourceID,
		"chunk_index": strconv.Itoa(chunk.ChunkIndex),
		"file_path":   chunk.Payload.FilePath,
		"file_name":   chunk.Payload.FileName,
		"file_type":   chunk.Payload.FileType,
	}
	if chunk.Payload.ContentType != "" {
		md["content_type"] = string(chunk.Payload.ContentType)
	}
	return md
}
