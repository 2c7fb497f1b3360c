// Package retention implements the Retention Vacuum (C12): a periodic sweep
// that enforces the grace-window physical purge rule, archiving each
// purged chunk's payload before it is removed from Metadata. Grounded on
// the Storage Coordinator's reconciler ticker-loop shape (internal/storage/
// reconcile.go), trimmed to a single-tier sweep with no retry queue of its
// own — a failed sweep simply tries again next interval.
package retention

import (
	"context"
	"sync"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/logging"
	"atlas/internal/storage"
)

// Config tunes the vacuum sweep. Interval<=0 defaults to 1h per the
// retention design; GraceWindow<=0 defaults to 14 days.
type Config struct {
	Interval    time.Duration
	GraceWindow time.Duration
	BatchSize   int // chunks purged per sweep call; <=0 defaults to 200
}

// Stats tracks vacuum sweep activity, surfaced for diagnostics.
type Stats struct {
	Runs           int
	ChunksPurged   int
	ChunksArchived int
	ArchiveSkipped int // archival skipped because no ArchiveStore is bound
	Errors         int
	LastRunAt      time.Time
}

// Vacuum periodically purges deletion-eligible chunks that have aged past
// the grace window, archiving their payloads first when an ArchiveStore is
// bound.
type Vacuum struct {
	metadata storage.MetadataStore
	archive  storage.ArchiveStore
	log      logging.Logger

	interval  time.Duration
	grace     time.Duration
	batchSize int

	mu    sync.Mutex
	stats Stats
}

// New builds a Vacuum. metadata must be non-nil; archive may be nil, in
// which case purges proceed without archival (capability-gated, per C12).
func New(metadata storage.MetadataStore, archive storage.ArchiveStore, cfg Config, log logging.Logger) *Vacuum {
	if log == nil {
		log = logging.Nop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = 14 * 24 * time.Hour
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	return &Vacuum{
		metadata:  metadata,
		archive:   archive,
		log:       log,
		interval:  interval,
		grace:     grace,
		batchSize: batch,
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled. Callers should
// invoke it in its own goroutine.
func (v *Vacuum) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass immediately. Exported so callers (tests, an
// admin RPC trigger) can run it outside the ticker cadence.
func (v *Vacuum) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-v.grace)
	chunks, err := v.metadata.EligibleForPurge(ctx, cutoff, v.batchSize)
	v.mu.Lock()
	v.stats.Runs++
	v.stats.LastRunAt = time.Now()
	v.mu.Unlock()
	if err != nil {
		v.log.Error("vacuum: list eligible chunks failed", map[string]any{"err": err.Error()})
		v.mu.Lock()
		v.stats.Errors++
		v.mu.Unlock()
		return
	}
	if len(chunks) == 0 {
		return
	}

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if !v.archiveChunk(ctx, c) {
			continue
		}
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return
	}
	if err := v.metadata.PurgeChunks(ctx, ids); err != nil {
		v.log.Error("vacuum: purge failed", map[string]any{"err": err.Error(), "count": len(ids)})
		v.mu.Lock()
		v.stats.Errors++
		v.mu.Unlock()
		return
	}
	v.mu.Lock()
	v.stats.ChunksPurged += len(ids)
	v.mu.Unlock()
	v.log.Info("vacuum: purged chunks", map[string]any{"count": len(ids)})
}

// archiveChunk writes chunk's payload to the archive store before purge.
// Archival failure aborts that chunk's purge for this run so unarchived
// data is never deleted; a nil archive store is a capability-gated skip,
// not a failure.
func (v *Vacuum) archiveChunk(ctx context.Context, chunk atlas.Chunk) bool {
	if v.archive == nil {
		v.mu.Lock()
		v.stats.ArchiveSkipped++
		v.mu.Unlock()
		return true
	}
	if err := v.archive.PutChunkArchive(ctx, chunk); err != nil {
		v.log.Error("vacuum: archive failed, skipping purge for chunk", map[string]any{
			"chunk_id": chunk.ID, "err": err.Error(),
		})
		v.mu.Lock()
		v.stats.Errors++
		v.mu.Unlock()
		return false
	}
	v.mu.Lock()
	v.stats.ChunksArchived++
	v.mu.Unlock()
	return true
}

// Stats returns a snapshot of vacuum activity counters.
func (v *Vacuum) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}
