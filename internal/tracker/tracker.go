// Package tracker implements the File Tracker: per-file change detection,
// chunk lineage bookkeeping, and the decision of whether a path needs
// (re-)ingestion. It is a thin decision layer over the Storage
// Coordinator's Metadata tier, grounded on the same upsert-by-path
// idempotency pattern the ingestion pipeline's idempotency resolver used
// for documents, adapted from path-hash lookups to path-based Source rows.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlas"
	"atlas/internal/logging"
	"atlas/internal/storage"
)

// Status is the outcome of a needs-ingestion decision.
type Status string

const (
	StatusNew       Status = "new"
	StatusModified  Status = "modified"
	StatusUnchanged Status = "unchanged"
)

// Decision reports what a caller should do with a candidate path.
type Decision struct {
	Status           Status
	SourceID         string
	ReusableChunkIDs []string
}

// Tracker decides, per file, whether ingestion is needed and records the
// lineage of chunks superseded by re-ingestion or deletion.
type Tracker struct {
	metadata storage.MetadataStore
	log      logging.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // sourceID -> per-source ingestion lock
}

// New builds a Tracker over the given Metadata tier.
func New(metadata storage.MetadataStore, log logging.Logger) *Tracker {
	if log == nil {
		log = logging.Nop()
	}
	return &Tracker{metadata: metadata, log: log, locks: make(map[string]*sync.Mutex)}
}

// SourceID derives the deterministic Source id for an absolute path. Two
// calls with the same (cleaned, absolute) path always agree, so a second
// ingestion for the same file naturally serializes on the same lock and
// the same Metadata row.
func SourceID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.Clean(abs)
	return "src:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(abs)).String()
}

// ComputeHash returns the strong content hash (SHA-256, hex) used to decide
// whether a file's bytes changed since the last successful ingestion.
func ComputeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Lock serializes ingestion for a single source id: a second call for the
// same id blocks until the first caller's Unlock, matching the ordering
// guarantee that a source's Metadata commit must precede any concurrent
// re-ingestion of the same path. The returned func must be called to
// release.
func (t *Tracker) Lock(sourceID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sourceID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// NeedsIngestion implements the Tracker contract's decision rule. hash and
// mtime are the caller's freshly-read values for path (the Tracker does not
// re-read the file itself — the Ingestion Pipeline already has the bytes in
// hand by the time it asks). On any Metadata lookup error, NeedsIngestion
// conservatively returns StatusNew: ingest wins over staleness.
func (t *Tracker) NeedsIngestion(ctx context.Context, path, hash string, mtime time.Time) (Decision, error) {
	src, ok, err := t.metadata.GetSourceByPath(ctx, path)
	if err != nil {
		t.log.Warn("tracker lookup failed, forcing ingestion", map[string]any{"path": path, "err": err.Error()})
		return Decision{Status: StatusNew, SourceID: SourceID(path)}, nil
	}
	if !ok {
		return Decision{Status: StatusNew, SourceID: SourceID(path)}, nil
	}
	if src.ContentHash != hash || mtime.After(src.FileMtime) {
		chunks, err := t.metadata.GetChunksBySource(ctx, src.ID)
		if err != nil {
			return Decision{Status: StatusNew, SourceID: src.ID}, nil
		}
		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			if c.Active() {
				ids = append(ids, c.ID)
			}
		}
		return Decision{Status: StatusModified, SourceID: src.ID, ReusableChunkIDs: ids}, nil
	}
	return Decision{Status: StatusUnchanged, SourceID: src.ID}, nil
}

// RecordIngestion idempotently upserts the Source row for path: content
// hash, mtime, status=active, and a monotonically incremented ingest
// counter. Chunk supersession is the Coordinator's responsibility, driven
// by a before/after chunk-id diff the Ingestion Pipeline computes.
func (t *Tracker) RecordIngestion(ctx context.Context, path, hash string, mtime time.Time) (atlas.Source, error) {
	id := SourceID(path)
	existing, ok, err := t.metadata.GetSourceByPath(ctx, path)
	if err != nil {
		return atlas.Source{}, err
	}
	now := time.Now().UTC()
	s := atlas.Source{
		ID:          id,
		Path:        path,
		ContentHash: hash,
		FileMtime:   mtime,
		Status:      atlas.SourceActive,
		IngestCount: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		s.IngestCount = existing.IngestCount + 1
	}
	if err := t.metadata.UpsertSource(ctx, s); err != nil {
		return atlas.Source{}, err
	}
	return s, nil
}

// MarkDeleted sets a path's Source status to deleted and returns the chunk
// ids currently attached to it so the Coordinator can supersede them with
// deletion_eligible=true.
func (t *Tracker) MarkDeleted(ctx context.Context, path string) ([]string, error) {
	src, ok, err := t.metadata.GetSourceByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	src.Status = atlas.SourceDeleted
	src.UpdatedAt = time.Now().UTC()
	if err := t.metadata.UpsertSource(ctx, src); err != nil {
		return nil, err
	}
	chunks, err := t.metadata.GetChunksBySource(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Active() {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// FindChunkByContentHash looks up an active chunk already carrying hash,
// for dedup/reuse across sources.
func (t *Tracker) FindChunkByContentHash(ctx context.Context, hash string) (string, bool, error) {
	return t.metadata.FindChunkByContentHash(ctx, hash)
}
