package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

// processFile runs the full per-file workflow: tracker decision, chunking,
// per-modality embedding, Coordinator write, tracker bookkeeping. It is
// idempotent and safe to re-run for the same path.
func (p *Pipeline) processFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if info.Size() > p.cfg.MaxFileBytes {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	hash := tracker.ComputeHash(raw)
	mtime := info.ModTime()

	decision, err := p.tracker.NeedsIngestion(ctx, path, hash, mtime)
	if err != nil {
		return fmt.Errorf("tracker decision for %q: %w", path, err)
	}
	if decision.Status == tracker.StatusUnchanged {
		return nil
	}

	unlock := p.tracker.Lock(decision.SourceID)
	defer unlock()

	pieces, err := p.chunker.Chunk(path, raw, "")
	if err != nil {
		return fmt.Errorf("chunk %q: %w", path, err)
	}

	writes := make([]storage.ChunkWrite, 0, len(pieces))
	newIDs := make(map[string]struct{}, len(pieces))
	for _, piece := range pieces {
		id := chunkID(decision.SourceID, piece.Index)
		newIDs[id] = struct{}{}

		vectors, err := p.embedPiece(ctx, piece)
		if err != nil {
			return fmt.Errorf("embed %q chunk %d: %w", path, piece.Index, err)
		}

		chunk := atlas.Chunk{
			ID:          id,
			SourceID:    decision.SourceID,
			ChunkIndex:  piece.Index,
			TotalChunks: len(pieces),
			CharCount:   len(piece.Text),
			ContentHash: tracker.ComputeHash([]byte(piece.Text)),
			Payload: atlas.ChunkPayload{
				Text:        piece.Text,
				FilePath:    path,
				FileName:    filepath.Base(path),
				ContentType: piece.ContentType,
			},
			ByteStart: piece.ByteStart,
			ByteEnd:   piece.ByteEnd,
			CreatedAt: time.Now().UTC(),
		}
		writes = append(writes, storage.ChunkWrite{Chunk: chunk, Vectors: vectors})
	}

	var stale []string
	for _, old := range decision.ReusableChunkIDs {
		if _, kept := newIDs[old]; !kept {
			stale = append(stale, old)
		}
	}
	if len(stale) > 0 {
		if err := p.coord.Supersede(ctx, stale, ""); err != nil {
			p.log.Warn("supersede stale chunks failed", map[string]any{"path": path, "err": err.Error()})
		}
	}

	if err := p.coord.UpsertChunks(ctx, writes); err != nil {
		return fmt.Errorf("upsert chunks for %q: %w", path, err)
	}

	if _, err := p.tracker.RecordIngestion(ctx, path, hash, mtime); err != nil {
		return fmt.Errorf("record ingestion for %q: %w", path, err)
	}
	return nil
}

// embedPiece resolves the capability appropriate to the piece's content type
// and computes its primary named vector, retrying transient failures up to
// Config.Retries times. The wait before retry n is Config.Backoff doubled n-1
// times plus up to half of that again as random jitter. Code falls back
// to text-embedding when no code-embedding backend is bound.
func (p *Pipeline) embedPiece(ctx context.Context, piece chunker.Piece) ([]atlas.NamedVector, error) {
	caps := []backend.Capability{backend.CapTextEmbedding}
	if piece.ContentType == atlas.ContentCode {
		caps = []backend.Capability{backend.CapCodeEmbedding, backend.CapTextEmbedding}
	}
	if piece.ContentType == atlas.ContentBinary {
		return nil, nil
	}

	var lastErr error
	for _, capability := range caps {
		vec, name, err := p.embedWithRetry(ctx, capability, piece.Text)
		if err == nil {
			return []atlas.NamedVector{{Name: name, Values: vec, Dimension: len(vec), Metric: "cosine"}}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Pipeline) embedWithRetry(ctx context.Context, capability backend.Capability, text string) ([]float32, string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.Backoff << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(delay):
			}
		}
		b, err := p.registry.Resolve(ctx, capability)
		if err != nil {
			lastErr = err
			if atlas.IsCapabilityUnavailable(err) {
				return nil, "", err
			}
			continue
		}
		eb, ok := b.(backend.EmbeddingBackend)
		if !ok {
			return nil, "", fmt.Errorf("backend %q does not implement EmbeddingBackend", b.Name())
		}
		vecs, err := eb.Embed(ctx, []string{text})
		if err != nil {
			lastErr = err
			if !atlas.IsTransient(err) {
				return nil, "", err
			}
			continue
		}
		if len(vecs) == 0 {
			lastErr = fmt.Errorf("embedding backend %q returned no vectors", b.Name())
			continue
		}
		return vecs[0], string(capability), nil
	}
	return nil, "", lastErr
}

// chunkID derives a stable chunk id from its source and position, so
// re-ingesting an unchanged chunk produces the same id as before (the
// supersession diff in processFile relies on this).
func chunkID(sourceID string, index int) string {
	return "chk:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceID+":"+strconv.Itoa(index))).String()
}
