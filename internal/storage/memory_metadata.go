package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"atlas/internal/atlas"
)

// memoryMetadata is an in-memory MetadataStore for tests and the "memory"
// backend configuration. It is not linearizable across processes but
// preserves per-id ordering within one.
type memoryMetadata struct {
	mu      sync.RWMutex
	sources map[string]atlas.Source
	byPath  map[string]string // path -> source id
	chunks  map[string]atlas.Chunk
	qntm    map[string]atlas.QNTMKey
}

// NewMemoryMetadata builds an in-memory MetadataStore.
func NewMemoryMetadata() MetadataStore {
	return &memoryMetadata{
		sources: make(map[string]atlas.Source),
		byPath:  make(map[string]string),
		chunks:  make(map[string]atlas.Chunk),
		qntm:    make(map[string]atlas.QNTMKey),
	}
}

func (m *memoryMetadata) UpsertSource(_ context.Context, s atlas.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = s
	m.byPath[s.Path] = s.ID
	return nil
}

func (m *memoryMetadata) GetSource(_ context.Context, id string) (atlas.Source, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok, nil
}

func (m *memoryMetadata) GetSourceByPath(_ context.Context, path string) (atlas.Source, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPath[path]
	if !ok {
		return atlas.Source{}, false, nil
	}
	s, ok := m.sources[id]
	return s, ok, nil
}

func (m *memoryMetadata) UpsertChunks(_ context.Context, chunks []atlas.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memoryMetadata) GetChunk(_ context.Context, id string) (atlas.Chunk, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[id]
	return c, ok, nil
}

func (m *memoryMetadata) GetChunksBySource(_ context.Context, sourceID string) ([]atlas.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []atlas.Chunk
	for _, c := range m.chunks {
		if c.SourceID == sourceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *memoryMetadata) ListActiveChunks(_ context.Context, limit int) ([]atlas.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []atlas.Chunk
	for _, c := range m.chunks {
		if c.Active() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryMetadata) MarkSuperseded(_ context.Context, oldIDs []string, newID string, eligible bool, markedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range oldIDs {
		c, ok := m.chunks[id]
		if !ok {
			continue
		}
		c.SupersededBy = newID
		c.DeletionEligible = eligible
		c.DeletionMarkedAt = markedAt
		m.chunks[id] = c
	}
	return nil
}

func (m *memoryMetadata) EligibleForPurge(_ context.Context, cutoff time.Time, limit int) ([]atlas.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []atlas.Chunk
	for _, c := range m.chunks {
		if c.DeletionEligible && !c.DeletionMarkedAt.IsZero() && c.DeletionMarkedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletionMarkedAt.Before(out[j].DeletionMarkedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryMetadata) FindChunkByContentHash(_ context.Context, hash string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best atlas.Chunk
	found := false
	for _, c := range m.chunks {
		if c.ContentHash != hash || c.SupersededBy != "" || c.DeletionEligible {
			continue
		}
		if !found || c.CreatedAt.Before(best.CreatedAt) {
			best, found = c, true
		}
	}
	if !found {
		return "", false, nil
	}
	return best.ID, true, nil
}

func (m *memoryMetadata) PurgeChunks(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *memoryMetadata) UpsertQNTMKey(_ context.Context, key atlas.QNTMKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.qntm[key.Key]; ok {
		key.FirstSeenAt = existing.FirstSeenAt
		key.UsageCount = existing.UsageCount + 1
	}
	m.qntm[key.Key] = key
	return nil
}
