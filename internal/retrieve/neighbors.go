package retrieve

import (
	"context"
	"strconv"

	"atlas/internal/atlas"
)

// NeighborSource is the narrow slice of storage.MetadataStore neighbor
// expansion needs: listing a source's chunks in index order so adjacent
// chunks can be pulled into the result set. Grounded on the same
// chunk-index-proximity approach the teacher's context-retrieval code uses
// to assemble a chunk's surrounding context.
type NeighborSource interface {
	GetChunksBySource(ctx context.Context, sourceID string) ([]atlas.Chunk, error)
}

// NeighborExpandOptions bounds the neighbor-context expansion step.
type NeighborExpandOptions struct {
	Window     int // chunks on each side of a hit to pull in
	MaxPerSeed int // cap on neighbors added per seed hit
}

// NeighborDiagnostics reports how many items were added.
type NeighborDiagnostics struct {
	Added int
}

// ExpandWithNeighbors augments fused hits with their adjacent chunks from
// the same source document, deduplicating against ids already present.
// Neighbor items carry a lower synthesized score and an Explanation marker
// so downstream consumers can tell them apart from primary hits.
func ExpandWithNeighbors(ctx context.Context, src NeighborSource, items []RetrievedItem, opt NeighborExpandOptions) ([]RetrievedItem, NeighborDiagnostics) {
	if src == nil || opt.Window <= 0 || len(items) == 0 {
		return items, NeighborDiagnostics{}
	}
	maxPerSeed := opt.MaxPerSeed
	if maxPerSeed <= 0 {
		maxPerSeed = 2 * opt.Window
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.ID] = true
	}
	out := append([]RetrievedItem(nil), items...)
	added := 0
	sourceCache := make(map[string][]atlas.Chunk)
	for _, it := range items {
		sourceID := it.DocID
		if sourceID == "" {
			continue
		}
		idx, ok := chunkIndexOf(it)
		if !ok {
			continue
		}
		chunks, ok := sourceCache[sourceID]
		if !ok {
			var err error
			chunks, err = src.GetChunksBySource(ctx, sourceID)
			if err != nil {
				chunks = nil
			}
			sourceCache[sourceID] = chunks
		}
		count := 0
		for _, c := range chunks {
			if count >= maxPerSeed {
				break
			}
			if c.ID == it.ID || seen[c.ID] {
				continue
			}
			delta := c.ChunkIndex - idx
			if delta < 0 {
				delta = -delta
			}
			if delta == 0 || delta > opt.Window {
				continue
			}
			if !c.Active() {
				continue
			}
			seen[c.ID] = true
			out = append(out, RetrievedItem{
				ID:       c.ID,
				DocID:    c.SourceID,
				Score:    it.Score * 0.5,
				Text:     c.Payload.Text,
				Metadata: map[string]string{"chunk_index": strconv.Itoa(c.ChunkIndex)},
				Explanation: map[string]any{
					"neighbor_of": it.ID,
					"delta":       delta,
				},
			})
			added++
			count++
		}
	}
	return out, NeighborDiagnostics{Added: added}
}

func chunkIndexOf(item RetrievedItem) (int, bool) {
	if item.Metadata == nil {
		return 0, false
	}
	raw, ok := item.Metadata["chunk_index"]
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return idx, true
}
