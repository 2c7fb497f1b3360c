package consolidate

import (
	"context"
	"fmt"
	"sort"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/storage"
)

// SelectPairs implements the proximity strategy of SPEC_FULL.md §4.8: every
// same-source adjacent-index pair, plus cross-source pairs whose embeddings
// exceed cfg.CosineThreshold, capped at cfg.MaxPairsPerRun and ordered by
// similarity descending (same-source pairs sort first, at similarity 1.0,
// since they are adjacency-based rather than score-based). The result is
// deterministic for a fixed corpus snapshot and a fixed embedding backend.
func SelectPairs(ctx context.Context, metadata storage.MetadataStore, vector storage.VectorStore, registry *backend.Registry, cfg Config) ([]Pair, error) {
	cfg = cfg.withDefaults()
	chunks, err := metadata.ListActiveChunks(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list active chunks: %w", err)
	}

	bySource := make(map[string][]atlas.Chunk)
	for _, c := range chunks {
		bySource[c.SourceID] = append(bySource[c.SourceID], c)
	}
	sourceIDs := make([]string, 0, len(bySource))
	for id := range bySource {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)

	var pairs []Pair
	for _, sid := range sourceIDs {
		group := bySource[sid]
		sort.Slice(group, func(i, j int) bool { return group[i].ChunkIndex < group[j].ChunkIndex })
		for i := 0; i+1 < len(group); i++ {
			pairs = append(pairs, Pair{FirstID: group[i].ID, SecondID: group[i+1].ID, Similarity: 1})
		}
	}

	if registry != nil && vector != nil {
		cross, err := crossSourcePairs(ctx, chunks, vector, registry, cfg)
		if err != nil {
			// Cross-source discovery degrades gracefully: same-source pairs
			// still ran this round even without a usable embedding backend.
			cross = nil
		}
		pairs = append(pairs, cross...)
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	if len(pairs) > cfg.MaxPairsPerRun {
		pairs = pairs[:cfg.MaxPairsPerRun]
	}
	return pairs, nil
}

// crossSourcePairs re-embeds each chunk's text and searches the Vector tier
// for nearby chunks from a different source, keeping hits whose score
// clears cfg.CosineThreshold.
func crossSourcePairs(ctx context.Context, chunks []atlas.Chunk, vector storage.VectorStore, registry *backend.Registry, cfg Config) ([]Pair, error) {
	b, err := registry.Resolve(ctx, backend.CapTextEmbedding)
	if err != nil {
		return nil, err
	}
	eb, ok := b.(backend.EmbeddingBackend)
	if !ok {
		return nil, fmt.Errorf("backend %q does not implement EmbeddingBackend", b.Name())
	}

	bySourceOf := make(map[string]string, len(chunks))
	for _, c := range chunks {
		bySourceOf[c.ID] = c.SourceID
	}

	seen := make(map[string]bool)
	var out []Pair
	for _, c := range chunks {
		vecs, err := eb.Embed(ctx, []string{c.Payload.Text})
		if err != nil || len(vecs) == 0 {
			continue
		}
		hits, err := vector.SimilaritySearch(ctx, vecs[0], 5, nil)
		if err != nil {
			continue
		}
		for _, h := range hits {
			if h.ID == c.ID || h.Score < cfg.CosineThreshold {
				continue
			}
			otherSource, ok := bySourceOf[h.ID]
			if !ok || otherSource == c.SourceID {
				continue
			}
			first, second := c.ID, h.ID
			if second < first {
				first, second = second, first
			}
			key := first + "|" + second
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Pair{FirstID: first, SecondID: second, Similarity: h.Score})
		}
	}
	return out, nil
}
