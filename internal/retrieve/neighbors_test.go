package retrieve

import (
	"context"
	"fmt"
	"testing"

	"atlas/internal/atlas"
)

type fakeNeighborSource struct {
	bySource map[string][]atlas.Chunk
}

func (f *fakeNeighborSource) GetChunksBySource(_ context.Context, sourceID string) ([]atlas.Chunk, error) {
	return f.bySource[sourceID], nil
}

func TestExpandWithNeighbors_AddsAdjacentChunks(t *testing.T) {
	ctx := context.Background()
	docID := "doc:acme:alpha"
	chunks := make([]atlas.Chunk, 0, 3)
	for i := 0; i < 3; i++ {
		chunks = append(chunks, atlas.Chunk{
			ID:         fmt.Sprintf("chunk:%s:%d", docID, i),
			SourceID:   docID,
			ChunkIndex: i,
		})
	}
	src := &fakeNeighborSource{bySource: map[string][]atlas.Chunk{docID: chunks}}

	fused := []RetrievedItem{
		{ID: chunks[0].ID, DocID: docID, Score: 1.0, Metadata: map[string]string{"chunk_index": "0"}},
	}
	out, diag := ExpandWithNeighbors(ctx, src, fused, NeighborExpandOptions{Window: 1, MaxPerSeed: 2})
	if len(out) <= len(fused) {
		t.Fatalf("expected expansion to add neighbors, got %d", len(out))
	}
	if diag.Added == 0 {
		t.Fatalf("expected non-zero added count")
	}
}

func TestExpandWithNeighbors_NoSourceIsNoop(t *testing.T) {
	ctx := context.Background()
	fused := []RetrievedItem{{ID: "a", Score: 1}}
	out, diag := ExpandWithNeighbors(ctx, nil, fused, NeighborExpandOptions{Window: 1})
	if len(out) != 1 || diag.Added != 0 {
		t.Fatalf("expected no-op expansion, got %#v / %#v", out, diag)
	}
}

func TestAssembleResults_NoRerankMatchesOrder(t *testing.T) {
	ctx := context.Background()
	items := []RetrievedItem{{ID: "a", Score: 2}, {ID: "b", Score: 1}}
	plan := QueryPlan{Query: "q"}
	opt := RetrieveOptions{K: 2, NeighborExpand: false, Rerank: false}
	out, _, err := AssembleResults(ctx, nil, nil, plan, opt, items)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("expected same order, got %#v", out)
	}
}
