package retrieve

import (
	"context"
	"time"
)

// AssembleResults runs the post-fusion pipeline: optional same-source
// neighbor expansion, optional reranking, and final pruning to K.
func AssembleResults(ctx context.Context, nbr NeighborSource, rr Reranker, plan QueryPlan, opt RetrieveOptions, fused []RetrievedItem) ([]RetrievedItem, map[string]any, error) {
	debug := map[string]any{}

	// Neighbor-context expansion
	items := fused
	if opt.NeighborExpand && nbr != nil {
		window := opt.NeighborWindow
		if window <= 0 {
			window = 1
		}
		t0 := time.Now()
		var diag NeighborDiagnostics
		items, diag = ExpandWithNeighbors(ctx, nbr, items, NeighborExpandOptions{Window: window, MaxPerSeed: 3})
		debug["neighbors"] = map[string]any{"added": diag.Added, "ms": time.Since(t0).Milliseconds()}
	}

	// Reranking
	if opt.Rerank {
		if rr == nil {
			rr = NoopReranker{}
		}
		t0 := time.Now()
		out, err := rr.Rerank(ctx, plan.Query, items)
		if err != nil {
			return items, debug, err
		}
		items = out
		debug["rerank_ms"] = time.Since(t0).Milliseconds()
	}

	// Prune to K
	k := opt.K
	if k <= 0 { k = 10 }
	if len(items) > k { items = items[:k] }
	return items, debug, nil
}
