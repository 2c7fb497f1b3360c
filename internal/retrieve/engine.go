package retrieve

import (
	"context"
	"fmt"
	"time"

	"atlas/internal/storage"
)

// EmbedFunc embeds normalized query text into the vector space used for
// similarity search. Callers typically bind this to a resolved
// text-embedding backend; a nil EmbedFunc degrades the Engine to
// full-text-only retrieval.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Engine is the Retrieval Engine (C6): it ties query planning, parallel
// candidate fetch, fusion, neighbor expansion, reranking, snippet
// generation and doc-metadata attachment into a single Search call. Every
// stage is one of the already-decomposed functions in this package; Engine
// only owns the wiring and the dependencies each stage needs.
type Engine struct {
	FullText  storage.FullTextSearch
	Vector    storage.VectorStore
	Neighbors NeighborSource
	Reranker  Reranker
	Embed     EmbedFunc
}

// Search runs one hybrid retrieval call end to end. It degrades gracefully:
// a failed embedding call falls back to full-text-only candidates, and a
// failed rerank call keeps the pre-rerank ordering, both recorded under
// Debug rather than failing the whole request. Only a hard failure from the
// candidate stores themselves is returned as an error.
func (e *Engine) Search(ctx context.Context, query string, opt RetrieveOptions) (RetrieveResponse, error) {
	plan := BuildQueryPlan(ctx, query, opt)
	debug := map[string]any{}

	var embVec []float32
	if e.Embed != nil && plan.VecK > 0 {
		t0 := time.Now()
		v, err := e.Embed(ctx, plan.Query)
		if err != nil {
			debug["embed_degraded"] = err.Error()
		} else {
			embVec = v
		}
		debug["embed_ms"] = time.Since(t0).Milliseconds()
	}

	fts, vrs, diag, err := ParallelCandidates(ctx, e.FullText, e.Vector, plan, embVec)
	if err != nil {
		return RetrieveResponse{}, fmt.Errorf("fetch candidates: %w", err)
	}
	debug["ft_count"] = diag.FtCount
	debug["vec_count"] = diag.VecCount
	debug["ft_ms"] = diag.FtLatency.Milliseconds()
	debug["vec_ms"] = diag.VecLatency.Milliseconds()

	fused := FuseAndDiversify(fts, vrs, plan, opt)

	rr := e.Reranker
	if opt.Rerank && rr == nil {
		debug["rerank_degraded"] = "no reranking backend bound"
	}
	items, assembleDebug, err := AssembleResults(ctx, e.Neighbors, rr, plan, opt, fused)
	if err != nil {
		debug["rerank_degraded"] = err.Error()
		items = fused
		if opt.K > 0 && len(items) > opt.K {
			items = items[:opt.K]
		}
	}
	for k, v := range assembleDebug {
		debug[k] = v
	}

	if opt.IncludeSnippet {
		items = GenerateSnippets(ctx, e.FullText, items, SnippetOptions{Lang: plan.Lang, Query: plan.Query})
	}
	items = AttachDocMetadata(ctx, e.FullText, items)
	if !opt.IncludeText {
		for i := range items {
			items[i].Text = ""
		}
	}

	return RetrieveResponse{Query: plan.Query, Items: items, Debug: debug}, nil
}
