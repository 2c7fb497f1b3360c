package backend

import (
	"context"
	"fmt"

	"atlas/internal/logging"
	"atlas/internal/rerank"
	"atlas/internal/retrieve"
)

// RerankerBackend is the text-reranking capability contract, re-exported as
// retrieve.Reranker so it plugs directly into the Retrieval Engine's final
// stage once resolved.
type RerankerBackend interface {
	Backend
	retrieve.Reranker
}

type rerankerBackend struct {
	id string
	rr *rerank.HTTPReranker
}

func (b *rerankerBackend) Name() string              { return b.id }
func (b *rerankerBackend) Capabilities() []Capability { return []Capability{CapTextReranking} }
func (b *rerankerBackend) Close() error               { return nil }

func (b *rerankerBackend) Ready(ctx context.Context) error {
	if b.rr.Endpoint == "" {
		return fmt.Errorf("reranker backend %q: no endpoint configured", b.id)
	}
	// HTTPReranker degrades gracefully rather than erroring, so readiness here
	// is a shape check, not a live probe: a misconfigured endpoint still shows
	// up (to callers) as silently-unreranked results, flagged per §4.7.
	return nil
}

func (b *rerankerBackend) Rerank(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]retrieve.RetrievedItem, error) {
	return b.rr.Rerank(ctx, query, items)
}

// NewRerankerBackend builds a text-reranking backend over an HTTP
// cross-encoder endpoint. Recognized params: endpoint (required), model.
func NewRerankerBackend(spec Spec) (Backend, error) {
	p := spec.Params
	rr := rerank.New(p["endpoint"], p["model"], logging.Nop())
	return &rerankerBackend{id: spec.ID, rr: rr}, nil
}
