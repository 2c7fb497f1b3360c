package storage

import (
	"context"
	"sync"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/logging"
)

// applyFunc performs one reconcile op against a non-authoritative tier.
type applyFunc func(ctx context.Context, op ReconcileOp) error

// reconciler drains a bounded-retry queue of ReconcileOps on a ticker,
// backing off exponentially per op and surfacing persistent failures for
// health reporting instead of retrying forever.
type reconciler struct {
	mu       sync.Mutex
	pending  map[string]*ReconcileOp // key: tier+":"+kind+":"+chunkID
	failed   map[string]*ReconcileOp
	apply    map[string]applyFunc // tier -> apply function
	log      logging.Logger
	maxTries int
	interval time.Duration
}

func newReconciler(log logging.Logger) *reconciler {
	if log == nil {
		log = logging.Nop()
	}
	return &reconciler{
		pending:  make(map[string]*ReconcileOp),
		failed:   make(map[string]*ReconcileOp),
		apply:    make(map[string]applyFunc),
		log:      log,
		maxTries: 8,
		interval: 2 * time.Second,
	}
}

func (r *reconciler) registerTier(tier string, fn applyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply[tier] = fn
}

func (r *reconciler) enqueue(chunkID, tier, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tier + ":" + kind + ":" + chunkID
	r.pending[key] = &ReconcileOp{ChunkID: chunkID, Tier: tier, Kind: kind}
	delete(r.failed, key)
}

// run drains the queue until ctx is cancelled.
func (r *reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainDue(ctx)
		}
	}
}

func (r *reconciler) drainDue(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	due := make([]string, 0, len(r.pending))
	for key, op := range r.pending {
		if op.NextRetry.IsZero() || !op.NextRetry.After(now) {
			due = append(due, key)
		}
	}
	r.mu.Unlock()

	for _, key := range due {
		r.mu.Lock()
		op, ok := r.pending[key]
		fn := r.apply[op.Tier]
		r.mu.Unlock()
		if !ok || fn == nil {
			continue
		}
		err := fn(ctx, *op)
		r.mu.Lock()
		if err == nil {
			delete(r.pending, key)
		} else {
			op.Attempts++
			op.LastErr = err.Error()
			if op.Attempts >= r.maxTries {
				r.log.Error("reconcile op exhausted retries", map[string]any{
					"tier": op.Tier, "kind": op.Kind, "chunk_id": op.ChunkID, "err": err.Error(),
				})
				r.failed[key] = op
				delete(r.pending, key)
			} else {
				op.NextRetry = now.Add(backoff(op.Attempts))
			}
		}
		r.mu.Unlock()
	}
}

// snapshot reports queue depth and persistently-failed ops for health checks.
func (r *reconciler) snapshot() (pending int, failed []ReconcileOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending = len(r.pending)
	failed = make([]ReconcileOp, 0, len(r.failed))
	for _, op := range r.failed {
		failed = append(failed, *op)
	}
	return pending, failed
}

// depthByTier reports pending queue depth per tier and, as Lag, how far the
// most overdue op is past its NextRetry (ops not yet attempted, with a zero
// NextRetry, do not count toward Lag), for the RPC surface's health method.
func (r *reconciler) depthByTier() map[string]TierHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make(map[string]TierHealth, len(r.apply))
	for tier := range r.apply {
		out[tier] = TierHealth{}
	}
	for _, op := range r.pending {
		th := out[op.Tier]
		th.QueueDepth++
		if !op.NextRetry.IsZero() {
			if age := now.Sub(op.NextRetry); age > th.Lag {
				th.Lag = age
			}
		}
		out[op.Tier] = th
	}
	return out
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// chunkLoader resolves a chunk id back to its payload for reconcile retries
// that need to replay an upsert (e.g. vector/full-text tiers).
type chunkLoader func(ctx context.Context, id string) (atlas.Chunk, bool, error)
