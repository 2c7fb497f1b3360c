package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/logging"
)

// Constructor builds a Backend from its Spec. Construction itself must not
// block on network I/O beyond what's needed to build a client; readiness is
// checked separately (and repeatedly) via Backend.Ready.
type Constructor func(spec Spec) (Backend, error)

// Registry resolves capabilities to backends, lazily instantiating and
// health-gating each backend identifier exactly once per process.
type Registry struct {
	cfg          Config
	constructors map[string]Constructor
	log          logging.Logger

	mu        sync.Mutex
	instances map[string]Backend // backend id -> instance
	health    map[string]*healthState
	initOrder []string // backend ids in first-successful-construction order
}

// NewRegistry builds a Registry over cfg. constructors maps a Spec.Kind
// string to the function that builds that kind of backend; callers register
// one entry per backend family they've wired (embedding, completion,
// reranker, ...).
func NewRegistry(cfg Config, constructors map[string]Constructor, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		cfg:          cfg,
		constructors: constructors,
		log:          log,
		instances:    make(map[string]Backend),
		health:       make(map[string]*healthState),
	}
}

// Resolve returns the first backend bound to capability whose readiness
// probe currently succeeds, trying specs in configured order. A backend
// still inside its backoff window from a prior failure is skipped without
// re-probing. If every bound backend is unavailable, Resolve fails with a
// CapabilityUnavailableError naming every id it tried.
func (r *Registry) Resolve(ctx context.Context, cap Capability) (Backend, error) {
	specs := r.cfg.Capabilities[cap]
	if len(specs) == 0 {
		return nil, atlas.NewCapabilityUnavailable(string(cap), nil, fmt.Errorf("no backend bound to capability"))
	}

	var tried []string
	var lastErr error
	for _, spec := range specs {
		tried = append(tried, spec.ID)
		b, err := r.getOrCreate(spec)
		if err != nil {
			lastErr = err
			r.log.Warn("backend construction failed", map[string]any{"backend": spec.ID, "kind": spec.Kind, "err": err.Error()})
			continue
		}
		if !Declares(b, cap) {
			lastErr = fmt.Errorf("backend %q does not declare capability %q", spec.ID, cap)
			continue
		}
		ok, err := r.probe(ctx, spec.ID, b)
		if !ok {
			lastErr = err
			continue
		}
		return b, nil
	}
	return nil, atlas.NewCapabilityUnavailable(string(cap), tried, lastErr)
}

// Health reports the cached readiness verdict for a backend id, without
// forcing a new probe. Unknown ids report StatusUnavailable.
func (r *Registry) Health(backendID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[backendID]
	if !ok {
		return StatusUnavailable
	}
	return h.status
}

// CapabilityBackends returns, for every capability with at least one bound
// spec, the backend ids configured for it in resolution order. It does not
// force construction or probing, so it's safe to call from a health
// endpoint regardless of whether anything has been resolved yet.
func (r *Registry) CapabilityBackends() map[Capability][]string {
	out := make(map[Capability][]string, len(r.cfg.Capabilities))
	for cap, specs := range r.cfg.Capabilities {
		ids := make([]string, len(specs))
		for i, s := range specs {
			ids[i] = s.ID
		}
		out[cap] = ids
	}
	return out
}

// Shutdown closes every constructed backend in reverse initialization order.
// Close errors are logged and do not interrupt the sequence.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	order := append([]string(nil), r.initOrder...)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		r.mu.Lock()
		b := r.instances[id]
		r.mu.Unlock()
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			r.log.Error("backend close failed", map[string]any{"backend": id, "err": err.Error()})
		}
	}
}

func (r *Registry) getOrCreate(spec Spec) (Backend, error) {
	r.mu.Lock()
	if b, ok := r.instances[spec.ID]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	ctor, ok := r.constructors[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("no constructor registered for backend kind %q", spec.Kind)
	}
	b, err := ctor(spec)
	if err != nil {
		return nil, fmt.Errorf("construct backend %q (%s): %w", spec.ID, spec.Kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[spec.ID]; ok {
		// Lost a construction race; discard the new instance, keep the first.
		_ = b.Close()
		return existing, nil
	}
	r.instances[spec.ID] = b
	r.initOrder = append(r.initOrder, spec.ID)
	r.health[spec.ID] = &healthState{}
	return b, nil
}

// probe runs (or reuses) a backend's readiness verdict, honoring the
// exponential-backoff window after a prior failure.
func (r *Registry) probe(ctx context.Context, id string, b Backend) (bool, error) {
	r.mu.Lock()
	h := r.health[id]
	if h == nil {
		h = &healthState{}
		r.health[id] = h
	}
	now := time.Now()
	if h.everProbed && h.status != StatusOK && now.Before(h.nextProbe) {
		err := h.lastErr
		r.mu.Unlock()
		return false, err
	}
	r.mu.Unlock()

	err := b.Ready(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	h.everProbed = true
	h.lastProbe = now
	if err == nil {
		h.status = StatusOK
		h.lastErr = nil
		h.backoff = 0
		h.nextProbe = time.Time{}
		return true, nil
	}
	h.status = StatusUnavailable
	h.lastErr = err
	if h.backoff <= 0 {
		h.backoff = r.cfg.backoffBase()
	} else {
		h.backoff *= 2
	}
	if max := r.cfg.backoffMax(); h.backoff > max {
		h.backoff = max
	}
	h.nextProbe = now.Add(h.backoff)
	return false, err
}
