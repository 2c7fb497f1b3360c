// Package backend implements the capability-based Backend Registry: it
// resolves an abstract capability name (text-embedding, json-completion,
// text-reranking, ...) to a concrete backend instance, lazily constructing
// and health-checking backends on first use and caching both the instance
// and its readiness verdict. It is grounded on the provider capability
// switch in the completion-provider factory (kept as the dispatch idiom,
// rewritten against self-contained per-backend configs) and on the
// lazy-client-plus-rate-limiting shape of the old HTTP embedding client.
package backend

import (
	"context"
	"time"
)

// Capability names a contract one or more backends can fulfill.
type Capability string

const (
	CapTextEmbedding           Capability = "text-embedding"
	CapCodeEmbedding           Capability = "code-embedding"
	CapContextualizedEmbedding Capability = "contextualized-embedding"
	CapJSONCompletion          Capability = "json-completion"
	CapTextReranking           Capability = "text-reranking"
)

// Status is a backend's cached readiness verdict.
type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Backend is the minimum any capability backend must satisfy: a stable name,
// the static set of capabilities it declares, a readiness probe, and a close
// hook run in reverse-init order at shutdown.
type Backend interface {
	Name() string
	Capabilities() []Capability
	Ready(ctx context.Context) error
	Close() error
}

// Declares reports whether b declares capability c in its static set.
func Declares(b Backend, c Capability) bool {
	for _, have := range b.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// healthState is the Registry's cached readiness bookkeeping for one backend
// instance, gating re-probes behind exponential backoff after a failure.
type healthState struct {
	status     Status
	lastErr    error
	lastProbe  time.Time
	nextProbe  time.Time
	backoff    time.Duration
	everProbed bool
}
