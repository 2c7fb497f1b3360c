package backend

import "time"

// Spec names one backend identifier bound to a capability: its kind
// (the constructor to use) and the backend-specific params that constructor
// needs (endpoints, model names, credentials). Params are strings so Config
// round-trips cleanly through YAML without a sum type per backend kind.
type Spec struct {
	ID     string
	Kind   string // "openai-embedding" | "anthropic-completion" | "openai-completion" | "google-completion" | "http-reranker"
	Params map[string]string
}

// Config declares, per capability, an ordered list of backend specs
// (primary first, then fallbacks) plus the retry tuning the Registry uses
// when every backend in the list is currently unavailable.
type Config struct {
	Capabilities map[Capability][]Spec

	BackoffBase time.Duration // initial re-probe delay after a failure; default 2s
	BackoffMax  time.Duration // re-probe delay ceiling; default 2m
}

func (c Config) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return 2 * time.Second
}

func (c Config) backoffMax() time.Duration {
	if c.BackoffMax > 0 {
		return c.BackoffMax
	}
	return 2 * time.Minute
}

// DefaultConstructors returns the built-in Spec.Kind -> Constructor bindings
// for every backend family this implementation wires, keyed by the
// provider-specific kind names below.
func DefaultConstructors() map[string]Constructor {
	return map[string]Constructor{
		"openai-embedding":     NewHTTPEmbeddingBackend,
		"anthropic-completion": NewAnthropicCompletionBackend,
		"openai-completion":    NewOpenAICompletionBackend,
		"google-completion":    NewGoogleCompletionBackend,
		"http-reranker":        NewRerankerBackend,
	}
}
