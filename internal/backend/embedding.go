package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"atlas/internal/atlas"
)

// EmbeddingBackend is the capability contract an embedding backend exposes:
// a fixed-dimension embed call plus an explicit availability check.
type EmbeddingBackend interface {
	Backend
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// httpEmbeddingBackend calls an OpenAI-compatible /embeddings endpoint.
// Modeled on the rate-limited single-item-batch HTTP client the teacher used
// to avoid overloading small self-hosted embedding servers (llama.cpp and
// similar crash under concurrent/batched requests).
type httpEmbeddingBackend struct {
	id         string
	caps       []Capability
	endpoint   string
	model      string
	apiKey     string
	authHeader string // header name to carry apiKey under; "" disables auth
	dim        int
	client     *http.Client

	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewHTTPEmbeddingBackend builds an EmbeddingBackend from a Spec. Recognized
// params: endpoint (required), model, api_key, auth_header (default
// "Authorization"), dimension, min_delay_ms, capability (comma-separated,
// defaults to "text-embedding").
func NewHTTPEmbeddingBackend(spec Spec) (Backend, error) {
	p := spec.Params
	endpoint := strings.TrimSpace(p["endpoint"])
	if endpoint == "" {
		return nil, fmt.Errorf("embedding backend %q: endpoint required", spec.ID)
	}
	dim, _ := strconv.Atoi(p["dimension"])
	minDelayMS, _ := strconv.Atoi(p["min_delay_ms"])
	authHeader := p["auth_header"]
	if authHeader == "" {
		authHeader = "Authorization"
	}
	caps := parseCapabilities(p["capability"], CapTextEmbedding)
	return &httpEmbeddingBackend{
		id:         spec.ID,
		caps:       caps,
		endpoint:   endpoint,
		model:      p["model"],
		apiKey:     p["api_key"],
		authHeader: authHeader,
		dim:        dim,
		client:     &http.Client{Timeout: 30 * time.Second},
		minDelay:   time.Duration(minDelayMS) * time.Millisecond,
	}, nil
}

func parseCapabilities(csv string, def Capability) []Capability {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return []Capability{def}
	}
	var out []Capability
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, Capability(part))
		}
	}
	if len(out) == 0 {
		return []Capability{def}
	}
	return out
}

func (b *httpEmbeddingBackend) Name() string              { return b.id }
func (b *httpEmbeddingBackend) Capabilities() []Capability { return b.caps }
func (b *httpEmbeddingBackend) Dimension() int             { return b.dim }

func (b *httpEmbeddingBackend) Close() error { return nil }

func (b *httpEmbeddingBackend) Ready(ctx context.Context) error {
	_, err := b.embed(ctx, []string{"ping"})
	if err != nil {
		return atlas.NewTransient("embedding readiness probe", err)
	}
	return nil
}

func (b *httpEmbeddingBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	b.mu.Lock()
	if !b.lastCall.IsZero() && b.minDelay > 0 {
		if wait := b.minDelay - time.Since(b.lastCall); wait > 0 {
			time.Sleep(wait)
		}
	}
	b.lastCall = time.Now()
	b.mu.Unlock()
	return b.embed(ctx, texts)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (b *httpEmbeddingBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: b.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" && b.authHeader != "" {
		val := b.apiKey
		if b.authHeader == "Authorization" {
			val = "Bearer " + b.apiKey
		}
		req.Header.Set(b.authHeader, val)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, atlas.NewTransient("embed request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, atlas.NewTransient("embed request", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embed response: expected %d vectors, got %d", len(texts), len(out.Data))
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
