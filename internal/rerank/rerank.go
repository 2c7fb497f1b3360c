// Package rerank adapts an HTTP cross-encoder reranking service to the
// retrieve.Reranker interface used by the Retrieval Engine's final stage.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"atlas/internal/logging"
	"atlas/internal/retrieve"
)

// Request is the payload sent to the cross-encoder service.
type Request struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

// Result is one document's rerank score.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Response is the full response from the cross-encoder service.
type Response struct {
	Model   string      `json:"model"`
	Object  string      `json:"object"`
	Usage   interface{} `json:"usage"`
	Results []Result    `json:"results"`
}

// HTTPReranker calls an OpenAI-rerank-API-compatible endpoint and reorders
// items by relevance score. It implements retrieve.Reranker.
type HTTPReranker struct {
	Endpoint string
	Model    string
	Client   *http.Client
	Log      logging.Logger
}

// New builds an HTTPReranker. model defaults to a sensible cross-encoder
// name if empty. Requests go through an http.Client with a 10s timeout.
func New(endpoint, model string, log logging.Logger) *HTTPReranker {
	if model == "" {
		model = "bge-reranker-v2-m3"
	}
	if log == nil {
		log = logging.Nop()
	}
	return &HTTPReranker{
		Endpoint: endpoint,
		Model:    model,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Log:      log,
	}
}

var _ retrieve.Reranker = (*HTTPReranker)(nil)

// Rerank reorders items by calling the cross-encoder service. On any
// transport or decode failure it logs and falls back to the original order
// rather than failing the whole retrieval — a degraded ranking beats no
// results.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]retrieve.RetrievedItem, error) {
	if r.Endpoint == "" || len(items) == 0 {
		return items, nil
	}
	docs := make([]string, len(items))
	for i, it := range items {
		docs[i] = rerankText(it)
	}
	body, err := json.Marshal(Request{Model: r.Model, Query: query, TopN: len(items), Documents: docs})
	if err != nil {
		return items, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		r.Log.Warn("rerank request build failed", map[string]any{"err": err.Error()})
		return items, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.Warn("rerank request failed, keeping original order", map[string]any{"err": err.Error()})
		return items, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		r.Log.Warn("rerank service returned non-200, keeping original order", map[string]any{
			"status": resp.StatusCode, "body": string(raw),
		})
		return items, nil
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		r.Log.Warn("rerank response decode failed, keeping original order", map[string]any{"err": err.Error()})
		return items, nil
	}

	return applyScores(items, parsed.Results), nil
}

func rerankText(it retrieve.RetrievedItem) string {
	if it.Text != "" {
		return it.Text
	}
	return it.Snippet
}

func applyScores(items []retrieve.RetrievedItem, results []Result) []retrieve.RetrievedItem {
	scores := make(map[int]float64, len(results))
	for _, r := range results {
		scores[r.Index] = r.RelevanceScore
	}
	out := make([]retrieve.RetrievedItem, len(items))
	copy(out, items)
	for i := range out {
		if s, ok := scores[i]; ok {
			if out[i].Explanation == nil {
				out[i].Explanation = map[string]any{}
			}
			out[i].Explanation["rerank_score"] = s
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, iok := scores[indexInOriginal(items, out[i].ID)]
		sj, jok := scores[indexInOriginal(items, out[j].ID)]
		if !iok || !jok {
			return false
		}
		return si > sj
	})
	return out
}

func indexInOriginal(items []retrieve.RetrievedItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
