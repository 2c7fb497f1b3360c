package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memoryFullText is a naive in-memory full-text tier used for tests and the
// "memory" backend configuration.
type memoryFullText struct {
	mu   sync.RWMutex
	docs map[string]ftsDoc
}

type ftsDoc struct {
	text     string
	metadata map[string]string
}

// NewMemoryFullText builds an in-memory FullTextSearch.
func NewMemoryFullText() FullTextSearch { return &memoryFullText{docs: make(map[string]ftsDoc)} }

func (m *memoryFullText) Index(_ context.Context, id, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = ftsDoc{text: text, metadata: copyMap(metadata)}
	return nil
}

func (m *memoryFullText) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memoryFullText) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	results := make([]SearchResult, 0, limit)
	for id, d := range m.docs {
		if score := termScore(d.text, terms); score > 0 {
			results = append(results, SearchResult{
				ID:       id,
				Score:    score,
				Snippet:  snippetOf(d.text),
				Text:     d.text,
				Metadata: copyMap(d.metadata),
			})
		}
	}
	return topK(results, limit), nil
}

func (m *memoryFullText) GetByID(_ context.Context, id string) (SearchResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return SearchResult{}, false, nil
	}
	return SearchResult{ID: id, Text: d.text, Metadata: copyMap(d.metadata)}, true, nil
}

// SearchChunks does chunk-preferring search over docs whose IDs start with
// "chunk:", with simple metadata filter matching.
func (m *memoryFullText) SearchChunks(_ context.Context, query string, _ string, limit int, filter map[string]string) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	results := make([]SearchResult, 0, limit)
	for id, d := range m.docs {
		if !strings.HasPrefix(id, "chunk:") {
			continue
		}
		if !metaMatches(d.metadata, filter) {
			continue
		}
		if score := termScore(d.text, terms); score > 0 {
			results = append(results, SearchResult{
				ID:       id,
				Score:    score,
				Snippet:  snippetOf(d.text),
				Text:     d.text,
				Metadata: copyMap(d.metadata),
			})
		}
	}
	return topK(results, limit), nil
}

func termScore(text string, terms []string) float64 {
	lt := strings.ToLower(text)
	score := 0.0
	for _, t := range terms {
		if t == "" {
			continue
		}
		if n := strings.Count(lt, t); n > 0 {
			score += float64(n)
		}
	}
	return score
}

func snippetOf(text string) string {
	if len(text) > 120 {
		return text[:120]
	}
	return text
}

func topK(results []SearchResult, k int) []SearchResult {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func metaMatches(md map[string]string, f map[string]string) bool {
	if len(f) == 0 {
		return true
	}
	for k, v := range f {
		if md[k] != v {
			return false
		}
	}
	return true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
