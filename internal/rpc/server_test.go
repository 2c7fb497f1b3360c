package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/ingest"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

type fakeEmbedBackend struct{ dim int }

func (f *fakeEmbedBackend) Name() string                      { return "fake-embed" }
func (f *fakeEmbedBackend) Capabilities() []backend.Capability { return []backend.Capability{backend.CapTextEmbedding} }
func (f *fakeEmbedBackend) Ready(context.Context) error        { return nil }
func (f *fakeEmbedBackend) Close() error                       { return nil }
func (f *fakeEmbedBackend) Dimension() int                     { return f.dim }
func (f *fakeEmbedBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *ingest.Pipeline) {
	t.Helper()
	metadata := storage.NewMemoryMetadata()
	coord := storage.NewCoordinator(storage.CoordinatorConfig{
		Metadata: metadata,
		Vector:   storage.NewMemoryVector(8),
		FullText: storage.NewMemoryFullText(),
	})
	tr := tracker.New(metadata, nil)
	ch := chunker.New(chunker.DefaultConfig())
	reg := backend.NewRegistry(backend.Config{
		Capabilities: map[backend.Capability][]backend.Spec{
			backend.CapTextEmbedding: {{ID: "fake", Kind: "fake"}},
		},
	}, map[string]backend.Constructor{
		"fake": func(backend.Spec) (backend.Backend, error) { return &fakeEmbedBackend{dim: 8}, nil },
	}, nil)
	pipeline := ingest.New(tr, ch, coord, reg, ingest.Config{Workers: 2, Retries: 1, Backoff: time.Millisecond}, nil)
	return NewServer(pipeline, coord, reg, nil, nil, nil), pipeline
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func waitTerminal(t *testing.T, p *ingest.Pipeline, taskID string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		st, ok := p.Status(taskID)
		require.True(t, ok)
		if st.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
}

func TestIngestStartStatusCancel_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world, searchable content"), 0o644))

	s, p := newTestServer(t)

	rec := postJSON(t, s, "/rpc/ingest.start", IngestStartRequest{Paths: []string{dir}, Recursive: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var started IngestStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.TaskID)

	waitTerminal(t, p, started.TaskID)

	rec = postJSON(t, s, "/rpc/ingest.status", IngestStatusRequest{TaskID: started.TaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	var status IngestStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.Total)
	require.Equal(t, 1, status.Processed)

	rec = postJSON(t, s, "/rpc/ingest.cancel", IngestCancelRequest{TaskID: started.TaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled IngestCancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	require.True(t, cancelled.OK)
}

func TestIngestStatus_UnknownTaskIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s, "/rpc/ingest.status", IngestStatusRequest{TaskID: "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch_FulltextModeReturnsIngestedChunk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("atlas tracks file changes across the whole corpus"), 0o644))

	s, p := newTestServer(t)
	rec := postJSON(t, s, "/rpc/ingest.start", IngestStartRequest{Paths: []string{dir}})
	var started IngestStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	waitTerminal(t, p, started.TaskID)

	rec = postJSON(t, s, "/rpc/search", SearchRequest{Query: "corpus", Mode: "fulltext", Limit: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	require.Equal(t, filepath.Join(dir, "a.txt"), resp.Results[0].FilePath)
}

func TestSearch_EmptyQueryIsRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s, "/rpc/search", SearchRequest{Query: "", Mode: "hybrid"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEvent_AlwaysOKWithNilEventPipe(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s, "/rpc/session_event", SessionEventRequest{Type: "prompt", Data: map[string]any{"a": 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
}

func TestHealth_ReportsBoundBackendsAndTiers(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s, "/rpc/health", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Backends)
}
