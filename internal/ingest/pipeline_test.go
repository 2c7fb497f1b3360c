package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

type fakeEmbedBackend struct {
	dim int
}

func (f *fakeEmbedBackend) Name() string                         { return "fake-embed" }
func (f *fakeEmbedBackend) Capabilities() []backend.Capability    { return []backend.Capability{backend.CapTextEmbedding} }
func (f *fakeEmbedBackend) Ready(context.Context) error           { return nil }
func (f *fakeEmbedBackend) Close() error                          { return nil }
func (f *fakeEmbedBackend) Dimension() int                        { return f.dim }
func (f *fakeEmbedBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, storage.MetadataStore) {
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

	p := New(tr, ch, coord, reg, Config{Workers: 2, Retries: 1, Backoff: time.Millisecond}, nil)
	return p, metadata
}

func TestPipeline_StartIngestsNewFilesAndReportsCompletion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world, this is a test file with enough content to chunk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("a second file with different contents entirely"), 0o644))

	p, metadata := newTestPipeline(t)

	taskID, err := p.Start([]string{dir}, false, false)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	waitForTerminal(t, p, taskID)

	status, ok := p.Status(taskID)
	require.True(t, ok)
	require.Equal(t, atlas.TaskCompleted, status.Status)
	require.Equal(t, 2, status.Total)
	require.Equal(t, 2, status.Processed)
	require.Empty(t, status.Errors)

	srcA, ok, err := metadata.GetSourceByPath(context.Background(), filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, atlas.SourceActive, srcA.Status)
}

func TestPipeline_UnchangedFileIsSkippedOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("stable content that will not change between runs"), 0o644))

	p, metadata := newTestPipeline(t)

	id1, err := p.Start([]string{dir}, false, false)
	require.NoError(t, err)
	waitForTerminal(t, p, id1)

	src, ok, err := metadata.GetSourceByPath(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, src.IngestCount)

	id2, err := p.Start([]string{dir}, false, false)
	require.NoError(t, err)
	waitForTerminal(t, p, id2)

	src, ok, err = metadata.GetSourceByPath(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, src.IngestCount, "unchanged file must not be re-ingested")
}

func TestPipeline_CancelOfFinishedTaskIsIdempotent(t *testing.T) {
	p, _ := newTestPipeline(t)

	dir := t.TempDir()
	taskID, err := p.Start([]string{dir}, false, false)
	require.NoError(t, err)
	waitForTerminal(t, p, taskID)

	require.NoError(t, p.Cancel(taskID))
	require.NoError(t, p.Cancel(taskID))
}

func TestPipeline_StartRejectsNoRoots(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Start(nil, false, false)
	require.Error(t, err)
}

func waitForTerminal(t *testing.T, p *Pipeline, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := p.Status(taskID)
		require.True(t, ok)
		if status.Status.Terminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
}
