package watcher

import (
	"context"
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
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func newTestWatcher(t *testing.T) (*Watcher, storage.MetadataStore) {
	t.Helper()
	metadata := storage.NewMemoryMetadata()
	coord := storage.NewCoordinator(storage.CoordinatorConfig{
		Metadata: metadata,
		Vector:   storage.NewMemoryVector(4),
		FullText: storage.NewMemoryFullText(),
	})
	tr := tracker.New(metadata, nil)
	ch := chunker.New(chunker.DefaultConfig())
	reg := backend.NewRegistry(backend.Config{
		Capabilities: map[backend.Capability][]backend.Spec{
			backend.CapTextEmbedding: {{ID: "fake", Kind: "fake"}},
		},
	}, map[string]backend.Constructor{
		"fake": func(backend.Spec) (backend.Backend, error) { return &fakeEmbedBackend{dim: 4}, nil },
	}, nil)
	pipeline := ingest.New(tr, ch, coord, reg, ingest.Config{Workers: 1, Retries: 0, Backoff: time.Millisecond}, nil)

	w, err := New(pipeline, tr, coord, 20*time.Millisecond, nil)
	require.NoError(t, err)
	return w, metadata
}

func TestWatcher_CreatedFileTriggersIngest(t *testing.T) {
	dir := t.TempDir()
	w, metadata := newTestWatcher(t)
	require.NoError(t, w.AddRoot(dir, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("freshly created watched content"), 0o644))

	require.Eventually(t, func() bool {
		return w.Stats().IngestsTriggered > 0
	}, 2*time.Second, 10*time.Millisecond)

	src, ok, err := metadata.GetSourceByPath(context.Background(), filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "active", string(src.Status))
}

func TestWatcher_RemovedFileMarksSourceDeleted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")

	w, metadata := newTestWatcher(t)
	require.NoError(t, w.AddRoot(dir, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("will be removed shortly"), 0o644))

	require.Eventually(t, func() bool {
		return w.Stats().IngestsTriggered > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return w.Stats().DeletesTriggered > 0
	}, 2*time.Second, 10*time.Millisecond)

	src, ok, err := metadata.GetSourceByPath(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "deleted", string(src.Status))
}
