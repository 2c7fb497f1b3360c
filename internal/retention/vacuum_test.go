package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atlas/internal/atlas"
	"atlas/internal/objectstore"
	"atlas/internal/storage"
)

func seedChunk(t *testing.T, metadata storage.MetadataStore, markedAt time.Time, eligible bool) atlas.Chunk {
	t.Helper()
	c := atlas.Chunk{
		ID:               "chunk-" + markedAt.Format(time.RFC3339Nano),
		SourceID:         "src-1",
		ContentHash:      "hash-1",
		Payload:          atlas.ChunkPayload{Text: "old content"},
		DeletionEligible: eligible,
		DeletionMarkedAt: markedAt,
		CreatedAt:        time.Now().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, metadata.UpsertChunks(context.Background(), []atlas.Chunk{c}))
	require.NoError(t, metadata.MarkSuperseded(context.Background(), []string{c.ID}, "", eligible, markedAt))
	return c
}

func TestVacuum_PurgesAgedEligibleChunksAndArchivesFirst(t *testing.T) {
	metadata := storage.NewMemoryMetadata()
	old := seedChunk(t, metadata, time.Now().Add(-20*24*time.Hour), true)

	mem := objectstore.NewMemoryStore()
	archive := NewObjectStoreArchive(mem, "chunks/")

	v := New(metadata, archive, Config{GraceWindow: 14 * 24 * time.Hour}, nil)
	v.Sweep(context.Background())

	_, ok, err := metadata.GetChunk(context.Background(), old.ID)
	require.NoError(t, err)
	require.False(t, ok, "purged chunk should no longer be retrievable")

	_, _, err = mem.Get(context.Background(), "chunks/"+old.ID+".json")
	require.NoError(t, err, "chunk payload should have been archived before purge")

	stats := v.Stats()
	require.Equal(t, 1, stats.Runs)
	require.Equal(t, 1, stats.ChunksPurged)
	require.Equal(t, 1, stats.ChunksArchived)
}

func TestVacuum_SkipsChunksNotYetPastGraceWindow(t *testing.T) {
	metadata := storage.NewMemoryMetadata()
	recent := seedChunk(t, metadata, time.Now().Add(-1*time.Hour), true)

	v := New(metadata, nil, Config{GraceWindow: 14 * 24 * time.Hour}, nil)
	v.Sweep(context.Background())

	_, ok, err := metadata.GetChunk(context.Background(), recent.ID)
	require.NoError(t, err)
	require.True(t, ok, "chunk within the grace window must not be purged")
	require.Equal(t, 0, v.Stats().ChunksPurged)
}

func TestVacuum_PurgesWithoutArchiveWhenUnbound(t *testing.T) {
	metadata := storage.NewMemoryMetadata()
	old := seedChunk(t, metadata, time.Now().Add(-20*24*time.Hour), true)

	v := New(metadata, nil, Config{GraceWindow: 14 * 24 * time.Hour}, nil)
	v.Sweep(context.Background())

	_, ok, err := metadata.GetChunk(context.Background(), old.ID)
	require.NoError(t, err)
	require.False(t, ok)

	stats := v.Stats()
	require.Equal(t, 1, stats.ChunksPurged)
	require.Equal(t, 1, stats.ArchiveSkipped)
	require.Equal(t, 0, stats.ChunksArchived)
}

func TestVacuum_ArchiveFailureAbortsPurgeForThatChunk(t *testing.T) {
	metadata := storage.NewMemoryMetadata()
	old := seedChunk(t, metadata, time.Now().Add(-20*24*time.Hour), true)

	v := New(metadata, failingArchive{}, Config{GraceWindow: 14 * 24 * time.Hour}, nil)
	v.Sweep(context.Background())

	_, ok, err := metadata.GetChunk(context.Background(), old.ID)
	require.NoError(t, err)
	require.True(t, ok, "a chunk whose archival failed must not be purged")
	require.Equal(t, 0, v.Stats().ChunksPurged)
	require.Equal(t, 1, v.Stats().Errors)
}

type failingArchive struct{}

func (failingArchive) PutChunkArchive(context.Context, atlas.Chunk) error {
	return errArchiveUnavailable
}

var errArchiveUnavailable = errors.New("archive backend unavailable")
