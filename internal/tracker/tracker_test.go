package tracker

import (
	"context"
	"testing"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/storage"
)

func TestNeedsIngestion_NewThenUnchangedThenModified(t *testing.T) {
	ctx := context.Background()
	md := storage.NewMemoryMetadata()
	tr := New(md, nil)

	path := "/tmp/a.md"
	hash1 := ComputeHash([]byte("hello world"))
	mtime1 := time.Now().UTC()

	dec, err := tr.NeedsIngestion(ctx, path, hash1, mtime1)
	if err != nil || dec.Status != StatusNew {
		t.Fatalf("expected new, got %+v err=%v", dec, err)
	}

	if _, err := tr.RecordIngestion(ctx, path, hash1, mtime1); err != nil {
		t.Fatalf("record ingestion: %v", err)
	}

	dec, err = tr.NeedsIngestion(ctx, path, hash1, mtime1)
	if err != nil || dec.Status != StatusUnchanged {
		t.Fatalf("expected unchanged, got %+v err=%v", dec, err)
	}

	hash2 := ComputeHash([]byte("hello universe"))
	mtime2 := mtime1.Add(time.Minute)
	dec, err = tr.NeedsIngestion(ctx, path, hash2, mtime2)
	if err != nil || dec.Status != StatusModified {
		t.Fatalf("expected modified, got %+v err=%v", dec, err)
	}
}

func TestMarkDeleted_ReturnsActiveChunkIDs(t *testing.T) {
	ctx := context.Background()
	md := storage.NewMemoryMetadata()
	tr := New(md, nil)

	path := "/tmp/b.md"
	hash := ComputeHash([]byte("foo bar"))
	src, err := tr.RecordIngestion(ctx, path, hash, time.Now().UTC())
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := md.UpsertChunks(ctx, []atlas.Chunk{
		{ID: "c1", SourceID: src.ID, ChunkIndex: 0},
		{ID: "c2", SourceID: src.ID, ChunkIndex: 1},
	}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	ids, err := tr.MarkDeleted(ctx, path)
	if err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 chunk ids, got %v", ids)
	}

	s, ok, err := md.GetSource(ctx, src.ID)
	if err != nil || !ok || s.Status != atlas.SourceDeleted {
		t.Fatalf("expected deleted source, got %+v ok=%v err=%v", s, ok, err)
	}
}

func TestSourceID_DeterministicPerPath(t *testing.T) {
	a := SourceID("/tmp/x.md")
	b := SourceID("/tmp/x.md")
	c := SourceID("/tmp/y.md")
	if a != b {
		t.Fatalf("expected deterministic id, got %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("expected different ids for different paths")
	}
}
