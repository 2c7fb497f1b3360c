package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"atlas/internal/atlas"
	"atlas/internal/objectstore"
)

// ObjectStoreArchive adapts an objectstore.ObjectStore (S3 or the in-memory
// fake) into the storage.ArchiveStore capability the Vacuum writes through,
// keyed by chunk id so a purge is recoverable for audit/debugging.
type ObjectStoreArchive struct {
	store  objectstore.ObjectStore
	prefix string
}

// NewObjectStoreArchive wraps store. prefix is prepended to every archive
// key (e.g. "chunks/"); empty means no prefix.
func NewObjectStoreArchive(store objectstore.ObjectStore, prefix string) *ObjectStoreArchive {
	return &ObjectStoreArchive{store: store, prefix: prefix}
}

// PutChunkArchive writes chunk as a JSON object under <prefix><chunk-id>.json.
func (a *ObjectStoreArchive) PutChunkArchive(ctx context.Context, chunk atlas.Chunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk for archive: %w", err)
	}
	key := fmt.Sprintf("%s%s.json", a.prefix, chunk.ID)
	_, err = a.store.Put(ctx, key, bytes.NewReader(body), objectstore.PutOptions{ContentType: "application/json"})
	return err
}
