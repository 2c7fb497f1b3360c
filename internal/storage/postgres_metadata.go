package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/atlas"
)

// pgMetadata is the authoritative relational Metadata tier: Source and
// Chunk rows, plus QNTM key bookkeeping. Every Coordinator write commits
// here first; every other tier is eventually consistent with this one.
type pgMetadata struct{ pool *pgxpool.Pool }

// NewPostgresMetadata constructs the Metadata tier, bootstrapping its
// tables idempotently.
func NewPostgresMetadata(pool *pgxpool.Pool) (MetadataStore, error) {
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources (
  id TEXT PRIMARY KEY,
  path TEXT NOT NULL UNIQUE,
  content_hash TEXT NOT NULL DEFAULT '',
  file_mtime TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'active',
  ingest_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS chunks (
  id TEXT PRIMARY KEY,
  source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
  chunk_index INT NOT NULL DEFAULT 0,
  total_chunks INT NOT NULL DEFAULT 0,
  char_count INT NOT NULL DEFAULT 0,
  content_hash TEXT NOT NULL DEFAULT '',
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  consolidation_level INT NOT NULL DEFAULT 0,
  superseded_by TEXT NOT NULL DEFAULT '',
  deletion_eligible BOOLEAN NOT NULL DEFAULT false,
  deletion_marked_at TIMESTAMPTZ,
  byte_start INT NOT NULL DEFAULT 0,
  byte_end INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS chunks_source_idx ON chunks(source_id);`,
		`CREATE INDEX IF NOT EXISTS chunks_purge_idx ON chunks(deletion_eligible, deletion_marked_at);`,
		`CREATE INDEX IF NOT EXISTS chunks_content_hash_idx ON chunks(content_hash);`,
		`CREATE TABLE IF NOT EXISTS qntm_keys (
  key TEXT PRIMARY KEY,
  first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  usage_count INT NOT NULL DEFAULT 0,
  last_chunk_id TEXT NOT NULL DEFAULT ''
);`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("bootstrap metadata schema: %w", err)
		}
	}
	return &pgMetadata{pool: pool}, nil
}

func (p *pgMetadata) UpsertSource(ctx context.Context, s atlas.Source) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO sources(id, path, content_hash, file_mtime, status, ingest_count, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,now(),now())
ON CONFLICT (id) DO UPDATE SET
  path=EXCLUDED.path, content_hash=EXCLUDED.content_hash, file_mtime=EXCLUDED.file_mtime,
  status=EXCLUDED.status, ingest_count=EXCLUDED.ingest_count, updated_at=now()
`, s.ID, s.Path, s.ContentHash, s.FileMtime, string(s.Status), s.IngestCount)
	return err
}

func (p *pgMetadata) GetSource(ctx context.Context, id string) (atlas.Source, bool, error) {
	return p.scanSource(p.pool.QueryRow(ctx, `
SELECT id, path, content_hash, file_mtime, status, ingest_count, created_at, updated_at
FROM sources WHERE id=$1`, id))
}

func (p *pgMetadata) GetSourceByPath(ctx context.Context, path string) (atlas.Source, bool, error) {
	return p.scanSource(p.pool.QueryRow(ctx, `
SELECT id, path, content_hash, file_mtime, status, ingest_count, created_at, updated_at
FROM sources WHERE path=$1`, path))
}

func (p *pgMetadata) scanSource(row pgx.Row) (atlas.Source, bool, error) {
	var s atlas.Source
	var status string
	var mtime *time.Time
	if err := row.Scan(&s.ID, &s.Path, &s.ContentHash, &mtime, &status, &s.IngestCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return atlas.Source{}, false, nil
		}
		return atlas.Source{}, false, err
	}
	s.Status = atlas.SourceStatus(status)
	if mtime != nil {
		s.FileMtime = *mtime
	}
	return s, true, nil
}

func (p *pgMetadata) UpsertChunks(ctx context.Context, chunks []atlas.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, c := range chunks {
		payload, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("marshal chunk payload %s: %w", c.ID, err)
		}
		var markedAt *time.Time
		if !c.DeletionMarkedAt.IsZero() {
			markedAt = &c.DeletionMarkedAt
		}
		_, err = tx.Exec(ctx, `
INSERT INTO chunks(id, source_id, chunk_index, total_chunks, char_count, content_hash, payload,
                    consolidation_level, superseded_by, deletion_eligible, deletion_marked_at,
                    byte_start, byte_end, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
ON CONFLICT (id) DO UPDATE SET
  chunk_index=EXCLUDED.chunk_index, total_chunks=EXCLUDED.total_chunks, char_count=EXCLUDED.char_count,
  content_hash=EXCLUDED.content_hash, payload=EXCLUDED.payload, consolidation_level=EXCLUDED.consolidation_level,
  superseded_by=EXCLUDED.superseded_by, deletion_eligible=EXCLUDED.deletion_eligible,
  deletion_marked_at=EXCLUDED.deletion_marked_at, byte_start=EXCLUDED.byte_start, byte_end=EXCLUDED.byte_end
`, c.ID, c.SourceID, c.ChunkIndex, c.TotalChunks, c.CharCount, c.ContentHash, payload,
			c.ConsolidationLevel, c.SupersededBy, c.DeletionEligible, markedAt, c.ByteStart, c.ByteEnd)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *pgMetadata) GetChunk(ctx context.Context, id string) (atlas.Chunk, bool, error) {
	return p.scanChunk(p.pool.QueryRow(ctx, chunkSelectSQL+` WHERE id=$1`, id))
}

func (p *pgMetadata) GetChunksBySource(ctx context.Context, sourceID string) ([]atlas.Chunk, error) {
	rows, err := p.pool.Query(ctx, chunkSelectSQL+` WHERE source_id=$1 ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []atlas.Chunk
	for rows.Next() {
		c, ok, err := p.scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

const chunkSelectSQL = `
SELECT id, source_id, chunk_index, total_chunks, char_count, content_hash, payload,
       consolidation_level, superseded_by, deletion_eligible, deletion_marked_at,
       byte_start, byte_end, created_at
FROM chunks`

func (p *pgMetadata) scanChunk(row pgx.Row) (atlas.Chunk, bool, error) {
	var c atlas.Chunk
	var payload []byte
	var markedAt *time.Time
	if err := row.Scan(&c.ID, &c.SourceID, &c.ChunkIndex, &c.TotalChunks, &c.CharCount, &c.ContentHash, &payload,
		&c.ConsolidationLevel, &c.SupersededBy, &c.DeletionEligible, &markedAt, &c.ByteStart, &c.ByteEnd, &c.CreatedAt); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return atlas.Chunk{}, false, nil
		}
		return atlas.Chunk{}, false, err
	}
	if err := json.Unmarshal(payload, &c.Payload); err != nil {
		return atlas.Chunk{}, false, fmt.Errorf("unmarshal chunk payload %s: %w", c.ID, err)
	}
	if markedAt != nil {
		c.DeletionMarkedAt = *markedAt
	}
	return c, true, nil
}

func (p *pgMetadata) scanChunkRows(rows pgx.Rows) (atlas.Chunk, bool, error) {
	var c atlas.Chunk
	var payload []byte
	var markedAt *time.Time
	if err := rows.Scan(&c.ID, &c.SourceID, &c.ChunkIndex, &c.TotalChunks, &c.CharCount, &c.ContentHash, &payload,
		&c.ConsolidationLevel, &c.SupersededBy, &c.DeletionEligible, &markedAt, &c.ByteStart, &c.ByteEnd, &c.CreatedAt); err != nil {
		return atlas.Chunk{}, false, err
	}
	if err := json.Unmarshal(payload, &c.Payload); err != nil {
		return atlas.Chunk{}, false, fmt.Errorf("unmarshal chunk payload %s: %w", c.ID, err)
	}
	if markedAt != nil {
		c.DeletionMarkedAt = *markedAt
	}
	return c, true, nil
}

func (p *pgMetadata) ListActiveChunks(ctx context.Context, limit int) ([]atlas.Chunk, error) {
	q := chunkSelectSQL + ` WHERE superseded_by='' AND deletion_eligible=false ORDER BY source_id, chunk_index`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []atlas.Chunk
	for rows.Next() {
		c, ok, err := p.scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (p *pgMetadata) MarkSuperseded(ctx context.Context, oldIDs []string, newID string, eligible bool, markedAt time.Time) error {
	if len(oldIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
UPDATE chunks SET superseded_by=$2, deletion_eligible=$3, deletion_marked_at=$4
WHERE id = ANY($1)
`, oldIDs, newID, eligible, markedAt)
	return err
}

func (p *pgMetadata) EligibleForPurge(ctx context.Context, cutoff time.Time, limit int) ([]atlas.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, chunkSelectSQL+`
WHERE deletion_eligible = true AND deletion_marked_at IS NOT NULL AND deletion_marked_at < $1
ORDER BY deletion_marked_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []atlas.Chunk
	for rows.Next() {
		c, ok, err := p.scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (p *pgMetadata) FindChunkByContentHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx, `
SELECT id FROM chunks
WHERE content_hash=$1 AND superseded_by='' AND deletion_eligible=false
ORDER BY created_at ASC LIMIT 1`, hash).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func (p *pgMetadata) PurgeChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids)
	return err
}

func (p *pgMetadata) UpsertQNTMKey(ctx context.Context, key atlas.QNTMKey) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO qntm_keys(key, first_seen_at, last_seen_at, usage_count, last_chunk_id)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (key) DO UPDATE SET
  last_seen_at=EXCLUDED.last_seen_at, usage_count=qntm_keys.usage_count+1, last_chunk_id=EXCLUDED.last_chunk_id
`, key.Key, key.FirstSeenAt, key.LastSeenAt, key.UsageCount, key.LastChunkID)
	return err
}

func (p *pgMetadata) Close() { p.pool.Close() }
