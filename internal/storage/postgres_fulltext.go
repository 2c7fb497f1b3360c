package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgFullText struct{ pool *pgxpool.Pool }

// NewPostgresFullText constructs the Full-text tier backed by Postgres
// tsvector/ts_rank/ts_headline. It best-effort bootstraps a documents table
// for arbitrary indexing and an fts_chunks table, denormalized from the
// Metadata tier, for chunk-level search.
func NewPostgresFullText(pool *pgxpool.Pool) FullTextSearch {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS documents_ts_idx ON documents USING GIN (ts)`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS fts_chunks (
  id TEXT PRIMARY KEY,
  source_id TEXT NOT NULL,
  chunk_index INT NOT NULL DEFAULT 0,
  text TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  lang TEXT NOT NULL DEFAULT 'english',
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS fts_chunks_ts_idx ON fts_chunks USING GIN (ts)`)
	return &pgFullText{pool: pool}
}

func (p *pgFullText) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	md := mapToJSON(metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(id, text, metadata) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, metadata=EXCLUDED.metadata
`, id, text, md)
	return err
}

func (p *pgFullText) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	return err
}

func (p *pgFullText) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, ts_rank(ts, plainto_tsquery('simple',$1)) AS score,
       left(text, 120) AS snippet,
       text,
       metadata
FROM documents
WHERE ts @@ plainto_tsquery('simple',$1)
ORDER BY score DESC
LIMIT $2
`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var r SearchResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchChunks searches the chunks table, preferring websearch_to_tsquery and
// falling back to plainto_tsquery. Filters apply against the metadata JSONB
// column; a type:"chunk" constraint is added when absent.
func (p *pgFullText) SearchChunks(ctx context.Context, query string, lang string, limit int, filter map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	f := mapToJSON(filter)
	if _, ok := f["type"]; !ok {
		f["type"] = "chunk"
	}
	run := func(stmt string, args ...any) ([]SearchResult, error) {
		rows, err := p.pool.Query(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]SearchResult, 0, limit)
		for rows.Next() {
			var r SearchResult
			var md map[string]string
			if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
				return nil, err
			}
			r.Metadata = md
			out = append(out, r)
		}
		return out, rows.Err()
	}
	useChunks, _ := p.HasChunksTable(ctx)
	if useChunks {
		stmt := `SELECT id, ts_rank(ts, websearch_to_tsquery(to_regconfig($2), $1)) AS score,
                         left(text, 120) AS snippet, text, metadata
                  FROM fts_chunks
                  WHERE ts @@ websearch_to_tsquery(to_regconfig($2), $1)
                    AND metadata @> $3
                  ORDER BY score DESC
                  LIMIT $4`
		res, err := run(stmt, q, lang, f, limit)
		if err == nil {
			return res, nil
		}
		stmt = `SELECT id, ts_rank(ts, plainto_tsquery(to_regconfig($2), $1)) AS score,
                         left(text, 120) AS snippet, text, metadata
                FROM fts_chunks
                WHERE ts @@ plainto_tsquery(to_regconfig($2), $1)
                  AND metadata @> $3
                ORDER BY score DESC
                LIMIT $4`
		return run(stmt, q, lang, f, limit)
	}
	stmt := `SELECT id, ts_rank(ts, websearch_to_tsquery(to_regconfig($2), $1)) AS score,
                     left(text, 120) AS snippet, text, metadata
              FROM documents
              WHERE ts @@ websearch_to_tsquery(to_regconfig($2), $1)
                AND metadata @> $3
                AND id LIKE 'chunk:%'
              ORDER BY score DESC
              LIMIT $4`
	res, err := run(stmt, q, lang, f, limit)
	if err == nil {
		return res, nil
	}
	stmt = `SELECT id, ts_rank(ts, plainto_tsquery(to_regconfig($2), $1)) AS score,
                     left(text, 120) AS snippet, text, metadata
            FROM documents
            WHERE ts @@ plainto_tsquery(to_regconfig($2), $1)
              AND metadata @> $3
              AND id LIKE 'chunk:%'
            ORDER BY score DESC
            LIMIT $4`
	return run(stmt, q, lang, f, limit)
}

func (p *pgFullText) GetByID(ctx context.Context, id string) (SearchResult, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, text, metadata FROM documents WHERE id=$1`, id)
	var r SearchResult
	var md map[string]string
	if err := row.Scan(&r.ID, &r.Text, &md); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return SearchResult{}, false, nil
		}
		return SearchResult{}, false, err
	}
	r.Metadata = md
	return r, true, nil
}

// SnippetForID returns a ts_headline-generated highlighted snippet, reading
// from the chunks table when the id looks like a chunk and the table exists.
func (p *pgFullText) SnippetForID(ctx context.Context, id, lang, query string) (string, bool, error) {
	useChunks, _ := p.HasChunksTable(ctx)
	stmt := `SELECT ts_headline(to_regconfig($2), text, websearch_to_tsquery(to_regconfig($2), $3)) FROM documents WHERE id=$1`
	if useChunks && strings.HasPrefix(id, "chunk:") {
		stmt = `SELECT ts_headline(to_regconfig($2), text, websearch_to_tsquery(to_regconfig($2), $3)) FROM fts_chunks WHERE id=$1`
	}
	var snip string
	if err := p.pool.QueryRow(ctx, stmt, id, lang, query).Scan(&snip); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, err
	}
	return snip, true, nil
}

// HasChunksTable reports whether an fts_chunks table exists in the current schema.
func (p *pgFullText) HasChunksTable(ctx context.Context) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = current_schema()
    AND table_name = 'fts_chunks'
)
`).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UpsertChunk writes a row directly into the full-text tier's fts_chunks table so
// full-text search stays current without a second round trip through Index.
func (p *pgFullText) UpsertChunk(ctx context.Context, chunkID, docID string, idx int, text string, metadata map[string]string, lang string) error {
	md := mapToJSON(metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO fts_chunks(id, source_id, chunk_index, text, metadata, lang)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, metadata=EXCLUDED.metadata, lang=EXCLUDED.lang
`, chunkID, docID, idx, text, md, lang)
	return err
}

func (p *pgFullText) Close() { p.pool.Close() }

// mapToJSON ensures a non-nil map reaches the JSONB NOT NULL column.
func mapToJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
