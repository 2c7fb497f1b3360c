// Package storage implements the Storage Coordinator (C5): the five-tier
// persistence layer backing the Chunk aggregate (Vector, Metadata, Cache,
// Full-text, Analytics) plus the reconcile queue that keeps the
// eventually-consistent tiers converging on the authoritative Metadata tier.
//
// Extensions
//   - vector: pgvector, unused here (Qdrant is the wired vector backend) but
//     documented for operators who substitute a Postgres-only deployment.
//   - pg_trgm: optional full-text helper, enabled best-effort.
//
// Tables (Metadata tier, Postgres)
//   - sources(id TEXT PRIMARY KEY, path TEXT, content_hash TEXT, file_mtime
//     TIMESTAMPTZ, status TEXT, ingest_count INT, created_at, updated_at)
//   - chunks(id TEXT PRIMARY KEY, source_id TEXT, chunk_index INT,
//     total_chunks INT, char_count INT, content_hash TEXT, payload JSONB,
//     consolidation_level INT, superseded_by TEXT, deletion_eligible BOOL,
//     deletion_marked_at TIMESTAMPTZ, byte_start INT, byte_end INT,
//     created_at TIMESTAMPTZ)
//   - qntm_keys(key TEXT PRIMARY KEY, first_seen_at, last_seen_at,
//     usage_count INT, last_chunk_id TEXT)
//
// Full-text tier keeps its own documents and fts_chunks tables, each with a
// generated tsvector column;
// Analytics tier (ClickHouse) keeps an append-only copy of chunk writes.
package storage
