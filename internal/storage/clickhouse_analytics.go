package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"atlas/internal/atlas"
)

// chAnalytics is the Analytics tier: an append-only columnar copy of chunk
// write/delete events for out-of-band aggregate reporting. It never
// participates in the read path.
type chAnalytics struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// ClickHouseOptions configures the Analytics tier.
type ClickHouseOptions struct {
	DSN            string
	Database       string
	Table          string // defaults to "chunk_events"
	TimeoutSeconds int
}

// NewClickHouseAnalytics builds a ClickHouse-backed AnalyticsStore,
// bootstrapping its append-only table idempotently.
func NewClickHouseAnalytics(ctx context.Context, opts ClickHouseOptions) (AnalyticsStore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("clickhouse analytics requires a DSN")
	}
	chOpts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.Database != "" {
		chOpts.Auth.Database = opts.Database
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	table := opts.Table
	if table == "" {
		table = "chunk_events"
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	bootstrapCtx, bcancel := context.WithTimeout(ctx, timeout)
	defer bcancel()
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  event_id UUID,
  chunk_id String,
  source_id String,
  kind LowCardinality(String),
  reason String,
  char_count Int32,
  consolidation_level Int32,
  payload String,
  recorded_at DateTime64(3)
) ENGINE = MergeTree
ORDER BY (chunk_id, recorded_at)
`, table)
	if err := conn.Exec(bootstrapCtx, ddl); err != nil {
		return nil, fmt.Errorf("bootstrap analytics schema: %w", err)
	}

	return &chAnalytics{conn: conn, table: table, timeout: timeout}, nil
}

func (c *chAnalytics) RecordChunkWrite(ctx context.Context, chunk atlas.Chunk) error {
	payload, err := json.Marshal(chunk.Payload)
	if err != nil {
		return fmt.Errorf("marshal chunk payload for analytics: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Exec(wctx, fmt.Sprintf(`
INSERT INTO %s (event_id, chunk_id, source_id, kind, reason, char_count, consolidation_level, payload, recorded_at)
VALUES (?, ?, ?, 'upsert', '', ?, ?, ?, ?)
`, c.table), uuid.New(), chunk.ID, chunk.SourceID, chunk.CharCount, chunk.ConsolidationLevel, string(payload), time.Now().UTC())
}

func (c *chAnalytics) RecordChunkDelete(ctx context.Context, id string, reason string) error {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Exec(wctx, fmt.Sprintf(`
INSERT INTO %s (event_id, chunk_id, source_id, kind, reason, char_count, consolidation_level, payload, recorded_at)
VALUES (?, ?, '', 'delete', ?, 0, 0, '', ?)
`, c.table), uuid.New(), id, reason, time.Now().UTC())
}

func (c *chAnalytics) Close() error { return c.conn.Close() }

// memoryAnalytics is an in-memory AnalyticsStore used for tests and the
// "memory" backend configuration ("none" configures no analytics store).
type memoryAnalytics struct {
	mu     sync.Mutex
	events []analyticsEvent
}

type analyticsEvent struct {
	ChunkID string
	Kind    string
	Reason  string
}

// NewMemoryAnalytics builds an in-memory AnalyticsStore.
func NewMemoryAnalytics() AnalyticsStore { return &memoryAnalytics{} }

func (m *memoryAnalytics) RecordChunkWrite(_ context.Context, chunk atlas.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, analyticsEvent{ChunkID: chunk.ID, Kind: "upsert"})
	return nil
}

func (m *memoryAnalytics) RecordChunkDelete(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, analyticsEvent{ChunkID: id, Kind: "delete", Reason: reason})
	return nil
}
