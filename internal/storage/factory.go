package storage

import (
	"context"
	"fmt"
	"time"

	"atlas/internal/logging"
)

// TierConfig names one tier's backend and connection string. Backend
// values are generic capability identifiers ("memory", "auto", "postgres",
// "qdrant", "redis", "clickhouse", "none") so any backend declaring the
// matching capability can be substituted without changing caller code.
type TierConfig struct {
	Backend string
	DSN     string
}

// Config assembles the five tiers plus Coordinator tuning knobs.
type Config struct {
	DefaultDSN string

	Metadata TierConfig // postgres|memory
	Vector   struct {
		TierConfig
		Collection string
		Dimensions int
		Metric     string
	}
	FullText  TierConfig // postgres|memory
	Cache     TierConfig // redis|memory|none
	Analytics TierConfig // clickhouse|memory|none

	// Archive is optional: nil means the Retention Vacuum purges aged
	// chunks without archiving them first.
	Archive ArchiveStore

	CacheTTL    time.Duration
	GraceWindow time.Duration
	Logger      logging.Logger
}

// Build constructs a Coordinator from Config, resolving each tier's backend
// and falling back to an in-memory implementation under "auto" when a
// managed backend is unreachable.
func Build(ctx context.Context, cfg Config) (*Coordinator, error) {
	metadataDSN := firstNonEmpty(cfg.Metadata.DSN, cfg.DefaultDSN)
	metadata, err := buildMetadata(ctx, cfg.Metadata.Backend, metadataDSN)
	if err != nil {
		return nil, fmt.Errorf("build metadata tier: %w", err)
	}

	vectorDSN := firstNonEmpty(cfg.Vector.DSN, cfg.DefaultDSN)
	vector, err := buildVector(ctx, cfg.Vector.Backend, vectorDSN, cfg.Vector.Collection, cfg.Vector.Dimensions, cfg.Vector.Metric)
	if err != nil {
		return nil, fmt.Errorf("build vector tier: %w", err)
	}

	fulltextDSN := firstNonEmpty(cfg.FullText.DSN, cfg.DefaultDSN)
	fulltext, err := buildFullText(ctx, cfg.FullText.Backend, fulltextDSN)
	if err != nil {
		return nil, fmt.Errorf("build full-text tier: %w", err)
	}

	cache, err := buildCache(ctx, cfg.Cache.Backend, cfg.Cache.DSN)
	if err != nil {
		return nil, fmt.Errorf("build cache tier: %w", err)
	}

	analytics, err := buildAnalytics(ctx, cfg.Analytics.Backend, cfg.Analytics.DSN)
	if err != nil {
		return nil, fmt.Errorf("build analytics tier: %w", err)
	}

	return NewCoordinator(CoordinatorConfig{
		Metadata:    metadata,
		Vector:      vector,
		FullText:    fulltext,
		Cache:       cache,
		Analytics:   analytics,
		Archive:     cfg.Archive,
		Logger:      cfg.Logger,
		CacheTTL:    cfg.CacheTTL,
		GraceWindow: cfg.GraceWindow,
	}), nil
}

func buildMetadata(ctx context.Context, backend, dsn string) (MetadataStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryMetadata(), nil
	case "auto":
		if dsn == "" {
			return NewMemoryMetadata(), nil
		}
		pool, err := newPgPool(ctx, dsn)
		if err != nil {
			return NewMemoryMetadata(), nil
		}
		return NewPostgresMetadata(pool)
	case "postgres", "pg":
		if dsn == "" {
			return nil, fmt.Errorf("metadata backend postgres requires a DSN")
		}
		pool, err := newPgPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres (metadata): %w", err)
		}
		return NewPostgresMetadata(pool)
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %s", backend)
	}
}

func buildVector(ctx context.Context, backend, dsn, collection string, dimensions int, metric string) (VectorStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryVector(dimensions), nil
	case "auto":
		if dsn == "" {
			return NewMemoryVector(dimensions), nil
		}
		if v, err := NewQdrantVector(dsn, orDefault(collection, "atlas_chunks"), dimensions, metric); err == nil {
			return v, nil
		}
		return NewMemoryVector(dimensions), nil
	case "qdrant":
		if dsn == "" {
			return nil, fmt.Errorf("vector backend qdrant requires a DSN")
		}
		return NewQdrantVector(dsn, orDefault(collection, "atlas_chunks"), dimensions, metric)
	case "none", "disabled":
		return noopVector{}, nil
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", backend)
	}
}

func buildFullText(ctx context.Context, backend, dsn string) (FullTextSearch, error) {
	switch backend {
	case "", "memory":
		return NewMemoryFullText(), nil
	case "auto":
		if dsn == "" {
			return NewMemoryFullText(), nil
		}
		pool, err := newPgPool(ctx, dsn)
		if err != nil {
			return NewMemoryFullText(), nil
		}
		return NewPostgresFullText(pool), nil
	case "postgres", "pg":
		if dsn == "" {
			return nil, fmt.Errorf("full-text backend postgres requires a DSN")
		}
		pool, err := newPgPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres (full-text): %w", err)
		}
		return NewPostgresFullText(pool), nil
	case "none", "disabled":
		return noopFullText{}, nil
	default:
		return nil, fmt.Errorf("unsupported full-text backend: %s", backend)
	}
}

func buildCache(ctx context.Context, backend, addr string) (CacheStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryCache(), nil
	case "auto":
		if addr == "" {
			return NewMemoryCache(), nil
		}
		if c, err := NewRedisCache(ctx, RedisOptions{Addr: addr}); err == nil {
			return c, nil
		}
		return NewMemoryCache(), nil
	case "redis", "valkey":
		if addr == "" {
			return nil, fmt.Errorf("cache backend redis requires an address")
		}
		return NewRedisCache(ctx, RedisOptions{Addr: addr})
	case "none", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}

func buildAnalytics(ctx context.Context, backend, dsn string) (AnalyticsStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryAnalytics(), nil
	case "auto":
		if dsn == "" {
			return NewMemoryAnalytics(), nil
		}
		if a, err := NewClickHouseAnalytics(ctx, ClickHouseOptions{DSN: dsn}); err == nil {
			return a, nil
		}
		return NewMemoryAnalytics(), nil
	case "clickhouse":
		if dsn == "" {
			return nil, fmt.Errorf("analytics backend clickhouse requires a DSN")
		}
		return NewClickHouseAnalytics(ctx, ClickHouseOptions{DSN: dsn})
	case "none", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported analytics backend: %s", backend)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type noopVector struct{}

func (noopVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (noopVector) Delete(context.Context, string) error                               { return nil }
func (noopVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, nil
}
func (noopVector) Dimension() int { return 0 }

type noopFullText struct{}

func (noopFullText) Index(context.Context, string, string, map[string]string) error { return nil }
func (noopFullText) Remove(context.Context, string) error                           { return nil }
func (noopFullText) Search(context.Context, string, int) ([]SearchResult, error)    { return nil, nil }
func (noopFullText) GetByID(context.Context, string) (SearchResult, bool, error) {
	return SearchResult{}, false, nil
}
