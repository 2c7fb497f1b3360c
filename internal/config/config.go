// Package config defines Atlas's runtime configuration surface: a single
// YAML-loaded Config struct covering the daemon's listen address, storage
// tier selection, backend capability bindings, and the ingest/retrieval/
// consolidation/events/retention tuning knobs. Mirrors the teacher's
// nested-struct-plus-YAML-tag convention, trimmed to Atlas's domain.
package config

import (
	"time"

	"atlas/internal/backend"
	"atlas/internal/objectstore"
	"atlas/internal/observability"
)

// TierConfig names one storage tier's backend and connection string,
// matching storage.TierConfig's shape so it round-trips without translation.
type TierConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn,omitempty"`
}

// VectorTierConfig extends TierConfig with the knobs the Vector tier needs
// beyond a bare DSN.
type VectorTierConfig struct {
	TierConfig `yaml:",inline"`
	Collection string `yaml:"collection,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	Metric     string `yaml:"metric,omitempty"`
}

// StorageConfig selects a backend and DSN per tier, matching
// `storage.{postgres|redis|clickhouse|vector}` from the config surface.
type StorageConfig struct {
	DefaultDSN string           `yaml:"default_dsn,omitempty"`
	Metadata   TierConfig       `yaml:"metadata"`
	Vector     VectorTierConfig `yaml:"vector"`
	FullText   TierConfig       `yaml:"fulltext"`
	Cache      TierConfig       `yaml:"cache"`
	Analytics  TierConfig       `yaml:"analytics"`

	CacheTTL    time.Duration `yaml:"cache_ttl,omitempty"`
	GraceWindow time.Duration `yaml:"grace_window,omitempty"`
}

// BackendSpec is the YAML-facing mirror of backend.Spec.
type BackendSpec struct {
	ID     string            `yaml:"id"`
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params,omitempty"`
}

// BackendsConfig declares, per capability, an ordered list of backend specs
// (primary first, then fallbacks), matching
// `backends.{text-embedding|code-embedding|contextualized-embedding|
// json-completion|text-reranking}` from the config surface. Vector storage
// backend selection lives under StorageConfig.Vector instead, since it's a
// storage tier rather than a capability-resolved Backend.
type BackendsConfig struct {
	TextEmbedding           []BackendSpec `yaml:"text-embedding,omitempty"`
	CodeEmbedding           []BackendSpec `yaml:"code-embedding,omitempty"`
	ContextualizedEmbedding []BackendSpec `yaml:"contextualized-embedding,omitempty"`
	JSONCompletion          []BackendSpec `yaml:"json-completion,omitempty"`
	TextReranking           []BackendSpec `yaml:"text-reranking,omitempty"`

	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`
	BackoffMax  time.Duration `yaml:"backoff_max,omitempty"`
}

// Capabilities converts BackendsConfig into the map backend.Config expects.
func (b BackendsConfig) Capabilities() map[backend.Capability][]backend.Spec {
	out := map[backend.Capability][]backend.Spec{}
	add := func(cap backend.Capability, specs []BackendSpec) {
		if len(specs) == 0 {
			return
		}
		converted := make([]backend.Spec, len(specs))
		for i, s := range specs {
			converted[i] = backend.Spec{ID: s.ID, Kind: s.Kind, Params: s.Params}
		}
		out[cap] = converted
	}
	add(backend.CapTextEmbedding, b.TextEmbedding)
	add(backend.CapCodeEmbedding, b.CodeEmbedding)
	add(backend.CapContextualizedEmbedding, b.ContextualizedEmbedding)
	add(backend.CapJSONCompletion, b.JSONCompletion)
	add(backend.CapTextReranking, b.TextReranking)
	return out
}

// IngestConfig matches ingest.{workers,retries,backoff,ignoreGlobs,
// maxFileBytes,debounceMs} from the config surface. DebounceMs additionally
// tunes the File Watcher (C10), which shares the ingestion debounce window.
type IngestConfig struct {
	Workers      int           `yaml:"workers,omitempty"`
	Retries      int           `yaml:"retries,omitempty"`
	Backoff      time.Duration `yaml:"backoff,omitempty"`
	IgnoreGlobs  []string      `yaml:"ignore_globs,omitempty"`
	MaxFileBytes int64         `yaml:"max_file_bytes,omitempty"`
	DebounceMs   int           `yaml:"debounce_ms,omitempty"`
}

// RetrievalConfig matches retrieval.{overfetch,rrfK,budgetChars,
// tokensPerChar} from the config surface. The loader fills in their
// defaults, but the retrieval engine does not read these fields: Overfetch
// does not scale FtK/VecK, which come from the request alone.
type RetrievalConfig struct {
	Overfetch     float64 `yaml:"overfetch,omitempty"`
	RRFK          int     `yaml:"rrf_k,omitempty"`
	BudgetChars   int     `yaml:"budget_chars,omitempty"`
	TokensPerChar float64 `yaml:"tokens_per_char,omitempty"`
}

// ConsolidationConfig matches consolidation.{temperature,maxPairsPerRun}
// from the config surface, plus the proximity-selection tuning the
// Consolidation Engine needs.
type ConsolidationConfig struct {
	Temperature     float64       `yaml:"temperature,omitempty"`
	MaxPairsPerRun  int           `yaml:"max_pairs_per_run,omitempty"`
	CosineThreshold float64       `yaml:"cosine_threshold,omitempty"`
	SimhashMaxDist  int           `yaml:"simhash_max_dist,omitempty"`
	JudgeTimeout    time.Duration `yaml:"judge_timeout,omitempty"`
}

// EventsConfig matches events.{kafkaBrokers,topic} from the config surface.
type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`
	Topic        string   `yaml:"topic,omitempty"`
}

// RetentionConfig matches retention.{graceWindow,vacuumInterval,
// archiveBucket} from the config surface. Archive is optional: a zero-value
// Archive.Bucket means the Retention Vacuum purges without archiving.
type RetentionConfig struct {
	GraceWindow    time.Duration        `yaml:"grace_window,omitempty"`
	VacuumInterval time.Duration        `yaml:"vacuum_interval,omitempty"`
	BatchSize      int                  `yaml:"batch_size,omitempty"`
	Archive        objectstore.S3Config `yaml:"archive,omitempty"`
}

// Config is the top-level Atlas daemon configuration, loaded from a single
// YAML file with environment-variable overrides for secrets and DSNs.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataPath string `yaml:"data_path"`
	LogLevel string `yaml:"log_level"`

	Storage       StorageConfig           `yaml:"storage"`
	Backends      BackendsConfig          `yaml:"backends"`
	Ingest        IngestConfig            `yaml:"ingest"`
	Retrieval     RetrievalConfig         `yaml:"retrieval"`
	Consolidation ConsolidationConfig     `yaml:"consolidation"`
	Events        EventsConfig            `yaml:"events"`
	Retention     RetentionConfig         `yaml:"retention"`
	Observability observability.ObsConfig `yaml:"observability,omitempty"`
}
