package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"atlas/internal/atlas"
)

// Load reads filename as YAML into a Config, overlays environment-variable
// overrides for secrets and DSNs (after loading a local .env via
// godotenv.Overload, matching the teacher's dev-environment convention),
// fills in defaults for anything left unset, and validates the result.
// Validation failures are wrapped in atlas.ErrFatalInit: a bad config is
// not retryable, it's a misconfiguration the operator must fix.
func Load(filename string) (Config, error) {
	_ = godotenv.Overload()

	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read config file: %v", atlas.ErrFatalInit, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse config file: %v", atlas.ErrFatalInit, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", atlas.ErrFatalInit, err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets and connection strings live in
// the environment rather than the checked-in YAML, per SPEC_FULL.md's
// config loading rule. Env vars only override, never clear, a YAML value.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ATLAS_HOST")); v != "" {
		cfg.Host = v
	}
	if v := intFromEnv("ATLAS_PORT", 0); v != 0 {
		cfg.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_DATA_PATH")); v != "" {
		cfg.DataPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	if v := strings.TrimSpace(os.Getenv("ATLAS_DEFAULT_DSN")); v != "" {
		cfg.Storage.DefaultDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_METADATA_DSN")); v != "" {
		cfg.Storage.Metadata.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_VECTOR_DSN")); v != "" {
		cfg.Storage.Vector.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_FULLTEXT_DSN")); v != "" {
		cfg.Storage.FullText.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_CACHE_DSN")); v != "" {
		cfg.Storage.Cache.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_ANALYTICS_DSN")); v != "" {
		cfg.Storage.Analytics.DSN = v
	}

	overrideBackendKeys(cfg.Backends.TextEmbedding, "ATLAS_TEXT_EMBEDDING")
	overrideBackendKeys(cfg.Backends.CodeEmbedding, "ATLAS_CODE_EMBEDDING")
	overrideBackendKeys(cfg.Backends.ContextualizedEmbedding, "ATLAS_CONTEXTUALIZED_EMBEDDING")
	overrideBackendKeys(cfg.Backends.JSONCompletion, "ATLAS_JSON_COMPLETION")
	overrideBackendKeys(cfg.Backends.TextReranking, "ATLAS_TEXT_RERANKING")

	if v := strings.TrimSpace(os.Getenv("ATLAS_KAFKA_BROKERS")); v != "" {
		cfg.Events.KafkaBrokers = parseCommaSeparatedList(v)
	}

	if v := strings.TrimSpace(os.Getenv("ATLAS_S3_BUCKET")); v != "" {
		cfg.Retention.Archive.Bucket = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_S3_ACCESS_KEY")); v != "" {
		cfg.Retention.Archive.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ATLAS_S3_SECRET_KEY")); v != "" {
		cfg.Retention.Archive.SecretKey = v
	}
}

// overrideBackendKeys lets an API key be injected per backend id via
// ATLAS_<PREFIX>_<ID>_API_KEY, so credentials never need to sit in the
// checked-in YAML alongside endpoint/model params.
func overrideBackendKeys(specs []BackendSpec, envPrefix string) {
	for i := range specs {
		key := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(specs[i].ID, "-", "_")) + "_API_KEY"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if specs[i].Params == nil {
				specs[i].Params = map[string]string{}
			}
			specs[i].Params["api_key"] = v
		}
	}
}

// applyDefaults fills in the defaults named across SPEC_FULL.md's ambient
// and domain stack sections wherever the operator left a knob unset.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8077
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Storage.Metadata.Backend == "" {
		cfg.Storage.Metadata.Backend = "memory"
	}
	if cfg.Storage.Vector.Backend == "" {
		cfg.Storage.Vector.Backend = "memory"
	}
	if cfg.Storage.Vector.Collection == "" {
		cfg.Storage.Vector.Collection = "atlas_chunks"
	}
	if cfg.Storage.Vector.Metric == "" {
		cfg.Storage.Vector.Metric = "cosine"
	}
	if cfg.Storage.FullText.Backend == "" {
		cfg.Storage.FullText.Backend = "memory"
	}
	if cfg.Storage.Cache.Backend == "" {
		cfg.Storage.Cache.Backend = "memory"
	}
	if cfg.Storage.Analytics.Backend == "" {
		cfg.Storage.Analytics.Backend = "memory"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 10 * time.Minute
	}
	if cfg.Storage.GraceWindow <= 0 {
		cfg.Storage.GraceWindow = 14 * 24 * time.Hour
	}

	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.Retries <= 0 {
		cfg.Ingest.Retries = 3
	}
	if cfg.Ingest.Backoff <= 0 {
		cfg.Ingest.Backoff = 500 * time.Millisecond
	}
	if cfg.Ingest.MaxFileBytes <= 0 {
		cfg.Ingest.MaxFileBytes = 5 << 20 // 5MiB
	}
	if cfg.Ingest.DebounceMs <= 0 {
		cfg.Ingest.DebounceMs = 500
	}

	if cfg.Retrieval.Overfetch <= 0 {
		cfg.Retrieval.Overfetch = 3
	}
	if cfg.Retrieval.RRFK <= 0 {
		cfg.Retrieval.RRFK = 60
	}
	if cfg.Retrieval.BudgetChars <= 0 {
		cfg.Retrieval.BudgetChars = 16000
	}
	if cfg.Retrieval.TokensPerChar <= 0 {
		cfg.Retrieval.TokensPerChar = 0.25
	}

	if cfg.Consolidation.Temperature <= 0 {
		cfg.Consolidation.Temperature = 0.2
	}
	if cfg.Consolidation.MaxPairsPerRun <= 0 {
		cfg.Consolidation.MaxPairsPerRun = 200
	}
	if cfg.Consolidation.CosineThreshold <= 0 {
		cfg.Consolidation.CosineThreshold = 0.85
	}
	if cfg.Consolidation.SimhashMaxDist <= 0 {
		cfg.Consolidation.SimhashMaxDist = 3
	}
	if cfg.Consolidation.JudgeTimeout <= 0 {
		cfg.Consolidation.JudgeTimeout = 30 * time.Second
	}

	if cfg.Retention.GraceWindow <= 0 {
		cfg.Retention.GraceWindow = 14 * 24 * time.Hour
	}
	if cfg.Retention.VacuumInterval <= 0 {
		cfg.Retention.VacuumInterval = time.Hour
	}
	if cfg.Retention.BatchSize <= 0 {
		cfg.Retention.BatchSize = 200
	}
}

// validate rejects configurations the daemon cannot safely start with: a
// managed tier backend that was named but given no way to connect.
func validate(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if needsDSN(cfg.Storage.Metadata.Backend) && firstNonEmpty(cfg.Storage.Metadata.DSN, cfg.Storage.DefaultDSN) == "" {
		return fmt.Errorf("storage.metadata backend %q requires a dsn", cfg.Storage.Metadata.Backend)
	}
	if needsDSN(cfg.Storage.Vector.Backend) && firstNonEmpty(cfg.Storage.Vector.DSN, cfg.Storage.DefaultDSN) == "" {
		return fmt.Errorf("storage.vector backend %q requires a dsn", cfg.Storage.Vector.Backend)
	}
	if needsDSN(cfg.Storage.FullText.Backend) && firstNonEmpty(cfg.Storage.FullText.DSN, cfg.Storage.DefaultDSN) == "" {
		return fmt.Errorf("storage.fulltext backend %q requires a dsn", cfg.Storage.FullText.Backend)
	}
	if (cfg.Storage.Cache.Backend == "redis" || cfg.Storage.Cache.Backend == "valkey") && cfg.Storage.Cache.DSN == "" {
		return fmt.Errorf("storage.cache backend %q requires a dsn", cfg.Storage.Cache.Backend)
	}
	if cfg.Storage.Analytics.Backend == "clickhouse" && cfg.Storage.Analytics.DSN == "" {
		return fmt.Errorf("storage.analytics backend clickhouse requires a dsn")
	}
	if len(cfg.Events.KafkaBrokers) > 0 && cfg.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events.kafka_brokers is set")
	}
	return nil
}

func needsDSN(backend string) bool {
	switch backend {
	case "", "memory", "none", "disabled", "auto":
		return false
	default:
		return true
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
