package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atlas/internal/atlas"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaultsWhenFieldsAreUnset(t *testing.T) {
	path := writeYAML(t, `
host: 0.0.0.0
port: 9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "./data", cfg.DataPath)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "memory", cfg.Storage.Metadata.Backend)
	require.Equal(t, "memory", cfg.Storage.Vector.Backend)
	require.Equal(t, "atlas_chunks", cfg.Storage.Vector.Collection)
	require.Equal(t, "cosine", cfg.Storage.Vector.Metric)
	require.Equal(t, 10*time.Minute, cfg.Storage.CacheTTL)
	require.Equal(t, 14*24*time.Hour, cfg.Storage.GraceWindow)
	require.Equal(t, 8, cfg.Ingest.Workers)
	require.Equal(t, 3, cfg.Ingest.Retries)
	require.Equal(t, 3.0, cfg.Retrieval.Overfetch)
	require.Equal(t, 60, cfg.Retrieval.RRFK)
	require.Equal(t, 0.2, cfg.Consolidation.Temperature)
	require.Equal(t, time.Hour, cfg.Retention.VacuumInterval)
	require.Equal(t, 200, cfg.Retention.BatchSize)
}

func TestLoad_PreservesExplicitValuesOverDefaults(t *testing.T) {
	path := writeYAML(t, `
storage:
  vector:
    backend: qdrant
    dsn: http://localhost:6334
    collection: custom_chunks
ingest:
  workers: 32
retrieval:
  rrf_k: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "qdrant", cfg.Storage.Vector.Backend)
	require.Equal(t, "custom_chunks", cfg.Storage.Vector.Collection)
	require.Equal(t, 32, cfg.Ingest.Workers)
	require.Equal(t, 30, cfg.Retrieval.RRFK)
}

func TestLoad_RejectsManagedBackendWithoutDSN(t *testing.T) {
	path := writeYAML(t, `
storage:
  metadata:
    backend: postgres
`)
	_, err := Load(path)
	require.Error(t, err)
	require.ErrorIs(t, err, atlas.ErrFatalInit)
}

func TestLoad_RejectsEventsTopicMissingWhenBrokersSet(t *testing.T) {
	path := writeYAML(t, `
events:
  kafka_brokers:
    - localhost:9092
`)
	_, err := Load(path)
	require.Error(t, err)
	require.ErrorIs(t, err, atlas.ErrFatalInit)
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	path := writeYAML(t, `
port: 99999
`)
	_, err := Load(path)
	require.Error(t, err)
	require.ErrorIs(t, err, atlas.ErrFatalInit)
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	path := writeYAML(t, `
host: 0.0.0.0
storage:
  metadata:
    backend: postgres
    dsn: postgres://yaml-value
`)
	t.Setenv("ATLAS_HOST", "10.0.0.5")
	t.Setenv("ATLAS_METADATA_DSN", "postgres://env-value")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.Host)
	require.Equal(t, "postgres://env-value", cfg.Storage.Metadata.DSN)
}

func TestLoad_EmptyPathUsesPureDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 8077, cfg.Port)
}

func TestBackendsConfig_CapabilitiesConvertsNonEmptyLists(t *testing.T) {
	b := BackendsConfig{
		TextEmbedding: []BackendSpec{{ID: "primary", Kind: "openai-embedding", Params: map[string]string{"model": "text-embedding-3-small"}}},
		TextReranking: []BackendSpec{{ID: "reranker", Kind: "http-reranker"}},
	}
	caps := b.Capabilities()
	require.Len(t, caps, 2)
	require.Len(t, caps["text-embedding"], 1)
	require.Equal(t, "primary", caps["text-embedding"][0].ID)
	require.Empty(t, caps["code-embedding"])
}

func TestOverrideBackendKeys_InjectsAPIKeyByID(t *testing.T) {
	specs := []BackendSpec{{ID: "primary", Kind: "openai-embedding"}}
	t.Setenv("ATLAS_TEXT_EMBEDDING_PRIMARY_API_KEY", "sk-test-123")

	overrideBackendKeys(specs, "ATLAS_TEXT_EMBEDDING")
	require.Equal(t, "sk-test-123", specs[0].Params["api_key"])
}
