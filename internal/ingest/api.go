// Package ingest implements the Ingestion Pipeline (C4): it turns a set of
// filesystem roots into tracked Sources and embedded Chunks, coordinating
// the File Tracker, the Chunker, the Backend Registry's embedding
// capability, and the Storage Coordinator. It is grounded on the
// staged-pipeline-with-functional-options-and-per-stage-metrics shape the
// teacher used for its own ingestion service, generalized from the
// document/graph domain to Atlas's file/chunk domain, and on the
// idempotency-decision and capability-gated upsert idioms the teacher's
// ingest helpers used.
package ingest

import (
	"time"

	"atlas/internal/atlas"
)

// Config bounds the pipeline's concurrency and retry behavior, and its file
// discovery filters. Zero values fall back to DefaultConfig, except Retries,
// where only a negative value falls back and zero means no retries.
type Config struct {
	Workers      int
	Retries      int
	Backoff      time.Duration
	IgnoreGlobs  []string
	MaxFileBytes int64
}

// DefaultConfig matches SPEC_FULL.md's ingest.{workers,retries,backoff,...}
// config surface defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		Retries:      3,
		Backoff:      500 * time.Millisecond,
		MaxFileBytes: 5 * 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Retries < 0 {
		c.Retries = d.Retries
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = d.MaxFileBytes
	}
	return c
}

// StageTiming records how long one pipeline stage took for one file, for the
// `ingestion_stage_ms` metric SPEC_FULL.md §4.4 names.
type StageTiming struct {
	Stage string
	Path  string
	Ms    int64
}

// Status is the caller-facing snapshot ingest.status returns over RPC.
type Status struct {
	TaskID    string
	State     atlas.TaskStatus
	Processed int
	Total     int
	Errors    []atlas.TaskError
}
