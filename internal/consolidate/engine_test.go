package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/storage"
)

var errJudgeUnavailable = errors.New("judge backend unavailable")

type fakeJudgeBackend struct {
	verdict Verdict
	err     error
	calls   int
}

func (f *fakeJudgeBackend) Name() string                         { return "fake-judge" }
func (f *fakeJudgeBackend) Capabilities() []backend.Capability    { return []backend.Capability{backend.CapJSONCompletion} }
func (f *fakeJudgeBackend) Ready(context.Context) error           { return nil }
func (f *fakeJudgeBackend) Close() error                          { return nil }
func (f *fakeJudgeBackend) CompleteJSON(context.Context, string, map[string]any) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(f.verdict)
}

type fakeEmbedBackend struct{ dim int }

func (f *fakeEmbedBackend) Name() string                      { return "fake-embed" }
func (f *fakeEmbedBackend) Capabilities() []backend.Capability { return []backend.Capability{backend.CapTextEmbedding} }
func (f *fakeEmbedBackend) Ready(context.Context) error        { return nil }
func (f *fakeEmbedBackend) Close() error                       { return nil }
func (f *fakeEmbedBackend) Dimension() int                     { return f.dim }
func (f *fakeEmbedBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func newTestEngine(t *testing.T, judge *fakeJudgeBackend) (*Engine, storage.MetadataStore) {
	t.Helper()
	metadata := storage.NewMemoryMetadata()
	coord := storage.NewCoordinator(storage.CoordinatorConfig{
		Metadata: metadata,
		Vector:   storage.NewMemoryVector(4),
		FullText: storage.NewMemoryFullText(),
	})
	constructors := map[string]backend.Constructor{
		"embed": func(backend.Spec) (backend.Backend, error) { return &fakeEmbedBackend{dim: 4}, nil },
	}
	caps := map[backend.Capability][]backend.Spec{
		backend.CapTextEmbedding: {{ID: "embed", Kind: "embed"}},
	}
	if judge != nil {
		constructors["judge"] = func(backend.Spec) (backend.Backend, error) { return judge, nil }
		caps[backend.CapJSONCompletion] = []backend.Spec{{ID: "judge", Kind: "judge"}}
	}
	reg := backend.NewRegistry(backend.Config{Capabilities: caps}, constructors, nil)
	return New(coord, reg, Config{SimhashMaxDist: 3}, nil), metadata
}

func seedChunk(t *testing.T, metadata storage.MetadataStore, id, sourceID string, idx int, text string) atlas.Chunk {
	t.Helper()
	c := atlas.Chunk{
		ID:          id,
		SourceID:    sourceID,
		ChunkIndex:  idx,
		TotalChunks: idx + 1,
		ContentHash: id + "-hash",
		Payload:     atlas.ChunkPayload{Text: text, FilePath: sourceID},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, metadata.UpsertChunks(context.Background(), []atlas.Chunk{c}))
	return c
}

func TestJudgePair_NearDuplicateShortCircuitsWithoutCallingJudge(t *testing.T) {
	judge := &fakeJudgeBackend{}
	engine, metadata := newTestEngine(t, judge)

	a := seedChunk(t, metadata, "chk-a", "src-1", 0, "atlas tracks file changes and ingests chunks into storage tiers")
	b := seedChunk(t, metadata, "chk-b", "src-1", 1, "atlas tracks file changes and ingests chunks into storage tiers")

	var summary RunSummary
	require.NoError(t, engine.judgePair(context.Background(), Pair{FirstID: a.ID, SecondID: b.ID}, &summary))

	require.Equal(t, 0, judge.calls, "near-identical text should short-circuit the LLM call")
	require.Equal(t, 1, summary.PairsSkipped)
	require.Equal(t, 1, summary.PairsSuperseded)

	loser, ok, err := metadata.GetChunk(context.Background(), b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.ID, loser.SupersededBy)
}

func TestJudgePair_KeepFirstSupersedesSecond(t *testing.T) {
	judge := &fakeJudgeBackend{verdict: Verdict{Type: TypeDuplicateWork, Direction: DirForward, Keep: KeepFirst, Reasoning: "first is more complete"}}
	engine, metadata := newTestEngine(t, judge)

	a := seedChunk(t, metadata, "chk-a", "src-1", 0, "alpha content about the ingestion pipeline and its workers")
	b := seedChunk(t, metadata, "chk-b", "src-2", 0, "a completely different discussion of retention vacuum sweeps entirely")

	var summary RunSummary
	require.NoError(t, engine.judgePair(context.Background(), Pair{FirstID: a.ID, SecondID: b.ID}, &summary))

	require.Equal(t, 1, judge.calls)
	require.Equal(t, 1, summary.PairsSuperseded)

	loser, ok, err := metadata.GetChunk(context.Background(), b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.ID, loser.SupersededBy)

	winner, ok, err := metadata.GetChunk(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, winner.ConsolidationLevel)
}

func TestJudgePair_ConvergentMergesIntoNewChunk(t *testing.T) {
	judge := &fakeJudgeBackend{verdict: Verdict{Type: TypeContextualConvergence, Direction: DirConvergent, Keep: KeepBoth, Reasoning: "complementary", MergedText: "merged synthesis"}}
	engine, metadata := newTestEngine(t, judge)

	a := seedChunk(t, metadata, "chk-a", "src-1", 0, "alpha content about the ingestion pipeline and its workers")
	b := seedChunk(t, metadata, "chk-b", "src-2", 0, "beta content about the retrieval engine and its budget packing")

	var summary RunSummary
	require.NoError(t, engine.judgePair(context.Background(), Pair{FirstID: a.ID, SecondID: b.ID}, &summary))

	require.Equal(t, 1, summary.PairsMerged)

	aAfter, _, err := metadata.GetChunk(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, aAfter.SupersededBy)

	bAfter, _, err := metadata.GetChunk(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, aAfter.SupersededBy, bAfter.SupersededBy)

	merged, ok, err := metadata.GetChunk(context.Background(), aAfter.SupersededBy)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "merged synthesis", merged.Payload.Text)
	require.Equal(t, 1, merged.ConsolidationLevel)
}

func TestJudgePair_JudgeErrorLeavesBothChunksUntouched(t *testing.T) {
	judge := &fakeJudgeBackend{err: errJudgeUnavailable}
	engine, metadata := newTestEngine(t, judge)

	a := seedChunk(t, metadata, "chk-a", "src-1", 0, "alpha content about the ingestion pipeline and its workers")
	b := seedChunk(t, metadata, "chk-b", "src-2", 0, "a completely different discussion of retention vacuum sweeps entirely")

	var summary RunSummary
	require.NoError(t, engine.judgePair(context.Background(), Pair{FirstID: a.ID, SecondID: b.ID}, &summary))

	require.Equal(t, 0, summary.PairsSuperseded)
	require.Equal(t, 0, summary.PairsMerged)

	aAfter, _, err := metadata.GetChunk(context.Background(), a.ID)
	require.NoError(t, err)
	require.Empty(t, aAfter.SupersededBy)
}

func TestSelectPairs_SameSourceAdjacentAndDeterministicOrdering(t *testing.T) {
	_, metadata := newTestEngine(t, nil)

	seedChunk(t, metadata, "chk-1", "src-1", 0, "first piece of source one")
	seedChunk(t, metadata, "chk-2", "src-1", 1, "second piece of source one")
	seedChunk(t, metadata, "chk-3", "src-1", 2, "third piece of source one")

	pairs, err := SelectPairs(context.Background(), metadata, nil, nil, Config{})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, "chk-1", pairs[0].FirstID)
	require.Equal(t, "chk-2", pairs[0].SecondID)
	require.Equal(t, "chk-2", pairs[1].FirstID)
	require.Equal(t, "chk-3", pairs[1].SecondID)
}
