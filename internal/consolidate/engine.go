package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/documents"
	"atlas/internal/logging"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"type":        map[string]any{"type": "string", "enum": []string{string(TypeDuplicateWork), string(TypeSequentialIteration), string(TypeContextualConvergence), string(TypeUnrelated)}},
		"direction":   map[string]any{"type": "string", "enum": []string{string(DirForward), string(DirBackward), string(DirConvergent), string(DirUnknown)}},
		"keep":        map[string]any{"type": "string", "enum": []string{string(KeepFirst), string(KeepSecond), string(KeepBoth)}},
		"reasoning":   map[string]any{"type": "string"},
		"merged_text": map[string]any{"type": "string"},
	},
	"required": []string{"type", "direction", "keep", "reasoning"},
}

const judgePromptTemplate = `Compare these two memory chunks and judge their relationship.

Chunk A (%s):
%s

Chunk B (%s):
%s

Classify the relationship as duplicate_work, sequential_iteration,
contextual_convergence or unrelated; pick a direction; decide which chunk(s)
should survive; if convergent, provide merged_text combining both.`

// Engine is the Consolidation Engine (C8): it selects candidate pairs via
// SelectPairs, judges each with the json-completion capability, and mutates
// the Coordinator per verdict.
type Engine struct {
	coord    *storage.Coordinator
	registry *backend.Registry
	log      logging.Logger
	cfg      Config
}

// New builds an Engine.
func New(coord *storage.Coordinator, registry *backend.Registry, cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{coord: coord, registry: registry, cfg: cfg.withDefaults(), log: log}
}

// Run executes one consolidation pass: select pairs, judge each, mutate.
// A single pair's failure is recorded in the summary and does not abort the
// run, matching the "persistent schema failures record the pair as
// unrelated and move on" rule.
func (e *Engine) Run(ctx context.Context) (RunSummary, error) {
	pairs, err := SelectPairs(ctx, e.coord.Metadata(), e.coord.Vector(), e.registry, e.cfg)
	if err != nil {
		return RunSummary{}, fmt.Errorf("select pairs: %w", err)
	}

	var summary RunSummary
	summary.PairsConsidered = len(pairs)
	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		if err := e.judgePair(ctx, pair, &summary); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: %v", pair.FirstID, pair.SecondID, err))
		}
	}
	return summary, nil
}

func (e *Engine) judgePair(ctx context.Context, pair Pair, summary *RunSummary) error {
	first, ok, err := e.coord.GetChunk(ctx, pair.FirstID)
	if err != nil {
		return fmt.Errorf("load first chunk: %w", err)
	}
	if !ok || !first.Active() {
		return nil
	}
	second, ok, err := e.coord.GetChunk(ctx, pair.SecondID)
	if err != nil {
		return fmt.Errorf("load second chunk: %w", err)
	}
	if !ok || !second.Active() {
		return nil
	}

	dist := documents.Distance(documents.Compute(first.Payload.Text), documents.Compute(second.Payload.Text))
	if dist <= e.cfg.SimhashMaxDist {
		summary.PairsSkipped++
		return e.supersede(ctx, second, first, summary)
	}

	verdict, err := e.judge(ctx, first, second)
	if err != nil {
		e.log.Warn("consolidation judge failed, recording pair as unrelated", map[string]any{
			"first": first.ID, "second": second.ID, "err": err.Error(),
		})
		return nil
	}
	summary.PairsJudged++

	switch {
	case verdict.Direction == DirConvergent:
		return e.merge(ctx, first, second, verdict, summary)
	case verdict.Keep == KeepFirst:
		return e.supersede(ctx, second, first, summary)
	case verdict.Keep == KeepSecond:
		return e.supersede(ctx, first, second, summary)
	default:
		return nil
	}
}

// judge calls the json-completion capability with a fixed verdict schema.
// temperature=0-equivalent determinism is the caller's responsibility
// (carried in the resolved backend's own configuration); this layer only
// bounds the call with cfg.JudgeTimeout.
func (e *Engine) judge(ctx context.Context, first, second atlas.Chunk) (Verdict, error) {
	b, err := e.registry.Resolve(ctx, backend.CapJSONCompletion)
	if err != nil {
		return Verdict{}, err
	}
	cb, ok := b.(backend.CompletionBackend)
	if !ok {
		return Verdict{}, fmt.Errorf("backend %q does not implement CompletionBackend", b.Name())
	}

	jctx, cancel := context.WithTimeout(ctx, e.cfg.JudgeTimeout)
	defer cancel()

	prompt := fmt.Sprintf(judgePromptTemplate, first.Payload.FilePath, first.Payload.Text, second.Payload.FilePath, second.Payload.Text)
	raw, err := cb.CompleteJSON(jctx, prompt, verdictSchema)
	if err != nil {
		return Verdict{}, err
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return v, nil
}

// supersede marks loser superseded by winner and bumps winner's
// consolidation level, both through the Coordinator's normal write path.
func (e *Engine) supersede(ctx context.Context, loser, winner atlas.Chunk, summary *RunSummary) error {
	winner.ConsolidationLevel++
	if err := e.coord.UpsertChunks(ctx, []storage.ChunkWrite{{Chunk: winner}}); err != nil {
		return fmt.Errorf("bump winner consolidation level: %w", err)
	}
	if err := e.coord.Supersede(ctx, []string{loser.ID}, winner.ID); err != nil {
		return fmt.Errorf("supersede loser: %w", err)
	}
	summary.PairsSuperseded++
	return nil
}

// merge synthesizes a new chunk from both parents' content, embeds it, and
// supersedes both parents with it.
func (e *Engine) merge(ctx context.Context, first, second atlas.Chunk, verdict Verdict, summary *RunSummary) error {
	text := verdict.MergedText
	if text == "" {
		text = first.Payload.Text + "\n\n" + second.Payload.Text
	}
	level := first.ConsolidationLevel
	if second.ConsolidationLevel > level {
		level = second.ConsolidationLevel
	}
	level++

	notes := map[string]any{
		"merged_from": []string{first.ID, second.ID},
		"reasoning":   verdict.Reasoning,
	}
	merged := atlas.Chunk{
		ID:                 mergedChunkID(first.ID, second.ID),
		SourceID:           first.SourceID,
		ChunkIndex:         first.ChunkIndex,
		TotalChunks:        first.TotalChunks,
		CharCount:          len(text),
		ContentHash:        tracker.ComputeHash([]byte(text)),
		ConsolidationLevel: level,
		Payload: atlas.ChunkPayload{
			Text:               text,
			FilePath:           first.Payload.FilePath,
			FileName:           first.Payload.FileName,
			FileType:           first.Payload.FileType,
			ContentType:        first.Payload.ContentType,
			ConsolidationNotes: notes,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := e.embedAndWrite(ctx, merged); err != nil {
		return fmt.Errorf("write merged chunk: %w", err)
	}
	if err := e.coord.Supersede(ctx, []string{first.ID, second.ID}, merged.ID); err != nil {
		return fmt.Errorf("supersede parents: %w", err)
	}
	summary.PairsMerged++
	return nil
}

func (e *Engine) embedAndWrite(ctx context.Context, chunk atlas.Chunk) error {
	var vectors []atlas.NamedVector
	if b, err := e.registry.Resolve(ctx, backend.CapTextEmbedding); err == nil {
		if eb, ok := b.(backend.EmbeddingBackend); ok {
			if vecs, err := eb.Embed(ctx, []string{chunk.Payload.Text}); err == nil && len(vecs) > 0 {
				vectors = []atlas.NamedVector{{Name: string(backend.CapTextEmbedding), Values: vecs[0], Dimension: len(vecs[0]), Metric: "cosine"}}
			}
		}
	}
	return e.coord.UpsertChunks(ctx, []storage.ChunkWrite{{Chunk: chunk, Vectors: vectors}})
}

func mergedChunkID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "chk:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte("merge:"+a+":"+b)).String()
}
