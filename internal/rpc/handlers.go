package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/events"
	"atlas/internal/retrieve"
)

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	var req IngestStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", err)
		return
	}
	taskID, err := s.pipeline.Start(req.Paths, req.Recursive, req.Watch)
	if err != nil {
		respondError(w, statusFromError(err), codeFromError(err), err)
		return
	}
	if req.Watch && s.watcher != nil {
		for _, path := range req.Paths {
			if err := s.watcher.AddRoot(path, req.Recursive); err != nil {
				s.log.Warn("failed to register watch root", map[string]any{"path": path, "err": err.Error()})
			}
		}
	}
	respondJSON(w, http.StatusOK, IngestStartResponse{TaskID: taskID})
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	var req IngestStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", err)
		return
	}
	task, ok := s.pipeline.Status(req.TaskID)
	if !ok {
		respondError(w, http.StatusNotFound, "validation", errUnknownTask)
		return
	}
	respondJSON(w, http.StatusOK, IngestStatusResponse{
		Status:    task.Status,
		Processed: task.Processed,
		Total:     task.Total,
		Errors:    task.Errors,
	})
}

func (s *Server) handleIngestCancel(w http.ResponseWriter, r *http.Request) {
	var req IngestCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", err)
		return
	}
	if err := s.pipeline.Cancel(req.TaskID); err != nil {
		respondError(w, statusFromError(err), codeFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, IngestCancelResponse{OK: true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", err)
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "validation", errEmptyQuery)
		return
	}

	ctx := r.Context()
	opt := optionsForSearch(req)

	engine := &retrieve.Engine{
		FullText:  s.coord.FullText(),
		Vector:    s.coord.Vector(),
		Neighbors: s.coord.Metadata(),
	}

	degraded := &SearchDegraded{}
	if opt.VecK > 0 {
		if b, err := s.registry.Resolve(ctx, backend.CapTextEmbedding); err == nil {
			if eb, ok := b.(backend.EmbeddingBackend); ok {
				engine.Embed = func(ctx context.Context, text string) ([]float32, error) {
					vecs, err := eb.Embed(ctx, []string{text})
					if err != nil {
						return nil, err
					}
					if len(vecs) == 0 {
						return nil, errNoEmbedding
					}
					return vecs[0], nil
				}
			}
		} else {
			degraded.Vector = true
		}
	}
	if req.Rerank {
		if b, err := s.registry.Resolve(ctx, backend.CapTextReranking); err == nil {
			if rr, ok := b.(retrieve.Reranker); ok {
				engine.Reranker = rr
			}
		}
	}

	resp, err := engine.Search(ctx, req.Query, opt)
	if err != nil {
		respondError(w, statusFromError(err), codeFromError(err), err)
		return
	}
	if _, ok := resp.Debug["rerank_degraded"]; ok {
		degraded.Rerank = true
	}
	if _, ok := resp.Debug["embed_degraded"]; ok {
		degraded.Vector = true
	}

	items := resp.Items
	if req.BudgetTokens > 0 {
		items = retrieve.PackToBudget(items, req.BudgetTokens)
	}

	out := make([]SearchResultItem, 0, len(items))
	for _, it := range items {
		md := make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			md[k] = v
		}
		out = append(out, SearchResultItem{
			ID:       it.ID,
			Score:    it.Score,
			Text:     it.Text,
			Snippet:  it.Snippet,
			FilePath: it.Metadata["file_path"],
			DocID:    it.DocID,
			Metadata: md,
		})
	}

	body := SearchResponse{Results: out}
	if degraded.Rerank || degraded.Vector {
		body.Degraded = degraded
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	var req SessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation", err)
		return
	}
	s.events.Publish(r.Context(), events.SessionEvent{Type: req.Type, Data: req.Data, Timestamp: time.Now().UTC()})
	respondJSON(w, http.StatusOK, SessionEventResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var backends []HealthBackend
	for _, ids := range s.registry.CapabilityBackends() {
		for _, id := range ids {
			backends = append(backends, HealthBackend{Name: id, Status: string(s.registry.Health(id))})
		}
	}

	var tiers []HealthTier
	for name, th := range s.coord.TierHealth() {
		tiers = append(tiers, HealthTier{Name: name, LagMs: th.Lag.Milliseconds(), QueueDepth: th.QueueDepth})
	}

	respondJSON(w, http.StatusOK, HealthResponse{Backends: backends, Tiers: tiers})
}

// optionsForSearch maps the RPC request's mode/limit/filter fields onto
// retrieve.RetrieveOptions. "semantic" searches vector only, "fulltext"
// searches full-text only, "hybrid" (and any unrecognized mode) splits the
// candidate budget evenly between both via Alpha=0.5.
func optionsForSearch(req SearchRequest) retrieve.RetrieveOptions {
	k := req.Limit
	if k <= 0 {
		k = 10
	}
	opt := retrieve.RetrieveOptions{
		K:              k,
		IncludeText:    true,
		IncludeSnippet: true,
		Diversify:      true,
		Rerank:         req.Rerank,
		NeighborExpand: true,
		NeighborWindow: 1,
		Filter:         req.Filter,
	}
	switch req.Mode {
	case "semantic":
		opt.Alpha = 0
	case "fulltext":
		opt.Alpha = 1
	default:
		opt.Alpha = 0.5
	}
	return opt
}

var (
	errUnknownTask = errors.New("rpc: unknown task id")
	errEmptyQuery  = errors.New("rpc: query must not be empty")
	errNoEmbedding = errors.New("rpc: embedding backend returned no vectors")
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code string, err error) {
	respondJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func codeFromError(err error) string {
	switch {
	case atlas.IsCapabilityUnavailable(err):
		return "capability_unavailable"
	case atlas.IsTransient(err):
		return "transient"
	case errors.Is(err, atlas.ErrValidation):
		return "validation"
	case errors.Is(err, atlas.ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, errUnknownTask), errors.Is(err, errEmptyQuery), errors.Is(err, atlas.ErrValidation):
		return http.StatusBadRequest
	case atlas.IsCapabilityUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
