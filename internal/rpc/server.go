package rpc

import (
	"net/http"

	"atlas/internal/backend"
	"atlas/internal/events"
	"atlas/internal/ingest"
	"atlas/internal/logging"
	"atlas/internal/storage"
	"atlas/internal/watcher"
)

// Server exposes the Atlas RPC surface over HTTP, one method per route.
type Server struct {
	pipeline *ingest.Pipeline
	coord    *storage.Coordinator
	registry *backend.Registry
	events   *events.Pipe
	watcher  *watcher.Watcher
	log      logging.Logger
	mux      *http.ServeMux
}

// NewServer wires a Server. events may be nil, in which case session_event
// always reports ok without publishing anywhere. watch may be nil, in which
// case ingest.start's watch flag is accepted but has no lasting effect
// beyond the one-shot ingestion run.
func NewServer(pipeline *ingest.Pipeline, coord *storage.Coordinator, registry *backend.Registry, ev *events.Pipe, watch *watcher.Watcher, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{pipeline: pipeline, coord: coord, registry: registry, events: ev, watcher: watch, log: log}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /rpc/ingest.start", s.handleIngestStart)
	s.mux.HandleFunc("POST /rpc/ingest.status", s.handleIngestStatus)
	s.mux.HandleFunc("POST /rpc/ingest.cancel", s.handleIngestCancel)
	s.mux.HandleFunc("POST /rpc/search", s.handleSearch)
	s.mux.HandleFunc("POST /rpc/session_event", s.handleSessionEvent)
	s.mux.HandleFunc("POST /rpc/health", s.handleHealth)
}
