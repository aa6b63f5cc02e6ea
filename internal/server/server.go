// Package server is the thin HTTP mapping over the core services: it
// parses requests, delegates to the engine, search, and storage layers,
// and renders the uniform JSON envelope.
package server

import (
	"net/http"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/search"
	"github.com/momohq/momo/internal/storage"
)

// Server holds the handler dependencies.
type Server struct {
	cfg        *config.Config
	store      storage.Store
	engine     *engine.MemoryEngine
	search     *search.Service
	profiles   *engine.ProfileService
	forgetting *engine.ForgettingManager
	inference  *engine.InferenceEngine
	extractor  *engine.MemoryExtractor
	events     *EventHub
}

// NewServer wires the HTTP layer. extractor may be nil when no LLM is
// configured; conversation ingestion then stores the transcript without
// synchronous memory extraction.
func NewServer(
	cfg *config.Config,
	store storage.Store,
	memEngine *engine.MemoryEngine,
	searchSvc *search.Service,
	profiles *engine.ProfileService,
	forgetting *engine.ForgettingManager,
	inference *engine.InferenceEngine,
	extractor *engine.MemoryExtractor,
	events *EventHub,
) *Server {
	if events == nil {
		events = NewEventHub()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		engine:     memEngine,
		search:     searchSvc,
		profiles:   profiles,
		forgetting: forgetting,
		inference:  inference,
		extractor:  extractor,
		events:     events,
	}
}

// Events exposes the hub so the pipeline notifier and lifecycle hooks can
// broadcast.
func (s *Server) Events() *EventHub {
	return s.events
}

// Routes builds the full /api/v1 routing table. Health is public;
// everything else sits behind the auth middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	api := http.NewServeMux()

	api.HandleFunc("POST /api/v1/documents", s.handleCreateDocument)
	api.HandleFunc("POST /api/v1/documents:batch", s.handleBatchCreateDocuments)
	api.HandleFunc("POST /api/v1/documents:upload", s.handleUploadDocument)
	api.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	api.HandleFunc("GET /api/v1/documents/{id}", s.handleGetDocument)
	api.HandleFunc("PATCH /api/v1/documents/{id}", s.handleUpdateDocument)
	api.HandleFunc("DELETE /api/v1/documents/{id}", s.handleDeleteDocument)
	api.HandleFunc("GET /api/v1/ingestions/{id}", s.handleGetIngestion)

	api.HandleFunc("POST /api/v1/memories", s.handleCreateMemory)
	api.HandleFunc("GET /api/v1/memories", s.handleListMemories)
	api.HandleFunc("GET /api/v1/memories/{id}", s.handleGetMemory)
	api.HandleFunc("PATCH /api/v1/memories/{id}", s.handleUpdateMemory)
	api.HandleFunc("DELETE /api/v1/memories/{id}", s.handleDeleteMemory)
	api.HandleFunc("POST /api/v1/memories:forget", s.handleForgetMemory)
	api.HandleFunc("GET /api/v1/memories/{id}/graph", s.handleMemoryGraph)
	api.HandleFunc("GET /api/v1/containers/{tag}/graph", s.handleContainerGraph)

	api.HandleFunc("POST /api/v1/search", s.handleSearch)
	api.HandleFunc("POST /api/v1/profile:compute", s.handleComputeProfile)
	api.HandleFunc("POST /api/v1/conversations:ingest", s.handleIngestConversation)

	api.HandleFunc("POST /api/v1/admin/forgetting:run", s.handleRunForgetting)
	api.HandleFunc("POST /api/v1/admin/inference:run", s.handleRunInference)

	api.Handle("GET /api/v1/events", s.events)

	mux.Handle("/api/v1/", s.rateLimit(s.requireAuth(api)))
	return withRequestID(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := "sqlite"
	if s.cfg.IsPostgres() {
		backend = "postgres"
	}
	respondData(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": backend,
	})
}
