package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/aura/internal/engine"
	"github.com/ent0n29/aura/internal/llm"
	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/protocol"
	"github.com/ent0n29/aura/internal/turnstate"
)

// Engine is the turn-processing surface the API binds to.
type Engine interface {
	ProcessTurn(ctx context.Context, req protocol.TurnRequest) (protocol.TurnResponse, error)
}

type Server struct {
	engine  Engine
	store   memory.ContextStore
	turns   *turnstate.Store
	metrics *observability.Metrics
}

func New(eng Engine, store memory.ContextStore, turns *turnstate.Store, metrics *observability.Metrics) *Server {
	return &Server{engine: eng, store: store, turns: turns, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleProcessTurn)
	r.Get("/v1/conversations/{id}/turn-context", s.handleTurnContext)
	r.Put("/v1/users/{id}/retrieval-parameters", s.handlePutRetrievalParameters)
	r.Get("/v1/perf/turns", s.handlePerfTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	var req protocol.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := s.engine.ProcessTurn(r.Context(), req)
	if err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// turnErrorStatus maps the engine's structured failures onto HTTP. The
// apologetic user-facing text is the outer application's job; this surface
// only reports codes.
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrInvalidTurnRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, llm.ErrAuth):
		return http.StatusBadGateway, "upstream_auth_failure"
	case errors.Is(err, engine.ErrSynthesisFailure):
		return http.StatusBadGateway, "synthesis_failure"
	case errors.Is(err, protocol.ErrMalformedSynthesis):
		return http.StatusBadGateway, "malformed_synthesis"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleTurnContext(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}
	pkg, ok := s.turns.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "turn_context_not_found", "no live turn context for conversation")
		return
	}
	respondJSON(w, http.StatusOK, pkg)
}

func (s *Server) handlePutRetrievalParameters(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}

	var params memory.RetrievalParameters
	if err := decodeJSON(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := params.Validate(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_parameters", err.Error())
		return
	}
	if err := s.store.PutRetrievalParameters(r.Context(), id, params); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "stored", "user_id": id})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
