package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/aura/internal/engine"
	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/protocol"
	"github.com/ent0n29/aura/internal/turnstate"
)

type fakeEngine struct {
	resp protocol.TurnResponse
	err  error
	last protocol.TurnRequest
}

func (e *fakeEngine) ProcessTurn(_ context.Context, req protocol.TurnRequest) (protocol.TurnResponse, error) {
	e.last = req
	if e.err != nil {
		return protocol.TurnResponse{}, e.err
	}
	return e.resp, nil
}

func newTestServer(eng Engine, turns *turnstate.Store) (*Server, *memory.InMemoryStore) {
	store := memory.NewInMemoryStore()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	if turns == nil {
		turns = turnstate.New(time.Minute, time.Minute)
	}
	return New(eng, store, turns, metrics), store
}

func TestProcessTurnEndpoint(t *testing.T) {
	eng := &fakeEngine{resp: protocol.TurnResponse{
		TurnID:       "t1",
		ResponseText: "hello",
		Metadata:     protocol.TurnMetadata{Decision: protocol.DecisionRespondDirectly},
	}}
	srv, _ := newTestServer(eng, nil)

	body := `{"conversation_id":"c1","user_id":"u1","input_text":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp protocol.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode error: %v", err)
	}
	if resp.ResponseText != "hello" {
		t.Fatalf("ResponseText = %q", resp.ResponseText)
	}
	if eng.last.ConversationID != "c1" || eng.last.UserID != "u1" {
		t.Fatalf("engine saw request %+v", eng.last)
	}
}

func TestProcessTurnErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", protocol.ErrInvalidTurnRequest, http.StatusBadRequest, "invalid_request"},
		{"no user", memory.ErrNotFound, http.StatusNotFound, "not_found"},
		{"synthesis", engine.ErrSynthesisFailure, http.StatusBadGateway, "synthesis_failure"},
		{"malformed", protocol.ErrMalformedSynthesis, http.StatusBadGateway, "malformed_synthesis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(&fakeEngine{err: tc.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/turns",
				strings.NewReader(`{"conversation_id":"c1","user_id":"u1","input_text":"hi"}`))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var er errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("error decode: %v", err)
			}
			if er.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", er.Code, tc.wantCode)
			}
		})
	}
}

func TestTurnContextEndpoint(t *testing.T) {
	turns := turnstate.New(time.Minute, time.Minute)
	turns.Set("c1", protocol.ContextPackage{SuggestedNextFocus: "their race plan"}, 0)
	srv, _ := newTestServer(&fakeEngine{}, turns)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/turn-context", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pkg protocol.ContextPackage
	if err := json.Unmarshal(rec.Body.Bytes(), &pkg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkg.SuggestedNextFocus != "their race plan" {
		t.Fatalf("SuggestedNextFocus = %q", pkg.SuggestedNextFocus)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/conversations/other/turn-context", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown conversation, want 404", rec.Code)
	}
}

func TestPutRetrievalParametersValidation(t *testing.T) {
	srv, store := newTestServer(&fakeEngine{}, nil)

	good := `{"semantic_weight":0.5,"recency_weight":0.3,"importance_weight":0.2,"max_graph_hops":2,"max_seed_entities":5,"result_cap":10}`
	req := httptest.NewRequest(http.MethodPut, "/v1/users/u1/retrieval-parameters", strings.NewReader(good))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if p, err := store.RetrievalParameters(context.Background(), "u1"); err != nil || p.SemanticWeight != 0.5 {
		t.Fatalf("stored parameters = %+v, err %v", p, err)
	}

	bad := `{"semantic_weight":0.9,"recency_weight":0.9,"importance_weight":0.9}`
	req = httptest.NewRequest(http.MethodPut, "/v1/users/u1/retrieval-parameters", strings.NewReader(bad))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d for invalid weights, want 422", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(&fakeEngine{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestPerfSnapshotEndpoint(t *testing.T) {
	srv, _ := newTestServer(&fakeEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/perf/turns", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stages") {
		t.Fatalf("perf snapshot body missing stages: %s", rec.Body.String())
	}
}
