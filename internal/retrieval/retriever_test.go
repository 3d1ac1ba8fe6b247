package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
)

var testDefaults = memory.RetrievalParameters{
	SemanticWeight:   0.55,
	RecencyWeight:    0.25,
	ImportanceWeight: 0.20,
	MaxGraphHops:     2,
	MaxSeedEntities:  5,
	ResultCap:        10,
}

// stubStore lets each test script the two sub-queries independently.
type stubStore struct {
	memory.ContextStore

	vector    []memory.Candidate
	vectorErr error
	graph     []memory.Candidate
	graphErr  error
	contents  map[string]string
	params    memory.RetrievalParameters
	paramsErr error
}

func (s *stubStore) VectorSearch(ctx context.Context, _ string, _ []float32, _ int, _ float64) ([]memory.Candidate, error) {
	if s.vectorErr != nil {
		return nil, s.vectorErr
	}
	return s.vector, nil
}

func (s *stubStore) GraphNeighborhood(ctx context.Context, _ string, _ []string, _, _ int) ([]memory.Candidate, error) {
	if s.graphErr != nil {
		return nil, s.graphErr
	}
	return s.graph, nil
}

func (s *stubStore) HydrateContents(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if c, ok := s.contents[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *stubStore) RetrievalParameters(_ context.Context, _ string) (memory.RetrievalParameters, error) {
	if s.paramsErr != nil {
		return memory.RetrievalParameters{}, s.paramsErr
	}
	return s.params, nil
}

func newTestRetriever(t *testing.T, store memory.ContextStore) *Retriever {
	t.Helper()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	return NewRetriever(store, memory.NewFeatureHashEmbedder(64), metrics, Config{
		Defaults:        testDefaults,
		RecencyHalfLife: 7 * 24 * time.Hour,
		SimilarityFloor: 0.1,
		VectorTopK:      5,
		CandidateLimit:  40,
		TopN:            10,
		SourceTimeout:   200 * time.Millisecond,
	})
}

func TestRetrieveFusesAndHydratesBothSources(t *testing.T) {
	now := time.Now().UTC()
	store := &stubStore{
		params: testDefaults,
		vector: []memory.Candidate{
			{ID: "m1", Kind: memory.KindMemoryUnit, Summary: "half marathon goal", Source: memory.SourceVector, Semantic: 0.9, Importance: 0.6, LastReferenced: now},
		},
		graph: []memory.Candidate{
			{ID: "m2", Kind: memory.KindConcept, Summary: "knee injury", Source: memory.SourceGraph, Semantic: 0.4, Importance: 0.8, LastReferenced: now},
			{ID: "m1", Kind: memory.KindMemoryUnit, Summary: "half marathon goal", Source: memory.SourceGraph, Semantic: 0.3, Importance: 0.6, LastReferenced: now},
		},
		contents: map[string]string{
			"m1": "wants to run a sub-2h half marathon in October",
			"m2": "left knee injury from overtraining in March",
		},
	}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"running goals", "injury"})
	if len(res.Degraded) != 0 {
		t.Fatalf("Degraded = %v, want none", res.Degraded)
	}
	if len(res.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2 after cross-source dedupe", len(res.Results))
	}
	if res.Results[0].ID != "m1" {
		t.Fatalf("Results[0] = %s, want the higher-scored m1", res.Results[0].ID)
	}
	for _, fr := range res.Results {
		if fr.Content == "" {
			t.Fatalf("result %s not hydrated", fr.ID)
		}
	}
}

func TestRetrieveVectorFailureDegradesToGraph(t *testing.T) {
	now := time.Now().UTC()
	store := &stubStore{
		params:    testDefaults,
		vectorErr: context.DeadlineExceeded,
		graph: []memory.Candidate{
			{ID: "g1", Kind: memory.KindConcept, Summary: "from the graph", Source: memory.SourceGraph, Semantic: 0.5, LastReferenced: now},
		},
		contents: map[string]string{"g1": "graph content"},
	}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"anything"})
	if len(res.Results) != 1 || res.Results[0].Source != memory.SourceGraph {
		t.Fatalf("Results = %+v, want one graph-sourced result", res.Results)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != memory.SourceVector {
		t.Fatalf("Degraded = %v, want [vector]", res.Degraded)
	}
}

func TestRetrieveBothSourcesFailingReturnsEmptyNotError(t *testing.T) {
	store := &stubStore{
		params:    testDefaults,
		vectorErr: memory.ErrSourceUnavailable,
		graphErr:  memory.ErrSourceUnavailable,
	}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"anything"})
	if len(res.Results) != 0 {
		t.Fatalf("Results = %v, want empty", res.Results)
	}
	if len(res.Degraded) != 2 {
		t.Fatalf("Degraded = %v, want both sources flagged", res.Degraded)
	}
}

func TestRetrieveInvalidParametersFallBackToDefaults(t *testing.T) {
	now := time.Now().UTC()
	store := &stubStore{
		// Weights sum to 2.0: rejected at load, defaults substituted.
		params: memory.RetrievalParameters{SemanticWeight: 1, RecencyWeight: 0.5, ImportanceWeight: 0.5},
		vector: []memory.Candidate{
			{ID: "m1", Summary: "x", Source: memory.SourceVector, Semantic: 0.9, LastReferenced: now},
		},
		contents: map[string]string{"m1": "x"},
	}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"anything"})
	if len(res.Results) != 1 {
		t.Fatalf("Retrieve with invalid parameters returned %d results, want 1 via defaults", len(res.Results))
	}
}

func TestRetrieveMissingParametersUseDefaults(t *testing.T) {
	store := &stubStore{paramsErr: memory.ErrNotFound}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"anything"})
	if len(res.Results) != 0 {
		t.Fatalf("Results = %v, want empty from empty store", res.Results)
	}
}

func TestRetrieveResultCapLimitsHydration(t *testing.T) {
	now := time.Now().UTC()
	params := testDefaults
	params.ResultCap = 2
	var cands []memory.Candidate
	for _, id := range []string{"a", "b", "c", "d"} {
		cands = append(cands, memory.Candidate{ID: id, Summary: id, Source: memory.SourceVector, Semantic: 0.5, LastReferenced: now})
	}
	store := &stubStore{params: params, vector: cands, contents: map[string]string{}}
	r := newTestRetriever(t, store)

	res := r.Retrieve(context.Background(), "u1", []string{"anything"})
	if len(res.Results) != 2 {
		t.Fatalf("len(Results) = %d, want result cap 2", len(res.Results))
	}
}

func TestRetrieveNoPhrasesIsNoop(t *testing.T) {
	store := &stubStore{params: testDefaults}
	r := newTestRetriever(t, store)
	res := r.Retrieve(context.Background(), "u1", nil)
	if len(res.Results) != 0 || len(res.Degraded) != 0 {
		t.Fatalf("Retrieve(nil) = %+v, want zero value", res)
	}
}
