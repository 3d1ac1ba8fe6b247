package retrieval

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
)

// Config sizes the retriever. Defaults is the parameter record substituted
// when a user has no stored record or an invalid one.
type Config struct {
	Defaults        memory.RetrievalParameters
	RecencyHalfLife time.Duration
	SimilarityFloor float64
	VectorTopK      int
	CandidateLimit  int
	TopN            int
	SourceTimeout   time.Duration
}

// Result is the retrieval envelope. Degraded lists sources that failed or
// timed out; a fully degraded call returns empty results, never an error.
type Result struct {
	Results  []FusedResult
	Degraded []string
}

// Retriever fans a set of key phrases out to the vector and graph stores in
// parallel, fuses the candidates into one ranking, and hydrates full content
// for the survivors only.
type Retriever struct {
	store    memory.ContextStore
	embedder memory.Embedder
	metrics  *observability.Metrics
	cfg      Config
}

func NewRetriever(store memory.ContextStore, embedder memory.Embedder, metrics *observability.Metrics, cfg Config) *Retriever {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 750 * time.Millisecond
	}
	if cfg.VectorTopK <= 0 {
		cfg.VectorTopK = 5
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 40
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Retriever{store: store, embedder: embedder, metrics: metrics, cfg: cfg}
}

func (r *Retriever) Retrieve(ctx context.Context, userID string, keyPhrases []string) Result {
	if len(keyPhrases) == 0 {
		return Result{}
	}

	params := r.parameters(ctx, userID)

	seeds := keyPhrases
	if params.MaxSeedEntities > 0 && len(seeds) > params.MaxSeedEntities {
		seeds = seeds[:params.MaxSeedEntities]
	}

	var (
		vectorCands []memory.Candidate
		graphCands  []memory.Candidate
		vectorErr   error
		graphErr    error
	)

	// Both sources run regardless of the other's outcome, each inside its
	// own timebox.
	var g errgroup.Group
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
		defer cancel()
		vectorCands, vectorErr = r.vectorQuery(sctx, userID, keyPhrases)
		return nil
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
		defer cancel()
		graphCands, graphErr = r.store.GraphNeighborhood(sctx, userID, seeds, params.MaxGraphHops, r.cfg.CandidateLimit)
		return nil
	})
	_ = g.Wait()

	var degraded []string
	if r.recordSource(memory.SourceVector, len(vectorCands), vectorErr) {
		degraded = append(degraded, memory.SourceVector)
	}
	if r.recordSource(memory.SourceGraph, len(graphCands), graphErr) {
		degraded = append(degraded, memory.SourceGraph)
	}

	all := make([]memory.Candidate, 0, len(vectorCands)+len(graphCands))
	all = append(all, vectorCands...)
	all = append(all, graphCands...)

	fused := fuse(all, params, r.cfg.RecencyHalfLife, time.Now().UTC())
	cap := params.ResultCap
	if cap <= 0 {
		cap = r.cfg.TopN
	}
	if len(fused) > cap {
		fused = fused[:cap]
	}

	r.hydrate(ctx, fused)

	return Result{Results: fused, Degraded: degraded}
}

// vectorQuery embeds each phrase and merges per-phrase neighbors, keeping
// the best similarity per candidate. Only a fully failed pass degrades the
// source; single-phrase failures just lose that phrase's contribution.
func (r *Retriever) vectorQuery(ctx context.Context, userID string, phrases []string) ([]memory.Candidate, error) {
	byID := make(map[string]int)
	var (
		out      []memory.Candidate
		lastErr  error
		failures int
	)

	for _, phrase := range phrases {
		emb, err := r.embedder.Embed(ctx, phrase)
		if err != nil {
			failures++
			lastErr = err
			continue
		}
		cands, err := r.store.VectorSearch(ctx, userID, emb, r.cfg.VectorTopK, r.cfg.SimilarityFloor)
		if err != nil {
			failures++
			lastErr = err
			continue
		}
		for _, c := range cands {
			if idx, ok := byID[c.ID]; ok {
				if c.Semantic > out[idx].Semantic {
					out[idx] = c
				}
				continue
			}
			byID[c.ID] = len(out)
			out = append(out, c)
		}
	}

	if failures == len(phrases) && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (r *Retriever) recordSource(source string, resultCount int, err error) bool {
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case resultCount == 0:
		outcome = "empty"
	}
	r.metrics.RetrievalSourceEvents.WithLabelValues(source, outcome).Inc()
	return err != nil
}

func (r *Retriever) hydrate(ctx context.Context, results []FusedResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i := range results {
		ids[i] = results[i].ID
	}
	contents, err := r.store.HydrateContents(ctx, ids)
	if err != nil {
		// Summaries still carry the turn; hydration loss is not fatal.
		r.metrics.RetrievalSourceEvents.WithLabelValues("hydration", "error").Inc()
		return
	}
	for i := range results {
		if content, ok := contents[results[i].ID]; ok {
			results[i].Content = content
		}
	}
}

func (r *Retriever) parameters(ctx context.Context, userID string) memory.RetrievalParameters {
	p, err := r.store.RetrievalParameters(ctx, userID)
	if err != nil {
		return r.cfg.Defaults
	}
	if err := p.Validate(); err != nil {
		r.metrics.ConfigFallbacks.WithLabelValues("retrieval_parameters").Inc()
		return r.cfg.Defaults
	}
	return p
}
