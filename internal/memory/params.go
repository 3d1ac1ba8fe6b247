package memory

import (
	"errors"
	"fmt"
)

var ErrInvalidParameters = errors.New("invalid retrieval parameters")

// RetrievalParameters is the per-user fusion weight and limit record. The
// three weights must be non-negative and sum to 1.0 within a 0.01 tolerance.
type RetrievalParameters struct {
	SemanticWeight   float64 `json:"semantic_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	MaxGraphHops     int     `json:"max_graph_hops"`
	MaxSeedEntities  int     `json:"max_seed_entities"`
	ResultCap        int     `json:"result_cap"`
}

func (p RetrievalParameters) Validate() error {
	if p.SemanticWeight < 0 || p.RecencyWeight < 0 || p.ImportanceWeight < 0 {
		return fmt.Errorf("%w: negative weight", ErrInvalidParameters)
	}
	sum := p.SemanticWeight + p.RecencyWeight + p.ImportanceWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("%w: weights sum to %.3f, want 1.0 within 0.01", ErrInvalidParameters, sum)
	}
	if p.MaxGraphHops < 0 {
		return fmt.Errorf("%w: negative max_graph_hops", ErrInvalidParameters)
	}
	if p.MaxSeedEntities < 0 {
		return fmt.Errorf("%w: negative max_seed_entities", ErrInvalidParameters)
	}
	if p.ResultCap < 0 {
		return fmt.Errorf("%w: negative result_cap", ErrInvalidParameters)
	}
	return nil
}
