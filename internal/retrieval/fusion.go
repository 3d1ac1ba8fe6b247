package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/ent0n29/aura/internal/memory"
)

// FusedResult is a candidate with its single blended relevance score. It
// lives for one retrieval call and is never persisted.
type FusedResult struct {
	memory.Candidate
	Score float64
}

// recencyDecay maps age onto (0, 1] with an exponential half-life curve.
func recencyDecay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// fuse blends per-source scores into one ranking. Duplicates across sources
// keep the instance with the higher fused score.
func fuse(cands []memory.Candidate, p memory.RetrievalParameters, halfLife time.Duration, now time.Time) []FusedResult {
	best := make(map[string]FusedResult, len(cands))
	order := make([]string, 0, len(cands))

	for _, c := range cands {
		score := p.SemanticWeight*c.Semantic +
			p.RecencyWeight*recencyDecay(now.Sub(c.LastReferenced), halfLife) +
			p.ImportanceWeight*c.Importance

		existing, seen := best[c.ID]
		if !seen {
			best[c.ID] = FusedResult{Candidate: c, Score: score}
			order = append(order, c.ID)
			continue
		}
		if score > existing.Score {
			best[c.ID] = FusedResult{Candidate: c, Score: score}
		}
	}

	out := make([]FusedResult, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
