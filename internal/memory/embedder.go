package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces fixed-width embeddings for retrieval text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FeatureHashEmbedder hashes token unigrams and bigrams into signed buckets
// and L2-normalizes the result. Deterministic and model-free, it keeps the
// embedded and dev deployments usable without an embedding server.
type FeatureHashEmbedder struct {
	dim int
}

func NewFeatureHashEmbedder(dim int) *FeatureHashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &FeatureHashEmbedder{dim: dim}
}

func (e *FeatureHashEmbedder) Dim() int { return e.dim }

func (e *FeatureHashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	add := func(feature string) {
		h := fnv.New32a()
		h.Write([]byte(feature))
		sum := h.Sum32()
		idx := int(sum>>1) % e.dim
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	for i, tok := range tokens {
		add(tok)
		if i+1 < len(tokens) {
			add(tok + " " + tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the vectors differ in length or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NormalizeLabel canonicalizes a concept label for graph storage and lookup.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
