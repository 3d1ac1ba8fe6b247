package memory

import (
	"context"
	"strings"
)

// Options selects and sizes a ContextStore backend.
type Options struct {
	DatabaseURL  string
	DataDir      string
	EmbeddingDim int
	Compress     bool
}

// NewContextStore creates a postgres-backed store when a database URL is
// configured, an embedded sqlite+chromem store when a data directory is,
// and an in-memory store otherwise.
func NewContextStore(ctx context.Context, opts Options) (ContextStore, error) {
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.EmbeddingDim)
	case strings.TrimSpace(opts.DataDir) != "":
		return NewEmbeddedStore(ctx, opts.DataDir, opts.Compress)
	default:
		return NewInMemoryStore(), nil
	}
}
