package memory

import (
	"context"
	"errors"
	"time"
)

// Candidate kinds and source-store provenance tags.
const (
	KindMemoryUnit      = "memory_unit"
	KindConcept         = "concept"
	KindDerivedArtifact = "derived_artifact"

	SourceVector = "vector"
	SourceGraph  = "graph"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSourceUnavailable = errors.New("retrieval source unavailable")
)

// Candidate is a read-only retrieval projection. Summary is always present;
// Content stays empty until hydrated.
type Candidate struct {
	ID             string
	Kind           string
	Summary        string
	Content        string
	Source         string
	Semantic       float64
	Importance     float64
	LastReferenced time.Time
}

// MemoryUnit is the durable long-term record behind vector and graph hits.
// Entities are lowercase concept labels linking the unit into the graph.
type MemoryUnit struct {
	ID             string
	UserID         string
	Kind           string
	Summary        string
	Content        string
	Importance     float64
	Embedding      []float32
	Entities       []string
	LastReferenced time.Time
	CreatedAt      time.Time
}

// ConversationMessage is one relational history row.
type ConversationMessage struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// UserProfile is the slow-moving user state rendered into prompts.
type UserProfile struct {
	UserID      string
	DisplayName string
	Facts       []string
	ViewContext string
	UpdatedAt   time.Time
}

// ConversationSummary is the durable wrap-up of a prior conversation, used
// for cross-conversation continuity.
type ConversationSummary struct {
	ConversationID string
	UserID         string
	Summary        string
	CreatedAt      time.Time
}

// ContextStore unifies the relational, vector, and graph stores behind one
// surface. Implementations must be safe for concurrent use.
type ContextStore interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error)
	Profile(ctx context.Context, userID string) (UserProfile, error)
	RetrievalParameters(ctx context.Context, userID string) (RetrievalParameters, error)
	LatestConversationSummary(ctx context.Context, userID, excludeConversationID string) (ConversationSummary, error)

	VectorSearch(ctx context.Context, userID string, embedding []float32, topK int, floor float64) ([]Candidate, error)
	GraphNeighborhood(ctx context.Context, userID string, seeds []string, maxHops, limit int) ([]Candidate, error)
	HydrateContents(ctx context.Context, ids []string) (map[string]string, error)

	SaveMessage(ctx context.Context, msg ConversationMessage) error
	SaveMemoryUnit(ctx context.Context, unit MemoryUnit) error
	LinkConcepts(ctx context.Context, userID, from, to, relation string) error
	SaveConversationSummary(ctx context.Context, s ConversationSummary) error
	PutRetrievalParameters(ctx context.Context, userID string, p RetrievalParameters) error
	SaveProfile(ctx context.Context, p UserProfile) error

	Ping(ctx context.Context) error
	Close() error
}
