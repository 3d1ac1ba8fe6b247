package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps all three sub-stores in PostgreSQL: conversation rows
// and profiles relationally, memory unit embeddings via pgvector, and the
// concept graph as an edge table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			facts JSONB NOT NULL DEFAULT '[]',
			view_context TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS retrieval_parameters (
			user_id TEXT PRIMARY KEY,
			semantic_weight DOUBLE PRECISION NOT NULL,
			recency_weight DOUBLE PRECISION NOT NULL,
			importance_weight DOUBLE PRECISION NOT NULL,
			max_graph_hops INTEGER NOT NULL,
			max_seed_entities INTEGER NOT NULL,
			result_cap INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON conversation_messages (conversation_id, created_at);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_units (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			embedding vector(%d),
			entities TEXT[] NOT NULL DEFAULT '{}',
			last_referenced TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_units_user_referenced ON memory_units (user_id, last_referenced DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_units_entities ON memory_units USING GIN (entities);`,
		`CREATE TABLE IF NOT EXISTS concept_edges (
			user_id TEXT NOT NULL,
			from_label TEXT NOT NULL,
			to_label TEXT NOT NULL,
			relation TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, from_label, to_label, relation)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_user_created ON conversation_summaries (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at
		 FROM conversation_messages WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationMessage, 0, limit)
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Profile(ctx context.Context, userID string) (UserProfile, error) {
	var (
		p     UserProfile
		facts []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, facts, view_context, updated_at FROM users WHERE id=$1`,
		userID,
	).Scan(&p.UserID, &p.DisplayName, &facts, &p.ViewContext, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("query profile: %w", err)
	}
	if len(facts) > 0 {
		if err := json.Unmarshal(facts, &p.Facts); err != nil {
			return UserProfile{}, fmt.Errorf("decode profile facts: %w", err)
		}
	}
	return p, nil
}

func (s *PostgresStore) RetrievalParameters(ctx context.Context, userID string) (RetrievalParameters, error) {
	var p RetrievalParameters
	err := s.pool.QueryRow(ctx,
		`SELECT semantic_weight, recency_weight, importance_weight, max_graph_hops, max_seed_entities, result_cap
		 FROM retrieval_parameters WHERE user_id=$1`,
		userID,
	).Scan(&p.SemanticWeight, &p.RecencyWeight, &p.ImportanceWeight, &p.MaxGraphHops, &p.MaxSeedEntities, &p.ResultCap)
	if errors.Is(err, pgx.ErrNoRows) {
		return RetrievalParameters{}, ErrNotFound
	}
	if err != nil {
		return RetrievalParameters{}, fmt.Errorf("query retrieval parameters: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) LatestConversationSummary(ctx context.Context, userID, excludeConversationID string) (ConversationSummary, error) {
	var sum ConversationSummary
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id, user_id, summary, created_at
		 FROM conversation_summaries WHERE user_id=$1 AND conversation_id<>$2
		 ORDER BY created_at DESC LIMIT 1`,
		userID,
		excludeConversationID,
	).Scan(&sum.ConversationID, &sum.UserID, &sum.Summary, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationSummary{}, ErrNotFound
	}
	if err != nil {
		return ConversationSummary{}, fmt.Errorf("query latest summary: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) VectorSearch(ctx context.Context, userID string, embedding []float32, topK int, floor float64) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, summary, importance, last_referenced, 1 - (embedding <=> $2) AS similarity
		 FROM memory_units
		 WHERE user_id=$1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		userID,
		pgvector.NewVector(embedding),
		topK,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		c := Candidate{Source: SourceVector}
		if err := rows.Scan(&c.ID, &c.Kind, &c.Summary, &c.Importance, &c.LastReferenced, &c.Semantic); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if c.Semantic < floor {
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GraphNeighborhood(ctx context.Context, userID string, seeds []string, maxHops, limit int) ([]Candidate, error) {
	if len(seeds) == 0 || limit <= 0 {
		return nil, nil
	}

	visited := make(map[string]bool)
	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		label := NormalizeLabel(seed)
		if label == "" || visited[label] {
			continue
		}
		visited[label] = true
		frontier = append(frontier, label)
	}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		rows, err := s.pool.Query(ctx,
			`SELECT from_label, to_label FROM concept_edges
			 WHERE user_id=$1 AND (from_label = ANY($2) OR to_label = ANY($2))`,
			userID,
			frontier,
		)
		if err != nil {
			return nil, fmt.Errorf("graph hop %d: %w", hop, err)
		}
		var next []string
		for rows.Next() {
			var from, to string
			if err := rows.Scan(&from, &to); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan edge row: %w", err)
			}
			if !visited[from] {
				visited[from] = true
				next = append(next, from)
			}
			if !visited[to] {
				visited[to] = true
				next = append(next, to)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate edge rows: %w", err)
		}
		rows.Close()
		frontier = next
	}

	labels := make([]string, 0, len(visited))
	for label := range visited {
		labels = append(labels, label)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, summary, importance, last_referenced
		 FROM memory_units
		 WHERE user_id=$1 AND entities && $2
		 ORDER BY last_referenced DESC
		 LIMIT $3`,
		userID,
		labels,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("graph units: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		c := Candidate{Source: SourceGraph}
		if err := rows.Scan(&c.ID, &c.Kind, &c.Summary, &c.Importance, &c.LastReferenced); err != nil {
			return nil, fmt.Errorf("scan graph row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate graph rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) HydrateContents(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	// Hydration marks usage, so the touch and the read share one statement.
	rows, err := s.pool.Query(ctx,
		`UPDATE memory_units SET last_referenced = now() WHERE id = ANY($1) RETURNING id, content`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("hydrate contents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan hydrate row: %w", err)
		}
		out[id] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hydrate rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, user_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		msg.Role,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveMemoryUnit(ctx context.Context, unit MemoryUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}
	if unit.Kind == "" {
		unit.Kind = KindMemoryUnit
	}
	now := time.Now().UTC()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	if unit.LastReferenced.IsZero() {
		unit.LastReferenced = unit.CreatedAt
	}
	entities := make([]string, len(unit.Entities))
	for i, e := range unit.Entities {
		entities[i] = NormalizeLabel(e)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_units (id, user_id, kind, summary, content, importance, embedding, entities, last_referenced, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			summary = EXCLUDED.summary,
			content = EXCLUDED.content,
			importance = EXCLUDED.importance,
			embedding = EXCLUDED.embedding,
			entities = EXCLUDED.entities,
			last_referenced = EXCLUDED.last_referenced`,
		unit.ID,
		unit.UserID,
		unit.Kind,
		unit.Summary,
		unit.Content,
		unit.Importance,
		pgvector.NewVector(unit.Embedding),
		entities,
		unit.LastReferenced,
		unit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save memory unit: %w", err)
	}
	return nil
}

func (s *PostgresStore) LinkConcepts(ctx context.Context, userID, from, to, relation string) error {
	fromLabel := NormalizeLabel(from)
	toLabel := NormalizeLabel(to)
	if fromLabel == "" || toLabel == "" {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO concept_edges (user_id, from_label, to_label, relation)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		userID,
		fromLabel,
		toLabel,
		relation,
	)
	if err != nil {
		return fmt.Errorf("link concepts: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveConversationSummary(ctx context.Context, sum ConversationSummary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_summaries (conversation_id, user_id, summary, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE SET summary = EXCLUDED.summary, created_at = EXCLUDED.created_at`,
		sum.ConversationID,
		sum.UserID,
		sum.Summary,
		sum.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutRetrievalParameters(ctx context.Context, userID string, p RetrievalParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO retrieval_parameters (user_id, semantic_weight, recency_weight, importance_weight, max_graph_hops, max_seed_entities, result_cap, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (user_id) DO UPDATE SET
			semantic_weight = EXCLUDED.semantic_weight,
			recency_weight = EXCLUDED.recency_weight,
			importance_weight = EXCLUDED.importance_weight,
			max_graph_hops = EXCLUDED.max_graph_hops,
			max_seed_entities = EXCLUDED.max_seed_entities,
			result_cap = EXCLUDED.result_cap,
			updated_at = now()`,
		userID,
		p.SemanticWeight,
		p.RecencyWeight,
		p.ImportanceWeight,
		p.MaxGraphHops,
		p.MaxSeedEntities,
		p.ResultCap,
	)
	if err != nil {
		return fmt.Errorf("put retrieval parameters: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p UserProfile) error {
	facts, err := json.Marshal(p.Facts)
	if err != nil {
		return fmt.Errorf("encode profile facts: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, facts, view_context, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			facts = EXCLUDED.facts,
			view_context = EXCLUDED.view_context,
			updated_at = EXCLUDED.updated_at`,
		p.UserID,
		p.DisplayName,
		facts,
		p.ViewContext,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
