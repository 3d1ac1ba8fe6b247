package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	_ "modernc.org/sqlite"
)

// EmbeddedStore runs without external services: conversation rows, profiles,
// and the concept graph live in a local sqlite file, embeddings in a
// persistent chromem index beside it.
type EmbeddedStore struct {
	db  *sql.DB
	vdb *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewEmbeddedStore(ctx context.Context, dataDir string, compress bool) (*EmbeddedStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "aura.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := initEmbeddedSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	vdb, err := chromem.NewPersistentDB(filepath.Join(dataDir, "vectors"), compress)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open chromem: %w", err)
	}

	return &EmbeddedStore{
		db:          db,
		vdb:         vdb,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func initEmbeddedSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			facts TEXT NOT NULL DEFAULT '[]',
			view_context TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS retrieval_parameters (
			user_id TEXT PRIMARY KEY,
			semantic_weight REAL NOT NULL,
			recency_weight REAL NOT NULL,
			importance_weight REAL NOT NULL,
			max_graph_hops INTEGER NOT NULL,
			max_seed_entities INTEGER NOT NULL,
			result_cap INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON conversation_messages (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS memory_units (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			last_referenced INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_units_user_referenced ON memory_units (user_id, last_referenced DESC);`,
		`CREATE TABLE IF NOT EXISTS unit_entities (
			unit_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			PRIMARY KEY (unit_id, label)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_user_label ON unit_entities (user_id, label);`,
		`CREATE TABLE IF NOT EXISTS concept_edges (
			user_id TEXT NOT NULL,
			from_label TEXT NOT NULL,
			to_label TEXT NOT NULL,
			relation TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, from_label, to_label, relation)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_user_created ON conversation_summaries (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init embedded schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// collection returns the per-user chromem collection, creating it on first
// use. Per-user collections keep vector queries namespace-isolated.
func (s *EmbeddedStore) collection(userID string) (*chromem.Collection, error) {
	name := "user_" + userID
	if userID == "" {
		name = "global"
	}

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col = s.vdb.GetCollection(name, nil)
	if col == nil {
		var err error
		col, err = s.vdb.CreateCollection(name, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}
	s.collections[name] = col
	return col, nil
}

func (s *EmbeddedStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at
		 FROM conversation_messages WHERE conversation_id=? ORDER BY created_at DESC LIMIT ?`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationMessage, 0, limit)
	for rows.Next() {
		var (
			m  ConversationMessage
			ns int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &ns); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(0, ns).UTC()
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

func (s *EmbeddedStore) Profile(ctx context.Context, userID string) (UserProfile, error) {
	var (
		p     UserProfile
		facts string
		ns    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, facts, view_context, updated_at FROM users WHERE id=?`,
		userID,
	).Scan(&p.UserID, &p.DisplayName, &facts, &p.ViewContext, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("query profile: %w", err)
	}
	p.UpdatedAt = time.Unix(0, ns).UTC()
	if facts != "" {
		if err := json.Unmarshal([]byte(facts), &p.Facts); err != nil {
			return UserProfile{}, fmt.Errorf("decode profile facts: %w", err)
		}
	}
	return p, nil
}

func (s *EmbeddedStore) RetrievalParameters(ctx context.Context, userID string) (RetrievalParameters, error) {
	var p RetrievalParameters
	err := s.db.QueryRowContext(ctx,
		`SELECT semantic_weight, recency_weight, importance_weight, max_graph_hops, max_seed_entities, result_cap
		 FROM retrieval_parameters WHERE user_id=?`,
		userID,
	).Scan(&p.SemanticWeight, &p.RecencyWeight, &p.ImportanceWeight, &p.MaxGraphHops, &p.MaxSeedEntities, &p.ResultCap)
	if errors.Is(err, sql.ErrNoRows) {
		return RetrievalParameters{}, ErrNotFound
	}
	if err != nil {
		return RetrievalParameters{}, fmt.Errorf("query retrieval parameters: %w", err)
	}
	return p, nil
}

func (s *EmbeddedStore) LatestConversationSummary(ctx context.Context, userID, excludeConversationID string) (ConversationSummary, error) {
	var (
		sum ConversationSummary
		ns  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, summary, created_at
		 FROM conversation_summaries WHERE user_id=? AND conversation_id<>?
		 ORDER BY created_at DESC LIMIT 1`,
		userID,
		excludeConversationID,
	).Scan(&sum.ConversationID, &sum.UserID, &sum.Summary, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationSummary{}, ErrNotFound
	}
	if err != nil {
		return ConversationSummary{}, fmt.Errorf("query latest summary: %w", err)
	}
	sum.CreatedAt = time.Unix(0, ns).UTC()
	return sum, nil
}

func (s *EmbeddedStore) VectorSearch(ctx context.Context, userID string, embedding []float32, topK int, floor float64) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	ids := make([]string, 0, len(results))
	similarity := make(map[string]float64, len(results))
	for _, res := range results {
		sim := float64(res.Similarity)
		if sim < floor {
			continue
		}
		ids = append(ids, res.ID)
		similarity[res.ID] = sim
	}
	if len(ids) == 0 {
		return nil, nil
	}

	units, err := s.unitRows(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		unit, ok := units[id]
		if !ok {
			continue
		}
		unit.Source = SourceVector
		unit.Semantic = similarity[id]
		out = append(out, unit)
	}
	return out, nil
}

func (s *EmbeddedStore) GraphNeighborhood(ctx context.Context, userID string, seeds []string, maxHops, limit int) ([]Candidate, error) {
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
		query := fmt.Sprintf(
			`SELECT from_label, to_label FROM concept_edges
			 WHERE user_id=? AND (from_label IN (%s) OR to_label IN (%s))`,
			placeholders(len(frontier)), placeholders(len(frontier)),
		)
		args := make([]any, 0, 1+2*len(frontier))
		args = append(args, userID)
		for _, label := range frontier {
			args = append(args, label)
		}
		for _, label := range frontier {
			args = append(args, label)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
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

	query := fmt.Sprintf(
		`SELECT DISTINCT u.id, u.kind, u.summary, u.importance, u.last_referenced
		 FROM memory_units u JOIN unit_entities e ON e.unit_id = u.id
		 WHERE e.user_id=? AND e.label IN (%s)
		 ORDER BY u.last_referenced DESC LIMIT ?`,
		placeholders(len(labels)),
	)
	args := make([]any, 0, 2+len(labels))
	args = append(args, userID)
	for _, label := range labels {
		args = append(args, label)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph units: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c  Candidate
			ns int64
		)
		if err := rows.Scan(&c.ID, &c.Kind, &c.Summary, &c.Importance, &ns); err != nil {
			return nil, fmt.Errorf("scan graph row: %w", err)
		}
		c.Source = SourceGraph
		c.LastReferenced = time.Unix(0, ns).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate graph rows: %w", err)
	}
	return out, nil
}

func (s *EmbeddedStore) unitRows(ctx context.Context, ids []string) (map[string]Candidate, error) {
	query := fmt.Sprintf(
		`SELECT id, kind, summary, importance, last_referenced FROM memory_units WHERE id IN (%s)`,
		placeholders(len(ids)),
	)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Candidate, len(ids))
	for rows.Next() {
		var (
			c  Candidate
			ns int64
		)
		if err := rows.Scan(&c.ID, &c.Kind, &c.Summary, &c.Importance, &ns); err != nil {
			return nil, fmt.Errorf("scan unit row: %w", err)
		}
		c.LastReferenced = time.Unix(0, ns).UTC()
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit rows: %w", err)
	}
	return out, nil
}

func (s *EmbeddedStore) HydrateContents(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	query := fmt.Sprintf(`SELECT id, content FROM memory_units WHERE id IN (%s)`, placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

	touch := fmt.Sprintf(`UPDATE memory_units SET last_referenced=? WHERE id IN (%s)`, placeholders(len(ids)))
	targs := make([]any, 0, 1+len(ids))
	targs = append(targs, time.Now().UTC().UnixNano())
	for _, id := range ids {
		targs = append(targs, id)
	}
	if _, err := s.db.ExecContext(ctx, touch, targs...); err != nil {
		return nil, fmt.Errorf("touch hydrated units: %w", err)
	}

	return out, nil
}

func (s *EmbeddedStore) SaveMessage(ctx context.Context, msg ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, user_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		msg.Role,
		msg.Content,
		msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *EmbeddedStore) SaveMemoryUnit(ctx context.Context, unit MemoryUnit) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_units (id, user_id, kind, summary, content, importance, last_referenced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			summary = excluded.summary,
			content = excluded.content,
			importance = excluded.importance,
			last_referenced = excluded.last_referenced`,
		unit.ID,
		unit.UserID,
		unit.Kind,
		unit.Summary,
		unit.Content,
		unit.Importance,
		unit.LastReferenced.UnixNano(),
		unit.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save memory unit: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM unit_entities WHERE unit_id=?`, unit.ID); err != nil {
		return fmt.Errorf("clear unit entities: %w", err)
	}
	for _, entity := range unit.Entities {
		label := NormalizeLabel(entity)
		if label == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO unit_entities (unit_id, user_id, label) VALUES (?, ?, ?)`,
			unit.ID, unit.UserID, label,
		); err != nil {
			return fmt.Errorf("save unit entity: %w", err)
		}
	}

	if len(unit.Embedding) > 0 {
		col, err := s.collection(unit.UserID)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        unit.ID,
			Content:   unit.Summary,
			Embedding: unit.Embedding,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("index embedding: %w", err)
		}
	}
	return nil
}

func (s *EmbeddedStore) LinkConcepts(ctx context.Context, userID, from, to, relation string) error {
	fromLabel := NormalizeLabel(from)
	toLabel := NormalizeLabel(to)
	if fromLabel == "" || toLabel == "" {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO concept_edges (user_id, from_label, to_label, relation, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID,
		fromLabel,
		toLabel,
		relation,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("link concepts: %w", err)
	}
	return nil
}

func (s *EmbeddedStore) SaveConversationSummary(ctx context.Context, sum ConversationSummary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_summaries (conversation_id, user_id, summary, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET summary = excluded.summary, created_at = excluded.created_at`,
		sum.ConversationID,
		sum.UserID,
		sum.Summary,
		sum.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save conversation summary: %w", err)
	}
	return nil
}

func (s *EmbeddedStore) PutRetrievalParameters(ctx context.Context, userID string, p RetrievalParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retrieval_parameters (user_id, semantic_weight, recency_weight, importance_weight, max_graph_hops, max_seed_entities, result_cap, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			semantic_weight = excluded.semantic_weight,
			recency_weight = excluded.recency_weight,
			importance_weight = excluded.importance_weight,
			max_graph_hops = excluded.max_graph_hops,
			max_seed_entities = excluded.max_seed_entities,
			result_cap = excluded.result_cap,
			updated_at = excluded.updated_at`,
		userID,
		p.SemanticWeight,
		p.RecencyWeight,
		p.ImportanceWeight,
		p.MaxGraphHops,
		p.MaxSeedEntities,
		p.ResultCap,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put retrieval parameters: %w", err)
	}
	return nil
}

func (s *EmbeddedStore) SaveProfile(ctx context.Context, p UserProfile) error {
	facts, err := json.Marshal(p.Facts)
	if err != nil {
		return fmt.Errorf("encode profile facts: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, facts, view_context, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			facts = excluded.facts,
			view_context = excluded.view_context,
			updated_at = excluded.updated_at`,
		p.UserID,
		p.DisplayName,
		string(facts),
		p.ViewContext,
		p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *EmbeddedStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
