package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type conceptEdge struct {
	From     string
	To       string
	Relation string
}

// InMemoryStore is a simple in-process context store for local/dev use and
// tests. It implements all three sub-stores over guarded maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	messages  map[string][]ConversationMessage // conversation id -> chronological
	units     map[string]map[string]MemoryUnit // user id -> unit id -> unit
	unitOwner map[string]string                // unit id -> user id
	edges     map[string][]conceptEdge         // user id -> edges
	profiles  map[string]UserProfile
	params    map[string]RetrievalParameters
	summaries map[string][]ConversationSummary // user id -> chronological
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:  make(map[string][]ConversationMessage),
		units:     make(map[string]map[string]MemoryUnit),
		unitOwner: make(map[string]string),
		edges:     make(map[string][]conceptEdge),
		profiles:  make(map[string]UserProfile),
		params:    make(map[string]RetrievalParameters),
		summaries: make(map[string][]ConversationSummary),
	}
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]ConversationMessage, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Profile(_ context.Context, userID string) (UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return UserProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) RetrievalParameters(_ context.Context, userID string) (RetrievalParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[userID]
	if !ok {
		return RetrievalParameters{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) LatestConversationSummary(_ context.Context, userID, excludeConversationID string) (ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.summaries[userID]
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].ConversationID != excludeConversationID {
			return arr[i], nil
		}
	}
	return ConversationSummary{}, ErrNotFound
}

func (s *InMemoryStore) VectorSearch(_ context.Context, userID string, embedding []float32, topK int, floor float64) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 {
		return nil, nil
	}
	var out []Candidate
	for _, unit := range s.units[userID] {
		if len(unit.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(embedding, unit.Embedding)
		if sim < floor {
			continue
		}
		out = append(out, Candidate{
			ID:             unit.ID,
			Kind:           unit.Kind,
			Summary:        unit.Summary,
			Source:         SourceVector,
			Semantic:       sim,
			Importance:     unit.Importance,
			LastReferenced: unit.LastReferenced,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Semantic > out[j].Semantic })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *InMemoryStore) GraphNeighborhood(_ context.Context, userID string, seeds []string, maxHops, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
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
		var next []string
		for _, edge := range s.edges[userID] {
			for _, label := range frontier {
				switch label {
				case edge.From:
					if !visited[edge.To] {
						visited[edge.To] = true
						next = append(next, edge.To)
					}
				case edge.To:
					if !visited[edge.From] {
						visited[edge.From] = true
						next = append(next, edge.From)
					}
				}
			}
		}
		frontier = next
	}

	var out []Candidate
	for _, unit := range s.units[userID] {
		if !unitTouches(unit, visited) {
			continue
		}
		out = append(out, Candidate{
			ID:             unit.ID,
			Kind:           unit.Kind,
			Summary:        unit.Summary,
			Source:         SourceGraph,
			Importance:     unit.Importance,
			LastReferenced: unit.LastReferenced,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastReferenced.After(out[j].LastReferenced) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func unitTouches(unit MemoryUnit, labels map[string]bool) bool {
	for _, e := range unit.Entities {
		if labels[e] {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) HydrateContents(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		owner, ok := s.unitOwner[id]
		if !ok {
			continue
		}
		unit := s.units[owner][id]
		out[id] = unit.Content
		unit.LastReferenced = now
		s.units[owner][id] = unit
	}
	return out, nil
}

func (s *InMemoryStore) SaveMessage(_ context.Context, msg ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *InMemoryStore) SaveMemoryUnit(_ context.Context, unit MemoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	for i, e := range unit.Entities {
		unit.Entities[i] = NormalizeLabel(e)
	}
	if s.units[unit.UserID] == nil {
		s.units[unit.UserID] = make(map[string]MemoryUnit)
	}
	s.units[unit.UserID][unit.ID] = unit
	s.unitOwner[unit.ID] = unit.UserID
	return nil
}

func (s *InMemoryStore) LinkConcepts(_ context.Context, userID, from, to, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge := conceptEdge{From: NormalizeLabel(from), To: NormalizeLabel(to), Relation: relation}
	if edge.From == "" || edge.To == "" {
		return nil
	}
	for _, existing := range s.edges[userID] {
		if existing == edge {
			return nil
		}
	}
	s.edges[userID] = append(s.edges[userID], edge)
	return nil
}

func (s *InMemoryStore) SaveConversationSummary(_ context.Context, sum ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	s.summaries[sum.UserID] = append(s.summaries[sum.UserID], sum)
	return nil
}

func (s *InMemoryStore) PutRetrievalParameters(_ context.Context, userID string, p RetrievalParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[userID] = p
	return nil
}

func (s *InMemoryStore) SaveProfile(_ context.Context, p UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
