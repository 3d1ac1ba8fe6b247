package turnstate

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/aura/internal/protocol"
)

type contextEntry struct {
	pkg     protocol.ContextPackage
	expires time.Time
}

// Store holds short-lived per-conversation turn state: the forward-looking
// context package handed from one turn to the next, and a heartbeat key whose
// expiry is the sole idle signal for the external ingestion watcher. Both are
// TTL-bound; each write fully replaces the prior value.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]contextEntry
	beats    map[string]time.Time

	defaultTTL   time.Duration
	heartbeatTTL time.Duration
	onBeatExpire func(conversationID string)
}

func New(defaultTTL, heartbeatTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = 45 * time.Second
	}
	return &Store{
		contexts:     make(map[string]contextEntry),
		beats:        make(map[string]time.Time),
		defaultTTL:   defaultTTL,
		heartbeatTTL: heartbeatTTL,
	}
}

// SetHeartbeatExpireHook registers the observer notified when a heartbeat
// lapses. The engine itself never acts on expiry.
func (s *Store) SetHeartbeatExpireHook(hook func(conversationID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBeatExpire = hook
}

// Set replaces the conversation's context package. ttl <= 0 uses the default.
func (s *Store) Set(conversationID string, pkg protocol.ContextPackage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	entry := contextEntry{pkg: clonePackage(pkg), expires: time.Now().UTC().Add(ttl)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[conversationID] = entry
}

// Get returns the live context package. An expired-but-unswept entry misses.
func (s *Store) Get(conversationID string) (protocol.ContextPackage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.contexts[conversationID]
	if !ok || time.Now().UTC().After(entry.expires) {
		return protocol.ContextPackage{}, false
	}
	return clonePackage(entry.pkg), true
}

// Heartbeat refreshes the conversation's liveness deadline.
func (s *Store) Heartbeat(conversationID string) {
	deadline := time.Now().UTC().Add(s.heartbeatTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats[conversationID] = deadline
}

// ActiveCount reports conversations with a fresh heartbeat.
func (s *Store) ActiveCount() int {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, deadline := range s.beats {
		if now.Before(deadline) {
			count++
		}
	}
	return count
}

func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	now := time.Now().UTC()
	var lapsed []string

	s.mu.Lock()
	for id, entry := range s.contexts {
		if now.After(entry.expires) {
			delete(s.contexts, id)
		}
	}
	for id, deadline := range s.beats {
		if now.After(deadline) {
			delete(s.beats, id)
			lapsed = append(lapsed, id)
		}
	}
	hook := s.onBeatExpire
	s.mu.Unlock()

	if hook != nil {
		for _, id := range lapsed {
			hook(id)
		}
	}
}

func clonePackage(p protocol.ContextPackage) protocol.ContextPackage {
	c := p
	if len(p.FlagsForIngestion) > 0 {
		c.FlagsForIngestion = append([]string(nil), p.FlagsForIngestion...)
	}
	return c
}
