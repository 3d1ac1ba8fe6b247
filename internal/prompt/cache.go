package prompt

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/ent0n29/aura/internal/observability"
)

// Stability tiers, ordered by volatility. Identity and policy change per
// deployment, dynamic per user inputs, turn content never repeats.
const (
	TierIdentity = "identity"
	TierPolicy   = "policy"
	TierDynamic  = "dynamic"
	TierTurn     = "turn"
)

// Cache stores pre-rendered prompt sections keyed by tier, scope, and a
// fingerprint of the section's inputs. A section is served only when the
// caller's recomputed fingerprint matches the one it was stored under, so
// stale or cross-user content can never be substituted silently.
type Cache struct {
	cache   *ristretto.Cache
	metrics *observability.Metrics
}

func NewCache(maxCost int64, metrics *observability.Metrics) (*Cache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cache: rc, metrics: metrics}, nil
}

// Get returns the section rendered for exactly these inputs, or misses.
func (c *Cache) Get(tier, scopeKey, fingerprint string) (string, bool) {
	v, ok := c.cache.Get(sectionKey(tier, scopeKey, fingerprint))
	if !ok {
		c.event(tier, "miss")
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.event(tier, "miss")
		return "", false
	}
	c.event(tier, "hit")
	return s, true
}

// Set stores a rendered section. ttl <= 0 keeps it until evicted. Wait makes
// the write visible to an immediately following Get.
func (c *Cache) Set(tier, scopeKey, fingerprint, rendered string, ttl time.Duration) {
	key := sectionKey(tier, scopeKey, fingerprint)
	if ttl > 0 {
		c.cache.SetWithTTL(key, rendered, int64(len(rendered)), ttl)
	} else {
		c.cache.Set(key, rendered, int64(len(rendered)))
	}
	c.cache.Wait()
	c.event(tier, "store")
}

func (c *Cache) Close() {
	c.cache.Close()
}

func (c *Cache) event(tier, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.PromptCacheEvents.WithLabelValues(tier, outcome).Inc()
}

func sectionKey(tier, scopeKey, fingerprint string) string {
	return tier + "\x00" + scopeKey + "\x00" + fingerprint
}

// Fingerprint hashes the ordered inputs of a section into a stable hex
// digest. Collision resistance is for cache keying, not security.
func Fingerprint(parts ...string) string {
	h := sha1.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, sep)
}
