package auth

import (
	"sync"
	"time"

	"github.com/datafold/datafold-node/internal/pubkey"
)

// cachedKey is a PublicKeyCache entry: { key_bytes, status, cached_at,
// last_accessed, access_count }.
type cachedKey struct {
	keyBytes     []byte
	status       pubkey.Status
	cachedAt     time.Time
	lastAccessed time.Time
	accessCount  int
}

// KeyCache is the bounded LRU sitting in front of the registration
// lookup (4.2 step 9: "a cache sits in front of this lookup ... cache
// hits for non-active status still fall through to DB"). Structurally
// adapted from the LRU-with-TTL shape the registry's general-purpose
// Cache implements, narrowed to the key_id → registration model C7
// actually needs.
type KeyCache struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	items map[string]*cachedKey
	order []string
}

// NewKeyCache creates a public key cache with the given capacity and
// per-entry TTL.
func NewKeyCache(capacity int, ttl time.Duration) *KeyCache {
	return &KeyCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*cachedKey),
		order:    make([]string, 0, capacity),
	}
}

// Lookup result distinguishes a genuine miss (not cached, or expired)
// from a cached-but-inactive hit, which the caller must still treat
// as a miss and fall through to storage (per 4.2 step 9).
type lookupResult int

const (
	cacheMiss lookupResult = iota
	cacheHitActive
	cacheHitInactive
)

func (c *KeyCache) lookup(keyID string, now time.Time) (*cachedKey, lookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[keyID]
	if !ok {
		return nil, cacheMiss
	}
	if now.Sub(entry.cachedAt) > c.ttl {
		c.removeLocked(keyID)
		return nil, cacheMiss
	}

	entry.lastAccessed = now
	entry.accessCount++
	c.touchLocked(keyID)

	if entry.status != pubkey.StatusActive {
		return entry, cacheHitInactive
	}
	return entry, cacheHitActive
}

// Get returns the cached key bytes for keyID, requiring status ==
// active the same way a successful storage lookup would. A cached
// inactive entry returns ok=false exactly like a miss, so callers
// never need a separate branch for it.
func (c *KeyCache) Get(keyID string, now time.Time) (keyBytes []byte, ok bool) {
	entry, result := c.lookup(keyID, now)
	if result != cacheHitActive {
		return nil, false
	}
	return entry.keyBytes, true
}

// Put stores or refreshes keyID's cached registration.
func (c *KeyCache) Put(keyID string, keyBytes []byte, status pubkey.Status, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[keyID]; exists {
		c.items[keyID] = &cachedKey{keyBytes: keyBytes, status: status, cachedAt: now, lastAccessed: now}
		c.touchLocked(keyID)
		return
	}

	if c.capacity > 0 && len(c.items) >= c.capacity {
		c.evictOldestLocked()
	}
	c.items[keyID] = &cachedKey{keyBytes: keyBytes, status: status, cachedAt: now, lastAccessed: now}
	c.order = append(c.order, keyID)
}

// Invalidate removes keyID's entry outright, used by key rotation's
// post-commit cache invalidation (4.3).
func (c *KeyCache) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(keyID)
}

// Size returns the number of cached entries.
func (c *KeyCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *KeyCache) removeLocked(keyID string) {
	delete(c.items, keyID)
	for i, k := range c.order {
		if k == keyID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *KeyCache) touchLocked(keyID string) {
	for i, k := range c.order {
		if k == keyID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, keyID)
}

func (c *KeyCache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.items, oldest)
}
