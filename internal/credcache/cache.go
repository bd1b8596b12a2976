// Package credcache implements C2, the fixed-TTL credential→principal
// cache that sits in front of the datastore lookup in
// internal/credresolver.
package credcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/airelay/airelay/internal/principal"
)

// DefaultTTL is the TTL applied when Cache is constructed without an
// explicit override (spec §4.2).
const DefaultTTL = 5 * time.Minute

type entry struct {
	principal principal.Principal
	expiresAt time.Time
}

// Cache is a bounded, LRU-evicted, fixed-TTL map from credential string
// to Principal. A Cache is safe for concurrent use; get never blocks put
// beyond a short critical section (spec §5).
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	inner *lru.Cache[string, entry]
}

// New constructs a Cache with the given capacity (entries) and TTL. A
// non-positive ttl defaults to DefaultTTL.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	inner, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{ttl: ttl, now: time.Now, inner: inner}, nil
}

// Get returns the cached principal for cred, or (_, false) if absent or
// expired. An expired entry is evicted on the way out so it doesn't
// linger counting against capacity (I6: stale entries are never
// returned).
func (c *Cache) Get(cred string) (principal.Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inner.Get(cred)
	if !ok {
		return principal.Principal{}, false
	}
	if c.now().After(e.expiresAt) {
		c.inner.Remove(cred)
		return principal.Principal{}, false
	}
	return e.principal, true
}

// Put (re)sets cred's entry and expiry to now+TTL.
func (c *Cache) Put(cred string, p principal.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inner.Add(cred, entry{principal: p, expiresAt: c.now().Add(c.ttl)})
}

// Len reports the number of entries currently tracked, including any not
// yet lazily evicted for having expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
