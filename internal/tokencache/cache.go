// Package tokencache holds the most recently fetched token per provider.
package tokencache

import (
	"sync"

	"token-proxy-go/internal/model"
)

// Cache maps provider ids to tokens. It never evicts: it is keyed by the
// fixed set of configured providers, and callers decide freshness by
// comparing ValidUntil with their clock.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]model.Token
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{tokens: make(map[string]model.Token)}
}

// Get returns the last token stored for id, fresh or not.
func (c *Cache) Get(id string) (model.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[id]
	return t, ok
}

// Put replaces the token for id. The newest write wins.
func (c *Cache) Put(id string, t model.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[id] = t
}

// Len returns the number of providers with a stored token.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}
