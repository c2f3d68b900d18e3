package token

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LoginCache coalesces logins: within ttl of a successful login, the same
// principal gets the byte-identical token back. Expired entries are swept by
// the cache janitor; the sweep never blocks the request path.
type LoginCache struct {
	mu      sync.Mutex
	entries *gocache.Cache
	ttl     time.Duration
}

func NewLoginCache(ttl time.Duration) *LoginCache {
	sweep := ttl / 5
	if sweep < time.Second {
		sweep = time.Second
	}
	return &LoginCache{
		entries: gocache.New(ttl, sweep),
		ttl:     ttl,
	}
}

// GetOrIssue returns the cached token for name, or invokes issuer and caches
// the result. The mutex is held across the issuer call so two concurrent
// logins for the same principal cannot mint different tokens; issuance is
// in-memory work only, never I/O.
func (c *LoginCache) GetOrIssue(name string, issuer func() (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.entries.Get(name); ok {
		return cached.(string), nil
	}
	tok, err := issuer()
	if err != nil {
		return "", err
	}
	c.entries.Set(name, tok, c.ttl)
	return tok, nil
}

// TTL is the effective credential lifetime advertised to clients.
func (c *LoginCache) TTL() time.Duration {
	return c.ttl
}
