package dnswalk

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey is the full lookup key for the response cache. Bailiwick is part
// of the key, not just the lookup path, because what counts as in-bailiwick
// for a cached response depends on it: the same (server, qname, qtype)
// queried from two different bailiwicks could legitimately classify
// differently, and caching without bailiwick could leak an out-of-bailiwick
// interpretation into a context where it would wrongly be deemed
// authoritative.
type cacheKey struct {
	ServerIP  string
	QName     string
	QType     uint16
	QClass    uint16
	Bailiwick string
}

// ResponseCache memoizes DecodedResponses by (server_ip, qname, qtype,
// qclass, bailiwick). It is process-scoped: populated lazily on first query,
// never invalidated during a traversal. Capacity is bounded by an LRU policy
// so a single run's memory stays predictable against a pathological zone;
// eviction never affects correctness, since an evicted entry is simply
// re-queried and re-classified.
type ResponseCache struct {
	lru *lru.Cache[cacheKey, *DecodedResponse]
}

// NewResponseCache returns a ResponseCache bounded to size entries. size
// must be >= 1; Config validation enforces this before construction.
func NewResponseCache(size int) *ResponseCache {
	c, err := lru.New[cacheKey, *DecodedResponse](size)
	if err != nil {
		// lru.New only errors for size <= 0, which Config validation
		// already rejects; fall back to a single-entry cache rather
		// than panic so a misconfigured caller degrades, not crashes.
		c, _ = lru.New[cacheKey, *DecodedResponse](1)
	}
	return &ResponseCache{lru: c}
}

func keyFor(serverIP string, q Question, bailiwick string) cacheKey {
	return cacheKey{
		ServerIP:  serverIP,
		QName:     normalizeName(q.Name),
		QType:     q.Type,
		QClass:    q.class(),
		Bailiwick: normalizeName(bailiwick),
	}
}

// Get returns the cached response for (serverIP, q, bailiwick), if present.
func (c *ResponseCache) Get(serverIP string, q Question, bailiwick string) (*DecodedResponse, bool) {
	return c.lru.Get(keyFor(serverIP, q, bailiwick))
}

// Add populates the cache for (serverIP, q, bailiwick).
func (c *ResponseCache) Add(serverIP string, q Question, bailiwick string, resp *DecodedResponse) {
	c.lru.Add(keyFor(serverIP, q, bailiwick), resp)
}

// Len reports the number of entries currently cached.
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}
