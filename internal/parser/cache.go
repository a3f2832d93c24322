package parser

import "sync"

// Cache memoizes parse results per URI, keyed by content hash. The
// coordinator owns invalidation: a re-parse with changed content replaces
// the cached result and closes the old tree.
type Cache struct {
	mu      sync.Mutex
	results map[string]*Result
}

// NewCache returns an empty parse cache.
func NewCache() *Cache {
	return &Cache{results: make(map[string]*Result)}
}

// Get returns the cached result for uri when its hash matches the content.
func (c *Cache) Get(uri string, content []byte) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[uri]
	if !ok || res.Hash != hashOf(content) {
		return nil
	}
	return res
}

// Parse returns a cached result for the content or parses and stores one.
func (c *Cache) Parse(uri string, content []byte) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.results[uri]; ok && res.Hash == hashOf(content) {
		return res, nil
	}
	res, err := Parse(content)
	if err != nil {
		return nil, err
	}
	if old, ok := c.results[uri]; ok {
		old.Close()
	}
	c.results[uri] = res
	return res, nil
}

// Drop removes and closes the cached result for uri.
func (c *Cache) Drop(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.results[uri]; ok {
		res.Close()
		delete(c.results, uri)
	}
}

// Len returns the number of cached trees.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}
