package distill

import (
	"strconv"

	gocache "github.com/patrickmn/go-cache"
)

// Cache holds segment analyses for one document, keyed by segment index.
// Entries never expire; the cache is only ever cleared as a whole.
type Cache struct {
	c *gocache.Cache
}

// NewCache returns an empty cache with no janitor.
func NewCache() *Cache {
	return &Cache{c: gocache.New(gocache.NoExpiration, 0)}
}

func cacheKey(index int) string { return strconv.Itoa(index) }

// Get returns a copy of the analysis for index.
func (c *Cache) Get(index int) (SegmentAnalysis, bool) {
	v, ok := c.c.Get(cacheKey(index))
	if !ok {
		return SegmentAnalysis{}, false
	}
	return v.(SegmentAnalysis).clone(), true
}

// Has reports whether index is cached without copying it.
func (c *Cache) Has(index int) bool {
	_, ok := c.c.Get(cacheKey(index))
	return ok
}

// Put stores a copy of a. Last write wins.
func (c *Cache) Put(index int, a SegmentAnalysis) {
	c.c.Set(cacheKey(index), a.clone(), gocache.NoExpiration)
}

// Update applies fn to the cached analysis for index and stores the result
// when fn reports a change.
func (c *Cache) Update(index int, fn func(*SegmentAnalysis) bool) bool {
	a, ok := c.Get(index)
	if !ok || !fn(&a) {
		return false
	}
	c.c.Set(cacheKey(index), a, gocache.NoExpiration)
	return true
}

func (c *Cache) Clear() { c.c.Flush() }

func (c *Cache) Len() int { return c.c.ItemCount() }
