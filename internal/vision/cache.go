package vision

import (
	"container/list"
	"sync"

	"github.com/hyperjump/patmaster/internal/models"
)

// descriptionCache is an LRU cache of descriptions keyed by image content hash.
type descriptionCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value models.DiagramDescription
}

func newDescriptionCache(capacity int) *descriptionCache {
	return &descriptionCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached description for key.
func (c *descriptionCache) Get(key string) (*models.DiagramDescription, bool) {
	if c == nil || c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		v := elem.Value.(*cacheEntry).value
		return &v, true
	}
	return nil, false
}

// Set stores desc for key, evicting the least recently used entry when full.
func (c *descriptionCache) Set(key string, desc *models.DiagramDescription) {
	if c == nil || c.capacity <= 0 || desc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = *desc
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: *desc})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *descriptionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
