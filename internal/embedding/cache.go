package embedding

import (
	"container/list"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Cache is a bounded LRU of entry vectors with a per-item TTL. It also
// memoizes a dense matrix of every live vector for batch similarity; any
// mutation drops the memoized matrix.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	ll    *list.List // front is most recently used
	items map[string]*list.Element

	matrix *mat.Dense
	ids    []string
}

type cacheItem struct {
	id  string
	vec []float32
	at  time.Time
}

// NewCache returns a cache holding at most maxSize vectors, each valid for
// ttl after its last put or get. A non-positive ttl disables expiry.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) expired(it *cacheItem, now time.Time) bool {
	return c.ttl > 0 && now.Sub(it.at) > c.ttl
}

// Get returns the vector for id. Expired items are evicted and reported
// absent.
func (c *Cache) Get(id string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	it := el.Value.(*cacheItem)
	now := c.now()
	if c.expired(it, now) {
		c.removeLocked(el)
		return nil, false
	}
	it.at = now
	c.ll.MoveToFront(el)
	return it.vec, true
}

// Put stores a copy of vec under id, evicting the least recently used item
// when the cache is full.
func (c *Cache) Put(id string, vec []float32) {
	cp := make([]float32, len(vec))
	copy(cp, vec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.matrix, c.ids = nil, nil

	now := c.now()
	if el, ok := c.items[id]; ok {
		it := el.Value.(*cacheItem)
		it.vec, it.at = cp, now
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.maxSize {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	c.items[id] = c.ll.PushFront(&cacheItem{id: id, vec: cp, at: now})
}

// Invalidate drops id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeLocked(el)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.matrix, c.ids = nil, nil
}

// Len returns the number of stored items, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Cap returns the configured capacity.
func (c *Cache) Cap() int {
	return c.maxSize
}

// Matrix returns every live vector as the rows of an N×D matrix together
// with the parallel id list. The result is memoized until the next mutation
// and must not be modified. Vectors whose length differs from the most
// recently used one are left out. It returns nil, nil when the cache is empty.
func (c *Cache) Matrix() (*mat.Dense, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if c.expired(el.Value.(*cacheItem), now) {
			c.removeLocked(el)
		}
		el = next
	}
	if c.matrix != nil {
		return c.matrix, c.ids
	}
	if c.ll.Len() == 0 {
		return nil, nil
	}

	dim := len(c.ll.Front().Value.(*cacheItem).vec)
	data := make([]float64, 0, c.ll.Len()*dim)
	ids := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		it := el.Value.(*cacheItem)
		if len(it.vec) != dim {
			continue
		}
		for _, v := range it.vec {
			data = append(data, float64(v))
		}
		ids = append(ids, it.id)
	}
	if dim == 0 || len(ids) == 0 {
		return nil, nil
	}
	c.matrix = mat.NewDense(len(ids), dim, data)
	c.ids = ids
	return c.matrix, c.ids
}

func (c *Cache) removeLocked(el *list.Element) {
	it := c.ll.Remove(el).(*cacheItem)
	delete(c.items, it.id)
	c.matrix, c.ids = nil, nil
}
