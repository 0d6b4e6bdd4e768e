package slots

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
)

type cacheKey struct {
	PractitionerID string
	Revision       int64
	From           civil.Date
	To             civil.Date
	Granularity    time.Duration
}

// Cache keeps expanded (unfiltered) slot lists. Entries are keyed by schedule
// revision, so a stale entry is never served after an edit; invalidation only
// frees the space early.
type Cache struct {
	mu    sync.Mutex
	cache *lru.Cache[cacheKey, []Slot]
}

// NewCache returns a cache holding up to size expansions. size <= 0 disables caching.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	c, err := lru.New[cacheKey, []Slot](size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c}, nil
}

func (c *Cache) get(k cacheKey) ([]Slot, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	return c.cache.Get(k)
}

func (c *Cache) add(k cacheKey, slots []Slot) {
	if c == nil || c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(k, slots)
}

// InvalidatePractitioner drops every cached expansion for a practitioner.
func (c *Cache) InvalidatePractitioner(practitionerID string) int {
	if c == nil || c.cache == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.cache.Keys() {
		if k.PractitionerID == practitionerID && c.cache.Remove(k) {
			removed++
		}
	}
	return removed
}

// Len reports the number of cached expansions.
func (c *Cache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// ScheduleListener adapts the cache to availability change notifications.
func (c *Cache) ScheduleListener() availability.ChangeListener {
	return func(_ context.Context, s *availability.Schedule) {
		c.InvalidatePractitioner(s.PractitionerID)
	}
}
