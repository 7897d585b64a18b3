package mealdb

import (
	"sync"
	"time"
)

// Clock lets tests drive expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a mutex-guarded map whose entries expire ttl after they were set.
// Expired entries are dropped lazily on Get.
type TTLCache[K comparable, V any] struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[K]ttlEntry[V]
}

func NewTTLCache[K comparable, V any](ttl time.Duration, clock Clock) *TTLCache[K, V] {
	if clock == nil {
		clock = systemClock{}
	}
	return &TTLCache[K, V]{ttl: ttl, clock: clock, entries: map[K]ttlEntry[V]{}}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(ent.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return ent.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
