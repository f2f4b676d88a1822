// Package shard provides swap-and-clear counter maps split across
// independently locked shards, so increments on unrelated keys rarely contend
// and a drain hands every increment to exactly one caller.
package shard

import (
	"sync"
)

const defaultShards = 32

// Number is the set of value types a [Counters] map can sum.
type Number interface {
	~int64 | ~float64
}

type counterShard[K comparable, V Number] struct {
	mu     sync.Mutex
	values map[K]V
}

// Counters sums values per key until drained.
type Counters[K comparable, V Number] struct {
	hash   func(K) uint64
	shards []*counterShard[K, V]
}

// NewCounters creates a counter map. hash picks the shard for a key.
func NewCounters[K comparable, V Number](hash func(K) uint64) *Counters[K, V] {
	c := &Counters[K, V]{
		hash:   hash,
		shards: make([]*counterShard[K, V], defaultShards),
	}
	for i := range c.shards {
		c.shards[i] = &counterShard[K, V]{values: make(map[K]V)}
	}
	return c
}

func (c *Counters[K, V]) shardFor(key K) *counterShard[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

// Add adds delta to key.
func (c *Counters[K, V]) Add(key K, delta V) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.values[key] += delta
	s.mu.Unlock()
}

// Set overwrites the value of key.
func (c *Counters[K, V]) Set(key K, value V) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Get returns the current value of key.
func (c *Counters[K, V]) Get(key K) V {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Len returns the number of keys currently held.
func (c *Counters[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.values)
		s.mu.Unlock()
	}
	return total
}

// Drain removes and returns every key. Each shard is swapped under its own
// lock, so an Add either lands in this drain or in the next one.
func (c *Counters[K, V]) Drain() map[K]V {
	out := make(map[K]V)
	for _, s := range c.shards {
		s.mu.Lock()
		drained := s.values
		s.values = make(map[K]V, len(drained))
		s.mu.Unlock()

		for key, value := range drained {
			out[key] = value
		}
	}
	return out
}
