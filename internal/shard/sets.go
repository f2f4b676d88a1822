package shard

import "sync"

type setShard[K comparable] struct {
	mu      sync.Mutex
	members map[K]map[uint64]struct{}
}

// Sets tracks a set of hashed members per key for cardinality reporting.
type Sets[K comparable] struct {
	hash   func(K) uint64
	shards []*setShard[K]
}

// NewSets creates an empty set collection.
func NewSets[K comparable](hash func(K) uint64) *Sets[K] {
	s := &Sets[K]{
		hash:   hash,
		shards: make([]*setShard[K], defaultShards),
	}
	for i := range s.shards {
		s.shards[i] = &setShard[K]{members: make(map[K]map[uint64]struct{})}
	}
	return s
}

func (s *Sets[K]) shardFor(key K) *setShard[K] {
	return s.shards[s.hash(key)%uint64(len(s.shards))]
}

// Add records member under key.
func (s *Sets[K]) Add(key K, member uint64) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	set, ok := sh.members[key]
	if !ok {
		set = make(map[uint64]struct{})
		sh.members[key] = set
	}
	set[member] = struct{}{}
	sh.mu.Unlock()
}

// Cardinality returns how many distinct members key holds.
func (s *Sets[K]) Cardinality(key K) int {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.members[key])
}

// Empty reports whether no key holds any member.
func (s *Sets[K]) Empty() bool {
	for _, sh := range s.shards {
		sh.mu.Lock()
		n := len(sh.members)
		sh.mu.Unlock()
		if n > 0 {
			return false
		}
	}
	return true
}

// Clear drops every member of every key.
func (s *Sets[K]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		clear(sh.members)
		sh.mu.Unlock()
	}
}
