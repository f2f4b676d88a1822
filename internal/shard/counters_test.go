package shard

import (
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func stringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func TestCountersAddDrain(t *testing.T) {
	c := NewCounters[string, int64](stringHash)
	c.Add("a", 2)
	c.Add("a", 3)
	c.Add("b", 1)
	c.Set("c", 7)

	if got := c.Get("a"); got != 5 {
		t.Fatalf("Get(a) = %d, want 5", got)
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	drained := c.Drain()
	if drained["a"] != 5 || drained["b"] != 1 || drained["c"] != 7 {
		t.Fatalf("Drain() = %v, want a=5 b=1 c=7", drained)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after drain = %d, want 0", got)
	}
	if again := c.Drain(); len(again) != 0 {
		t.Fatalf("second Drain() = %v, want empty", again)
	}
}

func TestCountersConcurrentIncrementsLandInExactlyOneDrain(t *testing.T) {
	const (
		writers   = 8
		perWriter = 5000
		drains    = 50
	)

	c := NewCounters[string, int64](stringHash)
	keys := []string{"alpha", "beta", "gamma", "delta"}

	var total int64
	var totalMu sync.Mutex
	collect := func(m map[string]int64) {
		totalMu.Lock()
		defer totalMu.Unlock()
		for _, v := range m {
			total += v
		}
	}

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				c.Add(keys[(w+i)%len(keys)], 1)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range drains {
			collect(c.Drain())
		}
	}()

	wg.Wait()
	<-done
	collect(c.Drain())

	if total != writers*perWriter {
		t.Fatalf("total drained = %d, want %d", total, writers*perWriter)
	}
}

func TestSets(t *testing.T) {
	s := NewSets[string](stringHash)
	if !s.Empty() {
		t.Fatal("new Sets should be empty")
	}

	s.Add("a", 1)
	s.Add("a", 1)
	s.Add("a", 2)
	s.Add("b", 9)

	if got := s.Cardinality("a"); got != 2 {
		t.Fatalf("Cardinality(a) = %d, want 2", got)
	}
	if got := s.Cardinality("missing"); got != 0 {
		t.Fatalf("Cardinality(missing) = %d, want 0", got)
	}

	s.Clear()
	if !s.Empty() || s.Cardinality("a") != 0 {
		t.Fatal("Clear() left members behind")
	}
}

func BenchmarkCountersAddParallel(b *testing.B) {
	c := NewCounters[string, int64](stringHash)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Add(keys[i%len(keys)], 1)
			i++
		}
	})
}
