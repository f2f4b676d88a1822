// Package notifier fires callbacks when a feature's observed state flips.
package notifier

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Callback is invoked with the key whose state changed.
type Callback func(ctx context.Context, key string)

type subscription struct {
	key string
	on  bool
}

// Notifier tracks the last observed state per key and runs the on or off
// callbacks registered for it when that state changes. It is safe for
// concurrent use, and callbacks may register or unregister subscriptions.
type Notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	on     map[string]map[uuid.UUID]Callback
	off    map[string]map[uuid.UUID]Callback
	index  map[uuid.UUID]subscription
	states map[string]bool
}

// New creates an empty Notifier. A nil logger uses [slog.Default].
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger,
		on:     make(map[string]map[uuid.UUID]Callback),
		off:    make(map[string]map[uuid.UUID]Callback),
		index:  make(map[uuid.UUID]subscription),
		states: make(map[string]bool),
	}
}

// WhenOn registers fn to run each time key turns on.
func (n *Notifier) WhenOn(key string, fn Callback) uuid.UUID {
	return n.register(key, true, fn)
}

// WhenOff registers fn to run each time key turns off.
func (n *Notifier) WhenOff(key string, fn Callback) uuid.UUID {
	return n.register(key, false, fn)
}

func (n *Notifier) register(key string, on bool, fn Callback) uuid.UUID {
	id := uuid.New()

	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.off
	if on {
		subs = n.on
	}
	if subs[key] == nil {
		subs[key] = make(map[uuid.UUID]Callback)
	}
	subs[key][id] = fn
	n.index[id] = subscription{key: key, on: on}
	return id
}

// Unregister removes the subscription with id. It reports whether one was
// found.
func (n *Notifier) Unregister(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.index[id]
	if !ok {
		return false
	}
	delete(n.index, id)

	subs := n.off
	if sub.on {
		subs = n.on
	}
	delete(subs[sub.key], id)
	if len(subs[sub.key]) == 0 {
		delete(subs, sub.key)
	}
	return true
}

// UpdateState records state for key. The first observation of a key and
// every later change run the matching callbacks; repeating the recorded
// state does nothing. It reports whether callbacks were run.
func (n *Notifier) UpdateState(ctx context.Context, key string, state bool) bool {
	n.mu.Lock()
	prev, seen := n.states[key]
	if seen && prev == state {
		n.mu.Unlock()
		return false
	}
	n.states[key] = state

	subs := n.off[key]
	if state {
		subs = n.on[key]
	}
	callbacks := make([]Callback, 0, len(subs))
	for _, fn := range subs {
		callbacks = append(callbacks, fn)
	}
	n.mu.Unlock()

	for _, fn := range callbacks {
		n.invoke(ctx, key, fn)
	}
	return true
}

// State returns the last recorded state of key.
func (n *Notifier) State(key string) (state, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state, ok = n.states[key]
	return state, ok
}

// Keys returns the sorted keys that have at least one subscription.
func (n *Notifier) Keys() []string {
	n.mu.Lock()
	seen := make(map[string]struct{}, len(n.on)+len(n.off))
	for key := range n.on {
		seen[key] = struct{}{}
	}
	for key := range n.off {
		seen[key] = struct{}{}
	}
	n.mu.Unlock()

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (n *Notifier) invoke(ctx context.Context, key string, fn Callback) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("feature state callback panicked", "key", key, "panic", r)
		}
	}()
	fn(ctx, key)
}
