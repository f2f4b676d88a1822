// Package snapshot persists the last known good definition set so a cold
// start without network access can still serve flags.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
)

const formatVersion = 1

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Store saves and loads definition snapshots.
type Store interface {
	Save(ctx context.Context, defs []core.FeatureDefinition) error
	Load(ctx context.Context) ([]core.FeatureDefinition, error)
}

// Scope identifies whose definitions a snapshot holds.
type Scope struct {
	AppKey      string
	Environment string
}

// Key renders the scope as a single identifier.
func (s Scope) Key() string {
	return s.AppKey + "/" + s.Environment
}

type envelope struct {
	Version     int                      `json:"version"`
	Scope       string                   `json:"scope"`
	SavedAt     time.Time                `json:"saved_at"`
	Definitions []core.FeatureDefinition `json:"definitions"`
}

func encode(scope Scope, defs []core.FeatureDefinition, now time.Time) ([]byte, error) {
	if defs == nil {
		defs = []core.FeatureDefinition{}
	}
	payload, err := json.Marshal(envelope{
		Version:     formatVersion,
		Scope:       scope.Key(),
		SavedAt:     now.UTC(),
		Definitions: defs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return payload, nil
}

func decode(scope Scope, payload []byte) ([]core.FeatureDefinition, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", env.Version)
	}
	if env.Scope != "" && env.Scope != scope.Key() {
		return nil, fmt.Errorf("decode snapshot: scope %q does not match %q", env.Scope, scope.Key())
	}
	return env.Definitions, nil
}

// Memory keeps the snapshot in process. It survives source restarts but not
// process restarts.
type Memory struct {
	mu    sync.RWMutex
	defs  []core.FeatureDefinition
	saved bool
	saves int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, defs []core.FeatureDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = append([]core.FeatureDefinition(nil), defs...)
	m.saved = true
	m.saves++
	return nil
}

func (m *Memory) Load(_ context.Context) ([]core.FeatureDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.saved {
		return nil, ErrNotFound
	}
	return append([]core.FeatureDefinition(nil), m.defs...), nil
}

// Saves reports how many times Save was called.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
