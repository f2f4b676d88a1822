// Package telemetry aggregates application metrics pushed by callers and
// pulled from registered producers, and uploads them in batches.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValuesFunc produces measurement or counter values keyed by metric.
type ValuesFunc func(ctx context.Context) (map[string]float64, error)

// Point is a timestamped observation.
type Point struct {
	Time  time.Time
	Value float64
}

// ObservationsFunc produces observations keyed by metric.
type ObservationsFunc func(ctx context.Context) (map[string]Point, error)

// Registry holds pull-based producers. Each registration returns an id that
// removes it again.
type Registry struct {
	logger *slog.Logger

	mu           sync.RWMutex
	measurements map[uuid.UUID]ValuesFunc
	counters     map[uuid.UUID]ValuesFunc
	observations map[uuid.UUID]ObservationsFunc
}

// NewRegistry creates an empty registry. A nil logger uses [slog.Default].
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger,
		measurements: make(map[uuid.UUID]ValuesFunc),
		counters:     make(map[uuid.UUID]ValuesFunc),
		observations: make(map[uuid.UUID]ObservationsFunc),
	}
}

// RegisterMeasurements adds a measurement producer.
func (r *Registry) RegisterMeasurements(fn ValuesFunc) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.measurements[id] = fn
	r.mu.Unlock()
	return id
}

// RegisterCounters adds a counter producer.
func (r *Registry) RegisterCounters(fn ValuesFunc) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.counters[id] = fn
	r.mu.Unlock()
	return id
}

// RegisterObservations adds an observation producer.
func (r *Registry) RegisterObservations(fn ObservationsFunc) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.observations[id] = fn
	r.mu.Unlock()
	return id
}

// Unregister removes the producer with id, whatever its kind. It reports
// whether one was found.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.measurements[id]; ok {
		delete(r.measurements, id)
		return true
	}
	if _, ok := r.counters[id]; ok {
		delete(r.counters, id)
		return true
	}
	if _, ok := r.observations[id]; ok {
		delete(r.observations, id)
		return true
	}
	return false
}

// Len returns the number of registered producers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.measurements) + len(r.counters) + len(r.observations)
}

type pulled struct {
	measurements map[string]float64
	counters     map[string]float64
	observations map[string]Point
}

// collect calls every producer. Errors are logged and any values returned
// alongside them are kept; when two producers report the same metric the
// later one wins.
func (r *Registry) collect(ctx context.Context) pulled {
	r.mu.RLock()
	measurements := make([]ValuesFunc, 0, len(r.measurements))
	for _, fn := range r.measurements {
		measurements = append(measurements, fn)
	}
	counters := make([]ValuesFunc, 0, len(r.counters))
	for _, fn := range r.counters {
		counters = append(counters, fn)
	}
	observations := make([]ObservationsFunc, 0, len(r.observations))
	for _, fn := range r.observations {
		observations = append(observations, fn)
	}
	r.mu.RUnlock()

	out := pulled{
		measurements: make(map[string]float64),
		counters:     make(map[string]float64),
		observations: make(map[string]Point),
	}
	for _, fn := range measurements {
		r.merge("measurements", out.measurements, func() (map[string]float64, error) { return fn(ctx) })
	}
	for _, fn := range counters {
		r.merge("counters", out.counters, func() (map[string]float64, error) { return fn(ctx) })
	}
	for _, fn := range observations {
		r.mergePoints(out.observations, func() (map[string]Point, error) { return fn(ctx) })
	}
	return out
}

func (r *Registry) merge(kind string, dst map[string]float64, fn func() (map[string]float64, error)) {
	values, err := call(fn)
	if err != nil {
		r.logger.Warn("metrics producer failed", "kind", kind, "error", err)
	}
	mergeInto(dst, values)
}

func (r *Registry) mergePoints(dst map[string]Point, fn func() (map[string]Point, error)) {
	points, err := call(fn)
	if err != nil {
		r.logger.Warn("metrics producer failed", "kind", "observations", "error", err)
	}
	mergeInto(dst, points)
}

// call runs fn, turning a panic into an error.
func call[V any](fn func() (map[string]V, error)) (out map[string]V, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("producer panicked: %v", rec)
		}
	}()
	return fn()
}

func mergeInto[V any](dst, src map[string]V) {
	for key, value := range src {
		dst[key] = value
	}
}
