// Package service is the composition root of the agent: one explicit
// instance that evaluates features, records usage and metrics, and fans
// state changes out to subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/definitions"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/notifier"
	"github.com/matt-riley/flagsync/internal/telemetry"
	"github.com/matt-riley/flagsync/internal/usage"
)

var ErrClosed = errors.New("service closed")

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithUsage records every check and usage on agg.
func WithUsage(agg *usage.Aggregator) Option {
	return func(s *Service) { s.usage = agg }
}

// WithTelemetry sends pushed metrics to agg. reg receives producer
// registrations and should be the registry agg pulls from.
func WithTelemetry(agg *telemetry.Aggregator, reg *telemetry.Registry) Option {
	return func(s *Service) {
		s.telemetry = agg
		if reg != nil {
			s.registry = reg
		}
	}
}

type Service struct {
	eval      *Evaluator
	source    *definitions.Source
	usage     *usage.Aggregator
	telemetry *telemetry.Aggregator
	registry  *telemetry.Registry
	notifier  *notifier.Notifier
	watcher   *notifier.Watcher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(eval *Evaluator, opts ...Option) *Service {
	s := &Service{
		eval:   eval,
		source: eval.source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = telemetry.NewRegistry(s.logger)
	}
	s.notifier = notifier.New(s.logger)
	s.watcher = notifier.NewWatcher(s.notifier, eval.Enabled)
	s.source.OnRefresh(func(*core.DefinitionSet) { s.watcher.Notify() })
	return s
}

// Start begins definition sync and the background flush loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	s.watcher.Start(ctx)
	s.source.Start(ctx)
	if s.usage != nil {
		s.usage.Start(ctx)
	}
	if s.telemetry != nil {
		s.telemetry.Start(ctx)
	}
	return nil
}

// Ready is closed once the first definition sync attempt has resolved.
func (s *Service) Ready() <-chan struct{} {
	return s.source.Ready()
}

// IsEnabled evaluates key and records the check. It agrees with a
// single-feature gate: while no definitions are loaded it is true and
// records nothing.
func (s *Service) IsEnabled(ctx context.Context, key string) bool {
	set := s.source.Snapshot(ctx)
	if set.Len() == 0 {
		return core.EvaluateGate(core.Gate{Features: []string{key}}, nil)
	}
	return s.check(ctx, set, key)
}

// EvaluateGate evaluates gate against the current definitions, recording a
// check for each feature it names. An empty gate is true and records
// nothing; so is any gate while no definitions are loaded.
func (s *Service) EvaluateGate(ctx context.Context, gate core.Gate) bool {
	if len(gate.Features) == 0 {
		return true
	}
	set := s.source.Snapshot(ctx)
	if set.Len() == 0 {
		return core.EvaluateGate(gate, nil)
	}

	states := make(map[string]bool, len(gate.Features))
	for _, key := range gate.Features {
		if _, done := states[key]; done {
			continue
		}
		states[key] = s.check(ctx, set, key)
	}
	return core.EvaluateGate(gate, states)
}

func (s *Service) check(ctx context.Context, set *core.DefinitionSet, key string) bool {
	enabled := s.eval.enabledIn(ctx, set, key)
	if s.usage != nil {
		s.usage.RecordCheck(ctx, key, enabled)
	}
	s.metrics.RecordEvaluation(enabled)
	return enabled
}

// RecordUsage marks key as used.
func (s *Service) RecordUsage(ctx context.Context, key string) {
	if s.usage != nil {
		s.usage.RecordUsage(ctx, key)
	}
}

func (s *Service) Measure(ctx context.Context, metric string, value float64) {
	if s.telemetry != nil {
		s.telemetry.Measure(ctx, metric, value)
	}
}

func (s *Service) IncrementCounter(ctx context.Context, metric string, value float64) {
	if s.telemetry != nil {
		s.telemetry.IncrementCounter(ctx, metric, value)
	}
}

func (s *Service) Observe(ctx context.Context, metric string, value float64) {
	if s.telemetry != nil {
		s.telemetry.Observe(ctx, metric, value)
	}
}

func (s *Service) RegisterMeasurements(fn telemetry.ValuesFunc) uuid.UUID {
	return s.registry.RegisterMeasurements(fn)
}

func (s *Service) RegisterCounters(fn telemetry.ValuesFunc) uuid.UUID {
	return s.registry.RegisterCounters(fn)
}

func (s *Service) RegisterObservations(fn telemetry.ObservationsFunc) uuid.UUID {
	return s.registry.RegisterObservations(fn)
}

// UnregisterMetrics removes a producer registration.
func (s *Service) UnregisterMetrics(id uuid.UUID) bool {
	return s.registry.Unregister(id)
}

// WhenOn runs fn each time key turns on, starting with the next state
// check, which is scheduled immediately.
func (s *Service) WhenOn(key string, fn notifier.Callback) uuid.UUID {
	id := s.notifier.WhenOn(key, fn)
	s.watcher.Notify()
	return id
}

// WhenOff runs fn each time key turns off.
func (s *Service) WhenOff(key string, fn notifier.Callback) uuid.UUID {
	id := s.notifier.WhenOff(key, fn)
	s.watcher.Notify()
	return id
}

// Unregister removes a state subscription.
func (s *Service) Unregister(id uuid.UUID) bool {
	return s.notifier.Unregister(id)
}

// Definition returns the definition of key, empty when unknown.
func (s *Service) Definition(ctx context.Context, key string) core.FeatureDefinition {
	return s.source.Get(ctx, key)
}

// Definitions returns all definitions sorted by key.
func (s *Service) Definitions(ctx context.Context) []core.FeatureDefinition {
	return s.source.Snapshot(ctx).List()
}

func (s *Service) Status() definitions.Status {
	return s.source.Status()
}

// Close stops sync and runs the final usage and metrics flushes within
// ctx. Errors from every component are returned together.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var result *multierror.Error
	s.watcher.Stop()
	if err := s.source.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close definitions: %w", err))
	}
	if s.usage != nil {
		if err := s.usage.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush usage: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush metrics: %w", err))
		}
	}
	return result.ErrorOrNil()
}
