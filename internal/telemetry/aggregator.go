package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"

	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/shard"
	"github.com/matt-riley/flagsync/internal/transport"
)

const (
	defaultFlushInterval = time.Minute
	defaultUploadTimeout = 30 * time.Second
)

// Experiments resolves the features running an experiment on a metric and
// reports whether each is enabled. Implementations must not record usage.
type Experiments interface {
	ExperimentStates(ctx context.Context, metric string) map[string]bool
}

// Config describes the upload envelope and cadence.
type Config struct {
	AppKey        string
	Environment   string
	InstanceName  string
	FlushInterval time.Duration
	UploadTimeout time.Duration
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records flush outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithExperiments fans each sample out to the features experimenting on its
// metric.
func WithExperiments(e Experiments) Option {
	return func(a *Aggregator) { a.experiments = e }
}

type sampleKey struct {
	metric  string
	feature string
	enabled bool
}

func hashSample(k sampleKey) uint64 {
	return xxhash.Sum64String(k.metric)
}

// Aggregator accumulates measurements, counters, and observations. Each
// sample lands once unscoped and once per feature experimenting on the
// metric, against that feature's current state.
type Aggregator struct {
	uploader    transport.Uploader
	registry    *Registry
	experiments Experiments
	cfg         Config
	clock       quartz.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	measurements *shard.Counters[sampleKey, float64]
	counters     *shard.Counters[sampleKey, float64]

	obsMu        sync.Mutex
	observations []observed

	flushMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an aggregator that pulls from registry and uploads through
// uploader. registry may be nil.
func New(uploader transport.Uploader, registry *Registry, cfg Config, opts ...Option) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	a := &Aggregator{
		uploader:     uploader,
		registry:     registry,
		cfg:          cfg,
		clock:        quartz.NewReal(),
		logger:       slog.Default(),
		measurements: shard.NewCounters[sampleKey, float64](hashSample),
		counters:     shard.NewCounters[sampleKey, float64](hashSample),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Measure adds value to the measurement metric.
func (a *Aggregator) Measure(ctx context.Context, metric string, value float64) {
	a.fanOut(ctx, metric, func(key sampleKey) { a.measurements.Add(key, value) })
}

// IncrementCounter adds value to the counter metric.
func (a *Aggregator) IncrementCounter(ctx context.Context, metric string, value float64) {
	a.fanOut(ctx, metric, func(key sampleKey) { a.counters.Add(key, value) })
}

// Observe records a timestamped point for metric. Observations are not
// summed: every point recorded before a flush is uploaded.
func (a *Aggregator) Observe(ctx context.Context, metric string, value float64) {
	point := Point{Time: a.clock.Now().UTC(), Value: value}
	a.fanOut(ctx, metric, func(key sampleKey) {
		a.obsMu.Lock()
		a.observations = append(a.observations, observed{key: key, point: point})
		a.obsMu.Unlock()
	})
}

func (a *Aggregator) fanOut(ctx context.Context, metric string, record func(sampleKey)) {
	record(sampleKey{metric: metric, enabled: true})
	if a.experiments == nil {
		return
	}
	for feature, enabled := range a.experiments.ExperimentStates(ctx, metric) {
		record(sampleKey{metric: metric, feature: feature, enabled: enabled})
	}
}

// Start runs the flush timer until Close.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx, a.done)
}

func (a *Aggregator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := a.clock.NewTicker(a.cfg.FlushInterval, "telemetry", "flush")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.Flush(context.WithoutCancel(ctx))
		}
	}
}

// Flush pulls the registered producers, drains all samples, and uploads
// them. An empty batch sends nothing and a failed upload drops the batch.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mergePulled(ctx)

	batch := transport.MetricsBatch{
		AppKey:       a.cfg.AppKey,
		Environment:  a.cfg.Environment,
		Time:         a.clock.Now().UTC(),
		InstanceName: a.cfg.InstanceName,
		Stats:        values(a.measurements.Drain()),
		Counters:     values(a.counters.Drain()),
		Observations: observations(a.drainObservations()),
	}

	n := batch.Len()
	if n == 0 {
		a.metrics.RecordFlush(metrics.PipelineMetrics, metrics.FlushEmpty, 0)
		return nil
	}
	if a.uploader == nil {
		a.logger.Debug("metrics upload disabled, discarding batch", "samples", n)
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()

	ack, err := a.uploader.SendMetrics(sendCtx, batch)
	if err != nil {
		a.metrics.RecordFlush(metrics.PipelineMetrics, metrics.FlushError, n)
		a.logger.Warn("metrics upload failed, dropping batch", "samples", n, "error", err)
		return fmt.Errorf("send metrics: %w", err)
	}
	if ack.Count != n {
		a.metrics.IncIntegrityMismatch(metrics.PipelineMetrics)
		a.logger.Warn("metrics upload count mismatch", "sent", n, "acknowledged", ack.Count)
	}
	a.metrics.RecordFlush(metrics.PipelineMetrics, metrics.FlushSent, n)
	return nil
}

// Close stops the timer and runs a final flush bounded by ctx.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return a.Flush(ctx)
}

// mergePulled overwrites the unscoped measurements and counters with
// producer values and appends producer observations.
func (a *Aggregator) mergePulled(ctx context.Context) {
	if a.registry == nil {
		return
	}
	pulled := a.registry.collect(ctx)
	for metric, v := range pulled.measurements {
		a.measurements.Set(sampleKey{metric: metric, enabled: true}, v)
	}
	for metric, v := range pulled.counters {
		a.counters.Set(sampleKey{metric: metric, enabled: true}, v)
	}
	if len(pulled.observations) == 0 {
		return
	}
	a.obsMu.Lock()
	for metric, p := range pulled.observations {
		a.observations = append(a.observations, observed{key: sampleKey{metric: metric, enabled: true}, point: p})
	}
	a.obsMu.Unlock()
}

type observed struct {
	key   sampleKey
	point Point
}

func (a *Aggregator) drainObservations() []observed {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	out := a.observations
	a.observations = nil
	return out
}

type valueKey struct {
	metric  string
	feature string
}

func values(drained map[sampleKey]float64) []transport.MetricValue {
	if len(drained) == 0 {
		return nil
	}
	grouped := make(map[valueKey]*transport.MetricValue)
	for key, v := range drained {
		vk := valueKey{metric: key.metric, feature: key.feature}
		mv, ok := grouped[vk]
		if !ok {
			mv = &transport.MetricValue{Metric: key.metric, Feature: key.feature}
			grouped[vk] = mv
		}
		if key.enabled {
			mv.Value += v
		} else {
			mv.ValueDisabled += v
		}
	}

	out := make([]transport.MetricValue, 0, len(grouped))
	for _, mv := range grouped {
		out = append(out, *mv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

func observations(drained []observed) []transport.Observation {
	if len(drained) == 0 {
		return nil
	}
	out := make([]transport.Observation, 0, len(drained))
	for _, o := range drained {
		out = append(out, transport.Observation{
			Metric:  o.key.metric,
			Feature: o.key.feature,
			Enabled: o.key.enabled,
			Time:    o.point.Time,
			Value:   o.point.Value,
		})
	}
	// Recording order is kept within a series.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		if out[i].Feature != out[j].Feature {
			return out[i].Feature < out[j].Feature
		}
		return out[i].Enabled && !out[j].Enabled
	})
	return out
}
