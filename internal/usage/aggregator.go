// Package usage counts feature checks and usages and uploads them in
// batches.
package usage

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
	defaultResetInterval = 24 * time.Hour
	defaultUploadTimeout = 30 * time.Second
)

type counterKind uint8

const (
	kindEnabled counterKind = iota
	kindDisabled
	kindUniqueRequestEnabled
	kindUniqueRequestDisabled
	kindUsed
)

type counterKey struct {
	feature string
	kind    counterKind
}

type setKind uint8

const (
	setEnabled setKind = iota
	setDisabled
	setUsed
)

type setKey struct {
	feature string
	kind    setKind
}

// HashIdentifier reduces a context identifier for cardinality tracking.
func HashIdentifier(identifier string) uint64 {
	return xxhash.Sum64String(identifier)
}

// Config describes the upload envelope and cadence.
type Config struct {
	AppKey        string
	Environment   string
	InstanceName  string
	AppVersion    string
	FlushInterval time.Duration
	ResetInterval time.Duration
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

// WithStartTime sets the process start time reported in uploads.
func WithStartTime(t time.Time) Option {
	return func(a *Aggregator) { a.startTime = t }
}

// Aggregator counts checks and usages per feature. Recording never blocks on
// I/O. A nil uploader drains counters on each flush without sending them.
type Aggregator struct {
	uploader transport.Uploader
	cfg      Config
	clock    quartz.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	startTime time.Time
	counters  *shard.Counters[counterKey, int64]
	sets      *shard.Sets[setKey]

	flushMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an aggregator that uploads through uploader.
func New(uploader transport.Uploader, cfg Config, opts ...Option) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = defaultResetInterval
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}

	a := &Aggregator{
		uploader: uploader,
		cfg:      cfg,
		clock:    quartz.NewReal(),
		logger:   slog.Default(),
		counters: shard.NewCounters[counterKey, int64](func(k counterKey) uint64 {
			return xxhash.Sum64String(k.feature)
		}),
		sets: shard.NewSets(func(k setKey) uint64 {
			return xxhash.Sum64String(k.feature)
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.startTime.IsZero() {
		a.startTime = a.clock.Now()
	}
	return a
}

// RecordCheck counts one evaluation of key. The request tracker in ctx, when
// present, supplies unique-request and unique-identifier counts.
func (a *Aggregator) RecordCheck(ctx context.Context, key string, allowed bool) {
	kind, uniqueKind, set := kindDisabled, kindUniqueRequestDisabled, setDisabled
	if allowed {
		kind, uniqueKind, set = kindEnabled, kindUniqueRequestEnabled, setEnabled
	}
	a.counters.Add(counterKey{feature: key, kind: kind}, 1)

	req, ok := FromContext(ctx)
	if !ok {
		return
	}
	if req.firstCheck(key) {
		a.counters.Add(counterKey{feature: key, kind: uniqueKind}, 1)
	}
	if id := req.Identifier(); id != "" {
		a.sets.Add(setKey{feature: key, kind: set}, HashIdentifier(id))
	}
}

// RecordUsage counts one use of key.
func (a *Aggregator) RecordUsage(ctx context.Context, key string) {
	a.counters.Add(counterKey{feature: key, kind: kindUsed}, 1)

	if req, ok := FromContext(ctx); ok && req.Identifier() != "" {
		a.sets.Add(setKey{feature: key, kind: setUsed}, HashIdentifier(req.Identifier()))
	}
}

// Start runs the flush and unique-reset timers until Close.
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

	flushTicker := a.clock.NewTicker(a.cfg.FlushInterval, "usage", "flush")
	defer flushTicker.Stop()
	resetTicker := a.clock.NewTicker(a.cfg.ResetInterval, "usage", "reset")
	defer resetTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			_ = a.Flush(context.WithoutCancel(ctx))
		case <-resetTicker.C:
			a.Reset(context.WithoutCancel(ctx))
		}
	}
}

// Flush drains the counters and uploads them. An empty drain sends nothing.
// A failed upload drops the batch.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	stats := a.drain()
	if len(stats) == 0 {
		a.metrics.RecordFlush(metrics.PipelineUsage, metrics.FlushEmpty, 0)
		return nil
	}
	if a.uploader == nil {
		a.logger.Debug("usage upload disabled, discarding batch", "features", len(stats))
		return nil
	}

	batch := transport.UsageBatch{
		AppKey:           a.cfg.AppKey,
		Environment:      a.cfg.Environment,
		Time:             a.clock.Now().UTC(),
		InstanceName:     a.cfg.InstanceName,
		AppVersion:       a.cfg.AppVersion,
		ProcessStartTime: a.startTime.UTC(),
		Stats:            stats,
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()

	ack, err := a.uploader.SendUsage(sendCtx, batch)
	if err != nil {
		a.metrics.RecordFlush(metrics.PipelineUsage, metrics.FlushError, len(stats))
		a.logger.Warn("usage upload failed, dropping batch", "features", len(stats), "error", err)
		return fmt.Errorf("send usage: %w", err)
	}
	if ack.FeatureCount != len(stats) {
		a.metrics.IncIntegrityMismatch(metrics.PipelineUsage)
		a.logger.Warn("usage upload count mismatch", "sent", len(stats), "acknowledged", ack.FeatureCount)
	}
	a.metrics.RecordFlush(metrics.PipelineUsage, metrics.FlushSent, len(stats))
	return nil
}

// Reset flushes and then clears the unique identifier sets.
func (a *Aggregator) Reset(ctx context.Context) {
	_ = a.Flush(ctx)
	a.sets.Clear()
	a.logger.Debug("usage unique identifier sets cleared")
}

// Close stops the timers and runs a final flush bounded by ctx.
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

func (a *Aggregator) drain() []transport.FeatureStat {
	counts := a.counters.Drain()
	if len(counts) == 0 {
		return nil
	}

	byFeature := make(map[string]*transport.FeatureStat)
	for key, n := range counts {
		stat, ok := byFeature[key.feature]
		if !ok {
			stat = &transport.FeatureStat{Feature: key.feature}
			byFeature[key.feature] = stat
		}
		switch key.kind {
		case kindEnabled:
			stat.EnabledCount += n
		case kindDisabled:
			stat.DisabledCount += n
		case kindUniqueRequestEnabled:
			stat.UniqueRequestEnabledCount += n
		case kindUniqueRequestDisabled:
			stat.UniqueRequestDisabledCount += n
		case kindUsed:
			stat.UsedCount += n
		}
	}

	stats := make([]transport.FeatureStat, 0, len(byFeature))
	for feature, stat := range byFeature {
		stat.UniqueContextIdentifierEnabledCount = int64(a.sets.Cardinality(setKey{feature: feature, kind: setEnabled}))
		stat.UniqueContextIdentifierDisabledCount = int64(a.sets.Cardinality(setKey{feature: feature, kind: setDisabled}))
		stat.UniqueContextIdentifierUsedCount = int64(a.sets.Cardinality(setKey{feature: feature, kind: setUsed}))
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Feature < stats[j].Feature })
	return stats
}
