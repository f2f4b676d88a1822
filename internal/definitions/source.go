// Package definitions keeps the local mirror of remote feature definitions.
//
// A [Source] pulls the full definition set on a timer with a conditional
// fetch, refreshes out of band when the live-update channel signals a change,
// and falls back to a persisted snapshot (or static defaults) when the very
// first sync fails. Readers always observe a complete set: each refresh swaps
// a single pointer.
package definitions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/remote"
	"github.com/matt-riley/flagsync/internal/snapshot"
	"github.com/matt-riley/flagsync/internal/tracing"
)

const (
	defaultRefreshInterval   = 5 * time.Minute
	defaultFetchTimeout      = 10 * time.Second
	defaultReadyAttempts     = 5
	defaultReadyInterval     = 500 * time.Millisecond
	defaultLiveUpdateSpacing = time.Second

	liveUpdateMessage = "update"
)

// Lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateSyncing       = "syncing"
	StateReady         = "ready"

	eventSync     = "sync"
	eventComplete = "complete"
)

// Fetcher retrieves definitions from the remote service.
type Fetcher interface {
	Fetch(ctx context.Context, etag string) (remote.FetchResult, error)
	LiveUpdateURL(ctx context.Context) (string, error)
}

// Dialer opens live-update channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (remote.LiveConn, error)
}

// Status describes the source for diagnostics.
type Status struct {
	State         string    `json:"state"`
	Loaded        bool      `json:"loaded"`
	Degraded      bool      `json:"degraded"`
	Offline       bool      `json:"offline"`
	Definitions   int       `json:"definitions"`
	ETag          string    `json:"etag,omitempty"`
	LastRefresh   time.Time `json:"last_refresh,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitzero"`
	LiveConnected bool      `json:"live_connected"`
}

// Option configures a [Source].
type Option func(*Source)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records sync activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(s *Source) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSnapshotStore persists each changed definition set to store and reads
// it back when the first sync fails.
func WithSnapshotStore(store snapshot.Store) Option {
	return func(s *Source) { s.store = store }
}

// WithDefaults sets the definitions served in offline mode or when neither a
// sync nor a snapshot produced any.
func WithDefaults(defs []core.FeatureDefinition) Option {
	return func(s *Source) { s.defaults = defs }
}

// WithRefreshInterval sets the background resync interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithFetchTimeout bounds every fetch and live-channel connect.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithReadiness caps how long reads wait for the first sync.
func WithReadiness(attempts int, interval time.Duration) Option {
	return func(s *Source) {
		if attempts > 0 && interval > 0 {
			s.readyWait = time.Duration(attempts) * interval
		}
	}
}

// WithLiveUpdates enables the live-update channel.
func WithLiveUpdates(dialer Dialer) Option {
	return func(s *Source) { s.dialer = dialer }
}

// WithLiveUpdateSpacing sets the minimum gap between live-triggered syncs.
// Zero or less disables spacing.
func WithLiveUpdateSpacing(d time.Duration) Option {
	return func(s *Source) { s.liveSpacing = d }
}

// Source owns the definition map. It is safe for concurrent use.
type Source struct {
	fetcher         Fetcher
	dialer          Dialer
	store           snapshot.Store
	defaults        []core.FeatureDefinition
	clock           quartz.Clock
	logger          *slog.Logger
	metrics         *metrics.Metrics
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	readyWait       time.Duration
	liveSpacing     time.Duration
	limiter         *rate.Limiter

	current   atomic.Pointer[core.DefinitionSet]
	ready     chan struct{}
	readyOnce sync.Once
	trigger   chan struct{}
	machine   *fsm.FSM

	mu           sync.Mutex
	etag         string
	loaded       bool
	degraded     bool
	persisted    []core.FeatureDefinition
	hasPersisted bool
	lastRefresh  time.Time
	lastError    string
	lastErrorAt  time.Time
	live         remote.LiveConn
	liveCancel   context.CancelFunc
	listeners    []func(*core.DefinitionSet)
	started      bool
	closed       bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// New creates a source. A nil fetcher puts the source in offline mode, where
// only the defaults are served.
func New(fetcher Fetcher, opts ...Option) *Source {
	s := &Source{
		fetcher:         fetcher,
		clock:           quartz.NewReal(),
		logger:          slog.Default(),
		refreshInterval: defaultRefreshInterval,
		fetchTimeout:    defaultFetchTimeout,
		readyWait:       defaultReadyAttempts * defaultReadyInterval,
		liveSpacing:     defaultLiveUpdateSpacing,
		ready:           make(chan struct{}),
		trigger:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.liveSpacing > 0 {
		s.limiter = rate.NewLimiter(rate.Every(s.liveSpacing), 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	s.machine = fsm.NewFSM(StateUninitialized, fsm.Events{
		{Name: eventSync, Src: []string{StateUninitialized, StateReady}, Dst: StateSyncing},
		{Name: eventComplete, Src: []string{StateSyncing}, Dst: StateReady},
	}, fsm.Callbacks{})

	s.current.Store(core.NewDefinitionSet(nil))
	return s
}

// OnRefresh registers fn to run after every replacement of the definition
// set. Listeners run on the sync goroutine and must not block.
func (s *Source) OnRefresh(fn func(*core.DefinitionSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start runs the immediate first sync and the background refresh loop. In
// offline mode it installs the defaults and returns.
func (s *Source) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true

	if s.fetcher == nil {
		s.mu.Unlock()
		s.transition(ctx, eventSync)
		s.install(core.NewDefinitionSet(s.defaults), false)
		s.transition(ctx, eventComplete)
		s.markReady()
		s.logger.Info("definitions running offline", "definitions", len(s.defaults))
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(loopCtx)
}

// Refresh requests an out-of-band sync. While a sync is in flight at most one
// further request is queued; extra requests are absorbed.
func (s *Source) Refresh() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Ready is closed once the first sync attempt has resolved.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Get returns the definition for key, or an empty definition when the key is
// unknown. It waits a bounded time for the first sync.
func (s *Source) Get(ctx context.Context, key string) core.FeatureDefinition {
	def, _ := s.Snapshot(ctx).Get(key)
	return def
}

// Snapshot returns the current immutable definition set, waiting a bounded
// time for the first sync.
func (s *Source) Snapshot(ctx context.Context) *core.DefinitionSet {
	s.waitReady(ctx)
	return s.current.Load()
}

// Current returns the current set without waiting.
func (s *Source) Current() *core.DefinitionSet {
	return s.current.Load()
}

// Degraded reports whether fallback definitions are being served.
func (s *Source) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Status returns a diagnostic summary.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:         s.machine.Current(),
		Loaded:        s.loaded,
		Degraded:      s.degraded,
		Offline:       s.fetcher == nil,
		Definitions:   s.current.Load().Len(),
		ETag:          s.etag,
		LastRefresh:   s.lastRefresh,
		LastError:     s.lastError,
		LastErrorAt:   s.lastErrorAt,
		LiveConnected: s.live != nil,
	}
}

// Close stops the refresh loop and the live-update channel. A sync already
// in flight runs to completion first.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.dropLive(nil)
		s.wg.Wait()
	})
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.refreshInterval, "definitions", "refresh")
	defer ticker.Stop()

	s.syncAndConnect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAndConnect(ctx)
		case <-s.trigger:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.syncAndConnect(ctx)
		}
	}
}

func (s *Source) syncAndConnect(ctx context.Context) {
	if s.sync(ctx) {
		s.ensureLive(ctx)
	}
}

// sync performs one conditional fetch and reports whether it succeeded.
func (s *Source) sync(ctx context.Context) bool {
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
	defer cancel()
	syncCtx, span := tracing.Tracer("definitions").Start(syncCtx, "definitions.sync")
	defer span.End()

	s.transition(syncCtx, eventSync)
	defer s.transition(syncCtx, eventComplete)
	defer s.markReady()

	start := s.clock.Now()
	etag := s.currentETag()

	res, err := s.fetcher.Fetch(syncCtx, etag)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch definitions")
		s.handleFailure(syncCtx, err)
		s.metrics.ObserveSync(metrics.SyncError, s.clock.Since(start))
		s.logger.Debug("definitions sync failed", "elapsed", s.clock.Since(start))
		return false
	case res.NotModified:
		span.SetAttributes(attribute.Bool("flagsync.not_modified", true))
		s.mu.Lock()
		s.lastRefresh = s.clock.Now()
		s.mu.Unlock()
		s.metrics.ObserveSync(metrics.SyncNotModified, s.clock.Since(start))
	default:
		span.SetAttributes(attribute.Int("flagsync.definitions", len(res.Definitions)))
		s.apply(syncCtx, res)
		s.metrics.ObserveSync(metrics.SyncUpdated, s.clock.Since(start))
		s.logger.Debug("definitions sync finished", "elapsed", s.clock.Since(start))
	}
	return true
}

// storeContext bounds a snapshot call independently of the fetch deadline,
// which has often already expired when the fetch failed by timing out.
func (s *Source) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
}

func (s *Source) apply(ctx context.Context, res remote.FetchResult) {
	set := core.NewDefinitionSet(res.Definitions)
	defs := set.List()

	s.mu.Lock()
	s.etag = res.ETag
	s.lastRefresh = s.clock.Now()
	s.lastError = ""
	changed := !s.hasPersisted || !core.EqualDefinitions(s.persisted, defs)
	s.mu.Unlock()

	s.install(set, false)
	s.logger.Debug("definitions refreshed", "definitions", set.Len(), "etag", res.ETag)

	if !changed || s.store == nil {
		return
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err := s.store.Save(storeCtx, defs)
	s.metrics.RecordSnapshotWrite(err)
	if err != nil {
		s.logger.Warn("persist definitions snapshot failed", "error", err)
		return
	}
	s.mu.Lock()
	s.persisted = defs
	s.hasPersisted = true
	s.mu.Unlock()
}

func (s *Source) handleFailure(ctx context.Context, err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = s.clock.Now()
	loaded := s.loaded
	s.mu.Unlock()

	if loaded {
		s.logger.Warn("definition sync failed, serving last known definitions", "error", err)
		return
	}

	s.logger.Warn("definition sync failed before first load, falling back", "error", err)
	s.metrics.ObserveSync(metrics.SyncFallback, 0)

	if s.store != nil {
		storeCtx, cancel := s.storeContext(ctx)
		defer cancel()
		defs, loadErr := s.store.Load(storeCtx)
		switch {
		case loadErr == nil:
			set := core.NewDefinitionSet(defs)
			s.mu.Lock()
			s.persisted = set.List()
			s.hasPersisted = true
			s.mu.Unlock()
			s.install(set, true)
			s.logger.Info("loaded definitions snapshot", "definitions", set.Len())
			return
		case errors.Is(loadErr, snapshot.ErrNotFound):
			s.logger.Info("no definitions snapshot available")
		default:
			s.logger.Warn("load definitions snapshot failed", "error", loadErr)
		}
	}

	s.install(core.NewDefinitionSet(s.defaults), true)
}

func (s *Source) install(set *core.DefinitionSet, degraded bool) {
	s.current.Store(set)

	s.mu.Lock()
	s.loaded = true
	s.degraded = degraded
	listeners := append([]func(*core.DefinitionSet){}, s.listeners...)
	s.mu.Unlock()

	s.metrics.SetDefinitions(set.Len())
	s.metrics.SetDegraded(degraded)

	for _, fn := range listeners {
		fn(set)
	}
}

func (s *Source) currentETag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etag
}

func (s *Source) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Source) waitReady(ctx context.Context) {
	select {
	case <-s.ready:
		return
	default:
	}

	timer := s.clock.NewTimer(s.readyWait, "definitions", "ready")
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-timer.C:
		s.logger.Debug("definitions not ready, serving current set")
	case <-ctx.Done():
	}
}

// transition fires event on the lifecycle machine. The machine abandons a
// transition whose context is done, so callers' deadlines are detached.
func (s *Source) transition(ctx context.Context, event string) {
	if err := s.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.logger.Debug("definitions state transition rejected", "event", event, "state", s.machine.Current(), "error", err)
		}
	}
}

// ensureLive opens the live-update channel when none is connected. It is
// only called after a successful sync, so a dropped channel is retried on
// the next one.
func (s *Source) ensureLive(ctx context.Context) {
	if s.dialer == nil || ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.live != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	lookupCtx, cancelLookup := context.WithTimeout(ctx, s.fetchTimeout)
	target, err := s.fetcher.LiveUpdateURL(lookupCtx)
	cancelLookup()
	if err != nil {
		s.logger.Warn("live update address lookup failed", "error", err)
		return
	}

	liveCtx, liveCancel := context.WithCancel(ctx)
	handshake := s.clock.AfterFunc(s.fetchTimeout, liveCancel, "definitions", "live-handshake")
	conn, err := s.dialer.Dial(liveCtx, target)
	if !handshake.Stop() && err == nil {
		err = context.DeadlineExceeded
		_ = conn.Close()
	}
	if err != nil {
		liveCancel()
		s.logger.Warn("live update connect failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed || s.live != nil {
		s.mu.Unlock()
		liveCancel()
		_ = conn.Close()
		return
	}
	s.live = conn
	s.liveCancel = liveCancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SetLiveUpdateConnected(true)
	s.logger.Info("live update channel connected")
	go s.listen(liveCtx, conn)
}

func (s *Source) listen(ctx context.Context, conn remote.LiveConn) {
	defer s.wg.Done()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info("live update channel dropped", "error", err)
			}
			s.dropLive(conn)
			return
		}
		if strings.TrimSpace(msg) != liveUpdateMessage {
			continue
		}
		s.metrics.IncLiveUpdateMessages()
		s.Refresh()
	}
}

// dropLive closes conn if it is still the active channel. A nil conn closes
// whatever is active.
func (s *Source) dropLive(conn remote.LiveConn) {
	s.mu.Lock()
	if s.live == nil || (conn != nil && s.live != conn) {
		s.mu.Unlock()
		return
	}
	active, cancel := s.live, s.liveCancel
	s.live, s.liveCancel = nil, nil
	s.mu.Unlock()

	cancel()
	_ = active.Close()
	s.metrics.SetLiveUpdateConnected(false)
}
