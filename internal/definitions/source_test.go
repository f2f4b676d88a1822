package definitions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/goleak"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/remote"
	"github.com/matt-riley/flagsync/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFetcher struct {
	mu          sync.Mutex
	calls       int
	etags       []string
	inflight    int
	maxInflight int
	lookups     int
	respond     func(ctx context.Context, call int) (remote.FetchResult, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, etag string) (remote.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.etags = append(f.etags, etag)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	respond := f.respond
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	return respond(ctx, call)
}

func (f *fakeFetcher) LiveUpdateURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return "ws://live.test/hub", nil
}

func (f *fakeFetcher) snapshot() (calls, inflight, maxInflight int, etags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.inflight, f.maxInflight, append([]string(nil), f.etags...)
}

func (f *fakeFetcher) callCount() int {
	calls, _, _, _ := f.snapshot()
	return calls
}

type fakeConn struct {
	messages chan string
	failed   chan struct{}
	failOnce sync.Once

	mu     sync.Mutex
	reads  int
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan string), failed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()

	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.failed:
		return "", errors.New("connection reset")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fail() {
	c.failOnce.Do(func() { close(c.failed) })
}

func (c *fakeConn) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (remote.LiveConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func checkoutDefinitions() []core.FeatureDefinition {
	return []core.FeatureDefinition{
		{Key: "checkout", Filters: []core.FilterConfig{{Name: "AlwaysOn"}}, Metrics: []string{"conversion"}},
		{Key: "banner"},
	}
}

func newTestSource(t *testing.T, fetcher Fetcher, opts ...Option) *Source {
	t.Helper()
	base := []Option{WithLogger(testLogger), WithClock(quartz.NewMock(t)), WithLiveUpdateSpacing(0)}
	src := New(fetcher, append(base, opts...)...)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestSourceAppliesDefinitionsAndSendsETag(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		if call == 1 {
			return remote.FetchResult{Definitions: checkoutDefinitions(), ETag: `"v1"`}, nil
		}
		return remote.FetchResult{ETag: `"v1"`, NotModified: true}, nil
	}}
	store := snapshot.NewMemory()
	src := newTestSource(t, fetcher, WithSnapshotStore(store))

	src.Start(context.Background())
	<-src.Ready()

	def := src.Get(context.Background(), "checkout")
	if len(def.Filters) != 1 || def.Filters[0].Name != "AlwaysOn" {
		t.Fatalf("Get(checkout) = %+v, want AlwaysOn filter", def)
	}
	if missing := src.Get(context.Background(), "missing"); missing.Key != "missing" || len(missing.Filters) != 0 {
		t.Fatalf("Get(missing) = %+v, want empty definition", missing)
	}
	if got := src.Current().FeaturesForMetric("conversion"); len(got) != 1 || got[0] != "checkout" {
		t.Fatalf("FeaturesForMetric(conversion) = %v, want [checkout]", got)
	}
	if src.Degraded() {
		t.Fatal("Degraded() = true after successful sync")
	}

	src.Refresh()
	waitFor(t, "second fetch", func() bool { return fetcher.callCount() == 2 })

	_, _, _, etags := fetcher.snapshot()
	if etags[0] != "" || etags[1] != `"v1"` {
		t.Fatalf("etags sent = %q, want [\"\" \"v1\"]", etags)
	}
	if store.Saves() != 1 {
		t.Fatalf("snapshot saves = %d, want 1", store.Saves())
	}

	status := src.Status()
	if status.State != StateReady && status.State != StateSyncing {
		t.Fatalf("Status().State = %q", status.State)
	}
	if status.ETag != `"v1"` || status.Definitions != 2 || !status.Loaded {
		t.Fatalf("Status() = %+v", status)
	}
}

func TestSourcePersistsOnlyStructuralChanges(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		defs := checkoutDefinitions()
		if call == 3 {
			defs = append(defs, core.FeatureDefinition{Key: "new"})
		}
		return remote.FetchResult{Definitions: defs, ETag: "etag"}, nil
	}}
	store := snapshot.NewMemory()
	src := newTestSource(t, fetcher, WithSnapshotStore(store))

	src.Start(context.Background())
	<-src.Ready()

	src.Refresh()
	waitFor(t, "second fetch", func() bool { return fetcher.callCount() == 2 })
	src.Refresh()
	waitFor(t, "third fetch", func() bool { return fetcher.callCount() == 3 && src.Current().Len() == 3 })

	waitFor(t, "second save", func() bool { return store.Saves() == 2 })
}

func TestSourceColdStartFallsBackToSnapshot(t *testing.T) {
	store := snapshot.NewMemory()
	if err := store.Save(context.Background(), checkoutDefinitions()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		if call == 1 {
			return remote.FetchResult{}, errors.New("dial tcp: connection refused")
		}
		return remote.FetchResult{Definitions: checkoutDefinitions(), ETag: "v2"}, nil
	}}
	src := newTestSource(t, fetcher, WithSnapshotStore(store))

	src.Start(context.Background())
	<-src.Ready()

	if !src.Degraded() {
		t.Fatal("Degraded() = false after snapshot fallback")
	}
	if def := src.Get(context.Background(), "checkout"); len(def.Filters) != 1 {
		t.Fatalf("Get(checkout) = %+v, want snapshot definition", def)
	}
	if got := src.Current().FeaturesForMetric("conversion"); len(got) != 1 {
		t.Fatalf("experiment index not rebuilt from snapshot: %v", got)
	}
	if status := src.Status(); status.LastError == "" || status.LastErrorAt.IsZero() {
		t.Fatalf("Status() = %+v, want last error recorded", status)
	}

	src.Refresh()
	waitFor(t, "recovery sync", func() bool { return fetcher.callCount() == 2 && !src.Degraded() })

	if store.Saves() != 1 {
		t.Fatalf("snapshot saves = %d, want 1 (unchanged set is not rewritten)", store.Saves())
	}
}

// ctxStore fails any call whose context is already done, like the network
// backends do.
type ctxStore struct {
	*snapshot.Memory
}

func (s ctxStore) Save(ctx context.Context, defs []core.FeatureDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.Save(ctx, defs)
}

func (s ctxStore) Load(ctx context.Context) ([]core.FeatureDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.Load(ctx)
}

func TestSourceFallbackSurvivesFetchTimeout(t *testing.T) {
	store := ctxStore{snapshot.NewMemory()}
	if err := store.Save(context.Background(), checkoutDefinitions()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fetcher := &fakeFetcher{respond: func(ctx context.Context, _ int) (remote.FetchResult, error) {
		<-ctx.Done()
		return remote.FetchResult{}, ctx.Err()
	}}
	src := newTestSource(t, fetcher, WithSnapshotStore(store), WithFetchTimeout(20*time.Millisecond))

	src.Start(context.Background())
	<-src.Ready()

	if got := src.Current().Len(); got != 2 {
		t.Fatalf("definitions = %d, want 2 from snapshot", got)
	}
	if !src.Degraded() {
		t.Fatal("Degraded() = false after snapshot fallback")
	}
	waitFor(t, "ready state", func() bool { return src.Status().State == StateReady })
}

func TestSourcePersistsAfterSlowFetch(t *testing.T) {
	store := ctxStore{snapshot.NewMemory()}
	fetcher := &fakeFetcher{respond: func(ctx context.Context, _ int) (remote.FetchResult, error) {
		<-ctx.Done()
		return remote.FetchResult{Definitions: checkoutDefinitions(), ETag: "slow"}, nil
	}}
	src := newTestSource(t, fetcher, WithSnapshotStore(store), WithFetchTimeout(20*time.Millisecond))

	src.Start(context.Background())
	<-src.Ready()

	waitFor(t, "snapshot save", func() bool { return store.Saves() == 1 })
	defs, err := store.Load(context.Background())
	if err != nil || len(defs) != 2 {
		t.Fatalf("Load() = %d definitions, %v; want 2, nil", len(defs), err)
	}
}

func TestSourceColdStartWithoutSnapshotServesEmpty(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(context.Context, int) (remote.FetchResult, error) {
		return remote.FetchResult{}, errors.New("timeout")
	}}
	src := newTestSource(t, fetcher, WithSnapshotStore(snapshot.NewMemory()))

	src.Start(context.Background())
	<-src.Ready()

	def := src.Get(context.Background(), "X")
	if def.Key != "X" || len(def.Filters) != 0 {
		t.Fatalf("Get(X) = %+v, want empty definition", def)
	}
	if !src.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}
}

func TestSourceColdStartUsesDefaults(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(context.Context, int) (remote.FetchResult, error) {
		return remote.FetchResult{}, errors.New("timeout")
	}}
	src := newTestSource(t, fetcher, WithDefaults(core.DefaultDefinitions(map[string]bool{"A": true})))

	src.Start(context.Background())
	<-src.Ready()

	if def := src.Get(context.Background(), "A"); len(def.Filters) != 1 {
		t.Fatalf("Get(A) = %+v, want default definition", def)
	}
	if !src.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}
}

func TestSourceStaleButServing(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		if call == 1 {
			return remote.FetchResult{Definitions: checkoutDefinitions(), ETag: "v1"}, nil
		}
		return remote.FetchResult{}, errors.New("503")
	}}
	src := newTestSource(t, fetcher)

	src.Start(context.Background())
	<-src.Ready()

	src.Refresh()
	waitFor(t, "failing sync", func() bool { return src.Status().LastError != "" })

	if src.Degraded() {
		t.Fatal("Degraded() = true, stale-but-serving must not degrade")
	}
	if src.Current().Len() != 2 {
		t.Fatalf("Current().Len() = %d, want 2", src.Current().Len())
	}
}

func TestSourceOfflineServesDefaults(t *testing.T) {
	src := newTestSource(t, nil, WithDefaults(core.DefaultDefinitions(map[string]bool{"A": true, "B": false})))

	var refreshed int
	src.OnRefresh(func(*core.DefinitionSet) { refreshed++ })
	src.Start(context.Background())

	select {
	case <-src.Ready():
	default:
		t.Fatal("offline source not ready after Start")
	}
	if got := src.Current().Len(); got != 2 {
		t.Fatalf("Current().Len() = %d, want 2", got)
	}
	status := src.Status()
	if !status.Offline || status.Degraded || status.State != StateReady {
		t.Fatalf("Status() = %+v, want offline ready", status)
	}
	if refreshed != 1 {
		t.Fatalf("OnRefresh calls = %d, want 1", refreshed)
	}
}

func TestSourceLiveUpdateCoalescesDuringInflightSync(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		if call == 2 {
			<-release
		}
		return remote.FetchResult{Definitions: checkoutDefinitions(), ETag: "v1"}, nil
	}}
	dialer := &fakeDialer{}
	src := newTestSource(t, fetcher, WithLiveUpdates(dialer))

	src.Start(context.Background())
	waitFor(t, "live channel", func() bool { return dialer.dials() == 1 && src.Status().LiveConnected })

	src.Refresh()
	waitFor(t, "blocked sync", func() bool {
		calls, inflight, _, _ := fetcher.snapshot()
		return calls == 2 && inflight == 1
	})

	conn := dialer.conn(0)
	conn.messages <- "update"
	conn.messages <- "update"
	conn.messages <- "ping"
	waitFor(t, "messages consumed", func() bool { return conn.readCount() >= 4 })

	close(release)
	waitFor(t, "queued sync", func() bool { return fetcher.callCount() == 3 })

	time.Sleep(50 * time.Millisecond)
	calls, _, maxInflight, _ := fetcher.snapshot()
	if calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", calls)
	}
	if maxInflight != 1 {
		t.Fatalf("max concurrent fetches = %d, want 1", maxInflight)
	}
}

func TestSourceLiveChannelReconnectsAfterNextSync(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(context.Context, int) (remote.FetchResult, error) {
		return remote.FetchResult{Definitions: checkoutDefinitions()}, nil
	}}
	dialer := &fakeDialer{}
	src := newTestSource(t, fetcher, WithLiveUpdates(dialer))

	src.Start(context.Background())
	waitFor(t, "live channel", func() bool { return src.Status().LiveConnected })

	dialer.conn(0).fail()
	waitFor(t, "drop", func() bool { return !src.Status().LiveConnected })

	if dialer.dials() != 1 {
		t.Fatalf("dials after drop = %d, want 1 (no immediate reconnect)", dialer.dials())
	}

	src.Refresh()
	waitFor(t, "reconnect", func() bool { return dialer.dials() == 2 && src.Status().LiveConnected })
}

func TestSourceTickerDrivesResync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	tickerTrap := clock.Trap().NewTicker("definitions", "refresh")
	defer tickerTrap.Close()

	fetcher := &fakeFetcher{respond: func(context.Context, int) (remote.FetchResult, error) {
		return remote.FetchResult{NotModified: true}, nil
	}}
	src := New(fetcher, WithLogger(testLogger), WithClock(clock), WithRefreshInterval(time.Minute))
	defer src.Close()

	src.Start(ctx)
	tickerCall := tickerTrap.MustWait(ctx)
	tickerCall.MustRelease(ctx)
	if tickerCall.Duration != time.Minute {
		t.Fatalf("ticker duration = %v, want %v", tickerCall.Duration, time.Minute)
	}
	waitFor(t, "startup sync", func() bool { return fetcher.callCount() == 1 })

	clock.Advance(time.Minute).MustWait(ctx)
	waitFor(t, "timer sync", func() bool { return fetcher.callCount() == 2 })
}

func TestSourceReadinessGateIsBounded(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(ctx context.Context, _ int) (remote.FetchResult, error) {
		<-ctx.Done()
		return remote.FetchResult{}, ctx.Err()
	}}
	src := New(fetcher,
		WithLogger(testLogger),
		WithReadiness(2, 10*time.Millisecond),
		WithFetchTimeout(200*time.Millisecond),
	)
	defer src.Close()

	src.Start(context.Background())

	start := time.Now()
	def := src.Get(context.Background(), "checkout")
	elapsed := time.Since(start)

	if def.Key != "checkout" || len(def.Filters) != 0 {
		t.Fatalf("Get(checkout) = %+v, want empty definition", def)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("Get() blocked for %v, want bounded by readiness gate", elapsed)
	}
}

func TestSourceCloseLetsInflightSyncFinish(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	fetcher := &fakeFetcher{respond: func(ctx context.Context, _ int) (remote.FetchResult, error) {
		<-release
		finished <- ctx.Err()
		return remote.FetchResult{Definitions: checkoutDefinitions()}, nil
	}}
	src := New(fetcher, WithLogger(testLogger), WithClock(quartz.NewMock(t)))

	src.Start(context.Background())
	waitFor(t, "inflight sync", func() bool { return fetcher.callCount() == 1 })

	closed := make(chan struct{})
	go func() {
		_ = src.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close() returned before the in-flight sync finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed

	if err := <-finished; err != nil {
		t.Fatalf("in-flight fetch context error = %v, want nil", err)
	}
	if src.Current().Len() != 2 {
		t.Fatalf("Current().Len() = %d, want 2", src.Current().Len())
	}
}

func TestSourceOnRefreshSeesEveryReplacement(t *testing.T) {
	fetcher := &fakeFetcher{respond: func(_ context.Context, call int) (remote.FetchResult, error) {
		if call == 2 {
			return remote.FetchResult{NotModified: true}, nil
		}
		return remote.FetchResult{Definitions: checkoutDefinitions()}, nil
	}}
	src := newTestSource(t, fetcher)

	var mu sync.Mutex
	var sizes []int
	src.OnRefresh(func(set *core.DefinitionSet) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, set.Len())
	})

	src.Start(context.Background())
	<-src.Ready()
	src.Refresh()
	waitFor(t, "304 sync", func() bool { return fetcher.callCount() == 2 })
	src.Refresh()
	waitFor(t, "third sync", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if sizes[0] != 2 || sizes[1] != 2 {
		t.Fatalf("OnRefresh sizes = %v, want [2 2] (304 does not notify)", sizes)
	}
}
