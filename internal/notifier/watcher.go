package notifier

import (
	"context"
	"sync"
)

// EvaluateFunc reports whether key is currently enabled.
type EvaluateFunc func(ctx context.Context, key string) bool

// Watcher re-evaluates every subscribed key and feeds the results to a
// [Notifier]. Evaluation runs on its own goroutine so slow callbacks never
// hold up the caller of [Watcher.Notify].
type Watcher struct {
	notifier *Notifier
	evaluate EvaluateFunc
	trigger  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over n using evaluate.
func NewWatcher(n *Notifier, evaluate EvaluateFunc) *Watcher {
	return &Watcher{
		notifier: n,
		evaluate: evaluate,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the evaluation loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Notify requests a pass over the subscribed keys. Requests made while a
// pass is running collapse into one.
func (w *Watcher) Notify() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Check evaluates every subscribed key now, on the calling goroutine.
func (w *Watcher) Check(ctx context.Context) {
	for _, key := range w.notifier.Keys() {
		w.notifier.UpdateState(ctx, key, w.evaluate(ctx, key))
	}
}

// Stop ends the loop and waits for a running pass to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			w.Check(ctx)
		}
	}
}
