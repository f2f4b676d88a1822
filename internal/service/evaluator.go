package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/definitions"
	"github.com/matt-riley/flagsync/internal/usage"
)

// Evaluator decides feature states from the current definitions without
// recording anything.
type Evaluator struct {
	source           *definitions.Source
	filters          *core.Filters
	undefinedEnabled bool
	now              func() time.Time
	missing          sync.Map
}

// NewEvaluator creates an evaluator over source. A nil filters registry uses
// the built-in filters. With undefinedEnabled, keys absent from the
// definitions evaluate true.
func NewEvaluator(source *definitions.Source, filters *core.Filters, undefinedEnabled bool, logger *slog.Logger) *Evaluator {
	if filters == nil {
		filters = core.NewFilters()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		source:           source,
		filters:          filters,
		undefinedEnabled: undefinedEnabled,
		now:              time.Now,
	}
	filters.OnMissing(func(name string) {
		if _, seen := e.missing.LoadOrStore(name, struct{}{}); !seen {
			logger.Warn("unknown feature filter ignored", "filter", name)
		}
	})
	return e
}

// Enabled reports whether key is enabled. It waits a bounded time for the
// first definition sync.
func (e *Evaluator) Enabled(ctx context.Context, key string) bool {
	return e.enabledIn(ctx, e.source.Snapshot(ctx), key)
}

// ExperimentStates returns the state of every feature experimenting on
// metric. It never waits for a sync.
func (e *Evaluator) ExperimentStates(ctx context.Context, metric string) map[string]bool {
	set := e.source.Current()
	features := set.FeaturesForMetric(metric)
	if len(features) == 0 {
		return nil
	}
	states := make(map[string]bool, len(features))
	for _, key := range features {
		states[key] = e.enabledIn(ctx, set, key)
	}
	return states
}

func (e *Evaluator) enabledIn(ctx context.Context, set *core.DefinitionSet, key string) bool {
	def, ok := set.Get(key)
	if !ok {
		return e.undefinedEnabled
	}

	fc := core.FilterContext{FeatureKey: key, Now: e.now()}
	if req, ok := usage.FromContext(ctx); ok {
		fc.Identifier = req.Identifier()
	}
	return e.filters.Enabled(def, fc)
}
