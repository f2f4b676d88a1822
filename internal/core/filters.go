package core

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	FilterAlwaysOn   = "AlwaysOn"
	FilterPercentage = "Percentage"
	FilterTimeWindow = "TimeWindow"
)

// FilterContext is what a filter may inspect while deciding.
type FilterContext struct {
	FeatureKey string
	Identifier string
	Now        time.Time
}

// Filter decides whether one rollout rule enables a feature.
type Filter interface {
	Evaluate(fc FilterContext, parameters map[string]string) bool
}

// FilterFunc adapts a function to [Filter].
type FilterFunc func(fc FilterContext, parameters map[string]string) bool

func (f FilterFunc) Evaluate(fc FilterContext, parameters map[string]string) bool {
	return f(fc, parameters)
}

// Filters is a registry of named filters. Names are matched
// case-insensitively, with an optional "Filter" suffix.
type Filters struct {
	mu        sync.RWMutex
	byName    map[string]Filter
	onMissing func(name string)
}

// NewFilters returns a registry holding the built-in filters.
func NewFilters() *Filters {
	f := &Filters{byName: make(map[string]Filter)}
	f.Register(FilterAlwaysOn, FilterFunc(alwaysOn))
	f.Register(FilterPercentage, FilterFunc(percentage))
	f.Register(FilterTimeWindow, FilterFunc(timeWindow))
	return f
}

// Register adds or replaces a filter.
func (f *Filters) Register(name string, filter Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[normalizeFilterName(name)] = filter
}

// OnMissing sets a hook called with the name of every unregistered filter
// encountered during evaluation.
func (f *Filters) OnMissing(fn func(name string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMissing = fn
}

// Enabled reports whether any of the definition's filters enables it. A
// definition without filters is disabled. Unregistered filters are skipped.
func (f *Filters) Enabled(def FeatureDefinition, fc FilterContext) bool {
	if len(def.Filters) == 0 {
		return false
	}
	if fc.FeatureKey == "" {
		fc.FeatureKey = def.Key
	}
	if fc.Now.IsZero() {
		fc.Now = time.Now()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, cfg := range def.Filters {
		filter, ok := f.byName[normalizeFilterName(cfg.Name)]
		if !ok {
			if f.onMissing != nil {
				f.onMissing(cfg.Name)
			}
			continue
		}
		if filter.Evaluate(fc, cfg.Parameters) {
			return true
		}
	}

	return false
}

func normalizeFilterName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "filter")
}

func alwaysOn(FilterContext, map[string]string) bool {
	return true
}

// percentage buckets by identifier when one is known so a given identity sees
// a stable answer. Anonymous checks roll the dice.
func percentage(fc FilterContext, parameters map[string]string) bool {
	value, err := strconv.ParseFloat(strings.TrimSpace(parameterValue(parameters, "Value")), 64)
	if err != nil || value <= 0 {
		return false
	}
	if value >= 100 {
		return true
	}

	if fc.Identifier == "" {
		return rand.Float64()*100 < value
	}

	bucket := xxhash.Sum64String(fc.FeatureKey+"\x00"+fc.Identifier) % 10000
	return float64(bucket) < value*100
}

func timeWindow(fc FilterContext, parameters map[string]string) bool {
	start, hasStart := parseWindowTime(parameterValue(parameters, "Start"))
	end, hasEnd := parseWindowTime(parameterValue(parameters, "End"))
	if !hasStart && !hasEnd {
		return false
	}
	if hasStart && fc.Now.Before(start) {
		return false
	}
	if hasEnd && !fc.Now.Before(end) {
		return false
	}
	return true
}

func parseWindowTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC1123, time.RFC1123Z} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func parameterValue(parameters map[string]string, name string) string {
	if value, ok := parameters[name]; ok {
		return value
	}
	for key, value := range parameters {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}
