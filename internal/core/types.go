package core

import (
	"maps"
	"slices"
	"sort"
)

// FilterConfig is one rollout rule attached to a feature.
type FilterConfig struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// FeatureDefinition is the remote-authoritative description of a feature.
// Metrics lists the metric keys whose samples are cross-tabulated against
// this feature.
type FeatureDefinition struct {
	Key     string         `json:"featureKey"`
	Filters []FilterConfig `json:"filters,omitempty"`
	Metrics []string       `json:"metrics,omitempty"`
}

// Equal reports structural equality. Filter order is significant, metric
// order is not.
func (d FeatureDefinition) Equal(other FeatureDefinition) bool {
	if d.Key != other.Key || len(d.Filters) != len(other.Filters) {
		return false
	}
	for i := range d.Filters {
		if d.Filters[i].Name != other.Filters[i].Name {
			return false
		}
		if !maps.Equal(d.Filters[i].Parameters, other.Filters[i].Parameters) {
			return false
		}
	}

	left := slices.Clone(d.Metrics)
	right := slices.Clone(other.Metrics)
	slices.Sort(left)
	slices.Sort(right)
	return slices.Equal(left, right)
}

// EqualDefinitions compares two definition lists by key, ignoring order.
func EqualDefinitions(a, b []FeatureDefinition) bool {
	if len(a) != len(b) {
		return false
	}

	byKey := make(map[string]FeatureDefinition, len(a))
	for _, def := range a {
		byKey[def.Key] = def
	}
	if len(byKey) != len(a) {
		return false
	}

	for _, def := range b {
		existing, ok := byKey[def.Key]
		if !ok || !existing.Equal(def) {
			return false
		}
	}

	return true
}

// ExperimentIndex maps a metric key to the features experimenting on it.
type ExperimentIndex map[string][]string

// BuildExperimentIndex derives the index from scratch.
func BuildExperimentIndex(defs []FeatureDefinition) ExperimentIndex {
	index := make(ExperimentIndex)
	for _, def := range defs {
		for _, metric := range def.Metrics {
			if metric == "" || slices.Contains(index[metric], def.Key) {
				continue
			}
			index[metric] = append(index[metric], def.Key)
		}
	}
	for metric := range index {
		slices.Sort(index[metric])
	}

	return index
}

// DefinitionSet is an immutable view of the definition map and its
// experiment index. It is replaced wholesale, never mutated.
type DefinitionSet struct {
	byKey       map[string]FeatureDefinition
	experiments ExperimentIndex
}

// NewDefinitionSet builds a set from a definition list. Later duplicates of a
// key replace earlier ones.
func NewDefinitionSet(defs []FeatureDefinition) *DefinitionSet {
	byKey := make(map[string]FeatureDefinition, len(defs))
	for _, def := range defs {
		if def.Key == "" {
			continue
		}
		byKey[def.Key] = def
	}

	list := make([]FeatureDefinition, 0, len(byKey))
	for _, def := range byKey {
		list = append(list, def)
	}

	return &DefinitionSet{
		byKey:       byKey,
		experiments: BuildExperimentIndex(list),
	}
}

// Get returns the definition for key. Unknown keys yield an empty definition
// carrying only the key.
func (s *DefinitionSet) Get(key string) (FeatureDefinition, bool) {
	if s != nil {
		if def, ok := s.byKey[key]; ok {
			return def, true
		}
	}
	return FeatureDefinition{Key: key}, false
}

func (s *DefinitionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byKey)
}

// List returns the definitions sorted by key.
func (s *DefinitionSet) List() []FeatureDefinition {
	if s == nil {
		return nil
	}

	list := make([]FeatureDefinition, 0, len(s.byKey))
	for _, def := range s.byKey {
		list = append(list, def)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

// FeaturesForMetric returns the features experimenting on metric.
func (s *DefinitionSet) FeaturesForMetric(metric string) []string {
	if s == nil {
		return nil
	}
	return s.experiments[metric]
}

// DefaultDefinitions turns a static on/off map into definitions that flow
// through the regular filter pipeline.
func DefaultDefinitions(defaults map[string]bool) []FeatureDefinition {
	keys := slices.Sorted(maps.Keys(defaults))
	defs := make([]FeatureDefinition, 0, len(keys))
	for _, key := range keys {
		def := FeatureDefinition{Key: key}
		if defaults[key] {
			def.Filters = []FilterConfig{{Name: FilterAlwaysOn}}
		}
		defs = append(defs, def)
	}
	return defs
}
