package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluateGate_Small(b *testing.B) {
	states := map[string]bool{"a": true, "b": true}
	gate := Gate{Features: []string{"a", "b"}, Requirement: RequireAll}

	for b.Loop() {
		EvaluateGate(gate, states)
	}
}

func BenchmarkEvaluateGate_Wide(b *testing.B) {
	states := make(map[string]bool, 256)
	features := make([]string, 0, 64)
	for i := range 256 {
		key := fmt.Sprintf("feature-%d", i)
		states[key] = i%3 != 0
		if i%4 == 0 {
			features = append(features, key)
		}
	}
	gate := Gate{Features: features, Requirement: RequireAny}

	for b.Loop() {
		EvaluateGate(gate, states)
	}
}

func BenchmarkFiltersEnabled_Percentage(b *testing.B) {
	filters := NewFilters()
	def := FeatureDefinition{
		Key:     "rollout",
		Filters: []FilterConfig{{Name: FilterPercentage, Parameters: map[string]string{"Value": "50"}}},
	}
	fc := FilterContext{Identifier: "user-42"}

	for b.Loop() {
		filters.Enabled(def, fc)
	}
}
