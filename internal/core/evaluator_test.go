package core

import (
	"errors"
	"testing"
)

func TestEvaluateGate(t *testing.T) {
	defaults := map[string]bool{"A": true, "B": false}

	tests := []struct {
		name   string
		gate   Gate
		states map[string]bool
		want   bool
	}{
		{
			name:   "single enabled feature",
			gate:   Gate{Features: []string{"A"}, Requirement: RequireAll},
			states: defaults,
			want:   true,
		},
		{
			name:   "all with one disabled feature",
			gate:   Gate{Features: []string{"A", "B"}, Requirement: RequireAll},
			states: defaults,
			want:   false,
		},
		{
			name:   "any with one enabled feature",
			gate:   Gate{Features: []string{"A", "B"}, Requirement: RequireAny},
			states: defaults,
			want:   true,
		},
		{
			name:   "negated enabled feature",
			gate:   Gate{Features: []string{"A"}, Requirement: RequireAll, Negate: true},
			states: defaults,
			want:   false,
		},
		{
			name:   "missing key counts as false",
			gate:   Gate{Features: []string{"A", "missing"}, Requirement: RequireAll},
			states: defaults,
			want:   false,
		},
		{
			name:   "any over missing keys",
			gate:   Gate{Features: []string{"missing", "other"}, Requirement: RequireAny},
			states: defaults,
			want:   false,
		},
		{
			name:   "empty gate is true",
			gate:   Gate{Negate: true},
			states: defaults,
			want:   true,
		},
		{
			name: "empty states fail open",
			gate: Gate{Features: []string{"A"}, Requirement: RequireAll},
			want: true,
		},
		{
			name:   "unset requirement behaves as all",
			gate:   Gate{Features: []string{"A", "B"}},
			states: defaults,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateGate(tt.gate, tt.states); got != tt.want {
				t.Fatalf("EvaluateGate(%+v) = %v, want %v", tt.gate, got, tt.want)
			}
		})
	}
}

func TestEvaluateGateNegationFlips(t *testing.T) {
	states := map[string]bool{"a": true, "b": false, "c": true}
	gates := [][]string{{"a"}, {"b"}, {"a", "b"}, {"a", "c"}, {"x"}, {"b", "x"}}

	for _, features := range gates {
		for _, req := range []Requirement{RequireAll, RequireAny} {
			plain := EvaluateGate(Gate{Features: features, Requirement: req}, states)
			negated := EvaluateGate(Gate{Features: features, Requirement: req, Negate: true}, states)
			if plain == negated {
				t.Fatalf("EvaluateGate(%v, %s) = %v with and without negate", features, req, plain)
			}
		}
	}
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		input   string
		want    Requirement
		wantErr error
	}{
		{input: "", want: RequireAll},
		{input: "all", want: RequireAll},
		{input: " ANY ", want: RequireAny},
		{input: "most", wantErr: ErrInvalidRequirement},
	}

	for _, tt := range tests {
		got, err := ParseRequirement(tt.input)
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("ParseRequirement(%q) error = %v, want %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseRequirement(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
