package core

import (
	"errors"
	"strings"
)

// Requirement controls how the states of a gate's features are combined.
type Requirement string

const (
	RequireAll Requirement = "all"
	RequireAny Requirement = "any"
)

// ErrInvalidRequirement is returned for requirement strings other than
// "all" and "any".
var ErrInvalidRequirement = errors.New("requirement must be all or any")

// ParseRequirement parses a requirement string. An empty string is All.
func ParseRequirement(value string) (Requirement, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(RequireAll):
		return RequireAll, nil
	case string(RequireAny):
		return RequireAny, nil
	default:
		return "", ErrInvalidRequirement
	}
}

// Gate is a named boolean decision over one or more features.
type Gate struct {
	Features    []string    `json:"features"`
	Requirement Requirement `json:"requirement,omitempty"`
	Negate      bool        `json:"negate,omitempty"`
}

// EvaluateGate combines per-feature states. An empty gate or an empty state
// map is always true. Missing keys count as false. The combined result is
// flipped when the gate is negated.
func EvaluateGate(gate Gate, states map[string]bool) bool {
	if len(gate.Features) == 0 || len(states) == 0 {
		return true
	}

	var result bool
	if gate.Requirement == RequireAny {
		result = false
		for _, key := range gate.Features {
			result = result || states[key]
		}
	} else {
		result = true
		for _, key := range gate.Features {
			result = result && states[key]
		}
	}

	return result != gate.Negate
}
