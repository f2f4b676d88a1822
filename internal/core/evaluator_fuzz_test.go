package core

import "testing"

func FuzzEvaluateGateFolds(f *testing.F) {
	f.Add(uint8(0b101), uint8(0b011), uint8(3))
	f.Add(uint8(0), uint8(0), uint8(1))
	f.Add(uint8(0xff), uint8(0x0f), uint8(8))

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"}

	f.Fuzz(func(t *testing.T, present, enabled, size uint8) {
		states := make(map[string]bool)
		for i, key := range keys {
			if present&(1<<i) != 0 {
				states[key] = enabled&(1<<i) != 0
			}
		}
		features := keys[:int(size)%(len(keys)+1)]

		wantAll, wantAny := true, false
		for _, key := range features {
			wantAll = wantAll && states[key]
			wantAny = wantAny || states[key]
		}
		if len(features) == 0 || len(states) == 0 {
			wantAll, wantAny = true, true
		}

		if got := EvaluateGate(Gate{Features: features, Requirement: RequireAll}, states); got != wantAll {
			t.Fatalf("all over %v = %v, want %v", features, got, wantAll)
		}
		if got := EvaluateGate(Gate{Features: features, Requirement: RequireAny}, states); got != wantAny {
			t.Fatalf("any over %v = %v, want %v", features, got, wantAny)
		}

		negated := EvaluateGate(Gate{Features: features, Requirement: RequireAll, Negate: true}, states)
		if len(features) > 0 && len(states) > 0 && negated == wantAll {
			t.Fatalf("negated all over %v = %v, want %v", features, negated, !wantAll)
		}
	})
}
