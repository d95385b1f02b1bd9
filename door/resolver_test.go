package door

import (
	"testing"

	"garaged/sensor"
)

var allStates = []State{StateUnknown, StateOpen, StateOpening, StateClosing, StateClosed}

func TestResolveTable(t *testing.T) {
	U, N, D := sensor.ResultUnknown, sensor.ResultUndetected, sensor.ResultDetected

	// want == nil marks the previous-state-dependent row, checked below.
	tests := []struct {
		openResult, closeResult sensor.DetectionResult
		want                    State
	}{
		{U, U, StateUnknown},
		{U, N, StateOpen},
		{U, D, StateClosed},
		{N, U, StateClosed},
		{N, D, StateClosed},
		{D, U, StateOpen},
		{D, N, StateOpen},
		{D, D, StateUnknown},
	}

	for _, tt := range tests {
		// These rows must not depend on the previous state.
		for _, prev := range allStates {
			got := Resolve(tt.openResult, tt.closeResult, prev)
			if got != tt.want {
				t.Errorf("Resolve(%v, %v, prev=%v) = %v, want %v",
					tt.openResult, tt.closeResult, prev, got, tt.want)
			}
		}
	}
}

func TestResolveInTransit(t *testing.T) {
	N := sensor.ResultUndetected

	tests := []struct {
		prev, want State
	}{
		{StateOpen, StateClosing},
		{StateClosed, StateOpening},
		{StateUnknown, StateUnknown},
		{StateOpening, StateOpening},
		{StateClosing, StateClosing},
	}

	for _, tt := range tests {
		if got := Resolve(N, N, tt.prev); got != tt.want {
			t.Errorf("Resolve(N, N, prev=%v) = %v, want %v", tt.prev, got, tt.want)
		}
	}
}

func TestResolveIsTotal(t *testing.T) {
	results := []sensor.DetectionResult{sensor.ResultUnknown, sensor.ResultUndetected, sensor.ResultDetected}

	for _, o := range results {
		for _, c := range results {
			for _, prev := range allStates {
				got := Resolve(o, c, prev)
				valid := false
				for _, s := range allStates {
					if got == s {
						valid = true
					}
				}
				if !valid {
					t.Errorf("Resolve(%v, %v, %v) = %v, not a valid state", o, c, prev, got)
				}
			}
		}
	}
}
