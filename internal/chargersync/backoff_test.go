package chargersync

import (
	"testing"
	"time"
)

func TestBackoffGrowthAndCeiling(t *testing.T) {
	b := &backoff{draw: func() time.Duration { return 5 * time.Second }}

	want := 5 * time.Second
	for i := 0; i < 12; i++ {
		got := b.Delay()
		if got != want {
			t.Fatalf("Delay() #%d = %v, want %v", i, got, want)
		}
		want = time.Duration(float64(want) * backoffGrowth)
		if want > backoffCeiling {
			want = backoffCeiling
		}
	}
	if got := b.Delay(); got != backoffCeiling {
		t.Fatalf("delay past ceiling = %v, want %v", got, backoffCeiling)
	}
}

func TestBackoffResetRedraws(t *testing.T) {
	draws := []time.Duration{4 * time.Second, 11 * time.Second}
	b := &backoff{draw: func() time.Duration {
		d := draws[0]
		draws = draws[1:]
		return d
	}}

	if got := b.Delay(); got != 4*time.Second {
		t.Fatalf("first delay = %v, want 4s", got)
	}
	b.Delay() // grow once
	b.Reset()
	if got := b.Delay(); got != 11*time.Second {
		t.Fatalf("delay after reset = %v, want fresh draw 11s", got)
	}
}

func TestDrawInitialDelayWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := drawInitialDelay()
		if d < backoffFloorMin || d > backoffFloorMax {
			t.Fatalf("drawInitialDelay() = %v, want within [%v, %v]", d, backoffFloorMin, backoffFloorMax)
		}
	}
}
