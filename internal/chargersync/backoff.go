package chargersync

import (
	"math/rand"
	"time"
)

const (
	backoffFloorMin = 3 * time.Second
	backoffFloorMax = 12 * time.Second
	backoffGrowth   = 1.7
	backoffCeiling  = 300 * time.Second

	// framesToResetBackoff is how many consecutively processed frames
	// prove the connection good enough to forget previous failures.
	framesToResetBackoff = 3
)

// backoff computes reconnect delays: a random initial draw, multiplied
// by a fixed growth factor on every retry, capped at a ceiling. Reset
// re-draws the floor on the next delay. Not safe for concurrent use;
// each supervisor owns its own instance.
type backoff struct {
	draw func() time.Duration
	next time.Duration
}

func newBackoff() *backoff {
	return &backoff{draw: drawInitialDelay}
}

func drawInitialDelay() time.Duration {
	spread := int64(backoffFloorMax - backoffFloorMin)
	return backoffFloorMin + time.Duration(rand.Int63n(spread+1))
}

// Delay returns the wait before the next reconnect attempt and advances
// the schedule for the one after.
func (b *backoff) Delay() time.Duration {
	if b.next == 0 {
		b.next = b.draw()
	}
	delay := b.next
	b.next = time.Duration(float64(b.next) * backoffGrowth)
	if b.next > backoffCeiling {
		b.next = backoffCeiling
	}
	return delay
}

// Reset clears accumulated growth after a clean success.
func (b *backoff) Reset() {
	b.next = 0
}
