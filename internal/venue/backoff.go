package venue

import (
	"math/rand"
	"time"
)

// backoff produces jittered exponential reconnect delays. Next returns a
// delay in [nominal/2, nominal] and doubles the nominal up to the cap;
// Reset drops the nominal back to the floor.
type backoff struct {
	floor time.Duration
	cap   time.Duration
	cur   time.Duration
}

func newBackoff(floor, cap time.Duration) *backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if cap < floor {
		cap = floor
	}
	return &backoff{floor: floor, cap: cap, cur: floor}
}

func (b *backoff) Next() time.Duration {
	nominal := b.cur
	b.cur *= 2
	if b.cur > b.cap {
		b.cur = b.cap
	}
	half := nominal / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (b *backoff) Reset() {
	b.cur = b.floor
}

// Nominal exposes the undithered current delay.
func (b *backoff) Nominal() time.Duration {
	return b.cur
}
