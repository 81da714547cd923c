package netstack

import (
    "math/rand/v2"
    "time"
)

// Backoff is an exponential retry schedule with optional jitter.
type Backoff struct {
    Initial time.Duration // default 500ms
    Max     time.Duration // default 30s
    Jitter  time.Duration // random 0..Jitter added to each delay
}

func (b Backoff) initial() time.Duration {
    if b.Initial > 0 { return b.Initial }
    return 500 * time.Millisecond
}

func (b Backoff) max() time.Duration {
    if b.Max > 0 { return b.Max }
    return 30 * time.Second
}

// Next returns the delay following cur; a zero cur starts the schedule.
func (b Backoff) Next(cur time.Duration) time.Duration {
    if cur <= 0 { return b.initial() }
    cur *= 2
    if m := b.max(); cur > m { cur = m }
    return cur
}

// Delay is d plus jitter.
func (b Backoff) Delay(d time.Duration) time.Duration { return withJitter(d, b.Jitter) }

func withJitter(d, jitter time.Duration) time.Duration {
    if jitter <= 0 { return d }
    return d + time.Duration(rand.Int64N(int64(jitter)))
}
