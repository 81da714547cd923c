package priocq

import (
    "context"
    "sync"
    "time"
)

// TokenBucket shapes a byte rate. A request larger than the bucket is let
// through once the bucket is full and leaves it in debt.
type TokenBucket struct {
    mu       sync.Mutex
    capacity int64
    tokens   int64
    rate     int64 // tokens per second
    last     time.Time
}

func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
    if capacity <= 0 { capacity = ratePerSec }
    return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: time.Now()}
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    b.mu.Lock(); defer b.mu.Unlock()
    now := time.Now()
    if dt := now.Sub(b.last); dt > 0 {
        add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
        if add > 0 {
            b.tokens += add
            if b.tokens > b.capacity { b.tokens = b.capacity }
            b.last = now
        }
    }
    need := n
    if need > b.capacity { need = b.capacity }
    if b.tokens >= need {
        b.tokens -= n
        return true, 0
    }
    return false, time.Duration(((need - b.tokens) * int64(time.Second)) / b.rate)
}

// Wait blocks until n tokens are consumed or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, n int64) error {
    for {
        ok, wait := b.Allow(n)
        if ok { return nil }
        if wait < time.Millisecond { wait = time.Millisecond }
        t := time.NewTimer(wait)
        select {
        case <-ctx.Done():
            t.Stop()
            return ctx.Err()
        case <-t.C:
        }
    }
}
