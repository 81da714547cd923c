// Package reorder implements the per-session dedup/reorder window: exact
// duplicate suppression over a bounded seen set, in-order release with an
// adaptive wait for gaps, and epoch based aging so memory stays bounded.
package reorder

import (
    "sort"
    "time"

    "iac/pkg/protocol"
)

// Verdict is the outcome of pushing one message.
type Verdict int

const (
    // Accepted: released now, in order.
    Accepted Verdict = iota
    // Buffered: held until the gap before it fills or times out.
    Buffered
    // Late: behind the release cursor but inside the window and never seen;
    // released now, out of order.
    Late
    // Duplicate: already seen.
    Duplicate
    // Stale: at or below the window floor.
    Stale
)

func (v Verdict) String() string {
    switch v {
    case Accepted:
        return "accepted"
    case Buffered:
        return "buffered"
    case Late:
        return "late"
    case Duplicate:
        return "duplicate"
    case Stale:
        return "stale"
    default:
        return "unknown"
    }
}

// Options bound the window. Zero fields take defaults.
type Options struct {
    MinWindow    time.Duration // narrowest gap wait (default 20ms)
    MaxWindow    time.Duration // widest gap wait (default 500ms)
    Epoch        time.Duration // aging period (default 1s)
    EpochsKept   int           // seen entries older than this many epochs are aged out (default 8)
    SeenCapacity int           // ids tracked behind the highest id (default 4096)
    MaxPending   int           // buffered messages before a gap is force-released (default 1024)

    // Start is the first id the sender will use. When set, arrivals ahead
    // of it are buffered; when zero the first arrival anchors the window.
    Start uint64
}

func (o Options) withDefaults() Options {
    if o.MinWindow <= 0 { o.MinWindow = 20 * time.Millisecond }
    if o.MaxWindow <= 0 { o.MaxWindow = 500 * time.Millisecond }
    if o.MaxWindow < o.MinWindow { o.MaxWindow = o.MinWindow }
    if o.Epoch <= 0 { o.Epoch = time.Second }
    if o.EpochsKept <= 0 { o.EpochsKept = 8 }
    if o.SeenCapacity <= 0 { o.SeenCapacity = 4096 }
    if o.MaxPending <= 0 { o.MaxPending = 1024 }
    return o
}

type pending struct {
    msg     *protocol.Message
    arrived time.Time
}

// Buffer is owned by one session and is not safe for concurrent use.
type Buffer struct {
    opts Options

    started bool
    next    uint64 // next id to release in order
    high    uint64 // highest id admitted
    floor   uint64 // ids at or below are stale

    seen    map[uint64]uint64 // id -> epoch admitted
    pending map[uint64]pending

    epoch      uint64
    epochStart time.Time

    lastArrival time.Time
    meanGap     float64 // EWMA of inter-arrival time, ns
    jitter      float64 // EWMA of |gap - mean|, ns
}

func New(opts Options) *Buffer {
    return &Buffer{
        opts:    opts.withDefaults(),
        seen:    make(map[uint64]uint64),
        pending: make(map[uint64]pending),
    }
}

// Push admits m at time now and returns the messages released by it, in
// delivery order, plus the verdict for m itself.
func (b *Buffer) Push(m *protocol.Message, now time.Time) ([]*protocol.Message, Verdict) {
    id := m.MsgID
    if !b.started { b.start(id, now) }
    if !SeqLess(b.floor, id) { return nil, Stale }
    if _, ok := b.seen[id]; ok { return nil, Duplicate }

    b.observe(now)
    b.seen[id] = b.epoch

    var out []*protocol.Message
    verdict := Accepted
    switch {
    case id == b.next:
        out = append(out, m)
        b.next++
        out = b.drain(out)
    case SeqLess(b.next, id):
        b.pending[id] = pending{msg: m, arrived: now}
        verdict = Buffered
    default:
        out = append(out, m)
        verdict = Late
    }

    b.high = seqMax(b.high, id)
    out = b.raiseFloor(b.high-uint64(b.opts.SeenCapacity), out)

    if len(b.pending) > b.opts.MaxPending { out = b.skipGap(out) }
    if len(b.seen) > b.opts.SeenCapacity+b.opts.SeenCapacity/2 { b.pruneSeen() }

    if verdict == Buffered {
        if _, still := b.pending[id]; !still { verdict = Accepted }
    }
    return out, verdict
}

func (b *Buffer) start(first uint64, now time.Time) {
    b.started = true
    b.epochStart = now
    if b.opts.Start != 0 {
        b.next = b.opts.Start
        b.high = b.opts.Start - 1
        b.floor = b.opts.Start - 1
        return
    }
    b.next, b.high = first, first
    b.floor = first - uint64(b.opts.SeenCapacity)
}

// Tick advances the epoch clock, ages the seen set and force-releases gaps
// that have waited longer than the current window.
func (b *Buffer) Tick(now time.Time) []*protocol.Message {
    if !b.started { return nil }
    var out []*protocol.Message
    if now.Sub(b.epochStart) >= b.opts.Epoch {
        steps := uint64(now.Sub(b.epochStart) / b.opts.Epoch)
        b.epoch += steps
        b.epochStart = b.epochStart.Add(time.Duration(steps) * b.opts.Epoch)
        out = b.age(out)
    }
    window := b.Window()
    for len(b.pending) > 0 {
        low, ok := b.lowestPending()
        if !ok || now.Sub(b.pending[low].arrived) < window { break }
        out = b.skipGap(out)
    }
    return out
}

// Window is the current gap wait derived from observed inter-arrival jitter.
func (b *Buffer) Window() time.Duration {
    w := time.Duration(b.meanGap + 4*b.jitter)
    if w < b.opts.MinWindow { return b.opts.MinWindow }
    if w > b.opts.MaxWindow { return b.opts.MaxWindow }
    return w
}

// Pending is the number of buffered messages.
func (b *Buffer) Pending() int { return len(b.pending) }

// Seen is the number of tracked ids.
func (b *Buffer) Seen() int { return len(b.seen) }

// Floor returns the current stale bound.
func (b *Buffer) Floor() uint64 { return b.floor }

// Release drops all state. Buffered messages are discarded.
func (b *Buffer) Release() {
    b.pending = make(map[uint64]pending)
    b.seen = make(map[uint64]uint64)
    b.started = false
    b.meanGap, b.jitter = 0, 0
}

// observe folds one arrival into the jitter estimate (RFC 3550 style gains).
func (b *Buffer) observe(now time.Time) {
    if !b.lastArrival.IsZero() {
        gap := float64(now.Sub(b.lastArrival))
        if gap < 0 { gap = 0 }
        if b.meanGap == 0 {
            b.meanGap = gap
        } else {
            dev := gap - b.meanGap
            if dev < 0 { dev = -dev }
            b.jitter += (dev - b.jitter) / 16
            b.meanGap += (gap - b.meanGap) / 8
        }
    }
    b.lastArrival = now
}

// drain releases consecutive buffered ids starting at next.
func (b *Buffer) drain(out []*protocol.Message) []*protocol.Message {
    for {
        p, ok := b.pending[b.next]
        if !ok { return out }
        delete(b.pending, b.next)
        out = append(out, p.msg)
        b.next++
    }
}

// skipGap gives up on the missing ids before the lowest buffered message.
func (b *Buffer) skipGap(out []*protocol.Message) []*protocol.Message {
    low, ok := b.lowestPending()
    if !ok { return out }
    b.next = low
    return b.drain(out)
}

func (b *Buffer) lowestPending() (uint64, bool) {
    first := true
    var low uint64
    for id := range b.pending {
        if first || SeqLess(id, low) { low, first = id, false }
    }
    return low, !first
}

// raiseFloor moves the stale bound forward to f. Buffered messages at or
// below the new floor are released first, in order.
func (b *Buffer) raiseFloor(f uint64, out []*protocol.Message) []*protocol.Message {
    if !SeqLess(b.floor, f) { return out }
    b.floor = f
    if SeqLess(b.floor, b.next) { return out }
    ids := make([]uint64, 0, len(b.pending))
    for id := range b.pending {
        if !SeqLess(b.floor, id) { ids = append(ids, id) }
    }
    sort.Slice(ids, func(i, j int) bool { return SeqLess(ids[i], ids[j]) })
    for _, id := range ids {
        out = append(out, b.pending[id].msg)
        delete(b.pending, id)
    }
    b.next = b.floor + 1
    return b.drain(out)
}

// age evicts seen ids admitted more than EpochsKept epochs ago. The floor
// moves past every evicted id so a late copy cannot be delivered twice.
func (b *Buffer) age(out []*protocol.Message) []*protocol.Message {
    if b.epoch < uint64(b.opts.EpochsKept) { return out }
    cutoff := b.epoch - uint64(b.opts.EpochsKept)
    newFloor := b.floor
    for id, ep := range b.seen {
        if ep > cutoff { continue }
        if _, buffered := b.pending[id]; buffered { continue }
        delete(b.seen, id)
        newFloor = seqMax(newFloor, id)
    }
    if SeqLess(b.next, newFloor) { newFloor = b.next - 1 }
    out = b.raiseFloor(newFloor, out)
    b.pruneSeen()
    return out
}

func (b *Buffer) pruneSeen() {
    for id := range b.seen {
        if !SeqLess(b.floor, id) { delete(b.seen, id) }
    }
}
