package priocq

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"
)

// Class is a priority class: control > realtime > bulk.
type Class int

const (
    Control Class = iota
    Realtime
    Bulk
    numClasses
)

func (c Class) String() string {
    switch c {
    case Control:
        return "control"
    case Realtime:
        return "realtime"
    case Bulk:
        return "bulk"
    default:
        return "unknown"
    }
}

var ErrClosed = errors.New("priocq: queue closed")

type Item struct {
    Bytes   []byte
    Flow    string // DRR flow key within the class
    Size    int
    Class   Class
    Arrived time.Time
    // Done, when set, receives the send result exactly once. It must be
    // buffered so the consumer never blocks on it.
    Done chan error
    // Ticket, when set, decides a race between the consumer starting the
    // send and the submitter giving up on it.
    Ticket *Ticket
}

// Finish reports err to the submitter, if any.
func (it Item) Finish(err error) {
    if it.Done != nil { it.Done <- err }
}

// Ticket is claimed by exactly one side: Take by the consumer before
// writing, Withdraw by the submitter. A nil Ticket can only be taken.
type Ticket struct{ v atomic.Int32 }

func (t *Ticket) Take() bool { return t == nil || t.v.CompareAndSwap(0, 1) }

func (t *Ticket) Withdraw() bool { return t != nil && t.v.CompareAndSwap(0, 2) }

// flow is a DRR queue.
type flow struct {
    key     string
    q       []Item
    deficit int
}

type level struct {
    quantum int
    flows   map[string]*flow
    order   []*flow // round robin order
    idx     int
    n       int
}

// MultiLevelQueue: strict priority between classes, deficit round robin
// between flows inside a class.
type MultiLevelQueue struct {
    mu     sync.Mutex
    lvls   [numClasses]*level
    notify chan struct{}
    closed chan struct{}
    once   sync.Once
}

func New() *MultiLevelQueue {
    q := &MultiLevelQueue{notify: make(chan struct{}, 1), closed: make(chan struct{})}
    for i := range q.lvls {
        q.lvls[i] = &level{quantum: chooseQuantum(Class(i)), flows: make(map[string]*flow)}
    }
    return q
}

func chooseQuantum(c Class) int {
    switch c {
    case Control:
        return 2048 // small frames, quick turn
    case Realtime:
        return 8192
    case Bulk:
        return 65536
    default:
        return 4096
    }
}

// Enqueue appends an item to its class and flow.
func (q *MultiLevelQueue) Enqueue(it Item) error {
    if it.Class < 0 || it.Class >= numClasses { it.Class = Realtime }
    if it.Size <= 0 { it.Size = len(it.Bytes) }
    if it.Arrived.IsZero() { it.Arrived = time.Now() }
    q.mu.Lock()
    select {
    case <-q.closed:
        q.mu.Unlock()
        return ErrClosed
    default:
    }
    lvl := q.lvls[it.Class]
    f := lvl.flows[it.Flow]
    if f == nil {
        f = &flow{key: it.Flow}
        lvl.flows[it.Flow] = f
        lvl.order = append(lvl.order, f)
    }
    f.q = append(f.q, it)
    lvl.n++
    q.mu.Unlock()
    q.signal()
    return nil
}

func (q *MultiLevelQueue) signal() {
    select { case q.notify <- struct{}{}: default: }
}

// Dequeue blocks until an item is available, ctx is done or the queue is
// closed and drained.
func (q *MultiLevelQueue) Dequeue(ctx context.Context) (Item, error) {
    for {
        if it, ok := q.TryDequeue(); ok { return it, nil }
        select {
        case <-ctx.Done():
            return Item{}, ctx.Err()
        case <-q.closed:
            if it, ok := q.TryDequeue(); ok { return it, nil }
            return Item{}, ErrClosed
        case <-q.notify:
        }
    }
}

// TryDequeue pops the next item without blocking.
func (q *MultiLevelQueue) TryDequeue() (Item, bool) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for _, lvl := range q.lvls {
        if lvl.n == 0 { continue }
        it := lvl.pop()
        if q.lenLocked() > 0 { q.signal() }
        return it, true
    }
    return Item{}, false
}

// DrainClass pops up to max queued items of class c without blocking.
func (q *MultiLevelQueue) DrainClass(c Class, max int) []Item {
    q.mu.Lock()
    defer q.mu.Unlock()
    lvl := q.lvls[c]
    var out []Item
    for lvl.n > 0 && len(out) < max { out = append(out, lvl.pop()) }
    return out
}

// Len is the number of queued items.
func (q *MultiLevelQueue) Len() int {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.lenLocked()
}

func (q *MultiLevelQueue) lenLocked() int {
    n := 0
    for _, lvl := range q.lvls { n += lvl.n }
    return n
}

// Close stops accepting items. Queued items can still be dequeued; Drain
// hands them back to the caller.
func (q *MultiLevelQueue) Close() {
    q.once.Do(func() {
        q.mu.Lock()
        close(q.closed)
        q.mu.Unlock()
    })
}

// Drain removes and returns every queued item.
func (q *MultiLevelQueue) Drain() []Item {
    q.mu.Lock()
    defer q.mu.Unlock()
    var out []Item
    for _, lvl := range q.lvls {
        for lvl.n > 0 { out = append(out, lvl.pop()) }
    }
    return out
}

// pop runs DRR over the level's flows; the caller ensures l.n > 0.
func (l *level) pop() Item {
    for {
        if l.idx >= len(l.order) { l.idx = 0 }
        f := l.order[l.idx]
        if len(f.q) == 0 {
            l.remove(l.idx)
            continue
        }
        if f.q[0].Size <= f.deficit {
            it := f.q[0]
            f.q[0] = Item{}
            f.q = f.q[1:]
            f.deficit -= it.Size
            l.n--
            if len(f.q) == 0 { l.remove(l.idx) }
            return it
        }
        f.deficit += l.quantum
        l.idx++
    }
}

func (l *level) remove(i int) {
    f := l.order[i]
    delete(l.flows, f.key)
    l.order = append(l.order[:i], l.order[i+1:]...)
}
