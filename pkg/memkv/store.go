package memkv

import (
    "container/heap"
    "sort"
    "strings"
    "sync"
    "sync/atomic"
    "time"
)

type Options struct {
    Shards   int    // number of shards (default 64)
    MaxBytes uint64 // hard cap on the summed size of values, 0 = unlimited
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 { o.Shards = 64 }
    return o
}

// Store is safe for concurrent use. Values are copied on the way in and on
// the way out.
type Store struct {
    opts    Options
    shards  []shard
    expq    expQueue
    wake    chan struct{}
    closeCh chan struct{}
    once    sync.Once
    wg      sync.WaitGroup

    nowFn func() time.Time

    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
    mUpdates atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nanos, 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        wake:    make(chan struct{}, 1),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards { s.shards[i].m = make(map[string]*entry) }
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the expirer. The store stays readable.
func (s *Store) Close() {
    s.once.Do(func() { close(s.closeCh) })
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a 64
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[h%uint64(len(s.shards))]
}

func clone(b []byte) []byte {
    if b == nil { return nil }
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

// reserve accounts a positive size delta against MaxBytes.
func (s *Store) reserve(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        if cur+delta > s.opts.MaxBytes { return false }
        if s.mBytes.CompareAndSwap(cur, cur+delta) { return true }
    }
}

func (s *Store) release(n int) {
    if n <= 0 { return }
    s.mBytes.Add(^uint64(n - 1))
}

// removeLocked drops key from a locked shard and fixes the counters.
func (s *Store) removeLocked(sh *shard, key string, e *entry, expired bool) {
    delete(sh.m, key)
    s.mKeys.Add(^uint64(0))
    s.release(len(e.val))
    if expired { s.mExpired.Add(1) } else { s.mDels.Add(1) }
}

func (s *Store) deadline(ttl time.Duration) int64 {
    if ttl <= 0 { return 0 }
    return s.nowFn().Add(ttl).UnixNano()
}

// putLocked stores val under key. It reports false when MaxBytes would be
// exceeded, leaving the old value in place.
func (s *Store) putLocked(sh *shard, key string, val []byte, expAt int64) bool {
    prev, existed := sh.m[key]
    oldLen := 0
    if existed { oldLen = len(prev.val) }
    if d := len(val) - oldLen; d > 0 && !s.reserve(uint64(d)) { return false }
    if existed {
        s.release(oldLen - len(val))
        prev.val, prev.expireAt = val, expAt
    } else {
        sh.m[key] = &entry{val: val, expireAt: expAt}
        s.mKeys.Add(1)
    }
    if expAt != 0 { s.schedule(key, expAt) }
    return true
}

// Set stores val with an optional ttl (0 = no expiry). It returns false only
// when the size cap rejects the write.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    v := clone(val)
    if v == nil { v = []byte{} }
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    if !s.putLocked(sh, key, v, s.deadline(ttl)) { return false }
    s.mSets.Add(1)
    return true
}

func (s *Store) Get(key string) ([]byte, bool) {
    s.mGets.Add(1)
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if ok && !e.expired(s.nowFn().UnixNano()) {
        v := clone(e.val)
        sh.mu.RUnlock()
        s.mHits.Add(1)
        return v, true
    }
    sh.mu.RUnlock()
    s.mMisses.Add(1)
    if ok { s.evict(key) }
    return nil, false
}

// evict lazily removes key if it is still expired.
func (s *Store) evict(key string) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    if e, ok := sh.m[key]; ok && e.expired(s.nowFn().UnixNano()) { s.removeLocked(sh, key, e, true) }
    sh.mu.Unlock()
}

// GetDel returns the value and removes the key in one step.
func (s *Store) GetDel(key string) ([]byte, bool) {
    s.mGets.Add(1)
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        s.mMisses.Add(1)
        return nil, false
    }
    if e.expired(s.nowFn().UnixNano()) {
        s.removeLocked(sh, key, e, true)
        s.mMisses.Add(1)
        return nil, false
    }
    s.removeLocked(sh, key, e, false)
    s.mHits.Add(1)
    return e.val, true
}

// Update rewrites an existing, unexpired value. It returns false when the
// key is missing or the size cap rejects the new value. The TTL is kept.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok { return false }
    if e.expired(s.nowFn().UnixNano()) {
        s.removeLocked(sh, key, e, true)
        return false
    }
    nv := clone(fn(clone(e.val)))
    if nv == nil { nv = []byte{} }
    if !s.putLocked(sh, key, nv, e.expireAt) { return false }
    s.mUpdates.Add(1)
    return true
}

// Upsert is Update that also creates the key: fn sees nil for a missing or
// expired key. A positive ttl refreshes the expiry, 0 keeps it.
func (s *Store) Upsert(key string, ttl time.Duration, fn func(old []byte) []byte) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    var old []byte
    expAt := s.deadline(ttl)
    if e, ok := sh.m[key]; ok {
        if e.expired(s.nowFn().UnixNano()) {
            s.removeLocked(sh, key, e, true)
        } else {
            old = clone(e.val)
            if ttl <= 0 { expAt = e.expireAt }
        }
    }
    nv := clone(fn(old))
    if nv == nil { nv = []byte{} }
    if !s.putLocked(sh, key, nv, expAt) { return false }
    s.mUpdates.Add(1)
    return true
}

func (s *Store) Exists(key string) bool {
    sh := s.shardFor(key)
    sh.mu.RLock()
    defer sh.mu.RUnlock()
    e, ok := sh.m[key]
    return ok && !e.expired(s.nowFn().UnixNano())
}

func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if ok { s.removeLocked(sh, key, e, false) }
    return ok
}

// Expire sets a new ttl; ttl <= 0 deletes the key. False when the key is
// missing or already expired.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    if ttl <= 0 { return s.Delete(key) }
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok { return false }
    if e.expired(s.nowFn().UnixNano()) {
        s.removeLocked(sh, key, e, true)
        return false
    }
    e.expireAt = s.deadline(ttl)
    s.schedule(key, e.expireAt)
    return true
}

// TTL reports the remaining lifetime; 0 with ok=true means no expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok { exp = e.expireAt }
    sh.mu.RUnlock()
    if !ok { return 0, false }
    if exp == 0 { return 0, true }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.evict(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Keys returns the live keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
    now := s.nowFn().UnixNano()
    var out []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        for k, e := range sh.m {
            if strings.HasPrefix(k, prefix) && !e.expired(now) { out = append(out, k) }
        }
        sh.mu.RUnlock()
    }
    sort.Strings(out)
    return out
}

// Stats is a snapshot of the store counters.
type Stats struct {
    Keys    uint64 `json:"keys"`
    Bytes   uint64 `json:"bytes"`
    Sets    uint64 `json:"sets"`
    Gets    uint64 `json:"gets"`
    Hits    uint64 `json:"hits"`
    Misses  uint64 `json:"misses"`
    Dels    uint64 `json:"dels"`
    Expired uint64 `json:"expired"`
    Updates uint64 `json:"updates"`
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
        Updates: s.mUpdates.Load(),
    }
}

// ---- expiry queue ----

type expItem struct {
    when int64
    key  string
}

// expQueue is a min-heap of deadlines. Entries are hints: the expirer
// re-checks the shard before deleting, so stale items are harmless.
type expQueue struct {
    mu    sync.Mutex
    items []expItem
}

func (q *expQueue) Len() int           { return len(q.items) }
func (q *expQueue) Less(i, j int) bool { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *expQueue) Push(x any)         { q.items = append(q.items, x.(expItem)) }
func (q *expQueue) Pop() any {
    n := len(q.items)
    it := q.items[n-1]
    q.items = q.items[:n-1]
    return it
}

func (s *Store) schedule(key string, when int64) {
    s.expq.mu.Lock()
    heap.Push(&s.expq, expItem{when: when, key: key})
    s.expq.mu.Unlock()
    select {
    case s.wake <- struct{}{}:
    default:
    }
}

func (s *Store) expirer() {
    defer s.wg.Done()
    timer := time.NewTimer(time.Hour)
    defer timer.Stop()
    for {
        now := s.nowFn().UnixNano()
        var due []string
        next := int64(0)
        s.expq.mu.Lock()
        for s.expq.Len() > 0 {
            it := s.expq.items[0]
            if it.when > now {
                next = it.when
                break
            }
            heap.Pop(&s.expq)
            due = append(due, it.key)
        }
        s.expq.mu.Unlock()
        for _, k := range due { s.evict(k) }

        wait := time.Hour
        if next != 0 { wait = time.Duration(next - now) }
        if !timer.Stop() {
            select {
            case <-timer.C:
            default:
            }
        }
        timer.Reset(wait)
        select {
        case <-s.closeCh:
            return
        case <-s.wake:
        case <-timer.C:
        }
    }
}
