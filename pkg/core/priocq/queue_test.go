package priocq

import (
    "context"
    "errors"
    "testing"
    "time"
)

func TestStrictPriority(t *testing.T) {
    q := New()
    _ = q.Enqueue(Item{Bytes: []byte("bulk"), Class: Bulk})
    _ = q.Enqueue(Item{Bytes: []byte("rt"), Class: Realtime})
    _ = q.Enqueue(Item{Bytes: []byte("ctl"), Class: Control})
    want := []string{"ctl", "rt", "bulk"}
    for _, w := range want {
        it, ok := q.TryDequeue()
        if !ok || string(it.Bytes) != w { t.Fatalf("want %s got %q (ok=%v)", w, it.Bytes, ok) }
    }
    if _, ok := q.TryDequeue(); ok { t.Fatalf("queue should be empty") }
}

func TestDRRSharesBetweenFlows(t *testing.T) {
    q := New()
    for i := 0; i < 10; i++ {
        _ = q.Enqueue(Item{Flow: "big", Size: 8192, Class: Realtime})
    }
    for i := 0; i < 10; i++ {
        _ = q.Enqueue(Item{Flow: "small", Size: 512, Class: Realtime})
    }
    // The small flow must not wait behind every big item.
    var small int
    for i := 0; i < 10; i++ {
        it, _ := q.TryDequeue()
        if it.Flow == "small" { small++ }
    }
    if small == 0 { t.Fatalf("small flow starved") }
    if q.Len() != 10 { t.Fatalf("len=%d", q.Len()) }
}

func TestOversizedItemStillServed(t *testing.T) {
    q := New()
    _ = q.Enqueue(Item{Flow: "f", Size: 1 << 20, Class: Control})
    if _, ok := q.TryDequeue(); !ok { t.Fatalf("large item never served") }
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
    q := New()
    got := make(chan Item, 1)
    go func() {
        it, err := q.Dequeue(context.Background())
        if err == nil { got <- it }
    }()
    time.Sleep(20 * time.Millisecond)
    _ = q.Enqueue(Item{Bytes: []byte("x")})
    select {
    case it := <-got:
        if string(it.Bytes) != "x" { t.Fatalf("got %q", it.Bytes) }
    case <-time.After(time.Second):
        t.Fatalf("dequeue did not wake up")
    }
}

func TestDequeueContextAndClose(t *testing.T) {
    q := New()
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("want deadline, got %v", err) }

    _ = q.Enqueue(Item{Bytes: []byte("left")})
    q.Close()
    if err := q.Enqueue(Item{}); !errors.Is(err, ErrClosed) { t.Fatalf("enqueue after close: %v", err) }
    it, err := q.Dequeue(context.Background())
    if err != nil || string(it.Bytes) != "left" { t.Fatalf("queued item lost on close: %v", err) }
    if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) { t.Fatalf("want ErrClosed, got %v", err) }
}

func TestDrainClass(t *testing.T) {
    q := New()
    for i := 0; i < 5; i++ { _ = q.Enqueue(Item{Class: Control, Flow: "hb", Size: 10}) }
    _ = q.Enqueue(Item{Class: Realtime, Size: 10})
    if got := q.DrainClass(Control, 3); len(got) != 3 { t.Fatalf("drained %d", len(got)) }
    if got := q.DrainClass(Control, 10); len(got) != 2 { t.Fatalf("drained %d", len(got)) }
    if q.Len() != 1 { t.Fatalf("len=%d", q.Len()) }
}

func TestTokenBucket(t *testing.T) {
    b := NewTokenBucket(1000, 1000)
    if ok, _ := b.Allow(1000); !ok { t.Fatalf("full bucket refused") }
    ok, wait := b.Allow(500)
    if ok || wait <= 0 { t.Fatalf("empty bucket allowed: ok=%v wait=%v", ok, wait) }
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    start := time.Now()
    if err := b.Wait(ctx, 100); err != nil { t.Fatalf("wait: %v", err) }
    if time.Since(start) < 50*time.Millisecond { t.Fatalf("wait returned too early: %v", time.Since(start)) }

    big := NewTokenBucket(10, 10)
    if ok, _ := big.Allow(1 << 20); !ok { t.Fatalf("oversized request on full bucket refused") }
}

func TestTicketHasOneOwner(t *testing.T) {
    tk := new(Ticket)
    if !tk.Withdraw() || tk.Take() || tk.Withdraw() { t.Fatalf("withdrawn ticket taken") }
    tk = new(Ticket)
    if !tk.Take() || tk.Withdraw() { t.Fatalf("taken ticket withdrawn") }
    var none *Ticket
    if !none.Take() || none.Withdraw() { t.Fatalf("nil ticket") }
}
