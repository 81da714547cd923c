package pipeline

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "iac/pkg/core/priocq"
)

type recorder struct {
    mu      sync.Mutex
    batches [][][]byte
    gate    chan struct{}
}

func (r *recorder) send(ctx context.Context, _ priocq.Class, frames [][]byte) error {
    if r.gate != nil {
        select {
        case <-r.gate:
        case <-ctx.Done():
            return ctx.Err()
        }
    }
    r.mu.Lock(); defer r.mu.Unlock()
    r.batches = append(r.batches, frames)
    return nil
}

func (r *recorder) count() (batches, frames int) {
    r.mu.Lock(); defer r.mu.Unlock()
    for _, b := range r.batches { frames += len(b) }
    return len(r.batches), frames
}

func TestSubmitWaitsForWrite(t *testing.T) {
    r := &recorder{}
    p := New(Options{Workers: 2}, r.send)
    defer p.Close()
    for i := 0; i < 10; i++ {
        if err := p.Submit(context.Background(), priocq.Realtime, "cmd", []byte{byte(i)}); err != nil { t.Fatalf("submit: %v", err) }
    }
    if _, frames := r.count(); frames != 10 { t.Fatalf("written %d frames", frames) }
}

func TestControlFramesAreBatched(t *testing.T) {
    r := &recorder{gate: make(chan struct{})}
    p := New(Options{Workers: 1}, r.send)
    defer p.Close()

    var wg sync.WaitGroup
    submit := func(cls priocq.Class) {
        wg.Add(1)
        go func() { defer wg.Done(); _ = p.Submit(context.Background(), cls, "hb", []byte("ping")) }()
    }
    // The single worker blocks on the first frame while the rest queue up.
    submit(priocq.Realtime)
    time.Sleep(20 * time.Millisecond)
    for i := 0; i < 5; i++ { submit(priocq.Control) }
    for p.Queued() < 5 { time.Sleep(time.Millisecond) }
    close(r.gate)
    wg.Wait()
    batches, frames := r.count()
    if frames != 6 || batches != 2 { t.Fatalf("want 6 frames in 2 batches, got %d in %d", frames, batches) }
}

func TestBackpressure(t *testing.T) {
    r := &recorder{gate: make(chan struct{})}
    p := New(Options{Workers: 1, MaxInFlight: 1}, r.send)
    defer p.Close()
    go func() { _ = p.Submit(context.Background(), priocq.Realtime, "a", []byte("first")) }()
    time.Sleep(20 * time.Millisecond)
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
    defer cancel()
    if err := p.Submit(ctx, priocq.Realtime, "a", []byte("second")); !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("want deadline while full, got %v", err) }
    close(r.gate)
}

func TestCloseFailsQueuedFrames(t *testing.T) {
    r := &recorder{gate: make(chan struct{})}
    p := New(Options{Workers: 1}, r.send)
    errs := make(chan error, 3)
    for i := 0; i < 3; i++ {
        go func() { errs <- p.Submit(context.Background(), priocq.Realtime, "a", []byte("x")) }()
    }
    for p.Queued() < 2 { time.Sleep(time.Millisecond) }
    p.Close()
    for i := 0; i < 3; i++ {
        if err := <-errs; err == nil { t.Fatalf("frame %d reported written after close", i) }
    }
    if err := p.Submit(context.Background(), priocq.Realtime, "a", []byte("late")); !errors.Is(err, ErrClosed) { t.Fatalf("want ErrClosed, got %v", err) }
}

func TestBulkIsShaped(t *testing.T) {
    r := &recorder{}
    p := New(Options{Workers: 1, BulkRate: 10_000}, r.send)
    defer p.Close()
    start := time.Now()
    // bucket starts with 20k tokens; 30k bytes need at least one more second
    for i := 0; i < 3; i++ {
        if err := p.Submit(context.Background(), priocq.Bulk, "file", make([]byte, 10_000)); err != nil { t.Fatalf("submit: %v", err) }
    }
    if el := time.Since(start); el < 900*time.Millisecond { t.Fatalf("bulk not shaped: %v", el) }
}

func TestCanceledFrameIsWithdrawn(t *testing.T) {
    r := &recorder{gate: make(chan struct{})}
    p := New(Options{Workers: 1}, r.send)
    defer p.Close()

    // The worker holds the first frame at the gate; the second stays queued.
    first := make(chan error, 1)
    ctx1, cancel1 := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel1()
    go func() { first <- p.Submit(ctx1, priocq.Realtime, "a", []byte("taken")) }()
    time.Sleep(20 * time.Millisecond)
    ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
    defer cancel2()
    err := p.Submit(ctx2, priocq.Realtime, "a", []byte("queued"))
    if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInFlight) { t.Fatalf("queued frame: %v", err) }
    err = <-first
    if !errors.Is(err, ErrInFlight) || !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("taken frame: %v", err) }

    close(r.gate)
    deadline := time.Now().Add(time.Second)
    for p.Queued() > 0 && time.Now().Before(deadline) { time.Sleep(time.Millisecond) }
    time.Sleep(20 * time.Millisecond)
    if _, frames := r.count(); frames != 1 { t.Fatalf("withdrawn frame written: %d frames", frames) }
    if err := p.Submit(context.Background(), priocq.Realtime, "a", []byte("after")); err != nil { t.Fatalf("slot leaked: %v", err) }
}
