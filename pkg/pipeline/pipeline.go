// Package pipeline schedules outbound frames of one session: classification
// into priority classes, coalescing of queued control frames, shaping of bulk
// traffic and a bounded number of concurrent writers.
package pipeline

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/core/priocq"
)

var (
    ErrClosed = errors.New("pipeline closed")
    // ErrInFlight is returned, wrapping the context error, when ctx ended
    // after a writer had taken the frame: it may still reach the peer.
    ErrInFlight = errors.New("pipeline: frame already handed to a writer")
)

// SendFunc writes frames on one fresh stream. Batches only ever contain
// control frames.
type SendFunc func(ctx context.Context, cls priocq.Class, frames [][]byte) error

type Options struct {
    Workers     int           // concurrent writers (default 4)
    MaxInFlight int           // queued plus writing items before Submit blocks (default 256)
    BulkRate    int64         // bytes/s for the bulk class, 0 = unshaped
    BatchWindow time.Duration // extra wait to coalesce control frames, 0 = only what is queued
    MaxBatch    int           // frames per control batch (default 64)
}

func (o Options) withDefaults() Options {
    if o.Workers <= 0 { o.Workers = 4 }
    if o.MaxInFlight <= 0 { o.MaxInFlight = 256 }
    if o.MaxBatch <= 0 { o.MaxBatch = 64 }
    return o
}

// Pipeline wires Submit → multi-level queue → writer workers.
type Pipeline struct {
    opts   Options
    q      *priocq.MultiLevelQueue
    shaper *priocq.TokenBucket
    send   SendFunc
    slots  chan struct{}

    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
    once   sync.Once
}

func New(opts Options, send SendFunc) *Pipeline {
    opts = opts.withDefaults()
    ctx, cancel := context.WithCancel(context.Background())
    p := &Pipeline{
        opts:   opts,
        q:      priocq.New(),
        send:   send,
        slots:  make(chan struct{}, opts.MaxInFlight),
        ctx:    ctx,
        cancel: cancel,
    }
    if opts.BulkRate > 0 { p.shaper = priocq.NewTokenBucket(opts.BulkRate, 2*opts.BulkRate) }
    for i := 0; i < opts.Workers; i++ {
        p.wg.Add(1)
        go p.worker()
    }
    return p
}

// Submit queues one frame and blocks until it was written or the write
// failed. A full pipeline blocks the caller. When ctx ends first, a frame
// still queued is withdrawn and ctx.Err() returned; one a writer already
// took yields ErrInFlight.
func (p *Pipeline) Submit(ctx context.Context, cls priocq.Class, flow string, frame []byte) error {
    select {
    case p.slots <- struct{}{}:
    case <-ctx.Done():
        return ctx.Err()
    case <-p.ctx.Done():
        return ErrClosed
    }
    done := make(chan error, 1)
    tk := new(priocq.Ticket)
    it := priocq.Item{Bytes: frame, Flow: flow, Size: len(frame), Class: cls, Done: done, Ticket: tk}
    if err := p.q.Enqueue(it); err != nil {
        <-p.slots
        return ErrClosed
    }
    select {
    case err := <-done:
        return err
    case <-ctx.Done():
        if tk.Withdraw() { return ctx.Err() }
        return fmt.Errorf("%w: %w", ErrInFlight, ctx.Err())
    }
}

// Queued is the number of frames waiting for a writer.
func (p *Pipeline) Queued() int { return p.q.Len() }

// Close stops the writers. Frames still queued fail with ErrClosed.
func (p *Pipeline) Close() {
    p.once.Do(func() {
        p.q.Close()
        p.cancel()
        p.wg.Wait()
        for _, it := range p.q.Drain() { p.finish(it, ErrClosed) }
    })
}

func (p *Pipeline) finish(it priocq.Item, err error) {
    it.Finish(err)
    <-p.slots
}

func (p *Pipeline) worker() {
    defer p.wg.Done()
    for {
        it, err := p.q.Dequeue(p.ctx)
        if err != nil { return }
        batch := []priocq.Item{it}
        if it.Class == priocq.Control {
            if p.opts.BatchWindow > 0 {
                t := time.NewTimer(p.opts.BatchWindow)
                select {
                case <-t.C:
                case <-p.ctx.Done():
                    t.Stop()
                }
            }
            batch = append(batch, p.q.DrainClass(priocq.Control, p.opts.MaxBatch-1)...)
        }
        if it.Class == priocq.Bulk && p.shaper != nil {
            if err := p.shaper.Wait(p.ctx, int64(it.Size)); err != nil {
                p.finish(it, ErrClosed)
                continue
            }
        }
        live := batch[:0]
        for _, b := range batch {
            if b.Ticket.Take() { live = append(live, b); continue }
            p.finish(b, context.Canceled)
        }
        if batch = live; len(batch) == 0 { continue }
        frames := make([][]byte, len(batch))
        for i, b := range batch { frames[i] = b.Bytes }
        err = p.send(p.ctx, it.Class, frames)
        if err != nil {
            zap.L().Debug("pipeline send failed", zap.String("class", it.Class.String()), zap.Int("frames", len(frames)), zap.Error(err))
        }
        for _, b := range batch { p.finish(b, err) }
    }
}
