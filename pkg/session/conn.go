// Package session implements an established, authenticated connection to
// one peer: outbound messages are stamped, signed, compressed and scheduled
// one stream each; inbound frames are decompressed, decoded, verified and
// passed through the dedup/reorder window before delivery.
package session

import (
    "context"
    "crypto/ed25519"
    "errors"
    "fmt"
    "io"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "iac/pkg/compress"
    "iac/pkg/core/priocq"
    "iac/pkg/core/reorder"
    "iac/pkg/crypto/sign"
    "iac/pkg/handshake"
    "iac/pkg/observability"
    "iac/pkg/pipeline"
    "iac/pkg/protocol"
    "iac/pkg/transport"
)

// State of a Conn.
type State int32

const (
    Open State = iota
    Closed
)

func (s State) String() string {
    if s == Open { return "open" }
    return "closed"
}

var (
    ErrClosed     = errors.New("session closed")
    ErrNotSigned  = errors.New("session: resend of an unsigned message")
    ErrForeignMsg = errors.New("session: message belongs to another session")
)

// bulkThreshold moves large messages to the shaped bulk class.
const bulkThreshold = 64 << 10

type Options struct {
    Local   transport.PeerID
    Signer  *sign.Signer
    Ring    *sign.KeyRing
    Catalog *compress.Catalog

    Reorder  reorder.Options
    Pipeline pipeline.Options

    TickInterval time.Duration // reorder timer resolution (default 10ms)
    InboxSize    int           // delivered messages buffered before readers block (default 256)

    // OnClose runs once when the session ends; err is nil for a local Close.
    OnClose func(c *Conn, err error)
}

// Stats are per-session counters.
type Stats struct {
    Sent       uint64
    Delivered  uint64
    Dropped    uint64
    Duplicates uint64
    BytesOut   uint64
    BytesIn    uint64
}

type counters struct {
    sent, delivered, dropped, duplicates, bytesOut, bytesIn atomic.Uint64
}

// Conn is one logical session. Send and Recv are safe for concurrent use.
type Conn struct {
    ts   transport.Session
    hs   handshake.Result
    opts Options

    nextID atomic.Uint64
    pl     *pipeline.Pipeline

    mu  sync.Mutex // guards buf and serializes delivery
    buf *reorder.Buffer

    inbox chan *protocol.Message

    state    atomic.Int32
    lastSeen atomic.Int64
    stats    counters
    opened   time.Time

    ctx       context.Context
    cancel    context.CancelFunc
    wg        sync.WaitGroup
    closeOnce sync.Once
    closeErr  error
    done      chan struct{}
}

// firstMsgID is the id of the first message sent on a session; the
// counter starts from zero on both ends.
const firstMsgID = 1

// New starts a session over an authenticated transport session.
func New(ts transport.Session, hs *handshake.Result, opts Options) *Conn {
    if opts.TickInterval <= 0 { opts.TickInterval = 10 * time.Millisecond }
    if opts.InboxSize <= 0 { opts.InboxSize = 256 }
    opts.Reorder.Start = firstMsgID
    ctx, cancel := context.WithCancel(context.Background())
    c := &Conn{
        ts:     ts,
        hs:     *hs,
        opts:   opts,
        buf:    reorder.New(opts.Reorder),
        inbox:  make(chan *protocol.Message, opts.InboxSize),
        opened: time.Now(),
        ctx:    ctx,
        cancel: cancel,
        done:   make(chan struct{}),
    }
    c.touch()
    c.pl = pipeline.New(opts.Pipeline, c.writeFrames)
    c.wg.Add(2)
    go c.acceptLoop()
    go c.tickLoop()
    return c
}

func (c *Conn) PeerID() transport.PeerID        { return c.hs.PeerID }
func (c *Conn) SessionID() uint64               { return c.hs.SessionID }
func (c *Conn) PublicKey() ed25519.PublicKey    { return c.hs.PubKey }
func (c *Conn) DictID() uint32                  { return c.hs.DictID }
func (c *Conn) Initiator() bool                 { return c.hs.Initiator }
func (c *Conn) Kind() transport.Kind            { return c.ts.TransportKind() }
func (c *Conn) Tier() transport.Tier            { return c.ts.TransportKind().Tier() }
func (c *Conn) Transport() transport.Session    { return c.ts }
func (c *Conn) State() State                    { return State(c.state.Load()) }
func (c *Conn) OpenedAt() time.Time             { return c.opened }
func (c *Conn) LastSeen() time.Time             { return time.Unix(0, c.lastSeen.Load()) }
func (c *Conn) Done() <-chan struct{}           { return c.done }

// Err is the transport error that ended the session, if any.
func (c *Conn) Err() error {
    select {
    case <-c.done:
        return c.closeErr
    default:
        return nil
    }
}

func (c *Conn) Stats() Stats {
    return Stats{
        Sent:       c.stats.sent.Load(),
        Delivered:  c.stats.delivered.Load(),
        Dropped:    c.stats.dropped.Load(),
        Duplicates: c.stats.duplicates.Load(),
        BytesOut:   c.stats.bytesOut.Load(),
        BytesIn:    c.stats.bytesIn.Load(),
    }
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Send stamps m with the local id, session id, next message id and (when
// unset) the current time, signs it and blocks until it was written.
// m is modified in place. An error wrapping pipeline.ErrInFlight means the
// frame may still arrive; retry with Resend, never Send, so the receiver
// can drop the second copy.
func (c *Conn) Send(ctx context.Context, m *protocol.Message) error {
    if c.State() == Closed { return ErrClosed }
    m.From = string(c.opts.Local)
    m.SessionID = c.hs.SessionID
    m.MsgID = c.nextID.Add(1)
    if m.Timestamp == 0 { m.Timestamp = protocol.NowMicros() }
    m.Signature = nil
    if err := m.Sign(c.opts.Signer); err != nil { return err }
    return c.submit(ctx, m)
}

// Resend writes an already signed message of this session again, byte for
// byte. The receiver's dedup window discards it if the first copy arrived.
func (c *Conn) Resend(ctx context.Context, m *protocol.Message) error {
    if c.State() == Closed { return ErrClosed }
    if len(m.Signature) == 0 { return ErrNotSigned }
    if m.SessionID != c.hs.SessionID { return ErrForeignMsg }
    return c.submit(ctx, m)
}

func (c *Conn) submit(ctx context.Context, m *protocol.Message) error {
    frame, err := c.compress(m.Marshal())
    if err != nil { return err }
    if err := c.pl.Submit(ctx, classify(m, len(frame)), m.Type.String(), frame); err != nil {
        if errors.Is(err, pipeline.ErrClosed) { return ErrClosed }
        return err
    }
    c.stats.sent.Add(1)
    c.stats.bytesOut.Add(uint64(len(frame)))
    observability.MessagesSent.WithLabelValues(m.Type.String()).Inc()
    return nil
}

func (c *Conn) compress(b []byte) ([]byte, error) {
    if c.opts.Catalog == nil { return b, nil }
    return c.opts.Catalog.Compress(b, c.hs.DictID)
}

func (c *Conn) decompress(b []byte) ([]byte, error) {
    if c.opts.Catalog == nil { return b, nil }
    return c.opts.Catalog.Decompress(b, c.hs.DictID)
}

func classify(m *protocol.Message, size int) priocq.Class {
    switch {
    case m.Type == protocol.MsgPing:
        return priocq.Control
    case m.Type == protocol.MsgFileTransfer || size > bulkThreshold:
        return priocq.Bulk
    default:
        return priocq.Realtime
    }
}

func streamClass(cls priocq.Class) transport.StreamClass {
    switch cls {
    case priocq.Control:
        return transport.StreamControl
    case priocq.Bulk:
        return transport.StreamBulk
    default:
        return transport.StreamTask
    }
}

// writeFrames is the pipeline's writer: one fresh stream per call.
func (c *Conn) writeFrames(ctx context.Context, cls priocq.Class, frames [][]byte) error {
    st, err := c.ts.OpenStream(ctx, streamClass(cls))
    if err != nil { return c.ioFailure(err) }
    for _, f := range frames {
        if err := st.SendBytes(f); err != nil {
            _ = st.Close()
            return c.ioFailure(err)
        }
    }
    if err := st.Close(); err != nil { return c.ioFailure(err) }
    return nil
}

func (c *Conn) ioFailure(err error) error {
    if c.ctx.Err() != nil { return ErrClosed }
    c.terminate(fmt.Errorf("transport: %w", err))
    return err
}

// Recv returns the next delivered message.
func (c *Conn) Recv(ctx context.Context) (*protocol.Message, error) {
    select {
    case m, ok := <-c.inbox:
        if !ok { return nil, ErrClosed }
        return m, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// Messages is the delivery channel; it is closed when the session ends.
func (c *Conn) Messages() <-chan *protocol.Message { return c.inbox }

func (c *Conn) acceptLoop() {
    defer c.wg.Done()
    for {
        st, err := c.ts.AcceptStream(c.ctx)
        if err != nil {
            if c.ctx.Err() == nil {
                if errors.Is(err, io.EOF) { err = io.ErrUnexpectedEOF }
                c.terminate(fmt.Errorf("transport: %w", err))
            }
            return
        }
        c.wg.Add(1)
        go c.readStream(st)
    }
}

func (c *Conn) readStream(st transport.Stream) {
    defer c.wg.Done()
    defer st.Close()
    for {
        b, err := st.RecvBytes()
        if err != nil {
            if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
                zap.L().Debug("stream read failed", zap.String("peer", string(c.hs.PeerID)), zap.Error(err))
            }
            return
        }
        c.admit(b)
    }
}

func (c *Conn) drop(reason string, fields ...zap.Field) {
    c.stats.dropped.Add(1)
    observability.MessagesDropped.WithLabelValues(reason).Inc()
    zap.L().Debug("inbound message dropped", append(fields, zap.String("peer", string(c.hs.PeerID)), zap.String("reason", reason))...)
}

// admit runs one frame through the receive path.
func (c *Conn) admit(frame []byte) {
    c.stats.bytesIn.Add(uint64(len(frame)))
    raw, err := c.decompress(frame)
    if err != nil { c.drop(observability.DropDecompress, zap.Error(err)); return }
    m, err := protocol.Unmarshal(raw)
    if err != nil { c.drop(observability.DropMalformed, zap.Error(err)); return }
    if m.SessionID != c.hs.SessionID {
        c.drop(observability.DropSessionMismatch, zap.Uint64("session_id", m.SessionID))
        return
    }
    if !c.fromPeer(m.From) {
        c.drop(observability.DropUnknownSigner, zap.String("from", m.From))
        return
    }
    if !m.Verify(c.hs.PubKey) {
        c.drop(observability.DropSignature, zap.Uint64("msg_id", m.MsgID))
        return
    }
    c.touch()

    c.mu.Lock()
    defer c.mu.Unlock()
    released, verdict := c.buf.Push(m, time.Now())
    switch verdict {
    case reorder.Duplicate:
        c.stats.duplicates.Add(1)
        c.drop(observability.DropDuplicate, zap.Uint64("msg_id", m.MsgID))
    case reorder.Stale:
        c.stats.duplicates.Add(1)
        c.drop(observability.DropStale, zap.Uint64("msg_id", m.MsgID))
    }
    c.deliverLocked(released)
}

// fromPeer accepts the sender id only if the ring resolves it to the key
// proven in the handshake.
func (c *Conn) fromPeer(from string) bool {
    if from == string(c.hs.PeerID) { return true }
    if c.opts.Ring == nil { return false }
    pub, ok := c.opts.Ring.Lookup(from)
    return ok && pub.Equal(c.hs.PubKey)
}

func (c *Conn) deliverLocked(ms []*protocol.Message) {
    for _, m := range ms {
        select {
        case c.inbox <- m:
            c.stats.delivered.Add(1)
            observability.MessagesDelivered.WithLabelValues(m.Type.String()).Inc()
        case <-c.ctx.Done():
            return
        }
    }
}

func (c *Conn) tickLoop() {
    defer c.wg.Done()
    t := time.NewTicker(c.opts.TickInterval)
    defer t.Stop()
    for {
        select {
        case <-c.ctx.Done():
            return
        case now := <-t.C:
            c.mu.Lock()
            c.deliverLocked(c.buf.Tick(now))
            c.mu.Unlock()
        }
    }
}

// Close ends the session and waits for its goroutines.
func (c *Conn) Close() error {
    c.terminate(nil)
    <-c.done
    return nil
}

func (c *Conn) terminate(err error) {
    c.closeOnce.Do(func() {
        c.closeErr = err
        c.state.Store(int32(Closed))
        c.cancel()
        _ = c.ts.Close()
        if err != nil {
            zap.L().Info("session lost", zap.String("peer", string(c.hs.PeerID)), zap.String("kind", c.Kind().String()), zap.Error(err))
        }
        go c.finalize()
    })
}

func (c *Conn) finalize() {
    c.pl.Close()
    c.wg.Wait()
    c.mu.Lock()
    c.buf.Release()
    c.mu.Unlock()
    close(c.inbox)
    close(c.done)
    if c.opts.OnClose != nil { c.opts.OnClose(c, c.closeErr) }
}
