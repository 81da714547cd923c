// Package mesh is the agent-facing facade over many sessions: it dials and
// accepts peers, keeps one canonical session per peer identity, dispatches
// inbound messages, and tracks liveness with periodic heartbeats.
package mesh

import (
    "context"
    "crypto/ed25519"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/compress"
    "iac/pkg/core/netstack"
    "iac/pkg/crypto/sign"
    "iac/pkg/handshake"
    "iac/pkg/memkv"
    "iac/pkg/observability"
    "iac/pkg/peers"
    "iac/pkg/protocol"
    "iac/pkg/session"
    "iac/pkg/transport"
    "iac/pkg/transport/negotiate"
)

var (
    ErrClosed       = errors.New("mesh closed")
    ErrUnknownPeer  = errors.New("unknown peer")
    ErrNotConnected = errors.New("peer has no open session")
)

// EventKind names a liveness event.
type EventKind int

const (
    PeerAlive EventKind = iota + 1
    PeerSuspected
    PeerDead
)

func (k EventKind) String() string {
    switch k {
    case PeerAlive:
        return "PeerAlive"
    case PeerSuspected:
        return "PeerSuspected"
    case PeerDead:
        return "PeerDead"
    default:
        return "unknown"
    }
}

type Event struct {
    Kind EventKind
    Peer transport.PeerID
    At   time.Time
}

// Handler consumes messages of one type. It runs on the session's dispatch
// goroutine, so messages of one session reach it in delivery order.
type Handler func(ctx context.Context, from transport.PeerID, m *protocol.Message)

type Options struct {
    ID      transport.PeerID
    Signer  *sign.Signer
    Ring    *sign.KeyRing
    Catalog *compress.Catalog
    MaxSkew time.Duration

    // Session is the template for every session; identity fields and
    // OnClose are filled in by the mesh.
    Session session.Options

    Negotiator       *negotiate.Negotiator // default: QUIC allowed, local tiers when co-located
    Peers            *peers.Store          // default: private in-memory store
    HandshakeTimeout time.Duration         // inbound handshake deadline (default 5s)

    HeartbeatInterval time.Duration // default 5s
    SuspectAfter      int           // missed acks before Suspected (default 3)
    DeadAfter         time.Duration // time in Suspected before eviction (default 3 intervals)
    Reconnect         bool
    ReconnectBackoff  netstack.Backoff

    InboxSize int // default 1024
}

func (o Options) withDefaults() Options {
    if o.HandshakeTimeout <= 0 { o.HandshakeTimeout = negotiate.DefaultHandshakeTimeout }
    if o.HeartbeatInterval <= 0 { o.HeartbeatInterval = 5 * time.Second }
    if o.SuspectAfter <= 0 { o.SuspectAfter = 3 }
    if o.DeadAfter <= 0 { o.DeadAfter = 3 * o.HeartbeatInterval }
    if o.InboxSize <= 0 { o.InboxSize = 1024 }
    if o.Ring == nil { o.Ring = sign.NewKeyRing() }
    return o
}

type Mesh struct {
    opts  Options
    local handshake.Local
    neg   *negotiate.Negotiator
    store *peers.Store
    kv    *memkv.Store // owned when no store was given

    mu        sync.RWMutex
    peers     map[transport.PeerID]*peerEntry
    listeners []transport.Listener
    closed    bool

    hmu      sync.RWMutex
    handlers map[protocol.MsgType]Handler

    inbox  chan *protocol.Message
    events chan Event

    ctx     context.Context
    cancel  context.CancelFunc
    wg      sync.WaitGroup
    started sync.Once
}

func New(opts Options) (*Mesh, error) {
    opts = opts.withDefaults()
    if opts.Signer == nil { return nil, errors.New("mesh: signer required") }
    if opts.ID == "" { opts.ID = transport.CanonicalPeerIDFromPubKey(opts.Signer.PublicKey()) }
    ctx, cancel := context.WithCancel(context.Background())
    m := &Mesh{
        opts:     opts,
        local:    handshake.Local{ID: opts.ID, Signer: opts.Signer, Ring: opts.Ring, Catalog: opts.Catalog, MaxSkew: opts.MaxSkew},
        neg:      opts.Negotiator,
        store:    opts.Peers,
        peers:    make(map[transport.PeerID]*peerEntry),
        handlers: make(map[protocol.MsgType]Handler),
        inbox:    make(chan *protocol.Message, opts.InboxSize),
        events:   make(chan Event, 64),
        ctx:      ctx,
        cancel:   cancel,
    }
    if m.neg == nil { m.neg = negotiate.New(negotiate.Policy{AllowQUIC: true, Colocated: netstack.Colocated}) }
    if m.store == nil {
        m.kv = memkv.New(memkv.Options{})
        m.store = peers.NewStore(m.kv)
    }
    return m, nil
}

func (m *Mesh) ID() transport.PeerID { return m.opts.ID }

// Inbox yields delivered messages that no handler claimed. It is closed by
// Close.
func (m *Mesh) Inbox() <-chan *protocol.Message { return m.inbox }

// Events yields liveness events. A consumer that falls behind loses events
// rather than stalling the mesh.
func (m *Mesh) Events() <-chan Event { return m.events }

// Handle routes messages of type t to fn instead of the inbox. PING is
// handled by the mesh itself and cannot be claimed.
func (m *Mesh) Handle(t protocol.MsgType, fn Handler) {
    m.hmu.Lock(); defer m.hmu.Unlock()
    if fn == nil { delete(m.handlers, t); return }
    m.handlers[t] = fn
}

// Trust adds or replaces a trusted key; it applies to handshakes and
// message verification from now on.
func (m *Mesh) Trust(id transport.PeerID, pub ed25519.PublicKey) { m.opts.Ring.Trust(string(id), pub) }

// Revoke forgets the key of id and closes its session.
func (m *Mesh) Revoke(id transport.PeerID) {
    m.opts.Ring.Revoke(string(id))
    m.mu.Lock()
    var c *session.Conn
    if e := m.peers[id]; e != nil {
        c, e.conn = e.conn, nil
        m.transition(e, Dead)
    }
    m.mu.Unlock()
    if c != nil { _ = c.Close() }
}

// Start accepts on the given listeners and runs the heartbeat task until
// ctx ends or Close is called.
func (m *Mesh) Start(ctx context.Context, ls ...transport.Listener) {
    for _, l := range ls { m.Serve(l) }
    m.started.Do(func() {
        m.wg.Add(1)
        go m.heartbeatLoop()
        go func() {
            select {
            case <-ctx.Done():
                _ = m.Close()
            case <-m.ctx.Done():
            }
        }()
    })
}

// Serve accepts inbound sessions on l until the mesh closes. The mesh owns
// l from now on.
func (m *Mesh) Serve(l transport.Listener) {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = l.Close()
        return
    }
    m.listeners = append(m.listeners, l)
    m.wg.Add(1)
    m.mu.Unlock()
    zap.L().Info("listening", zap.String("addr", l.Addr().String()))
    go m.acceptLoop(l)
}

func (m *Mesh) acceptLoop(l transport.Listener) {
    defer m.wg.Done()
    for {
        s, err := l.Accept(m.ctx)
        if err != nil {
            if m.ctx.Err() == nil { zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err)) }
            return
        }
        m.wg.Add(1)
        go m.serveInbound(s)
    }
}

func (m *Mesh) serveInbound(s transport.Session) {
    defer m.wg.Done()
    ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandshakeTimeout)
    defer cancel()
    start := time.Now()
    hs, err := handshake.Respond(ctx, s, m.local)
    if err != nil {
        _ = s.Close()
        remote := ""
        if a := s.RemoteAddr(); a != nil { remote = a.String() }
        if errors.Is(err, handshake.ErrUntrusted) {
            zap.L().Warn("inbound handshake refused", zap.String("kind", s.TransportKind().String()), zap.String("raddr", remote), zap.Error(err))
        } else {
            zap.L().Debug("inbound handshake failed", zap.String("kind", s.TransportKind().String()), zap.String("raddr", remote), zap.Error(err))
        }
        return
    }
    observability.HandshakeSeconds.WithLabelValues(s.TransportKind().Tier().String()).Observe(time.Since(start).Seconds())
    m.install(m.newConn(s, hs))
}

func (m *Mesh) newConn(s transport.Session, hs *handshake.Result) *session.Conn {
    o := m.opts.Session
    o.Local, o.Signer, o.Ring, o.Catalog = m.opts.ID, m.opts.Signer, m.opts.Ring, m.opts.Catalog
    o.OnClose = m.onClosed
    return session.New(s, hs, o)
}

// Connect establishes a session with id over the given tiers unless one is
// already open. The tiers are remembered for reconnects. Exhausting every
// tier returns an error wrapping negotiate.ErrAllTiersFailed.
func (m *Mesh) Connect(ctx context.Context, id transport.PeerID, tiers []negotiate.Tier) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return ErrClosed
    }
    e := m.entry(id)
    if len(tiers) > 0 { e.tiers = append([]negotiate.Tier(nil), tiers...) }
    if e.conn != nil && e.conn.State() == session.Open {
        m.mu.Unlock()
        return nil
    }
    prev := e.state
    if prev == Unknown || prev == Dead { m.transition(e, Connecting) }
    e.connecting = true
    tiers = e.tiers
    m.mu.Unlock()

    c, err := m.dial(ctx, id, tiers)
    if err == nil && c.PeerID() != id {
        // a temporary id resolved to a real identity; keep the tiers there
        m.mu.Lock()
        if e.state == Connecting {
            delete(m.peers, id)
            m.store.Delete(id)
        }
        if real := m.peers[c.PeerID()]; real != nil && len(real.tiers) == 0 { real.tiers = tiers }
        m.mu.Unlock()
    }
    if err != nil {
        m.mu.Lock()
        e.connecting = false
        if e.state == Connecting && e.conn == nil {
            e.state = prev
            m.store.SetState(id, prev.String())
        }
        m.mu.Unlock()
        zap.L().Error("connect failed", zap.String("peer", string(id)), zap.Error(err))
    }
    return err
}

func (m *Mesh) dial(ctx context.Context, id transport.PeerID, tiers []negotiate.Tier) (*session.Conn, error) {
    ctx, cancel := context.WithCancel(ctx)
    defer cancel()
    stop := context.AfterFunc(m.ctx, cancel)
    defer stop()
    res, err := m.neg.Connect(ctx, transport.PeerInfo{ID: id}, tiers, func(ctx context.Context, s transport.Session) (any, error) {
        return handshake.Initiate(ctx, s, m.local, id)
    })
    if err != nil { return nil, fmt.Errorf("connect %s: %w", id, err) }
    c := m.install(m.newConn(res.Session, res.Value.(*handshake.Result)))
    if c == nil { return nil, ErrClosed }
    return c, nil
}

func (m *Mesh) conn(id transport.PeerID) (*session.Conn, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    e := m.peers[id]
    if e == nil { return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id) }
    if e.conn == nil { return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, e.state) }
    return e.conn, nil
}

// SendTo sends one message to id over its canonical session and blocks
// until it was written.
func (m *Mesh) SendTo(ctx context.Context, id transport.PeerID, t protocol.MsgType, payloadJSON string, extra []byte) error {
    msg := protocol.New("", string(id), t, payloadJSON)
    msg.ExtraData = extra
    return m.SendMessage(ctx, id, msg)
}

// SendMessage is SendTo for a prepared message; msg is stamped and signed
// in place.
func (m *Mesh) SendMessage(ctx context.Context, id transport.PeerID, msg *protocol.Message) error {
    c, err := m.conn(id)
    if err != nil { return err }
    if msg.To == "" && msg.Type != protocol.MsgBroadcast { msg.To = string(id) }
    return c.Send(ctx, msg)
}

// Broadcast sends payload to every Alive or Suspected peer concurrently.
// The error joins the failures of individual peers.
func (m *Mesh) Broadcast(ctx context.Context, payloadJSON string) error {
    targets := m.reachable()
    errs := make([]error, len(targets))
    var wg sync.WaitGroup
    for i, c := range targets {
        wg.Add(1)
        go func() {
            defer wg.Done()
            if err := c.Send(ctx, protocol.Broadcast("", payloadJSON, 0)); err != nil {
                errs[i] = fmt.Errorf("%s: %w", c.PeerID(), err)
            }
        }()
    }
    wg.Wait()
    return errors.Join(errs...)
}

func (m *Mesh) reachable() []*session.Conn {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]*session.Conn, 0, len(m.peers))
    for _, e := range m.peers {
        if e.conn != nil && (e.state == Alive || e.state == Suspected) { out = append(out, e.conn) }
    }
    return out
}

// serve dispatches what one session delivers.
func (m *Mesh) serve(c *session.Conn) {
    defer m.wg.Done()
    for msg := range c.Messages() { m.dispatch(c, msg) }
}

func (m *Mesh) dispatch(c *session.Conn, msg *protocol.Message) {
    if msg.Type == protocol.MsgPing {
        m.handlePing(c, msg)
        return
    }
    m.hmu.RLock()
    h := m.handlers[msg.Type]
    m.hmu.RUnlock()
    if h != nil {
        h(m.ctx, c.PeerID(), msg)
        return
    }
    select {
    case m.inbox <- msg:
    case <-m.ctx.Done():
    }
}

// Close stops listeners, the heartbeat task and every session, then closes
// Inbox and Events.
func (m *Mesh) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    ls := m.listeners
    var conns []*session.Conn
    for _, e := range m.peers {
        if e.conn != nil { conns = append(conns, e.conn) }
    }
    m.mu.Unlock()

    m.cancel()
    for _, l := range ls { _ = l.Close() }
    for _, c := range conns { _ = c.Close() }
    m.wg.Wait()
    close(m.inbox)
    m.mu.Lock()
    close(m.events)
    m.mu.Unlock()
    if m.kv != nil { m.kv.Close() }
    zap.L().Info("mesh closed", zap.String("id", string(m.opts.ID)))
    return nil
}

func sortStatus(ps []PeerStatus) { sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID }) }
