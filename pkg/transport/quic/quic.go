package quic

import (
    "context"
    "crypto/tls"
    "errors"
    "io"
    "net"
    "sync"
    "sync/atomic"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "iac/pkg/protocol/stream"
    "iac/pkg/transport"
)

// Options tune the QUIC connection. Zero values take quic-go defaults.
type Options struct {
    HandshakeTimeout time.Duration
    IdleTimeout      time.Duration
    KeepAlive        time.Duration
}

// Transport implements QUIC sessions; every OpenStream is a fresh
// bidirectional QUIC stream carrying length-prefixed frames.
type Transport struct {
    serverTLS *tls.Config
    quicConf  *quicgo.Config
}

func New(opts Options) (*Transport, error) {
    cert, err := transport.SelfSignedCert()
    if err != nil { return nil, err }
    qconf := &quicgo.Config{
        HandshakeIdleTimeout: opts.HandshakeTimeout,
        MaxIdleTimeout:       opts.IdleTimeout,
        KeepAlivePeriod:      opts.KeepAlive,
    }
    return &Transport{serverTLS: transport.ServerTLS(cert), quicConf: qconf}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.serverTLS, t.quicConf)
    if err != nil { return nil, err }
    ql := &listener{l: l, newCh: make(chan *session, 16), closeCh: make(chan struct{})}
    go ql.acceptLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = ql.Close()
        case <-ql.closeCh:
        }
    }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
    c, err := quicgo.DialAddr(ctx, address, transport.ClientTLS(), t.quicConf)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = address }
    return newSession(c, peer), nil
}

// ---- Listener ----

type listener struct {
    l       *quicgo.Listener
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quic listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() {
        close(l.closeCh)
        err = l.l.Close()
    })
    return err
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept(context.Background())
        if err != nil { return }
        raddr := c.RemoteAddr()
        s := newSession(c, transport.PeerInfo{ID: transport.TempPeerID(transport.KindQUIC, raddr), Addr: raddr.String(), Reachable: true})
        select {
        case l.newCh <- s:
        case <-l.closeCh:
            _ = s.Close()
            return
        }
    }
}

// ---- Session/Streams ----

type session struct {
    mu   sync.RWMutex
    peer transport.PeerInfo
    c    *quicgo.Conn

    establishedAt time.Time
    lastSeen      atomic.Int64
}

func newSession(c *quicgo.Conn, peer transport.PeerInfo) *session {
    s := &session{peer: peer, c: c, establishedAt: time.Now()}
    s.touch()
    return s
}

func (s *session) Peer() transport.PeerInfo {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.peer
}
func (s *session) SetPeer(pi transport.PeerInfo) { s.mu.Lock(); s.peer = pi; s.mu.Unlock() }
func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr          { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr         { return s.c.RemoteAddr() }

func (s *session) OpenStream(ctx context.Context, _ transport.StreamClass) (transport.Stream, error) {
    qs, err := s.c.OpenStreamSync(ctx)
    if err != nil { return nil, err }
    return s.wrap(qs), nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
    qs, err := s.c.AcceptStream(ctx)
    if err != nil {
        if s.c.Context().Err() != nil { return nil, io.EOF }
        return nil, err
    }
    return s.wrap(qs), nil
}

func (s *session) Quality() transport.Quality {
    return transport.Quality{
        RTT:           s.c.ConnectionStats().SmoothedRTT,
        EstablishedAt: s.establishedAt,
        LastSeen:      time.Unix(0, s.lastSeen.Load()),
    }
}

// Closed is closed once the connection is gone.
func (s *session) Closed() <-chan struct{} { return s.c.Context().Done() }

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

func (s *session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// qstream frames a QUIC stream. quic-go's Stream.Close only closes the send
// direction, which matches transport.Stream.
type qstream struct {
    *stream.Conn
    s *session
}

func (s *session) wrap(qs *quicgo.Stream) *qstream {
    return &qstream{Conn: stream.New(qs, qs.Close), s: s}
}

func (st *qstream) SendBytes(b []byte) error {
    if err := st.Conn.SendBytes(b); err != nil { return err }
    st.s.touch()
    return nil
}

func (st *qstream) RecvBytes() ([]byte, error) {
    b, err := st.Conn.RecvBytes()
    if err != nil { return nil, err }
    st.s.touch()
    return b, nil
}
