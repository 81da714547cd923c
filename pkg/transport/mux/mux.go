// Package mux turns any reliable byte stream (TLS, unix socket, named pipe,
// in-process pipe) into a transport.Session with independent streams, using
// yamux for multiplexing.
package mux

import (
    "context"
    "errors"
    "io"
    "net"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/yamux"

    "iac/pkg/protocol/stream"
    "iac/pkg/transport"
)

// Config returns the yamux settings shared by every byte-stream substrate.
func Config() *yamux.Config {
    cfg := yamux.DefaultConfig()
    cfg.EnableKeepAlive = true
    cfg.KeepAliveInterval = 15 * time.Second
    cfg.ConnectionWriteTimeout = 10 * time.Second
    cfg.StreamOpenTimeout = 10 * time.Second
    cfg.LogOutput = io.Discard
    return cfg
}

// Session is a yamux session bound to one substrate connection.
type Session struct {
    mu   sync.RWMutex
    peer transport.PeerInfo
    kind transport.Kind
    ys   *yamux.Session

    establishedAt time.Time
    lastSeen      atomic.Int64
    rtt           atomic.Int64
}

// Client starts the dialing side of a session over conn.
func Client(conn net.Conn, kind transport.Kind, peer transport.PeerInfo) (*Session, error) {
    ys, err := yamux.Client(conn, Config())
    if err != nil { _ = conn.Close(); return nil, err }
    return wrap(ys, kind, peer), nil
}

// Server starts the accepting side of a session over conn.
func Server(conn net.Conn, kind transport.Kind, peer transport.PeerInfo) (*Session, error) {
    ys, err := yamux.Server(conn, Config())
    if err != nil { _ = conn.Close(); return nil, err }
    return wrap(ys, kind, peer), nil
}

func wrap(ys *yamux.Session, kind transport.Kind, peer transport.PeerInfo) *Session {
    s := &Session{peer: peer, kind: kind, ys: ys, establishedAt: time.Now()}
    s.touch()
    return s
}

func (s *Session) Peer() transport.PeerInfo {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.peer
}

func (s *Session) SetPeer(pi transport.PeerInfo) {
    s.mu.Lock(); s.peer = pi; s.mu.Unlock()
}

func (s *Session) TransportKind() transport.Kind { return s.kind }
func (s *Session) LocalAddr() net.Addr          { return s.ys.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr         { return s.ys.RemoteAddr() }

func (s *Session) OpenStream(ctx context.Context, _ transport.StreamClass) (transport.Stream, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    st, err := s.ys.OpenStream()
    if err != nil { return nil, err }
    return s.newStream(st), nil
}

func (s *Session) AcceptStream(ctx context.Context) (transport.Stream, error) {
    st, err := s.ys.AcceptStreamWithContext(ctx)
    if err != nil {
        if errors.Is(err, yamux.ErrSessionShutdown) { return nil, io.EOF }
        return nil, err
    }
    return s.newStream(st), nil
}

// Ping measures a round trip and records it for Quality.
func (s *Session) Ping() (time.Duration, error) {
    d, err := s.ys.Ping()
    if err != nil { return 0, err }
    s.rtt.Store(int64(d))
    s.touch()
    return d, nil
}

func (s *Session) Quality() transport.Quality {
    return transport.Quality{
        RTT:           time.Duration(s.rtt.Load()),
        EstablishedAt: s.establishedAt,
        LastSeen:      time.Unix(0, s.lastSeen.Load()),
    }
}

// Closed is closed once the underlying session is gone.
func (s *Session) Closed() <-chan struct{} { return s.ys.CloseChan() }

func (s *Session) Close() error { return s.ys.Close() }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// muxStream frames one yamux stream. yamux's Close sends FIN and leaves the
// read side open, which is the half-close transport.Stream promises.
type muxStream struct {
    *stream.Conn
    s *Session
}

func (s *Session) newStream(st *yamux.Stream) *muxStream {
    return &muxStream{Conn: stream.New(st, st.Close), s: s}
}

func (m *muxStream) SendBytes(b []byte) error {
    if err := m.Conn.SendBytes(b); err != nil { return err }
    m.s.touch()
    return nil
}

func (m *muxStream) RecvBytes() ([]byte, error) {
    b, err := m.Conn.RecvBytes()
    if err != nil { return nil, err }
    m.s.touch()
    return b, nil
}
