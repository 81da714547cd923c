package mux

import (
    "context"
    "errors"
    "net"
    "sync"

    "go.uber.org/zap"

    "iac/pkg/transport"
)

// Upgrade runs per accepted connection before multiplexing starts (a TLS
// server handshake, for example). It may return conn unchanged.
type Upgrade func(ctx context.Context, conn net.Conn) (net.Conn, error)

// Listener accepts byte-stream connections from l and serves a yamux
// session on each one.
type Listener struct {
    l       net.Listener
    kind    transport.Kind
    upgrade Upgrade

    newCh   chan transport.Session
    closeCh chan struct{}
    once    sync.Once
}

// Listen wraps l and starts accepting. The listener closes when ctx ends.
func Listen(ctx context.Context, l net.Listener, kind transport.Kind, upgrade Upgrade) *Listener {
    ml := &Listener{l: l, kind: kind, upgrade: upgrade, newCh: make(chan transport.Session, 16), closeCh: make(chan struct{})}
    go ml.acceptLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = ml.Close()
        case <-ml.closeCh:
        }
    }()
    return ml
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }

func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New(l.kind.String() + " listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *Listener) Close() error {
    var err error
    l.once.Do(func() {
        close(l.closeCh)
        err = l.l.Close()
    })
    return err
}

func (l *Listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil { return }
        go l.serve(c)
    }
}

func (l *Listener) serve(c net.Conn) {
    if l.upgrade != nil {
        ctx, cancel := context.WithCancel(context.Background())
        go func() {
            select {
            case <-l.closeCh:
                cancel()
            case <-ctx.Done():
            }
        }()
        up, err := l.upgrade(ctx, c)
        cancel()
        if err != nil {
            zap.L().Debug("upgrade failed", zap.String("kind", l.kind.String()), zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
            _ = c.Close()
            return
        }
        c = up
    }
    raddr := c.RemoteAddr()
    addr := ""
    if raddr != nil { addr = raddr.String() }
    s, err := Server(c, l.kind, transport.PeerInfo{ID: transport.TempPeerID(l.kind, raddr), Addr: addr, Reachable: true})
    if err != nil { return }
    select {
    case l.newCh <- s:
    case <-l.closeCh:
        _ = s.Close()
    }
}
