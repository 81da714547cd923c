package mem

import (
    "context"
    "errors"
    "net"
    "sync"

    "iac/pkg/transport"
    "iac/pkg/transport/mux"
)

var (
    ErrAddrInUse   = errors.New("mem: listener already exists")
    ErrNoListener  = errors.New("mem: no such listener")
    errListenerEnd = errors.New("mem listener closed")
)

// Transport is an in-process transport over net.Pipe, counted as a local
// tier. Listener names are scoped to one Transport value, so tests share
// one instance between both ends.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock(); defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok { return nil, ErrAddrInUse }
    l := &listener{t: t, name: name, newCh: make(chan transport.Session, 16), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closeCh:
        }
    }()
    return l, nil
}

// Has reports whether something listens on name.
func (t *Transport) Has(name string) bool {
    t.mu.Lock(); defer t.mu.Unlock()
    _, ok := t.listeners[name]
    return ok
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
    t.mu.Lock(); l := t.listeners[name]; t.mu.Unlock()
    if l == nil { return nil, ErrNoListener }
    c1, c2 := net.Pipe()
    srvCh := make(chan error, 1)
    go func() {
        srv, err := mux.Server(c1, transport.KindMem, transport.PeerInfo{ID: transport.TempPeerID(transport.KindMem, memAddr("dialer")), Addr: "dialer", Reachable: true})
        if err != nil { srvCh <- err; return }
        select {
        case l.newCh <- srv:
            srvCh <- nil
        case <-l.closeCh:
            _ = srv.Close()
            srvCh <- errListenerEnd
        case <-ctx.Done():
            _ = srv.Close()
            srvCh <- ctx.Err()
        }
    }()
    if peer.Addr == "" { peer.Addr = name }
    cli, err := mux.Client(c2, transport.KindMem, peer)
    if err != nil { _ = c1.Close(); return nil, err }
    if err := <-srvCh; err != nil { _ = cli.Close(); return nil, err }
    return cli, nil
}

type listener struct {
    t       *Transport
    name    string
    newCh   chan transport.Session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errListenerEnd
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    l.once.Do(func() {
        close(l.closeCh)
        l.t.mu.Lock()
        if l.t.listeners[l.name] == l { delete(l.t.listeners, l.name) }
        l.t.mu.Unlock()
    })
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
