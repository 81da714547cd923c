// Package unix is the co-located tier on POSIX hosts: a unix domain socket,
// multiplexed into independent streams.
package unix

import (
    "context"
    "net"
    "os"

    "iac/pkg/transport"
    "iac/pkg/transport/mux"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUnix }

// Listen binds path, removing a stale socket file left by a previous run.
func (t *Transport) Listen(ctx context.Context, path string) (transport.Listener, error) {
    if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
        _ = os.Remove(path)
    }
    var lc net.ListenConfig
    l, err := lc.Listen(ctx, "unix", path)
    if err != nil { return nil, err }
    return mux.Listen(ctx, l, transport.KindUnix, nil), nil
}

func (t *Transport) Dial(ctx context.Context, path string, peer transport.PeerInfo) (transport.Session, error) {
    var d net.Dialer
    c, err := d.DialContext(ctx, "unix", path)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = path }
    return mux.Client(c, transport.KindUnix, peer)
}

// Available reports whether a socket is present at path, which is how a
// co-located peer is detected.
func Available(path string) bool {
    fi, err := os.Stat(path)
    if err != nil { return false }
    return fi.Mode()&os.ModeSocket != 0
}
