// Package tcp is the TLS-over-TCP fallback tier: TLS 1.3 on a TCP
// connection, multiplexed into independent streams.
package tcp

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "iac/pkg/transport"
    "iac/pkg/transport/mux"
)

type Transport struct {
    serverTLS *tls.Config
    keepAlive time.Duration
}

func New() (*Transport, error) {
    cert, err := transport.SelfSignedCert()
    if err != nil { return nil, err }
    return &Transport{serverTLS: transport.ServerTLS(cert), keepAlive: 30 * time.Second}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindTLS }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    lc := net.ListenConfig{KeepAlive: t.keepAlive}
    l, err := lc.Listen(ctx, "tcp", address)
    if err != nil { return nil, err }
    return mux.Listen(ctx, l, transport.KindTLS, t.upgrade), nil
}

func (t *Transport) upgrade(ctx context.Context, c net.Conn) (net.Conn, error) {
    tc := tls.Server(c, t.serverTLS)
    if err := tc.HandshakeContext(ctx); err != nil { return nil, err }
    return tc, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
    d := &tls.Dialer{NetDialer: &net.Dialer{KeepAlive: t.keepAlive}, Config: transport.ClientTLS()}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = address }
    return mux.Client(c, transport.KindTLS, peer)
}
