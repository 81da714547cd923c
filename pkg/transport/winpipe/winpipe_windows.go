//go:build windows

// Package winpipe is the co-located tier on Windows hosts: a named pipe,
// multiplexed into independent streams.
package winpipe

import (
    "context"
    "time"

    "github.com/Microsoft/go-winio"

    "iac/pkg/transport"
    "iac/pkg/transport/mux"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
    l, err := winio.ListenPipe(pipeName, &winio.PipeConfig{MessageMode: false, InputBufferSize: 64 << 10, OutputBufferSize: 64 << 10})
    if err != nil { return nil, err }
    return mux.Listen(ctx, l, transport.KindWinPipe, nil), nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string, peer transport.PeerInfo) (transport.Session, error) {
    conn, err := winio.DialPipeContext(ctx, pipeName)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = pipeName }
    return mux.Client(conn, transport.KindWinPipe, peer)
}

// Available reports whether a server currently owns pipeName.
func Available(pipeName string) bool {
    timeout := 50 * time.Millisecond
    c, err := winio.DialPipe(pipeName, &timeout)
    if err != nil { return false }
    _ = c.Close()
    return true
}
