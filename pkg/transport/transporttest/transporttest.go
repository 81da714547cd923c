// Package transporttest checks that a transport.Transport behaves the way the
// session layer expects: independent streams, frame boundaries preserved and
// half-close visible to the reader as io.EOF.
package transporttest

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "io"
    "testing"
    "time"

    "iac/pkg/transport"
)

// Pair dials addr on tr and returns both ends of the resulting session.
func Pair(t *testing.T, tr transport.Transport, addr string) (client, server transport.Session, l transport.Listener) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    t.Cleanup(cancel)
    l, err := tr.Listen(ctx, addr)
    if err != nil { t.Fatalf("listen %s: %v", addr, err) }
    t.Cleanup(func() { _ = l.Close() })

    type accepted struct {
        s   transport.Session
        err error
    }
    ch := make(chan accepted, 1)
    go func() {
        s, err := l.Accept(ctx)
        ch <- accepted{s, err}
    }()
    dialAddr := addr
    if a := l.Addr(); a != nil && a.Network() != "mem" && a.Network() != "unix" { dialAddr = a.String() }
    client, err = tr.Dial(ctx, dialAddr, transport.PeerInfo{ID: "server"})
    if err != nil { t.Fatalf("dial %s: %v", dialAddr, err) }
    t.Cleanup(func() { _ = client.Close() })
    got := <-ch
    if got.err != nil { t.Fatalf("accept: %v", got.err) }
    t.Cleanup(func() { _ = got.s.Close() })
    return client, got.s, l
}

// Exercise runs the stream contract against a fresh session on tr.
func Exercise(t *testing.T, tr transport.Transport, addr string) {
    t.Helper()
    client, server, _ := Pair(t, tr, addr)
    if client.TransportKind() != tr.Kind() || server.TransportKind() != tr.Kind() {
        t.Fatalf("kind mismatch: client=%v server=%v want %v", client.TransportKind(), server.TransportKind(), tr.Kind())
    }
    if !transport.IsTemp(server.Peer().ID) { t.Fatalf("inbound peer id should be temporary, got %q", server.Peer().ID) }

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    const streams = 4
    errCh := make(chan error, streams)
    go func() {
        for i := 0; i < streams; i++ {
            st, err := server.AcceptStream(ctx)
            if err != nil { errCh <- fmt.Errorf("accept stream: %w", err); return }
            go func(st transport.Stream) {
                defer st.Close()
                var frames [][]byte
                for {
                    b, err := st.RecvBytes()
                    if errors.Is(err, io.EOF) { break }
                    if err != nil { errCh <- fmt.Errorf("recv: %w", err); return }
                    frames = append(frames, b)
                }
                if len(frames) != 2 { errCh <- fmt.Errorf("want 2 frames, got %d", len(frames)); return }
                errCh <- st.SendBytes(bytes.Join(frames, []byte("|")))
            }(st)
        }
    }()

    type result struct {
        want []byte
        st   transport.Stream
    }
    var opened []result
    for i := 0; i < streams; i++ {
        st, err := client.OpenStream(ctx, transport.StreamTask)
        if err != nil { t.Fatalf("open stream %d: %v", i, err) }
        a := []byte(fmt.Sprintf("stream-%d", i))
        b := bytes.Repeat([]byte{byte(i)}, 1000*(i+1))
        if err := st.SendBytes(a); err != nil { t.Fatalf("send: %v", err) }
        if err := st.SendBytes(b); err != nil { t.Fatalf("send: %v", err) }
        if err := st.Close(); err != nil { t.Fatalf("half-close: %v", err) }
        opened = append(opened, result{want: bytes.Join([][]byte{a, b}, []byte("|")), st: st})
    }
    for i, r := range opened {
        got, err := r.st.RecvBytes()
        if err != nil { t.Fatalf("stream %d reply: %v", i, err) }
        if !bytes.Equal(got, r.want) { t.Fatalf("stream %d: reply mismatch (%d bytes vs %d)", i, len(got), len(r.want)) }
    }
    for i := 0; i < streams; i++ {
        if err := <-errCh; err != nil { t.Fatalf("server: %v", err) }
    }

    if err := client.Close(); err != nil { t.Fatalf("close: %v", err) }
    if _, err := server.AcceptStream(ctx); err == nil { t.Fatalf("accept after close succeeded") }
}
