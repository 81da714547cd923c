package session

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "iac/pkg/compress"
    "iac/pkg/core/reorder"
    "iac/pkg/crypto/sign"
    "iac/pkg/handshake"
    "iac/pkg/protocol"
    "iac/pkg/transport"
    "iac/pkg/transport/mem"
    "iac/pkg/transport/transporttest"
)

type peer struct {
    local  handshake.Local
    signer *sign.Signer
}

func newPeer(t *testing.T, id string, cat *compress.Catalog) *peer {
    t.Helper()
    _, priv, err := sign.GenerateKeyPair()
    if err != nil { t.Fatalf("keygen: %v", err) }
    s := sign.NewSigner(priv)
    return &peer{signer: s, local: handshake.Local{ID: transport.PeerID(id), Signer: s, Ring: sign.NewKeyRing(), Catalog: cat}}
}

func (p *peer) options() Options {
    return Options{
        Local:   p.local.ID,
        Signer:  p.signer,
        Ring:    p.local.Ring,
        Catalog: p.local.Catalog,
        Reorder: reorder.Options{MinWindow: 200 * time.Millisecond, MaxWindow: time.Second},
    }
}

// connect returns both ends of an authenticated session between two fresh
// peers over the in-memory transport.
func connect(t *testing.T, tweak func(a, b *Options)) (*Conn, *Conn, transport.Session) {
    t.Helper()
    cat, err := compress.New(3)
    if err != nil { t.Fatalf("catalog: %v", err) }
    t.Cleanup(cat.Close)
    pa, pb := newPeer(t, "agent", cat), newPeer(t, "orchestrator", cat)
    pa.local.Ring.Trust("orchestrator", pb.signer.PublicKey())
    pb.local.Ring.Trust("agent", pa.signer.PublicKey())

    cli, srv, _ := transporttest.Pair(t, mem.New(), "sess")
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    type res struct {
        r   *handshake.Result
        err error
    }
    ch := make(chan res, 1)
    go func() {
        r, err := handshake.Respond(ctx, srv, pb.local)
        ch <- res{r, err}
    }()
    ra, err := handshake.Initiate(ctx, cli, pa.local, "orchestrator")
    if err != nil { t.Fatalf("initiate: %v", err) }
    rb := <-ch
    if rb.err != nil { t.Fatalf("respond: %v", rb.err) }

    oa, ob := pa.options(), pb.options()
    if tweak != nil { tweak(&oa, &ob) }
    a, b := New(cli, ra, oa), New(srv, rb.r, ob)
    t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
    return a, b, cli
}

func recv(t *testing.T, c *Conn) *protocol.Message {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    m, err := c.Recv(ctx)
    if err != nil { t.Fatalf("recv: %v", err) }
    return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timed out waiting for %s", what) }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestSendStampsAndDelivers(t *testing.T) {
    a, b, _ := connect(t, nil)
    m := protocol.New("", "orchestrator", protocol.MsgCommand, `{"action":"create"}`)
    if err := a.Send(context.Background(), m); err != nil { t.Fatalf("send: %v", err) }
    if m.From != "agent" || m.SessionID != a.SessionID() || m.MsgID != 1 || len(m.Signature) == 0 { t.Fatalf("not stamped: %+v", m) }

    got := recv(t, b)
    if !got.Equal(m) { t.Fatalf("delivered message differs:\n got %+v\nwant %+v", got, m) }
    if a.SessionID() != b.SessionID() { t.Fatalf("session ids differ") }
}

func TestResendIsDeduplicated(t *testing.T) {
    a, b, _ := connect(t, nil)
    m := protocol.New("", "orchestrator", protocol.MsgCommand, `{"action":"create"}`)
    if err := a.Send(context.Background(), m); err != nil { t.Fatalf("send: %v", err) }
    recv(t, b)
    if err := a.Resend(context.Background(), m); err != nil { t.Fatalf("resend: %v", err) }
    waitFor(t, "duplicate drop", func() bool { return b.Stats().Duplicates == 1 })

    ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
    defer cancel()
    if extra, err := b.Recv(ctx); err == nil { t.Fatalf("duplicate delivered: %+v", extra) }
    if b.Stats().Delivered != 1 { t.Fatalf("delivered=%d", b.Stats().Delivered) }

    if err := a.Resend(context.Background(), protocol.New("", "", protocol.MsgCommand, "")); !errors.Is(err, ErrNotSigned) { t.Fatalf("unsigned resend: %v", err) }
}

func TestConcurrentSendsArriveInOrder(t *testing.T) {
    a, b, _ := connect(t, nil)
    const n = 50
    var wg sync.WaitGroup
    wg.Add(1)
    go func() {
        defer wg.Done()
        for i := 0; i < n; i++ {
            if err := a.Send(context.Background(), protocol.New("", "orchestrator", protocol.MsgCommand, fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
                t.Errorf("send %d: %v", i, err)
                return
            }
        }
    }()
    for i := 0; i < n; i++ {
        m := recv(t, b)
        if m.MsgID != uint64(i+1) { t.Fatalf("position %d: msg_id %d", i, m.MsgID) }
    }
    wg.Wait()
}

func TestForgedFramesAreDropped(t *testing.T) {
    a, b, raw := connect(t, nil)
    inject := func(m *protocol.Message) {
        t.Helper()
        frame, err := a.compress(m.Marshal())
        if err != nil { t.Fatalf("compress: %v", err) }
        st, err := raw.OpenStream(context.Background(), transport.StreamTask)
        if err != nil { t.Fatalf("open: %v", err) }
        if err := st.SendBytes(frame); err != nil { t.Fatalf("send: %v", err) }
        _ = st.Close()
    }

    tampered := protocol.New("agent", "orchestrator", protocol.MsgCommand, `{"action":"create"}`)
    tampered.SessionID, tampered.MsgID = a.SessionID(), 7
    if err := tampered.Sign(a.opts.Signer); err != nil { t.Fatalf("sign: %v", err) }
    tampered.PayloadJSON = `{"action":"delete"}`
    inject(tampered)

    _, stranger, _ := sign.GenerateKeyPair()
    spoofed := protocol.New("agent", "orchestrator", protocol.MsgCommand, `{}`)
    spoofed.SessionID, spoofed.MsgID = a.SessionID(), 8
    _ = spoofed.Sign(sign.NewSigner(stranger))
    inject(spoofed)

    other := protocol.New("agent", "orchestrator", protocol.MsgCommand, `{}`)
    other.SessionID, other.MsgID = a.SessionID()+1, 9
    _ = other.Sign(a.opts.Signer)
    inject(other)

    unknown := protocol.New("mallory", "orchestrator", protocol.MsgCommand, `{}`)
    unknown.SessionID, unknown.MsgID = a.SessionID(), 10
    _ = unknown.Sign(a.opts.Signer)
    inject(unknown)

    st, _ := raw.OpenStream(context.Background(), transport.StreamTask)
    _ = st.SendBytes([]byte("definitely not zstd"))
    _ = st.Close()

    waitFor(t, "five drops", func() bool { return b.Stats().Dropped == 5 })
    if b.Stats().Delivered != 0 { t.Fatalf("forged message delivered") }
    if b.State() != Open { t.Fatalf("session closed by bad input") }
}

func TestTransportLossClosesSession(t *testing.T) {
    closed := make(chan error, 1)
    a, b, raw := connect(t, func(_, ob *Options) {
        ob.OnClose = func(_ *Conn, err error) { closed <- err }
    })
    _ = raw.Close()
    select {
    case err := <-closed:
        if err == nil { t.Fatalf("transport loss reported as clean close") }
    case <-time.After(3 * time.Second):
        t.Fatalf("OnClose not called")
    }
    if b.State() != Closed { t.Fatalf("state %v", b.State()) }
    if _, err := b.Recv(context.Background()); !errors.Is(err, ErrClosed) { t.Fatalf("recv after close: %v", err) }
    _ = a.Close()
    if err := a.Send(context.Background(), protocol.New("", "", protocol.MsgPing, "")); !errors.Is(err, ErrClosed) { t.Fatalf("send after close: %v", err) }
}

func TestHeartbeatsShareStreams(t *testing.T) {
    a, b, _ := connect(t, func(oa, _ *Options) { oa.Pipeline.BatchWindow = 20 * time.Millisecond })
    var wg sync.WaitGroup
    for i := 0; i < 5; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            _ = a.Send(context.Background(), protocol.Ping("", "orchestrator", 0))
        }()
    }
    wg.Wait()
    for i := 0; i < 5; i++ {
        if m := recv(t, b); m.Type != protocol.MsgPing { t.Fatalf("got %v", m.Type) }
    }
}
