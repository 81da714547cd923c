package negotiate

import (
    "context"
    "errors"
    "testing"
    "time"

    "iac/pkg/handshake"
    "iac/pkg/transport"
    "iac/pkg/transport/mem"
    "iac/pkg/transport/tcp"
)

// blackhole never completes a dial, like a UDP path that drops everything.
type blackhole struct{ kind transport.Kind }

func (b blackhole) Kind() transport.Kind { return b.kind }
func (b blackhole) Listen(context.Context, string) (transport.Listener, error) {
    return nil, errors.New("blackhole: no listen")
}
func (b blackhole) Dial(ctx context.Context, _ string, _ transport.PeerInfo) (transport.Session, error) {
    <-ctx.Done()
    return nil, ctx.Err()
}

func memTier(t *testing.T, name string) Tier {
    t.Helper()
    tr := mem.New()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    l, err := tr.Listen(ctx, name)
    if err != nil { t.Fatalf("listen: %v", err) }
    go func() {
        for {
            s, err := l.Accept(ctx)
            if err != nil { return }
            go func() { <-ctx.Done(); _ = s.Close() }()
        }
    }()
    return Tier{Transport: tr, Address: name, HandshakeTimeout: time.Second}
}

func acceptAll(context.Context, transport.Session) (any, error) { return "ok", nil }

func TestFallsBackToLocalAfterQuicTimeout(t *testing.T) {
    n := New(Policy{AllowQUIC: true, Colocated: func(Tier) bool { return true }})
    var seen []State
    n.OnState = func(_ transport.PeerID, _, to State) { seen = append(seen, to) }

    tiers := []Tier{
        memTier(t, "local"),
        {Transport: blackhole{transport.KindQUIC}, Address: "10.0.0.1:4433", HandshakeTimeout: 50 * time.Millisecond},
        {Transport: blackhole{transport.KindTLS}, Address: "10.0.0.1:4443", HandshakeTimeout: 50 * time.Millisecond},
    }
    start := time.Now()
    res, err := n.Connect(context.Background(), transport.PeerInfo{ID: "orchestrator"}, tiers, acceptAll)
    if err != nil { t.Fatalf("connect: %v", err) }
    defer res.Session.Close()
    if res.Session.TransportKind() != transport.KindMem { t.Fatalf("connected over %v", res.Session.TransportKind()) }
    if res.Attempts != 3 || len(res.Failures) != 2 { t.Fatalf("attempts=%d failures=%d", res.Attempts, len(res.Failures)) }
    if res.Value.(string) != "ok" { t.Fatalf("value %v", res.Value) }
    if time.Since(start) > 2*time.Second { t.Fatalf("fallback took %v", time.Since(start)) }
    want := []State{AttemptingQuic, FallbackToTlsTcp, FallbackToLocalIpc, Connected}
    if len(seen) != len(want) { t.Fatalf("states %v", seen) }
    for i := range want {
        if seen[i] != want[i] { t.Fatalf("state %d: want %v got %v", i, want[i], seen[i]) }
    }
}

func TestFallsBackToTlsAfterQuicTimeout(t *testing.T) {
    tr, err := tcp.New()
    if err != nil { t.Fatalf("tcp: %v", err) }
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    l, err := tr.Listen(ctx, "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()
    go func() {
        for {
            s, err := l.Accept(ctx)
            if err != nil { return }
            go func() { <-ctx.Done(); _ = s.Close() }()
        }
    }()

    n := New(Policy{AllowQUIC: true})
    var seen []State
    n.OnState = func(_ transport.PeerID, _, to State) { seen = append(seen, to) }
    tiers := []Tier{
        {Transport: tr, Address: l.Addr().String(), HandshakeTimeout: 2 * time.Second},
        {Transport: blackhole{transport.KindQUIC}, Address: "10.0.0.1:4433", HandshakeTimeout: 50 * time.Millisecond},
    }
    res, err := n.Connect(context.Background(), transport.PeerInfo{ID: "orchestrator"}, tiers, acceptAll)
    if err != nil { t.Fatalf("connect: %v", err) }
    defer res.Session.Close()
    if res.Session.TransportKind() != transport.KindTLS { t.Fatalf("connected over %v", res.Session.TransportKind()) }
    if res.Attempts != 2 || len(res.Failures) != 1 { t.Fatalf("attempts=%d failures=%d", res.Attempts, len(res.Failures)) }
    want := []State{AttemptingQuic, FallbackToTlsTcp, Connected}
    if len(seen) != len(want) { t.Fatalf("states %v", seen) }
    for i := range want {
        if seen[i] != want[i] { t.Fatalf("state %d: want %v got %v", i, want[i], seen[i]) }
    }
}

func TestPolicyFiltersTiers(t *testing.T) {
    quic := Tier{Transport: blackhole{transport.KindQUIC}}
    tls := Tier{Transport: blackhole{transport.KindTLS}}
    local := Tier{Transport: blackhole{transport.KindUnix}}
    n := New(Policy{AllowQUIC: false})
    got := n.Eligible([]Tier{local, tls, quic})
    if len(got) != 1 || got[0].Transport.Kind() != transport.KindTLS { t.Fatalf("eligible %v", got) }

    n.Policy = Policy{AllowQUIC: true, Colocated: func(Tier) bool { return true }}
    got = n.Eligible([]Tier{local, tls, quic})
    if len(got) != 3 || got[0].Transport.Kind() != transport.KindQUIC || got[2].Transport.Kind() != transport.KindUnix { t.Fatalf("order %v", got) }
}

func TestAllTiersFailed(t *testing.T) {
    n := New(Policy{AllowQUIC: true})
    tiers := []Tier{
        {Transport: blackhole{transport.KindQUIC}, HandshakeTimeout: 20 * time.Millisecond},
        {Transport: blackhole{transport.KindTLS}, HandshakeTimeout: 20 * time.Millisecond},
    }
    _, err := n.Connect(context.Background(), transport.PeerInfo{ID: "x"}, tiers, acceptAll)
    if !errors.Is(err, ErrAllTiersFailed) { t.Fatalf("want ErrAllTiersFailed, got %v", err) }
    var te *TierError
    if !errors.As(err, &te) { t.Fatalf("no TierError in %v", err) }
    if !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("tier cause lost: %v", err) }

    _, err = n.Connect(context.Background(), transport.PeerInfo{ID: "x"}, nil, acceptAll)
    if !errors.Is(err, ErrNoTiers) { t.Fatalf("want ErrNoTiers, got %v", err) }
}

func TestUntrustedAbortsWalk(t *testing.T) {
    n := New(Policy{AllowQUIC: true, Colocated: func(Tier) bool { return true }})
    calls := 0
    hs := func(context.Context, transport.Session) (any, error) {
        calls++
        return nil, handshake.ErrUntrusted
    }
    first, second := memTier(t, "a"), memTier(t, "b")
    _, err := n.Connect(context.Background(), transport.PeerInfo{ID: "x"}, []Tier{first, second}, hs)
    if !errors.Is(err, handshake.ErrUntrusted) { t.Fatalf("want ErrUntrusted, got %v", err) }
    if calls != 1 { t.Fatalf("handshake ran %d times", calls) }
}
