package handshake

import (
    "context"
    "errors"
    "testing"
    "time"

    "iac/pkg/compress"
    "iac/pkg/crypto/sign"
    "iac/pkg/transport"
    "iac/pkg/transport/mem"
    "iac/pkg/transport/transporttest"
)

type node struct {
    local Local
}

func newNode(t *testing.T, id string) *node {
    t.Helper()
    _, priv, err := sign.GenerateKeyPair()
    if err != nil { t.Fatalf("keygen: %v", err) }
    cat, err := compress.New(3)
    if err != nil { t.Fatalf("catalog: %v", err) }
    t.Cleanup(cat.Close)
    return &node{local: Local{ID: transport.PeerID(id), Signer: sign.NewSigner(priv), Ring: sign.NewKeyRing(), Catalog: cat}}
}

func (n *node) trust(o *node) { n.local.Ring.Trust(string(o.local.ID), o.local.Signer.PublicKey()) }

type outcome struct {
    res *Result
    err error
}

func run(t *testing.T, a, b *node, expect transport.PeerID) (outcome, outcome) {
    t.Helper()
    cli, srv, _ := transporttest.Pair(t, mem.New(), "hs")
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    ch := make(chan outcome, 1)
    go func() {
        r, err := Respond(ctx, srv, b.local)
        ch <- outcome{r, err}
    }()
    r, err := Initiate(ctx, cli, a.local, expect)
    return outcome{r, err}, <-ch
}

func TestMutualHandshake(t *testing.T) {
    a, b := newNode(t, "agent-a"), newNode(t, "orchestrator")
    a.trust(b); b.trust(a)
    if err := b.local.Catalog.Register(5, []byte("shared dictionary content for tests")); err != nil { t.Fatalf("register: %v", err) }
    if err := a.local.Catalog.Register(5, []byte("shared dictionary content for tests")); err != nil { t.Fatalf("register: %v", err) }

    ia, rb := run(t, a, b, "orchestrator")
    if ia.err != nil || rb.err != nil { t.Fatalf("initiate=%v respond=%v", ia.err, rb.err) }
    if ia.res.PeerID != "orchestrator" || rb.res.PeerID != "agent-a" { t.Fatalf("peer ids: %q %q", ia.res.PeerID, rb.res.PeerID) }
    if ia.res.SessionID == 0 || ia.res.SessionID != rb.res.SessionID { t.Fatalf("session ids: %d %d", ia.res.SessionID, rb.res.SessionID) }
    if ia.res.DictID != 5 || rb.res.DictID != 5 { t.Fatalf("dict ids: %d %d", ia.res.DictID, rb.res.DictID) }
    if !ia.res.Initiator || rb.res.Initiator { t.Fatalf("initiator flags wrong") }
    if !ia.res.PubKey.Equal(b.local.Signer.PublicKey()) { t.Fatalf("initiator learned wrong key") }
}

func TestHexIdentityAcceptedForAlias(t *testing.T) {
    a, b := newNode(t, ""), newNode(t, "orchestrator")
    a.local.ID = transport.CanonicalPeerIDFromPubKey(a.local.Signer.PublicKey())
    a.trust(b)
    b.local.Ring.Trust("agent-7", a.local.Signer.PublicKey())
    ia, rb := run(t, a, b, "")
    if ia.err != nil || rb.err != nil { t.Fatalf("initiate=%v respond=%v", ia.err, rb.err) }
    if rb.res.PeerID != a.local.ID { t.Fatalf("responder named peer %q", rb.res.PeerID) }
}

func TestUntrustedInitiatorRejected(t *testing.T) {
    a, b := newNode(t, "stranger"), newNode(t, "orchestrator")
    a.trust(b)
    ia, rb := run(t, a, b, "orchestrator")
    if !errors.Is(rb.err, ErrUntrusted) { t.Fatalf("responder: want ErrUntrusted, got %v", rb.err) }
    if !errors.Is(ia.err, ErrUntrusted) { t.Fatalf("initiator: want ErrUntrusted, got %v", ia.err) }
}

func TestUntrustedResponderRejected(t *testing.T) {
    a, b := newNode(t, "agent-a"), newNode(t, "impostor")
    b.trust(a)
    ia, _ := run(t, a, b, "")
    if !errors.Is(ia.err, ErrUntrusted) { t.Fatalf("want ErrUntrusted, got %v", ia.err) }
}

func TestWrongPeerBehindAddress(t *testing.T) {
    a, b, c := newNode(t, "agent-a"), newNode(t, "orchestrator"), newNode(t, "other")
    a.trust(b); a.trust(c); b.trust(a)
    ia, _ := run(t, a, b, "other")
    if !errors.Is(ia.err, ErrUntrusted) { t.Fatalf("want ErrUntrusted, got %v", ia.err) }
}

func TestVerifyHello(t *testing.T) {
    a := newNode(t, "agent-a")
    h, err := NewHello(a.local)
    if err != nil { t.Fatalf("hello: %v", err) }
    if err := VerifyHello(h, time.Minute); err != nil { t.Fatalf("verify: %v", err) }

    tampered := h
    tampered.NodeID = "someone-else"
    if err := VerifyHello(tampered, time.Minute); !errors.Is(err, ErrBadSignature) { t.Fatalf("tampered: %v", err) }

    old := h
    old.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
    if err := VerifyHello(old, time.Minute); !errors.Is(err, ErrStale) { t.Fatalf("stale: %v", err) }

    bad := h
    bad.Alg = "rsa"
    if err := VerifyHello(bad, time.Minute); !errors.Is(err, ErrMalformed) { t.Fatalf("alg: %v", err) }
}

func TestContextCancelUnblocks(t *testing.T) {
    a := newNode(t, "agent-a")
    cli, _, _ := transporttest.Pair(t, mem.New(), "silent")
    ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
    defer cancel()
    if _, err := Initiate(ctx, cli, a.local, ""); !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("want deadline, got %v", err) }
}
