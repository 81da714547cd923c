package mem

import (
    "context"
    "errors"
    "testing"

    "iac/pkg/transport"
    "iac/pkg/transport/transporttest"
)

func TestStreamContract(t *testing.T) {
    transporttest.Exercise(t, New(), "node-b")
}

func TestDialUnknownAndDuplicateListen(t *testing.T) {
    tr := New()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if _, err := tr.Dial(ctx, "nobody", transport.PeerInfo{}); !errors.Is(err, ErrNoListener) { t.Fatalf("want ErrNoListener, got %v", err) }
    l, err := tr.Listen(ctx, "x")
    if err != nil { t.Fatalf("listen: %v", err) }
    if _, err := tr.Listen(ctx, "x"); !errors.Is(err, ErrAddrInUse) { t.Fatalf("want ErrAddrInUse, got %v", err) }
    if !tr.Has("x") { t.Fatalf("listener not registered") }
    _ = l.Close()
    if tr.Has("x") { t.Fatalf("listener still registered after close") }
    if _, err := tr.Listen(ctx, "x"); err != nil { t.Fatalf("relisten: %v", err) }
}
