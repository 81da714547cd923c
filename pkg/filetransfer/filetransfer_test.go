package filetransfer

import (
    "bytes"
    "context"
    "crypto/rand"
    "errors"
    "sync"
    "testing"
    "time"

    "iac/pkg/crypto/sign"
    "iac/pkg/memkv"
    "iac/pkg/mesh"
    "iac/pkg/protocol"
    "iac/pkg/transport"
    "iac/pkg/transport/mem"
    "iac/pkg/transport/negotiate"
)

// link hands messages to the other end's handler on a fresh goroutine,
// the way a session dispatcher would. drop filters messages out.
type link struct {
    from    transport.PeerID
    deliver func(ctx context.Context, from transport.PeerID, m *protocol.Message)
    drop    func(m *protocol.Message) bool

    mu   sync.Mutex
    sent []*protocol.Message
}

func (l *link) SendMessage(ctx context.Context, _ transport.PeerID, msg *protocol.Message) error {
    cp := msg.Clone()
    cp.From = string(l.from)
    l.mu.Lock()
    l.sent = append(l.sent, cp)
    l.mu.Unlock()
    if l.drop != nil && l.drop(cp) { return nil }
    go l.deliver(ctx, l.from, cp)
    return nil
}

func (l *link) chunksSent(index int) int {
    l.mu.Lock()
    defer l.mu.Unlock()
    n := 0
    for _, m := range l.sent {
        var c Chunk
        if jsonCodec.Unmarshal([]byte(m.PayloadJSON), &c) == nil && c.Filename != "" && c.Index == index { n++ }
    }
    return n
}

func index(m *protocol.Message) int {
    var c Chunk
    _ = jsonCodec.Unmarshal([]byte(m.PayloadJSON), &c)
    return c.Index
}

func isChunk(m *protocol.Message) bool {
    var c Chunk
    return jsonCodec.Unmarshal([]byte(m.PayloadJSON), &c) == nil && c.Filename != ""
}

// pair wires a sender on "orchestrator" to a receiver on "agent".
func pair(t *testing.T, so SenderOptions) (*Sender, *Receiver, *link) {
    t.Helper()
    kv := memkv.New(memkv.Options{})
    t.Cleanup(kv.Close)
    toAgent := &link{from: "orchestrator"}
    toOrch := &link{from: "agent"}
    s := NewSender(toAgent, so)
    r := NewReceiver(toOrch, kv, ReceiverOptions{})
    toAgent.deliver = Route(nil, r)
    toOrch.deliver = Route(s, nil)
    return s, r, toAgent
}

func randomBytes(t *testing.T, n int) []byte {
    t.Helper()
    b := make([]byte, n)
    if _, err := rand.Read(b); err != nil { t.Fatalf("rand: %v", err) }
    return b
}

func completed(t *testing.T, r *Receiver) File {
    t.Helper()
    select {
    case f := <-r.Completed():
        return f
    case <-time.After(3 * time.Second):
        t.Fatalf("transfer did not complete")
        return File{}
    }
}

func TestTransferReassembles(t *testing.T) {
    s, r, _ := pair(t, SenderOptions{ChunkSize: 64})
    data := randomBytes(t, 1000)
    id, err := s.Send(context.Background(), "agent", "report.bin", data)
    if err != nil { t.Fatalf("send: %v", err) }
    f := completed(t, r)
    if f.ID != id || f.From != "orchestrator" || f.Name != "report.bin" || !bytes.Equal(f.Data, data) || f.Checksum != Checksum(data) {
        t.Fatalf("file %+v", f)
    }
}

func TestEmptyFile(t *testing.T) {
    s, r, _ := pair(t, SenderOptions{})
    if _, err := s.Send(context.Background(), "agent", "empty", nil); err != nil { t.Fatalf("send: %v", err) }
    if f := completed(t, r); len(f.Data) != 0 || f.Checksum != Checksum(nil) { t.Fatalf("file %+v", f) }
}

func TestLostChunkIsResent(t *testing.T) {
    s, r, l := pair(t, SenderOptions{ChunkSize: 10, AckTimeout: 50 * time.Millisecond})
    var once sync.Once
    l.drop = func(m *protocol.Message) bool {
        lost := false
        if isChunk(m) && index(m) == 3 { once.Do(func() { lost = true }) }
        return lost
    }
    data := randomBytes(t, 95)
    if _, err := s.Send(context.Background(), "agent", "config.tar", data); err != nil { t.Fatalf("send: %v", err) }
    if f := completed(t, r); !bytes.Equal(f.Data, data) { t.Fatalf("data differs") }
    if n := l.chunksSent(3); n != 2 { t.Fatalf("chunk 3 sent %d times", n) }
    if n := l.chunksSent(4); n != 1 { t.Fatalf("acked chunk resent: %d", n) }
}

func TestGivesUpAfterRetries(t *testing.T) {
    s, _, l := pair(t, SenderOptions{ChunkSize: 10, Retries: 2, AckTimeout: 20 * time.Millisecond})
    l.drop = func(m *protocol.Message) bool { return isChunk(m) && index(m) == 1 }
    _, err := s.Send(context.Background(), "agent", "lost.bin", randomBytes(t, 30))
    if !errors.Is(err, ErrIncomplete) { t.Fatalf("want ErrIncomplete, got %v", err) }
    if n := l.chunksSent(1); n != 3 { t.Fatalf("chunk 1 sent %d times", n) }
}

func TestChecksumMismatchDiscards(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    acks := &link{from: "agent", deliver: func(context.Context, transport.PeerID, *protocol.Message) {}}
    r := NewReceiver(acks, kv, ReceiverOptions{})
    data := []byte("hello world")
    for i, part := range [][]byte{data[:5], []byte("WORLD!")} {
        b, _ := jsonCodec.Marshal(Chunk{TransferID: "t-1", Filename: "greeting.txt", Index: i, Total: 2, Size: int64(len(data)), Checksum: Checksum(data)})
        m := protocol.New("orchestrator", "agent", protocol.MsgFileTransfer, string(b))
        m.ExtraData = part
        r.Handle(context.Background(), "orchestrator", m)
    }
    select {
    case f := <-r.Completed():
        t.Fatalf("corrupt file delivered: %+v", f)
    case <-time.After(50 * time.Millisecond):
    }
    acks.mu.Lock()
    n := len(acks.sent)
    acks.mu.Unlock()
    if n != 2 { t.Fatalf("acks %d", n) }
    if keys := kv.Keys("ft:"); len(keys) != 0 { t.Fatalf("chunks left behind: %v", keys) }
}

func TestOversizedTransferRefused(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    acks := &link{from: "agent", deliver: func(context.Context, transport.PeerID, *protocol.Message) {}}
    r := NewReceiver(acks, kv, ReceiverOptions{MaxFileSize: 4})
    b, _ := jsonCodec.Marshal(Chunk{TransferID: "t-2", Filename: "big", Index: 0, Total: 1, Size: 5, Checksum: Checksum([]byte("12345"))})
    m := protocol.New("orchestrator", "agent", protocol.MsgFileTransfer, string(b))
    m.ExtraData = []byte("12345")
    r.Handle(context.Background(), "orchestrator", m)
    if len(acks.sent) != 0 || len(kv.Keys("ft:")) != 0 { t.Fatalf("oversized chunk accepted") }
}

func TestImplausibleChunkCountRefused(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    acks := &link{from: "agent", deliver: func(context.Context, transport.PeerID, *protocol.Message) {}}
    r := NewReceiver(acks, kv, ReceiverOptions{MaxChunks: 8})
    for _, c := range []Chunk{
        {TransferID: "t-3", Filename: "huge", Index: 0, Total: 1 << 50, Size: 0},
        {TransferID: "t-4", Filename: "thin", Index: 0, Total: 6, Size: 5},
        {TransferID: "t-5", Filename: "many", Index: 0, Total: 9, Size: 100},
    } {
        b, _ := jsonCodec.Marshal(c)
        m := protocol.New("orchestrator", "agent", protocol.MsgFileTransfer, string(b))
        m.ExtraData = []byte("x")
        r.Handle(context.Background(), "orchestrator", m)
    }
    acks.mu.Lock()
    n := len(acks.sent)
    acks.mu.Unlock()
    if n != 0 || len(kv.Keys("ft:")) != 0 { t.Fatalf("implausible transfer accepted: %d acks", n) }
}

func TestTransferOverMesh(t *testing.T) {
    tr := mem.New()
    newMesh := func(id string) (*mesh.Mesh, *sign.Signer) {
        _, priv, err := sign.GenerateKeyPair()
        if err != nil { t.Fatalf("keygen: %v", err) }
        s := sign.NewSigner(priv)
        m, err := mesh.New(mesh.Options{ID: transport.PeerID(id), Signer: s})
        if err != nil { t.Fatalf("mesh: %v", err) }
        t.Cleanup(func() { _ = m.Close() })
        l, err := tr.Listen(context.Background(), id)
        if err != nil { t.Fatalf("listen: %v", err) }
        m.Serve(l)
        return m, s
    }
    orch, orchKey := newMesh("orchestrator")
    agent, agentKey := newMesh("agent")
    orch.Trust("agent", agentKey.PublicKey())
    agent.Trust("orchestrator", orchKey.PublicKey())

    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    sender := NewSender(orch, SenderOptions{ChunkSize: 4 << 10})
    recv := NewReceiver(agent, kv, ReceiverOptions{})
    orch.Handle(protocol.MsgFileTransfer, Route(sender, nil))
    agent.Handle(protocol.MsgFileTransfer, Route(nil, recv))

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := orch.Connect(ctx, "agent", []negotiate.Tier{{Transport: tr, Address: "agent"}}); err != nil { t.Fatalf("connect: %v", err) }
    data := randomBytes(t, 50<<10)
    if _, err := sender.Send(ctx, "agent", "model.bin", data); err != nil { t.Fatalf("send: %v", err) }
    f := completed(t, recv)
    if f.From != "orchestrator" || !bytes.Equal(f.Data, data) { t.Fatalf("file from %s, %d bytes", f.From, len(f.Data)) }
}
