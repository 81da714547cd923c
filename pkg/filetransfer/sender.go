package filetransfer

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "iac/pkg/protocol"
    "iac/pkg/transport"
)

type SenderOptions struct {
    ChunkSize  int           // default DefaultChunkSize
    Retries    int           // resend rounds after the first, default 3
    AckTimeout time.Duration // wait per round, default 5s
}

// Sender splits files into chunks and resends the ones that were not
// acknowledged.
type Sender struct {
    out  Messenger
    opts SenderOptions

    mu      sync.Mutex
    pending map[string]*outgoing
}

type outgoing struct {
    peer   transport.PeerID
    acked  []bool
    left   int
    signal chan struct{}
}

func NewSender(out Messenger, opts SenderOptions) *Sender {
    if opts.ChunkSize <= 0 { opts.ChunkSize = DefaultChunkSize }
    if opts.Retries < 0 { opts.Retries = 0 } else if opts.Retries == 0 { opts.Retries = 3 }
    if opts.AckTimeout <= 0 { opts.AckTimeout = 5 * time.Second }
    return &Sender{out: out, opts: opts, pending: make(map[string]*outgoing)}
}

// Send transfers data to peer under name and returns once every chunk was
// acknowledged. It returns the transfer id.
func (s *Sender) Send(ctx context.Context, peer transport.PeerID, name string, data []byte) (string, error) {
    id := uuid.NewString()
    chunks := split(data, s.opts.ChunkSize)
    hdr := Chunk{TransferID: id, Filename: name, Total: len(chunks), Size: int64(len(data)), Checksum: Checksum(data)}
    o := &outgoing{peer: peer, acked: make([]bool, len(chunks)), left: len(chunks), signal: make(chan struct{}, 1)}

    s.mu.Lock()
    s.pending[id] = o
    s.mu.Unlock()
    defer func() {
        s.mu.Lock()
        delete(s.pending, id)
        s.mu.Unlock()
    }()

    log := zap.L().With(zap.String("transfer_id", id), zap.String("peer", string(peer)), zap.String("file", name))
    log.Info("file transfer started", zap.Int("chunks", len(chunks)), zap.Int("bytes", len(data)))
    for round := 0; round <= s.opts.Retries; round++ {
        for i, b := range chunks {
            if s.isAcked(o, i) { continue }
            h := hdr
            h.Index = i
            payload, err := jsonCodec.Marshal(h)
            if err != nil { return id, err }
            msg := protocol.New("", string(peer), protocol.MsgFileTransfer, string(payload))
            msg.ExtraData = b
            if err := s.out.SendMessage(ctx, peer, msg); err != nil { return id, fmt.Errorf("chunk %d: %w", i, err) }
        }
        left, err := s.wait(ctx, o)
        if err != nil { return id, err }
        if left == 0 {
            log.Info("file transfer complete")
            return id, nil
        }
        log.Warn("chunks unacknowledged", zap.Int("round", round), zap.Int("missing", left))
    }
    s.mu.Lock()
    left := o.left
    s.mu.Unlock()
    return id, fmt.Errorf("%w: %d of %d after %d retries", ErrIncomplete, left, len(chunks), s.opts.Retries)
}

func (s *Sender) isAcked(o *outgoing, i int) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return o.acked[i]
}

// wait blocks until every chunk is acked or the round times out and
// returns the number still missing.
func (s *Sender) wait(ctx context.Context, o *outgoing) (int, error) {
    t := time.NewTimer(s.opts.AckTimeout)
    defer t.Stop()
    for {
        s.mu.Lock()
        left := o.left
        s.mu.Unlock()
        if left == 0 { return 0, nil }
        select {
        case <-ctx.Done():
            return left, ctx.Err()
        case <-t.C:
            return left, nil
        case <-o.signal:
        }
    }
}

// HandleAck records an acknowledgement from the peer a transfer goes to.
func (s *Sender) HandleAck(from transport.PeerID, m *protocol.Message) {
    var a Ack
    if err := jsonCodec.Unmarshal([]byte(m.PayloadJSON), &a); err != nil || !a.Ack { return }
    s.mu.Lock()
    o := s.pending[a.TransferID]
    if o == nil || o.peer != from || a.Index < 0 || a.Index >= len(o.acked) || o.acked[a.Index] {
        s.mu.Unlock()
        return
    }
    o.acked[a.Index] = true
    o.left--
    s.mu.Unlock()
    select {
    case o.signal <- struct{}{}:
    default:
    }
}

func split(data []byte, size int) [][]byte {
    if len(data) == 0 { return [][]byte{{}} }
    out := make([][]byte, 0, (len(data)+size-1)/size)
    for off := 0; off < len(data); off += size {
        out = append(out, data[off:min(off+size, len(data))])
    }
    return out
}
