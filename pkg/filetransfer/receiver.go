package filetransfer

import (
    "context"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/memkv"
    "iac/pkg/protocol"
    "iac/pkg/transport"
)

type ReceiverOptions struct {
    MaxFileSize int64         // default 64 MiB
    IdleTimeout time.Duration // a transfer with no chunk for this long is dropped, default 2m
    Buffer      int           // Completed() capacity, default 16
    MaxChunks   int           // most chunks one transfer may announce, default 65536
}

// Receiver reassembles incoming transfers. Chunk bytes live in a memkv
// store with the idle timeout as TTL, so abandoned transfers expire on
// their own.
type Receiver struct {
    out  Messenger
    kv   *memkv.Store
    opts ReceiverOptions

    mu        sync.Mutex
    transfers map[string]*incoming
    done      chan File
}

type incoming struct {
    from  transport.PeerID
    hdr   Chunk
    have  []bool
    count int
    done  bool // assembled or discarded; later chunks are only acked
    seen  time.Time
}

// NewReceiver acks through out and keeps chunk bytes in kv.
func NewReceiver(out Messenger, kv *memkv.Store, opts ReceiverOptions) *Receiver {
    if opts.MaxFileSize <= 0 { opts.MaxFileSize = 64 << 20 }
    if opts.IdleTimeout <= 0 { opts.IdleTimeout = 2 * time.Minute }
    if opts.Buffer <= 0 { opts.Buffer = 16 }
    if opts.MaxChunks <= 0 { opts.MaxChunks = 1 << 16 }
    return &Receiver{out: out, kv: kv, opts: opts, transfers: make(map[string]*incoming), done: make(chan File, opts.Buffer)}
}

// Completed yields verified files.
func (r *Receiver) Completed() <-chan File { return r.done }

func chunkKey(from transport.PeerID, id string, i int) string {
    return fmt.Sprintf("ft:%s:%s:%08d", from, id, i)
}

// Handle stores one chunk and acknowledges it. Chunks of a transfer already
// completed or discarded are acked again so the sender can finish.
func (r *Receiver) Handle(ctx context.Context, from transport.PeerID, m *protocol.Message) {
    var c Chunk
    if err := jsonCodec.Unmarshal([]byte(m.PayloadJSON), &c); err != nil {
        zap.L().Debug("bad chunk header", zap.String("peer", string(from)), zap.Error(err))
        return
    }
    if c.TransferID == "" || c.Total < 1 || c.Index < 0 || c.Index >= c.Total || c.Size < 0 {
        zap.L().Debug("invalid chunk header", zap.String("peer", string(from)), zap.String("transfer_id", c.TransferID))
        return
    }
    // Every chunk but an empty file's carries at least one byte.
    if c.Total > r.opts.MaxChunks || int64(c.Total) > max(c.Size, 1) {
        zap.L().Warn("file transfer refused: implausible chunk count", zap.String("peer", string(from)), zap.String("transfer_id", c.TransferID), zap.Int("total", c.Total), zap.Int64("size", c.Size))
        return
    }
    if c.Size > r.opts.MaxFileSize {
        zap.L().Warn("file transfer refused", zap.String("peer", string(from)), zap.String("transfer_id", c.TransferID), zap.Error(ErrTooLarge))
        return
    }
    key := string(from) + "/" + c.TransferID
    now := time.Now()

    r.mu.Lock()
    r.pruneLocked(now)
    in := r.transfers[key]
    if in == nil {
        in = &incoming{from: from, hdr: c, have: make([]bool, c.Total)}
        r.transfers[key] = in
    }
    if in.hdr.Total != c.Total || in.hdr.Checksum != c.Checksum || in.hdr.Size != c.Size {
        r.mu.Unlock()
        zap.L().Debug("chunk header disagrees with transfer", zap.String("transfer_id", c.TransferID), zap.Int("index", c.Index))
        return
    }
    in.seen = now
    if !in.done && !in.have[c.Index] {
        if !r.kv.Set(chunkKey(from, c.TransferID, c.Index), m.ExtraData, r.opts.IdleTimeout) {
            r.mu.Unlock()
            zap.L().Warn("chunk store full", zap.String("transfer_id", c.TransferID))
            return
        }
        in.have[c.Index] = true
        in.count++
    }
    complete := !in.done && in.count == in.hdr.Total
    if complete { in.done = true }
    r.mu.Unlock()

    r.ack(ctx, from, c)
    if complete { r.assemble(from, in.hdr) }
}

func (r *Receiver) ack(ctx context.Context, to transport.PeerID, c Chunk) {
    b, _ := jsonCodec.Marshal(Ack{TransferID: c.TransferID, Index: c.Index, Ack: true})
    if err := r.out.SendMessage(ctx, to, protocol.New("", string(to), protocol.MsgFileTransfer, string(b))); err != nil {
        zap.L().Debug("chunk ack failed", zap.String("peer", string(to)), zap.String("transfer_id", c.TransferID), zap.Error(err))
    }
}

// assemble concatenates the stored chunks and verifies the checksum; a
// mismatch or an expired chunk discards the transfer.
func (r *Receiver) assemble(from transport.PeerID, h Chunk) {
    data := make([]byte, 0, h.Size)
    for i := 0; i < h.Total; i++ {
        b, ok := r.kv.GetDel(chunkKey(from, h.TransferID, i))
        if !ok {
            zap.L().Warn("file transfer discarded: chunk expired", zap.String("transfer_id", h.TransferID), zap.Int("index", i))
            r.discard(from, h, i+1)
            return
        }
        data = append(data, b...)
    }
    if int64(len(data)) != h.Size || Checksum(data) != h.Checksum {
        zap.L().Warn("file transfer discarded: checksum mismatch", zap.String("peer", string(from)), zap.String("transfer_id", h.TransferID), zap.String("file", h.Filename))
        return
    }
    zap.L().Info("file received", zap.String("peer", string(from)), zap.String("transfer_id", h.TransferID), zap.String("file", h.Filename), zap.Int("bytes", len(data)))
    f := File{ID: h.TransferID, From: from, Name: h.Filename, Data: data, Checksum: h.Checksum}
    select {
    case r.done <- f:
    default:
        zap.L().Warn("completed file dropped, consumer too slow", zap.String("transfer_id", h.TransferID))
    }
}

func (r *Receiver) discard(from transport.PeerID, h Chunk, start int) {
    for i := start; i < h.Total; i++ { r.kv.Delete(chunkKey(from, h.TransferID, i)) }
}

// pruneLocked forgets transfers idle past the timeout.
func (r *Receiver) pruneLocked(now time.Time) {
    for k, in := range r.transfers {
        if now.Sub(in.seen) > r.opts.IdleTimeout { delete(r.transfers, k) }
    }
}
