// Package filetransfer moves files between peers as FILE_TRANSFER messages.
// Every chunk carries a JSON header in payload_json and its raw bytes in
// extra_data; the receiver acknowledges each chunk and reassembles the file
// once every index is present and the blake2b-256 checksum matches.
package filetransfer

import (
    "context"
    "encoding/hex"
    "errors"

    "go.uber.org/zap"
    "golang.org/x/crypto/blake2b"

    "iac/pkg/protocol"
    "iac/pkg/protocol/codec"
    "iac/pkg/transport"
)

// DefaultChunkSize keeps a chunk well below the bulk batching threshold of
// one frame.
const DefaultChunkSize = 256 << 10

var (
    ErrIncomplete = errors.New("filetransfer: chunks left unacknowledged")
    ErrTooLarge   = errors.New("filetransfer: file exceeds size limit")
)

// Chunk is the header of one FILE_TRANSFER message.
type Chunk struct {
    TransferID string `json:"transfer_id"`
    Filename   string `json:"filename"`
    Index      int    `json:"index"`
    Total      int    `json:"total"`
    Size       int64  `json:"size"`     // whole file
    Checksum   string `json:"checksum"` // blake2b-256 hex of the whole file
}

// Ack confirms one chunk.
type Ack struct {
    TransferID string `json:"transfer_id"`
    Index      int    `json:"index"`
    Ack        bool   `json:"ack"`
}

// File is a completed, verified transfer.
type File struct {
    ID       string
    From     transport.PeerID
    Name     string
    Data     []byte
    Checksum string
}

// Messenger sends a prepared message to a peer; *mesh.Mesh satisfies it.
type Messenger interface {
    SendMessage(ctx context.Context, id transport.PeerID, msg *protocol.Message) error
}

var jsonCodec = codec.JSON()

// Checksum returns the hex blake2b-256 digest of data.
func Checksum(data []byte) string {
    sum := blake2b.Sum256(data)
    return hex.EncodeToString(sum[:])
}

// Route returns a FILE_TRANSFER handler feeding acks to s and chunks to r.
// Either may be nil when the node only sends or only receives.
func Route(s *Sender, r *Receiver) func(ctx context.Context, from transport.PeerID, m *protocol.Message) {
    return func(ctx context.Context, from transport.PeerID, m *protocol.Message) {
        var peek struct {
            Ack bool `json:"ack"`
        }
        if err := jsonCodec.Unmarshal([]byte(m.PayloadJSON), &peek); err != nil {
            zap.L().Debug("bad file transfer payload", zap.String("peer", string(from)), zap.Error(err))
            return
        }
        switch {
        case peek.Ack && s != nil:
            s.HandleAck(from, m)
        case !peek.Ack && r != nil:
            r.Handle(ctx, from, m)
        }
    }
}
