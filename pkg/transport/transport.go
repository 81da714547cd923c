package transport

import (
    "context"
    "net"
    "time"
)

// Kind identifies the substrate behind a session.
type Kind int

const (
    KindUnknown Kind = iota
    KindQUIC
    KindTLS
    KindUnix
    KindWinPipe
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindQUIC:
        return "quic"
    case KindTLS:
        return "tls"
    case KindUnix:
        return "unix"
    case KindWinPipe:
        return "winpipe"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// Tier groups kinds into the fallback order used by the negotiator.
type Tier int

const (
    TierNone Tier = iota
    TierQUIC
    TierTLS
    TierLocal
)

func (t Tier) String() string {
    switch t {
    case TierQUIC:
        return "quic"
    case TierTLS:
        return "tls"
    case TierLocal:
        return "local"
    default:
        return "none"
    }
}

// Tier returns the fallback tier a kind belongs to.
func (k Kind) Tier() Tier {
    switch k {
    case KindQUIC:
        return TierQUIC
    case KindTLS:
        return TierTLS
    case KindUnix, KindWinPipe, KindMem:
        return TierLocal
    default:
        return TierNone
    }
}

// StreamClass labels multiplexed streams within a session.
type StreamClass int

const (
    StreamControl StreamClass = iota
    StreamTask
    StreamBulk
)

// PeerID is a peer identity: hex public key or a configured alias.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
    ID        PeerID
    Addr      string // transport-dependent address string
    Reachable bool
}

// Quality captures link metrics used to rank duplicate sessions.
type Quality struct {
    RTT           time.Duration
    EstablishedAt time.Time
    LastSeen      time.Time
}

// Stream carries length-prefixed frames in both directions.
// Close ends the local write side; the remote reader sees io.EOF after the
// last frame. Exactly one reader and one writer goroutine are expected.
type Stream interface {
    SendBytes([]byte) error
    RecvBytes() ([]byte, error)
    Close() error
}

// Session is one substrate connection carrying independent streams.
type Session interface {
    Peer() PeerInfo
    SetPeer(PeerInfo)
    TransportKind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr

    // OpenStream opens a new independent stream.
    OpenStream(ctx context.Context, cls StreamClass) (Stream, error)

    // AcceptStream waits for the next stream opened by the remote side.
    AcceptStream(ctx context.Context) (Stream, error)

    Quality() Quality

    // Close tears down the session and every stream on it.
    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
    Kind() Kind
    Listen(ctx context.Context, address string) (Listener, error)
    Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
