// Package handshake runs the application-level identity exchange on a fresh
// transport session. The initiator sends a signed Hello, the responder checks
// it against the known-peer registry and answers with a signed Welcome that
// fixes the compression dictionary and the session id.
package handshake

import (
    "bytes"
    "context"
    "crypto/ed25519"
    "crypto/rand"
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "iac/pkg/compress"
    "iac/pkg/crypto/sign"
    "iac/pkg/protocol"
    "iac/pkg/protocol/codec"
    "iac/pkg/transport"
)

const (
    Version = 1
    AlgEd25519 = "ed25519"

    nonceSize      = 16
    defaultMaxSkew = 2 * time.Minute

    reasonUntrusted = "untrusted"
)

var (
    // ErrUntrusted: the peer's key is not in the known-peer registry, or the
    // remote side rejected ours. Trying another tier cannot help.
    ErrUntrusted = errors.New("handshake: peer not trusted")
    ErrBadSignature = errors.New("handshake: bad signature")
    ErrStale        = errors.New("handshake: timestamp outside allowed skew")
    ErrMalformed    = errors.New("handshake: malformed frame")
    ErrMismatch     = errors.New("handshake: reply does not match hello")
)

var cborCodec = codec.MustCBOR()

// Hello opens the exchange.
type Hello struct {
    Version   uint32   `cbor:"1,keyasint"`
    NodeID    string   `cbor:"2,keyasint"`
    Alg       string   `cbor:"3,keyasint"`
    PubKey    []byte   `cbor:"4,keyasint"`
    Nonce     []byte   `cbor:"5,keyasint"`
    Timestamp int64    `cbor:"6,keyasint"` // unix ms
    Dicts     []uint32 `cbor:"7,keyasint,omitempty"`
    Sig       []byte   `cbor:"8,keyasint"`
}

// Welcome answers a Hello. A non-empty Reject means the responder refused.
type Welcome struct {
    Version   uint32 `cbor:"1,keyasint"`
    NodeID    string `cbor:"2,keyasint"`
    Alg       string `cbor:"3,keyasint"`
    PubKey    []byte `cbor:"4,keyasint"`
    Nonce     []byte `cbor:"5,keyasint"`
    Timestamp int64  `cbor:"6,keyasint"`
    PeerNonce []byte `cbor:"7,keyasint"`
    DictID    uint32 `cbor:"8,keyasint"`
    SessionID uint64 `cbor:"9,keyasint"`
    Sig       []byte `cbor:"10,keyasint,omitempty"`
    Reject    string `cbor:"11,keyasint,omitempty"`
}

// Local is this node's side of the handshake.
type Local struct {
    ID      transport.PeerID // alias or hex public key
    Signer  *sign.Signer
    Ring    *sign.KeyRing
    Catalog *compress.Catalog
    MaxSkew time.Duration
}

// Result describes an authenticated session.
type Result struct {
    PeerID    transport.PeerID
    PubKey    ed25519.PublicKey
    DictID    uint32
    SessionID uint64
    Initiator bool
}

func (l Local) skew() time.Duration {
    if l.MaxSkew > 0 { return l.MaxSkew }
    return defaultMaxSkew
}

func (l Local) dicts() []uint32 {
    if l.Catalog == nil { return nil }
    return l.Catalog.IDs()
}

// NewHello builds and signs a Hello.
func NewHello(l Local) (Hello, error) {
    nonce := make([]byte, nonceSize)
    if _, err := rand.Read(nonce); err != nil { return Hello{}, err }
    h := Hello{
        Version:   Version,
        NodeID:    string(l.ID),
        Alg:       AlgEd25519,
        PubKey:    append([]byte(nil), l.Signer.PublicKey()...),
        Nonce:     nonce,
        Timestamp: time.Now().UnixMilli(),
        Dicts:     l.dicts(),
    }
    h.Sig = l.Signer.Sign(sign.HelloTranscript(h.Alg, h.PubKey, h.Nonce, h.Timestamp, h.NodeID, h.Dicts))
    return h, nil
}

// VerifyHello checks algorithm, signature and freshness. It does not consult
// the known-peer registry.
func VerifyHello(h Hello, maxSkew time.Duration) error {
    if err := checkCommon(h.Alg, h.PubKey, h.Nonce, h.Timestamp, maxSkew); err != nil { return err }
    if !sign.VerifyEd25519(ed25519.PublicKey(h.PubKey), sign.HelloTranscript(h.Alg, h.PubKey, h.Nonce, h.Timestamp, h.NodeID, h.Dicts), h.Sig) {
        return ErrBadSignature
    }
    return nil
}

func verifyWelcome(w Welcome, maxSkew time.Duration) error {
    if err := checkCommon(w.Alg, w.PubKey, w.Nonce, w.Timestamp, maxSkew); err != nil { return err }
    if !sign.VerifyEd25519(ed25519.PublicKey(w.PubKey), sign.WelcomeTranscript(w.Alg, w.PubKey, w.Nonce, w.Timestamp, w.NodeID, w.PeerNonce, w.DictID, w.SessionID), w.Sig) {
        return ErrBadSignature
    }
    return nil
}

func checkCommon(alg string, pub, nonce []byte, ts int64, maxSkew time.Duration) error {
    if alg != AlgEd25519 { return fmt.Errorf("%w: unsupported alg %q", ErrMalformed, alg) }
    if len(pub) != ed25519.PublicKeySize { return fmt.Errorf("%w: bad public key length", ErrMalformed) }
    if len(nonce) != nonceSize { return fmt.Errorf("%w: bad nonce length", ErrMalformed) }
    if maxSkew <= 0 { maxSkew = defaultMaxSkew }
    dt := time.Since(time.UnixMilli(ts))
    if dt > maxSkew || dt < -maxSkew { return ErrStale }
    return nil
}

// trusted resolves the claimed id against the ring and requires the key to
// match the one presented. An empty id stands for the hex public key.
func trusted(ring *sign.KeyRing, id string, pub []byte) (transport.PeerID, bool) {
    if id == "" { id = string(transport.CanonicalPeerIDFromPubKey(pub)) }
    if ring == nil { return "", false }
    known, ok := ring.Lookup(id)
    if !ok || !bytes.Equal(known, pub) { return "", false }
    return transport.PeerID(id), true
}

// Initiate runs the dialing side on s. expect, when not temporary, must
// match the id the responder proves.
func Initiate(ctx context.Context, s transport.Session, l Local, expect transport.PeerID) (*Result, error) {
    var res *Result
    err := withContext(ctx, s, func() error {
        st, err := s.OpenStream(ctx, transport.StreamControl)
        if err != nil { return err }
        defer st.Close()
        h, err := NewHello(l)
        if err != nil { return err }
        b, err := cborCodec.Marshal(h)
        if err != nil { return err }
        if err := st.SendBytes(b); err != nil { return err }

        raw, err := st.RecvBytes()
        if err != nil { return fmt.Errorf("read welcome: %w", err) }
        var w Welcome
        if err := cborCodec.Unmarshal(raw, &w); err != nil { return fmt.Errorf("%w: %v", ErrMalformed, err) }
        if w.Reject == reasonUntrusted { return fmt.Errorf("%w: rejected by remote", ErrUntrusted) }
        if w.Reject != "" { return fmt.Errorf("handshake rejected: %s", w.Reject) }
        if err := verifyWelcome(w, l.skew()); err != nil { return err }
        if !bytes.Equal(w.PeerNonce, h.Nonce) { return ErrMismatch }
        pid, ok := trusted(l.Ring, w.NodeID, w.PubKey)
        if !ok { return fmt.Errorf("%w: %s", ErrUntrusted, w.NodeID) }
        if expect != "" && !transport.IsTemp(expect) && expect != pid {
            if known, ok := l.Ring.Lookup(string(expect)); !ok || !bytes.Equal(known, w.PubKey) {
                return fmt.Errorf("%w: dialed %s, reached %s", ErrUntrusted, expect, pid)
            }
            pid = expect
        }
        if w.DictID != compress.NoDictionary && (l.Catalog == nil || !l.Catalog.Has(w.DictID)) {
            return fmt.Errorf("%w: unknown dictionary %d", ErrMismatch, w.DictID)
        }
        if w.SessionID == 0 { return fmt.Errorf("%w: zero session id", ErrMalformed) }
        res = &Result{PeerID: pid, PubKey: ed25519.PublicKey(w.PubKey), DictID: w.DictID, SessionID: w.SessionID, Initiator: true}
        return nil
    })
    if err != nil { return nil, err }
    bind(s, res.PeerID)
    return res, nil
}

// Respond runs the accepting side on s.
func Respond(ctx context.Context, s transport.Session, l Local) (*Result, error) {
    var res *Result
    err := withContext(ctx, s, func() error {
        st, err := s.AcceptStream(ctx)
        if err != nil { return err }
        defer st.Close()
        raw, err := st.RecvBytes()
        if err != nil { return fmt.Errorf("read hello: %w", err) }
        var h Hello
        if err := cborCodec.Unmarshal(raw, &h); err != nil { return fmt.Errorf("%w: %v", ErrMalformed, err) }
        if err := VerifyHello(h, l.skew()); err != nil { return err }
        pid, ok := trusted(l.Ring, h.NodeID, h.PubKey)
        if !ok {
            reject, _ := cborCodec.Marshal(Welcome{Version: Version, Reject: reasonUntrusted})
            _ = st.SendBytes(reject)
            return fmt.Errorf("%w: %s", ErrUntrusted, h.NodeID)
        }

        dict := compress.NoDictionary
        if l.Catalog != nil { dict = l.Catalog.Negotiate(h.Dicts) }
        nonce := make([]byte, nonceSize)
        if _, err := rand.Read(nonce); err != nil { return err }
        w := Welcome{
            Version:   Version,
            NodeID:    string(l.ID),
            Alg:       AlgEd25519,
            PubKey:    append([]byte(nil), l.Signer.PublicKey()...),
            Nonce:     nonce,
            Timestamp: time.Now().UnixMilli(),
            PeerNonce: h.Nonce,
            DictID:    dict,
            SessionID: protocol.RandomID(),
        }
        w.Sig = l.Signer.Sign(sign.WelcomeTranscript(w.Alg, w.PubKey, w.Nonce, w.Timestamp, w.NodeID, w.PeerNonce, w.DictID, w.SessionID))
        b, err := cborCodec.Marshal(w)
        if err != nil { return err }
        if err := st.SendBytes(b); err != nil { return err }
        res = &Result{PeerID: pid, PubKey: ed25519.PublicKey(h.PubKey), DictID: dict, SessionID: w.SessionID}
        return nil
    })
    if err != nil { return nil, err }
    bind(s, res.PeerID)
    return res, nil
}

func bind(s transport.Session, id transport.PeerID) {
    pi := s.Peer()
    pi.ID = id
    pi.Reachable = true
    s.SetPeer(pi)
    zap.L().Debug("handshake complete", zap.String("peer", string(id)), zap.String("kind", s.TransportKind().String()))
}

// withContext runs fn and gives up when ctx ends. Stream reads do not take a
// context, so the session is closed to unblock fn.
func withContext(ctx context.Context, s transport.Session, fn func() error) error {
    done := make(chan error, 1)
    go func() { done <- fn() }()
    select {
    case err := <-done:
        return err
    case <-ctx.Done():
        _ = s.Close()
        <-done
        return ctx.Err()
    }
}
