package protocol

import (
    "bytes"
    "crypto/ed25519"
    "crypto/rand"
    "encoding/binary"
    "errors"
    "fmt"
    "time"

    "google.golang.org/protobuf/encoding/protowire"

    "iac/pkg/crypto/sign"
)

var (
    // ErrMalformed marks bytes that are not a valid envelope.
    ErrMalformed = errors.New("malformed message")
    // ErrAlreadySigned is returned when Sign is called on a signed message.
    ErrAlreadySigned = errors.New("message already signed")
)

// Wire field numbers, in canonical order.
const (
    fieldFrom protowire.Number = iota + 1
    fieldTo
    fieldType
    fieldPayload
    fieldTimestamp
    fieldMsgID
    fieldSessionID
    fieldSignature
    fieldExtra
)

// Message is the envelope: the unit of signing and transport.
type Message struct {
    From        string
    To          string
    Type        MsgType
    PayloadJSON string
    Timestamp   uint64 // microseconds since the unix epoch, sender clock
    MsgID       uint64
    SessionID   uint64
    Signature   []byte
    ExtraData   []byte
}

// New builds an unsigned message stamped with the current time.
func New(from, to string, t MsgType, payloadJSON string) *Message {
    return &Message{From: from, To: to, Type: t, PayloadJSON: payloadJSON, Timestamp: NowMicros()}
}

// Ping builds a liveness message.
func Ping(from, to string, sessionID uint64) *Message {
    m := New(from, to, MsgPing, "")
    m.SessionID = sessionID
    m.MsgID = RandomID()
    return m
}

// Broadcast builds a message addressed to every peer.
func Broadcast(from, payloadJSON string, sessionID uint64) *Message {
    m := New(from, "", MsgBroadcast, payloadJSON)
    m.SessionID = sessionID
    m.MsgID = RandomID()
    return m
}

// NowMicros returns the wall clock in microseconds.
func NowMicros() uint64 { return uint64(time.Now().UnixMicro()) }

// RandomID returns a non-zero random uint64 from crypto/rand.
func RandomID() uint64 {
    var b [8]byte
    for {
        if _, err := rand.Read(b[:]); err != nil { panic(err) }
        if v := binary.LittleEndian.Uint64(b[:]); v != 0 { return v }
    }
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
    c := *m
    c.Signature = append([]byte(nil), m.Signature...)
    c.ExtraData = append([]byte(nil), m.ExtraData...)
    return &c
}

// Marshal encodes m in canonical field order. Every field is written, empty
// or not, so the output depends on field values only.
func (m *Message) Marshal() []byte {
    b := make([]byte, 0, 64+len(m.From)+len(m.To)+len(m.PayloadJSON)+len(m.Signature)+len(m.ExtraData))
    b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
    b = protowire.AppendString(b, m.From)
    b = protowire.AppendTag(b, fieldTo, protowire.BytesType)
    b = protowire.AppendString(b, m.To)
    b = protowire.AppendTag(b, fieldType, protowire.VarintType)
    b = protowire.AppendVarint(b, uint64(int64(m.Type)))
    b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
    b = protowire.AppendString(b, m.PayloadJSON)
    b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
    b = protowire.AppendVarint(b, m.Timestamp)
    b = protowire.AppendTag(b, fieldMsgID, protowire.VarintType)
    b = protowire.AppendVarint(b, m.MsgID)
    b = protowire.AppendTag(b, fieldSessionID, protowire.VarintType)
    b = protowire.AppendVarint(b, m.SessionID)
    b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
    b = protowire.AppendBytes(b, m.Signature)
    b = protowire.AppendTag(b, fieldExtra, protowire.BytesType)
    b = protowire.AppendBytes(b, m.ExtraData)
    return b
}

// Unmarshal decodes an envelope. Fields may arrive in any order, unknown
// fields are skipped, and a repeated field keeps its last value.
func Unmarshal(b []byte) (*Message, error) {
    m := &Message{}
    for len(b) > 0 {
        num, typ, n := protowire.ConsumeTag(b)
        if n < 0 { return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n)) }
        b = b[n:]
        switch num {
        case fieldFrom, fieldTo, fieldPayload, fieldSignature, fieldExtra:
            if typ != protowire.BytesType { return nil, fmt.Errorf("%w: field %d wire type %d", ErrMalformed, num, typ) }
            v, n := protowire.ConsumeBytes(b)
            if n < 0 { return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n)) }
            b = b[n:]
            switch num {
            case fieldFrom:
                m.From = string(v)
            case fieldTo:
                m.To = string(v)
            case fieldPayload:
                m.PayloadJSON = string(v)
            case fieldSignature:
                m.Signature = append([]byte(nil), v...)
            case fieldExtra:
                m.ExtraData = append([]byte(nil), v...)
            }
        case fieldType, fieldTimestamp, fieldMsgID, fieldSessionID:
            if typ != protowire.VarintType { return nil, fmt.Errorf("%w: field %d wire type %d", ErrMalformed, num, typ) }
            v, n := protowire.ConsumeVarint(b)
            if n < 0 { return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n)) }
            b = b[n:]
            switch num {
            case fieldType:
                m.Type = MsgTypeFromWire(int32(v))
            case fieldTimestamp:
                m.Timestamp = v
            case fieldMsgID:
                m.MsgID = v
            case fieldSessionID:
                m.SessionID = v
            }
        default:
            n := protowire.ConsumeFieldValue(num, typ, b)
            if n < 0 { return nil, fmt.Errorf("%w: skip field %d: %v", ErrMalformed, num, protowire.ParseError(n)) }
            b = b[n:]
        }
    }
    return m, nil
}

// SigningBytes is the signing pre-image: m with the signature cleared,
// canonically encoded.
func (m *Message) SigningBytes() []byte {
    c := *m
    c.Signature = nil
    return c.Marshal()
}

// Sign signs m once. A message that already carries a signature is never
// re-signed.
func (m *Message) Sign(s *sign.Signer) error {
    if len(m.Signature) != 0 { return ErrAlreadySigned }
    m.Signature = s.Sign(m.SigningBytes())
    return nil
}

// Verify checks the signature against pub. Any failure is reported as
// false.
func (m *Message) Verify(pub ed25519.PublicKey) bool {
    if len(m.Signature) == 0 { return false }
    return sign.VerifyEd25519(pub, m.SigningBytes(), m.Signature)
}

// VerifyWith checks the signature against the key the ring trusts for From.
func (m *Message) VerifyWith(r *sign.KeyRing) bool {
    pub, ok := r.Lookup(m.From)
    if !ok { return false }
    return m.Verify(pub)
}

// Equal compares every field, signature included.
func (m *Message) Equal(o *Message) bool {
    if m == nil || o == nil { return m == o }
    return m.From == o.From && m.To == o.To && m.Type == o.Type && m.PayloadJSON == o.PayloadJSON &&
        m.Timestamp == o.Timestamp && m.MsgID == o.MsgID && m.SessionID == o.SessionID &&
        bytes.Equal(m.Signature, o.Signature) && bytes.Equal(m.ExtraData, o.ExtraData)
}
