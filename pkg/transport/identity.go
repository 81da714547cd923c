package transport

import (
    "crypto/ed25519"
    "encoding/hex"
    "fmt"
    "net"
    "strings"
)

// TempPeerID builds a placeholder id from transport kind and remote address.
// It is only used until the application handshake names the peer.
func TempPeerID(kind Kind, addr net.Addr) PeerID {
    if addr == nil { return PeerID(fmt.Sprintf("temp:%s:unknown", kind)) }
    return PeerID(fmt.Sprintf("temp:%s:%s", kind, addr.String()))
}

// IsTemp reports whether id is a pre-handshake placeholder.
func IsTemp(id PeerID) bool { return strings.HasPrefix(string(id), "temp:") }

// CanonicalPeerIDFromPubKey returns the lowercase hex encoding of pub.
func CanonicalPeerIDFromPubKey(pub []byte) PeerID {
    return PeerID(hex.EncodeToString(pub))
}

// ParsePublicKey decodes a hex-encoded ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
    b, err := hex.DecodeString(strings.TrimSpace(s))
    if err != nil { return nil, fmt.Errorf("public key: %w", err) }
    if len(b) != ed25519.PublicKeySize {
        return nil, fmt.Errorf("public key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
    }
    return ed25519.PublicKey(b), nil
}
