package sign

import (
    "crypto/ed25519"
    "crypto/rand"
)

// GenerateKeyPair returns a fresh ed25519 key pair from crypto/rand.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
    return ed25519.GenerateKey(rand.Reader)
}

// Signer owns exactly one private key.
type Signer struct {
    priv ed25519.PrivateKey
    pub  ed25519.PublicKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
    return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Signer) Sign(data []byte) []byte { return ed25519.Sign(s.priv, data) }

func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// SignEd25519 signs data using ed25519.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
    return ed25519.Sign(priv, data)
}

// VerifyEd25519 verifies an ed25519 signature. Malformed keys or signatures
// yield false, never a panic.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
    if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize { return false }
    return ed25519.Verify(pub, data, sig)
}
