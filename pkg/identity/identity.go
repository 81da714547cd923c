// Package identity loads or creates the node's Ed25519 signing key.
package identity

import (
    "crypto/ed25519"
    "encoding/base64"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"

    "iac/pkg/config"
    "iac/pkg/crypto/sign"
    "iac/pkg/transport"
)

// LoadOrGenEd25519 loads the private key from config or generates a new
// one. A generated key is written to identity.private_key_file when that is
// set and the file does not exist yet. The returned id is the hex public key.
func LoadOrGenEd25519(c config.IdentityConfig) (ed25519.PrivateKey, transport.PeerID, error) {
    pk, err := load(c)
    if err != nil { return nil, "", err }
    if pk == nil {
        _, gen, err := sign.GenerateKeyPair()
        if err != nil { return nil, "", fmt.Errorf("identity: generate: %w", err) }
        pk = gen
        if f := strings.TrimSpace(c.PrivateKeyFile); f != "" {
            if err := Save(f, pk); err != nil { return nil, "", err }
            zap.L().Info("generated new ed25519 identity", zap.String("file", f))
        } else {
            zap.L().Info("generated new ed25519 identity (persist to config.identity.private_key)")
        }
    }
    pid := transport.CanonicalPeerIDFromPubKey(pk.Public().(ed25519.PublicKey))
    return pk, pid, nil
}

func load(c config.IdentityConfig) (ed25519.PrivateKey, error) {
    if s := strings.TrimSpace(c.PrivateKey); s != "" {
        pk, err := Decode(s)
        if err != nil { return nil, fmt.Errorf("identity.private_key: %w", err) }
        return pk, nil
    }
    f := strings.TrimSpace(c.PrivateKeyFile)
    if f == "" { return nil, nil }
    b, err := os.ReadFile(f)
    if errors.Is(err, os.ErrNotExist) { return nil, nil }
    if err != nil { return nil, fmt.Errorf("identity.private_key_file: %w", err) }
    if len(b) == ed25519.PrivateKeySize { return ed25519.PrivateKey(b), nil }
    pk, err := Decode(string(b))
    if err != nil { return nil, fmt.Errorf("identity.private_key_file: %w", err) }
    return pk, nil
}

// Decode parses a base64url (unpadded) private key or 32-byte seed.
func Decode(s string) (ed25519.PrivateKey, error) {
    b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
    if err != nil { return nil, err }
    switch len(b) {
    case ed25519.PrivateKeySize:
        return ed25519.PrivateKey(b), nil
    case ed25519.SeedSize:
        return ed25519.NewKeyFromSeed(b), nil
    default:
        return nil, fmt.Errorf("want %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(b))
    }
}

// Encode is the inverse of Decode.
func Encode(pk ed25519.PrivateKey) string { return base64.RawURLEncoding.EncodeToString(pk) }

// Save writes pk base64url-encoded with owner-only permissions.
func Save(path string, pk ed25519.PrivateKey) error {
    if dir := filepath.Dir(path); dir != "." {
        if err := os.MkdirAll(dir, 0o700); err != nil { return fmt.Errorf("identity: %w", err) }
    }
    if err := os.WriteFile(path, []byte(Encode(pk)+"\n"), 0o600); err != nil { return fmt.Errorf("identity: %w", err) }
    return nil
}
