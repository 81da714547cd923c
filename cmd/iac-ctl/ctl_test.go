package main

import (
    "bytes"
    "crypto/ed25519"
    "os"
    "path/filepath"
    "strings"
    "testing"

    "iac/pkg/config"
    "iac/pkg/identity"
    "iac/pkg/transport"
)

func TestKeygenWritesKeyFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.key")
    var out bytes.Buffer
    rootCmd.SetOut(&out)
    rootCmd.SetArgs([]string{"keygen", "--out", path})
    if err := rootCmd.Execute(); err != nil { t.Fatalf("keygen: %v", err) }

    b, err := os.ReadFile(path)
    if err != nil { t.Fatalf("read key: %v", err) }
    priv, err := identity.Decode(string(b))
    if err != nil { t.Fatalf("decode: %v", err) }
    want := "public_key: " + string(transport.CanonicalPeerIDFromPubKey(priv.Public().(ed25519.PublicKey)))
    if !strings.Contains(out.String(), want) { t.Fatalf("output %q lacks %q", out.String(), want) }
}

func TestTargetDefaultsToKeyID(t *testing.T) {
    cfg = config.Default()
    peerKey = strings.Repeat("ab", 32)
    peerID = ""
    id, pub, err := target()
    if err != nil || len(pub) != 32 || string(id) != peerKey { t.Fatalf("id %s err %v", id, err) }

    peerKey = "zz"
    if _, _, err := target(); err == nil { t.Fatalf("bad key accepted") }
}
