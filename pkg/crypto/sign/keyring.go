package sign

import (
    "bytes"
    "crypto/ed25519"
    "encoding/hex"
    "sort"
    "sync"
    "sync/atomic"
)

// KeyRing is the set of public keys accepted as valid correspondents,
// keyed by peer id. Reads are lock-free; writers replace the whole map so a
// concurrent Verify sees either the old or the new set, never a mix.
type KeyRing struct {
    mu   sync.Mutex // serializes writers
    keys atomic.Pointer[map[string]ed25519.PublicKey]
}

func NewKeyRing() *KeyRing {
    r := &KeyRing{}
    m := make(map[string]ed25519.PublicKey)
    r.keys.Store(&m)
    return r
}

// Trust adds or replaces the key for id.
func (r *KeyRing) Trust(id string, pub ed25519.PublicKey) {
    r.mu.Lock(); defer r.mu.Unlock()
    cur := *r.keys.Load()
    next := make(map[string]ed25519.PublicKey, len(cur)+1)
    for k, v := range cur { next[k] = v }
    next[id] = append(ed25519.PublicKey(nil), pub...)
    r.keys.Store(&next)
}

// Revoke removes id from the ring.
func (r *KeyRing) Revoke(id string) {
    r.mu.Lock(); defer r.mu.Unlock()
    cur := *r.keys.Load()
    if _, ok := cur[id]; !ok { return }
    next := make(map[string]ed25519.PublicKey, len(cur))
    for k, v := range cur { if k != id { next[k] = v } }
    r.keys.Store(&next)
}

// Lookup returns the key trusted for id. An id that is itself the hex form
// of a trusted key resolves to that key even when it was trusted under an
// alias.
func (r *KeyRing) Lookup(id string) (ed25519.PublicKey, bool) {
    m := *r.keys.Load()
    if pub, ok := m[id]; ok { return pub, true }
    if len(id) != hex.EncodedLen(ed25519.PublicKeySize) { return nil, false }
    raw, err := hex.DecodeString(id)
    if err != nil { return nil, false }
    for _, pub := range m {
        if bytes.Equal(pub, raw) { return pub, true }
    }
    return nil, false
}

// IsTrusted reports whether pub is in the ring under any id.
func (r *KeyRing) IsTrusted(pub ed25519.PublicKey) bool {
    for _, k := range *r.keys.Load() {
        if bytes.Equal(k, pub) { return true }
    }
    return false
}

// Verify checks sig over data against the key trusted for id.
func (r *KeyRing) Verify(id string, data, sig []byte) bool {
    pub, ok := r.Lookup(id)
    if !ok { return false }
    return VerifyEd25519(pub, data, sig)
}

// IDs returns trusted ids in sorted order.
func (r *KeyRing) IDs() []string {
    m := *r.keys.Load()
    out := make([]string, 0, len(m))
    for id := range m { out = append(out, id) }
    sort.Strings(out)
    return out
}

func (r *KeyRing) Len() int { return len(*r.keys.Load()) }
