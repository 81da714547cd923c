package peers

import (
    "encoding/json"
    "sort"
    "time"

    "go.uber.org/zap"

    "iac/pkg/memkv"
    "iac/pkg/transport"
)

// defaultPeerTTL retires metadata of peers that stay silent this long.
const defaultPeerTTL = 30 * time.Minute

// Store keeps peer metadata and exchange counters in the in-memory KV.
type Store struct {
    kv  *memkv.Store
    ttl time.Duration
}

func NewStore(kv *memkv.Store) *Store { return &Store{kv: kv, ttl: defaultPeerTTL} }

// WithTTL overrides the inactivity TTL; 0 keeps entries forever.
func (s *Store) WithTTL(d time.Duration) *Store { s.ttl = d; return s }

type PeerMeta struct {
    ID        transport.PeerID `json:"id"`
    NodeID    string           `json:"node_id,omitempty"`
    PublicKey []byte           `json:"public_key,omitempty"`
    Addresses []string         `json:"addresses,omitempty"`
    State     string           `json:"state"`
    Tier      string           `json:"tier,omitempty"`
    Kind      string           `json:"kind,omitempty"`
    DictID    uint32           `json:"dict_id"`
    SessionID uint64           `json:"session_id"`
    LastSeen  int64            `json:"last_seen_unix_ms"`
    RTTms     uint32           `json:"rtt_ms"`
    Sessions  uint32           `json:"sessions"` // established over the lifetime of the entry
    MsgsIn    uint64           `json:"msgs_in"`
    MsgsOut   uint64           `json:"msgs_out"`
    BytesIn   uint64           `json:"bytes_in"`
    BytesOut  uint64           `json:"bytes_out"`

    // ExpiresInMS is filled by Get from the remaining TTL and never stored.
    ExpiresInMS int64 `json:"expires_in_ms,omitempty"`
}

// SessionInfo describes a freshly established session.
type SessionInfo struct {
    Tier      transport.Tier
    Kind      transport.Kind
    Addr      string
    PublicKey []byte
    DictID    uint32
    SessionID uint64
    RTT       time.Duration
}

func keyPeer(id transport.PeerID) string { return "peer:" + string(id) }

func (s *Store) modify(id transport.PeerID, fn func(pm *PeerMeta)) {
    ok := s.kv.Upsert(keyPeer(id), s.ttl, func(old []byte) []byte {
        var pm PeerMeta
        if old != nil { _ = json.Unmarshal(old, &pm) }
        pm.ID = id
        fn(&pm)
        b, _ := json.Marshal(pm)
        return b
    })
    if !ok { zap.L().Warn("peer store full", zap.String("peer", string(id))) }
}

func (s *Store) Upsert(meta PeerMeta) {
    meta.ExpiresInMS = 0
    b, _ := json.Marshal(meta)
    s.kv.Set(keyPeer(meta.ID), b, s.ttl)
    zap.L().Debug("peer upsert", zap.String("peer", string(meta.ID)), zap.Strings("addrs", meta.Addresses))
}

func (s *Store) Get(id transport.PeerID) (PeerMeta, bool) {
    b, ok := s.kv.Get(keyPeer(id))
    if !ok { return PeerMeta{}, false }
    var pm PeerMeta
    if err := json.Unmarshal(b, &pm); err != nil { return PeerMeta{}, false }
    if d, ok := s.kv.TTL(keyPeer(id)); ok && d > 0 { pm.ExpiresInMS = max(d.Milliseconds(), 1) }
    return pm, true
}

// Touch updates last-seen and remembers addr.
func (s *Store) Touch(id transport.PeerID, addr string, when time.Time) {
    if when.IsZero() { when = time.Now() }
    s.modify(id, func(pm *PeerMeta) {
        pm.LastSeen = when.UnixMilli()
        addAddr(pm, addr)
    })
}

func addAddr(pm *PeerMeta, addr string) {
    if addr == "" { return }
    for _, a := range pm.Addresses { if a == addr { return } }
    pm.Addresses = append(pm.Addresses, addr)
}

// SetState records a liveness state name.
func (s *Store) SetState(id transport.PeerID, state string) {
    s.modify(id, func(pm *PeerMeta) { pm.State = state })
}

// RecordSession stores the parameters of a newly canonical session.
func (s *Store) RecordSession(id transport.PeerID, si SessionInfo) {
    s.modify(id, func(pm *PeerMeta) {
        pm.Tier = si.Tier.String()
        pm.Kind = si.Kind.String()
        if len(si.PublicKey) > 0 {
            pm.PublicKey = append([]byte(nil), si.PublicKey...)
            pm.NodeID = string(transport.CanonicalPeerIDFromPubKey(si.PublicKey))
        }
        pm.DictID = si.DictID
        pm.SessionID = si.SessionID
        if si.RTT > 0 { pm.RTTms = uint32(si.RTT / time.Millisecond) }
        pm.Sessions++
        pm.LastSeen = time.Now().UnixMilli()
        addAddr(pm, si.Addr)
    })
    zap.L().Debug("peer session recorded", zap.String("peer", string(id)), zap.String("tier", si.Tier.String()), zap.Uint64("session_id", si.SessionID))
}

// RecordExchange adds message and byte counters to a known peer. Counters
// of a peer whose entry already expired are dropped, not resurrected.
func (s *Store) RecordExchange(id transport.PeerID, inBytes, outBytes, inMsgs, outMsgs uint64) bool {
    return s.kv.Update(keyPeer(id), func(old []byte) []byte {
        var pm PeerMeta
        if err := json.Unmarshal(old, &pm); err != nil { return old }
        pm.MsgsIn += inMsgs
        pm.MsgsOut += outMsgs
        pm.BytesIn += inBytes
        pm.BytesOut += outBytes
        b, _ := json.Marshal(pm)
        return b
    })
}

// List returns all known peers ordered by id.
func (s *Store) List() []PeerMeta {
    keys := s.kv.Keys("peer:")
    out := make([]PeerMeta, 0, len(keys))
    for _, k := range keys {
        if pm, ok := s.Get(transport.PeerID(k[len("peer:"):])); ok { out = append(out, pm) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

func (s *Store) Delete(id transport.PeerID) {
    if s.kv.Delete(keyPeer(id)) { zap.L().Info("peer deleted", zap.String("peer", string(id))) }
}
