package peers

import (
    "testing"
    "time"

    "iac/pkg/memkv"
    "iac/pkg/transport"
)

func newStore(t *testing.T) *Store {
    kv := memkv.New(memkv.Options{})
    t.Cleanup(kv.Close)
    return NewStore(kv)
}

func TestSessionAndCounters(t *testing.T) {
    s := newStore(t)
    pub := make([]byte, 32)
    pub[0] = 0xab
    s.RecordSession("orchestrator", SessionInfo{Tier: transport.TierTLS, Kind: transport.KindTLS, Addr: "10.0.0.1:7443", PublicKey: pub, DictID: 1, SessionID: 99})
    s.SetState("orchestrator", "alive")
    s.RecordExchange("orchestrator", 100, 40, 2, 1)
    s.RecordExchange("orchestrator", 10, 0, 1, 0)
    s.Touch("orchestrator", "10.0.0.1:7443", time.Time{})

    pm, ok := s.Get("orchestrator")
    if !ok { t.Fatalf("peer missing") }
    if pm.Tier != "tls" || pm.State != "alive" || pm.SessionID != 99 || pm.DictID != 1 { t.Fatalf("meta %+v", pm) }
    if pm.NodeID != string(transport.CanonicalPeerIDFromPubKey(pub)) { t.Fatalf("node id %q", pm.NodeID) }
    if pm.MsgsIn != 3 || pm.BytesIn != 110 || pm.MsgsOut != 1 || pm.BytesOut != 40 { t.Fatalf("counters %+v", pm) }
    if len(pm.Addresses) != 1 { t.Fatalf("duplicate address recorded: %v", pm.Addresses) }
    if pm.Sessions != 1 || pm.LastSeen == 0 { t.Fatalf("sessions=%d last_seen=%d", pm.Sessions, pm.LastSeen) }
}

func TestListAndDelete(t *testing.T) {
    s := newStore(t)
    s.Upsert(PeerMeta{ID: "b"})
    s.Touch("a", "", time.Now())
    s.SetState("c", "dead")
    got := s.List()
    if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" { t.Fatalf("list %+v", got) }
    s.Delete("b")
    if _, ok := s.Get("b"); ok { t.Fatalf("deleted peer still present") }
}

func TestInactivityTTL(t *testing.T) {
    s := newStore(t).WithTTL(30 * time.Millisecond)
    s.Touch("ghost", "", time.Now())
    time.Sleep(80 * time.Millisecond)
    if _, ok := s.Get("ghost"); ok { t.Fatalf("silent peer not retired") }
}

func TestExchangeNeedsKnownPeer(t *testing.T) {
    s := newStore(t).WithTTL(time.Minute)
    if s.RecordExchange("stranger", 1, 1, 1, 1) { t.Fatalf("counters recorded for unknown peer") }
    if _, ok := s.Get("stranger"); ok { t.Fatalf("counters created an entry") }
    s.Touch("agent", "", time.Now())
    if !s.RecordExchange("agent", 5, 0, 1, 0) { t.Fatalf("known peer not updated") }
    pm, _ := s.Get("agent")
    if pm.BytesIn != 5 { t.Fatalf("bytes_in=%d", pm.BytesIn) }
    if pm.ExpiresInMS <= 0 || pm.ExpiresInMS > time.Minute.Milliseconds() { t.Fatalf("expires_in_ms=%d", pm.ExpiresInMS) }
}
