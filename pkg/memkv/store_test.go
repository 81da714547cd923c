package memkv

import (
    "bytes"
    "reflect"
    "testing"
    "time"
)

func TestSetGetCopies(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    in := []byte("abc")
    if !s.Set("k1", in, 0) { t.Fatalf("set refused") }
    in[0] = 'X'
    v, ok := s.Get("k1")
    if !ok || string(v) != "abc" { t.Fatalf("Get mismatch: ok=%v v=%q", ok, v) }
    // modifying the returned copy must not touch the store
    v[0] = 'Y'
    if v2, _ := s.Get("k1"); string(v2) != "abc" { t.Fatalf("store aliased: %q", v2) }
}

func TestGetDel(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("k2", []byte("42"), 0)
    v, ok := s.GetDel("k2")
    if !ok || string(v) != "42" { t.Fatalf("GetDel mismatch: ok=%v v=%q", ok, v) }
    if s.Exists("k2") { t.Fatalf("key survived GetDel") }
}

func TestBackgroundExpiry(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("k3", []byte("v"), 50*time.Millisecond)
    if !s.Exists("k3") { t.Fatalf("expected key present before TTL") }
    deadline := time.Now().Add(2 * time.Second)
    // the expirer removes the key without any read touching it
    for s.Metrics().Expired == 0 {
        if time.Now().After(deadline) { t.Fatalf("expirer never ran") }
        time.Sleep(10 * time.Millisecond)
    }
    if _, ok := s.TTL("k3"); ok { t.Fatalf("TTL reports an expired key") }
    if s.Metrics().Keys != 0 { t.Fatalf("keys=%d", s.Metrics().Keys) }
}

func TestExpireAndTTL(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("k4", []byte("v"), 0)
    if d, ok := s.TTL("k4"); !ok || d != 0 { t.Fatalf("no-ttl key: %v %v", d, ok) }
    if !s.Expire("k4", 30*time.Millisecond) { t.Fatalf("Expire returned false") }
    if d, ok := s.TTL("k4"); !ok || d <= 0 { t.Fatalf("TTL should be >0 and ok, got %v %v", d, ok) }
    time.Sleep(80 * time.Millisecond)
    if _, ok := s.Get("k4"); ok { t.Fatalf("expected key expired") }
    if s.Expire("k4", time.Second) { t.Fatalf("Expire on a gone key") }
}

func TestUpdateAndUpsert(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    if s.Update("missing", func(old []byte) []byte { return old }) { t.Fatalf("Update created a key") }
    s.Upsert("c", 0, func(old []byte) []byte {
        if old != nil { t.Fatalf("fresh key saw %q", old) }
        return []byte("1")
    })
    s.Upsert("c", time.Minute, func(old []byte) []byte { return append(old, '2') })
    if v, _ := s.Get("c"); string(v) != "12" { t.Fatalf("got %q", v) }
    if d, ok := s.TTL("c"); !ok || d <= 0 { t.Fatalf("upsert ttl not applied: %v", d) }
    s.Update("c", func(old []byte) []byte { return append(old, '3') })
    if d, _ := s.TTL("c"); d <= 0 { t.Fatalf("Update dropped the ttl") }
}

func TestKeysByPrefix(t *testing.T) {
    s := New(Options{Shards: 4})
    defer s.Close()

    for _, k := range []string{"peer:b", "agent:x", "peer:a", "peer:c"} { s.Set(k, []byte{1}, 0) }
    s.Set("peer:gone", []byte{1}, time.Nanosecond)
    time.Sleep(time.Millisecond)
    got := s.Keys("peer:")
    if !reflect.DeepEqual(got, []string{"peer:a", "peer:b", "peer:c"}) { t.Fatalf("keys %v", got) }
}

func TestMetrics(t *testing.T) {
    s := New(Options{})
    defer s.Close()

    s.Set("a", []byte("123"), 0)
    s.Set("b", []byte("5"), 0)
    s.Update("a", func(old []byte) []byte { return append(old, "++"...) })
    s.Get("a")
    s.Get("missing")
    s.GetDel("b")

    st := s.Metrics()
    if st.Keys != 1 { t.Fatalf("Keys=1 expected, got %d", st.Keys) }
    if st.Sets != 2 || st.Updates != 1 { t.Fatalf("Sets=2 Updates=1 expected, got %d %d", st.Sets, st.Updates) }
    if st.Gets != 3 || st.Hits != 2 || st.Misses != 1 { t.Fatalf("Gets/Hits/Misses mismatch: %d/%d/%d", st.Gets, st.Hits, st.Misses) }
    if st.Dels != 1 { t.Fatalf("Dels=1 expected, got %d", st.Dels) }
    if st.Bytes != uint64(len("123++")) { t.Fatalf("Bytes=%d", st.Bytes) }
}

func TestMaxBytes(t *testing.T) {
    s := New(Options{MaxBytes: 64})
    defer s.Close()

    if !s.Set("a", bytes.Repeat([]byte{'x'}, 40), 0) { t.Fatalf("initial set refused") }
    if s.Set("b", bytes.Repeat([]byte{'y'}, 30), 0) { t.Fatalf("new key over the cap accepted") }
    if s.Exists("b") { t.Fatalf("rejected key stored") }
    if s.Set("a", bytes.Repeat([]byte{'z'}, 70), 0) { t.Fatalf("replace over the cap accepted") }
    if s.Update("a", func([]byte) []byte { return make([]byte, 65) }) { t.Fatalf("update over the cap accepted") }
    if v, _ := s.Get("a"); len(v) != 40 { t.Fatalf("value changed by rejected writes: %d", len(v)) }

    s.Set("a", []byte("short"), 0)
    s.Delete("a")
    if st := s.Metrics(); st.Bytes != 0 || st.Keys != 0 { t.Fatalf("accounting: bytes=%d keys=%d", st.Bytes, st.Keys) }
}
