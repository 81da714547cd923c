package codec

import (
    "encoding/json"
    "testing"
)

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"a": 1, "b": "x", "big": uint64(1) << 62}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["b"].(string) != "x" { t.Fatalf("roundtrip mismatch: %#v", out) }
    if out["big"].(json.Number).String() != "4611686018427387904" { t.Fatalf("large integer lost precision: %v", out["big"]) }
}

type hello struct {
    ID    string   `cbor:"id"`
    Dicts []uint32 `cbor:"dicts"`
}

func TestCBORCodecCanonical(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    a, _ := c.Marshal(map[string]int{"b": 2, "a": 1})
    b, _ := c.Marshal(map[string]int{"a": 1, "b": 2})
    if string(a) != string(b) { t.Fatalf("canonical encoding depends on map order") }

    in := hello{ID: "n1", Dicts: []uint32{0, 1}}
    raw, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out hello
    if err := c.Unmarshal(raw, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.ID != "n1" || len(out.Dicts) != 2 { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestCBORRejectsUnknownField(t *testing.T) {
    c := MustCBOR()
    raw, _ := c.Marshal(map[string]any{"id": "n1", "extra": true})
    var out hello
    if err := c.Unmarshal(raw, &out); err == nil { t.Fatalf("expected unknown field error") }
}

func TestRegistry(t *testing.T) {
    r, err := NewRegistry()
    if err != nil { t.Fatalf("registry: %v", err) }
    if r.Get("application/json") == nil || r.Get("application/cbor") == nil { t.Fatalf("missing built-in codec") }
    if r.Get("application/x-unknown") != nil { t.Fatalf("unexpected codec") }
}
