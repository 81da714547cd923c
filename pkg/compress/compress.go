// Package compress wraps zstd with a catalog of shared dictionaries. Peers
// agree on a dictionary id during the handshake and every serialized,
// signed envelope is compressed with it before it reaches the transport.
package compress

import (
    "errors"
    "fmt"
    "os"
    "sort"
    "sync"

    "github.com/klauspost/compress/zstd"
)

const (
    // NoDictionary selects plain zstd.
    NoDictionary uint32 = 0
    // BuiltinDictionary is always present in a catalog built with New.
    BuiltinDictionary uint32 = 1

    // MaxDecodedSize bounds the output of a single Decompress call.
    MaxDecodedSize = 64 << 20
)

var (
    ErrUnknownDictionary = errors.New("unknown dictionary id")
    ErrReservedID        = errors.New("dictionary id 0 is reserved")
)

type codec struct {
    enc *zstd.Encoder
    dec *zstd.Decoder
}

// Catalog holds one encoder/decoder pair per dictionary id. EncodeAll and
// DecodeAll are safe for concurrent use, so one catalog serves every session.
type Catalog struct {
    level zstd.EncoderLevel
    mu    sync.RWMutex
    byID  map[uint32]*codec
}

// New builds a catalog with the plain and the built-in dictionary at the given
// zstd level (1..22; 0 picks the library default).
func New(level int) (*Catalog, error) {
    c := &Catalog{level: zstd.SpeedDefault, byID: make(map[uint32]*codec)}
    if level > 0 { c.level = zstd.EncoderLevelFromZstd(level) }
    plain, err := c.newCodec(NoDictionary, nil)
    if err != nil { return nil, err }
    c.byID[NoDictionary] = plain
    if err := c.Register(BuiltinDictionary, builtinDictionary()); err != nil {
        c.Close()
        return nil, err
    }
    return c, nil
}

func (c *Catalog) newCodec(id uint32, content []byte) (*codec, error) {
    eopts := []zstd.EOption{zstd.WithEncoderLevel(c.level), zstd.WithEncoderCRC(true), zstd.WithZeroFrames(true)}
    dopts := []zstd.DOption{zstd.WithDecoderMaxMemory(MaxDecodedSize), zstd.WithDecoderConcurrency(0)}
    if content != nil {
        eopts = append(eopts, zstd.WithEncoderDictRaw(id, content))
        dopts = append(dopts, zstd.WithDecoderDictRaw(id, content))
    }
    enc, err := zstd.NewWriter(nil, eopts...)
    if err != nil { return nil, fmt.Errorf("zstd encoder: %w", err) }
    dec, err := zstd.NewReader(nil, dopts...)
    if err != nil { _ = enc.Close(); return nil, fmt.Errorf("zstd decoder: %w", err) }
    return &codec{enc: enc, dec: dec}, nil
}

// Register adds or replaces a dictionary.
func (c *Catalog) Register(id uint32, content []byte) error {
    if id == NoDictionary { return ErrReservedID }
    if len(content) < 8 { return fmt.Errorf("dictionary %d: content too short", id) }
    cd, err := c.newCodec(id, content)
    if err != nil { return fmt.Errorf("dictionary %d: %w", id, err) }
    c.mu.Lock()
    old := c.byID[id]
    c.byID[id] = cd
    c.mu.Unlock()
    if old != nil { old.close() }
    return nil
}

// RegisterFile loads raw dictionary content from path.
func (c *Catalog) RegisterFile(id uint32, path string) error {
    b, err := os.ReadFile(path)
    if err != nil { return fmt.Errorf("dictionary %d: %w", id, err) }
    return c.Register(id, b)
}

// IDs lists the available dictionary ids, ascending.
func (c *Catalog) IDs() []uint32 {
    c.mu.RLock(); defer c.mu.RUnlock()
    out := make([]uint32, 0, len(c.byID))
    for id := range c.byID { out = append(out, id) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (c *Catalog) Has(id uint32) bool {
    c.mu.RLock(); defer c.mu.RUnlock()
    _, ok := c.byID[id]
    return ok
}

// Negotiate picks the highest id offered by the peer that this catalog also
// holds. Without overlap it falls back to NoDictionary.
func (c *Catalog) Negotiate(offered []uint32) uint32 {
    best := NoDictionary
    for _, id := range offered {
        if id > best && c.Has(id) { best = id }
    }
    return best
}

func (c *Catalog) get(id uint32) (*codec, error) {
    c.mu.RLock(); defer c.mu.RUnlock()
    cd, ok := c.byID[id]
    if !ok { return nil, fmt.Errorf("%w: %d", ErrUnknownDictionary, id) }
    return cd, nil
}

// Compress encodes b as a single zstd frame using dictionary id.
func (c *Catalog) Compress(b []byte, id uint32) ([]byte, error) {
    cd, err := c.get(id)
    if err != nil { return nil, err }
    return cd.enc.EncodeAll(b, make([]byte, 0, len(b)/2+16)), nil
}

// Decompress reverses Compress. Corrupt input, a frame built with another
// dictionary or output above MaxDecodedSize is an error.
func (c *Catalog) Decompress(b []byte, id uint32) ([]byte, error) {
    cd, err := c.get(id)
    if err != nil { return nil, err }
    out, err := cd.dec.DecodeAll(b, nil)
    if err != nil { return nil, fmt.Errorf("zstd decode: %w", err) }
    return out, nil
}

// Close releases every encoder and decoder.
func (c *Catalog) Close() {
    c.mu.Lock(); defer c.mu.Unlock()
    for id, cd := range c.byID {
        cd.close()
        delete(c.byID, id)
    }
}

func (cd *codec) close() {
    _ = cd.enc.Close()
    cd.dec.Close()
}
