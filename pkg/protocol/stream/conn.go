package stream

import (
    "bufio"
    "encoding/binary"
    "errors"
    "fmt"
    "io"
    "sync"
)

// MaxFrameSize bounds a single frame on every substrate.
const MaxFrameSize = 1 << 24

// ErrFrameTooLarge is returned for frames above MaxFrameSize in either direction.
var ErrFrameTooLarge = errors.New("frame exceeds max size")

// WriteFrame writes b with a u32 little-endian length prefix.
func WriteFrame(w io.Writer, b []byte) error {
    if len(b) > MaxFrameSize { return ErrFrameTooLarge }
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := w.Write(lenbuf[:]); err != nil { return err }
    _, err := w.Write(b)
    return err
}

// ReadFrame reads one length-prefixed frame. A clean end of stream before
// the prefix yields io.EOF; a stream cut inside a frame yields
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(r, lenbuf[:]); err != nil { return nil, err }
    n := binary.LittleEndian.Uint32(lenbuf[:])
    if n > MaxFrameSize { return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, n) }
    buf := make([]byte, n)
    if _, err := io.ReadFull(r, buf); err != nil {
        if errors.Is(err, io.EOF) { err = io.ErrUnexpectedEOF }
        return nil, err
    }
    return buf, nil
}

// Conn adapts a byte stream to the transport.Stream frame interface.
type Conn struct {
    mu     sync.Mutex
    rw     io.ReadWriteCloser
    br     *bufio.Reader
    bw     *bufio.Writer
    closeW func() error
}

// New wraps rw. closeWrite, when non-nil, half-closes the write side;
// otherwise Close closes rw entirely.
func New(rw io.ReadWriteCloser, closeWrite func() error) *Conn {
    return &Conn{rw: rw, br: bufio.NewReader(rw), bw: bufio.NewWriter(rw), closeW: closeWrite}
}

func (c *Conn) SendBytes(b []byte) error {
    c.mu.Lock(); defer c.mu.Unlock()
    if err := WriteFrame(c.bw, b); err != nil { return err }
    return c.bw.Flush()
}

func (c *Conn) RecvBytes() ([]byte, error) { return ReadFrame(c.br) }

func (c *Conn) Close() error {
    c.mu.Lock(); defer c.mu.Unlock()
    _ = c.bw.Flush()
    if c.closeW != nil { return c.closeW() }
    return c.rw.Close()
}
