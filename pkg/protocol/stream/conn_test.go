package stream

import (
    "bytes"
    "errors"
    "io"
    "testing"
)

func TestFrameRoundTrip(t *testing.T) {
    var buf bytes.Buffer
    if err := WriteFrame(&buf, []byte("one")); err != nil { t.Fatalf("write: %v", err) }
    if err := WriteFrame(&buf, nil); err != nil { t.Fatalf("write empty: %v", err) }
    if err := WriteFrame(&buf, []byte("three")); err != nil { t.Fatalf("write: %v", err) }

    for _, want := range []string{"one", "", "three"} {
        got, err := ReadFrame(&buf)
        if err != nil { t.Fatalf("read: %v", err) }
        if string(got) != want { t.Fatalf("want %q, got %q", want, got) }
    }
    if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
        t.Fatalf("want EOF at end of stream, got %v", err)
    }
}

func TestReadFrameTruncated(t *testing.T) {
    var buf bytes.Buffer
    _ = WriteFrame(&buf, []byte("truncated payload"))
    cut := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
    if _, err := ReadFrame(cut); !errors.Is(err, io.ErrUnexpectedEOF) {
        t.Fatalf("want ErrUnexpectedEOF, got %v", err)
    }
}

func TestReadFrameRejectsOversize(t *testing.T) {
    hdr := []byte{0xff, 0xff, 0xff, 0x7f}
    if _, err := ReadFrame(bytes.NewReader(hdr)); !errors.Is(err, ErrFrameTooLarge) {
        t.Fatalf("want ErrFrameTooLarge, got %v", err)
    }
}
