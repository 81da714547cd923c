package reorder

// Serial-number arithmetic over uint64 ids (RFC 1982). Ids live on a ring;
// a is before b when the forward distance from a to b is under half the ring.

const half = uint64(1) << 63

// SeqLess reports whether a precedes b.
func SeqLess(a, b uint64) bool { return a != b && b-a < half }

// SeqDiff is the signed distance from a to b.
func SeqDiff(a, b uint64) int64 { return int64(b - a) }

// seqMax returns whichever of a, b is later on the ring.
func seqMax(a, b uint64) uint64 {
    if SeqLess(a, b) { return b }
    return a
}
