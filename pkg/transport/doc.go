// Package transport defines the substrate interfaces the protocol engine runs
// on and groups them into fallback tiers.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (QUIC/TLS/unix/...)
// - Session: one substrate connection to a peer carrying independent streams
// - Stream: a Send/Recv channel of length-prefixed frames; one message per
//   stream, except batched heartbeats
// - Tier: QUIC, then TLS over TCP, then a local co-located substrate
package transport
