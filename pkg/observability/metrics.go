package observability

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for MessagesDropped.
const (
    DropSignature       = "signature"
    DropUnknownSigner   = "unknown_signer"
    DropMalformed       = "malformed"
    DropDecompress      = "decompress"
    DropDuplicate       = "duplicate"
    DropStale           = "stale"
    DropSessionMismatch = "session_mismatch"
)

var (
    // Message metrics
    MessagesSent = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "iac_messages_sent_total",
            Help: "Total messages written to a transport",
        },
        []string{"type"},
    )

    MessagesDelivered = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "iac_messages_delivered_total",
            Help: "Total messages delivered to the application",
        },
        []string{"type"},
    )

    MessagesDropped = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "iac_messages_dropped_total",
            Help: "Total inbound messages dropped before delivery",
        },
        []string{"reason"},
    )

    // Transport metrics
    TransportAttempts = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "iac_transport_attempts_total",
            Help: "Transport tier connection attempts",
        },
        []string{"tier", "result"}, // result: "ok", "failed", "untrusted"
    )

    HandshakeSeconds = promauto.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "iac_handshake_seconds",
            Help:    "Dial plus application handshake duration",
            Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
        },
        []string{"tier"},
    )

    // Liveness metrics
    PeerTransitions = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "iac_peer_transitions_total",
            Help: "Peer liveness state transitions",
        },
        []string{"state"},
    )
)
