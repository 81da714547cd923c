// Package negotiate establishes a session with a peer by walking transport
// tiers in preference order: QUIC, then TLS over TCP, then a local IPC
// substrate when the peer is co-located. Each tier gets exactly one attempt
// bounded by its handshake deadline.
package negotiate

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "time"

    "go.uber.org/zap"

    "iac/pkg/handshake"
    "iac/pkg/observability"
    "iac/pkg/transport"
)

// State of one Connect call.
type State int

const (
    Init State = iota
    AttemptingQuic
    FallbackToTlsTcp
    FallbackToLocalIpc
    Connected
    Failed
)

func (s State) String() string {
    switch s {
    case Init:
        return "init"
    case AttemptingQuic:
        return "attempting_quic"
    case FallbackToTlsTcp:
        return "fallback_tls_tcp"
    case FallbackToLocalIpc:
        return "fallback_local_ipc"
    case Connected:
        return "connected"
    case Failed:
        return "failed"
    default:
        return "unknown"
    }
}

func stateFor(t transport.Tier) State {
    switch t {
    case transport.TierQUIC:
        return AttemptingQuic
    case transport.TierTLS:
        return FallbackToTlsTcp
    default:
        return FallbackToLocalIpc
    }
}

var (
    ErrAllTiersFailed = errors.New("all transport tiers failed")
    ErrNoTiers        = errors.New("no transport tier eligible")
)

// DefaultHandshakeTimeout bounds a tier when Tier.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 5 * time.Second

// TierError records why one tier failed.
type TierError struct {
    Kind    transport.Kind
    Address string
    Err     error
}

func (e *TierError) Error() string { return fmt.Sprintf("%s %s: %v", e.Kind, e.Address, e.Err) }
func (e *TierError) Unwrap() error { return e.Err }

// Tier is one way to reach a peer.
type Tier struct {
    Transport        transport.Transport
    Address          string
    HandshakeTimeout time.Duration
}

// Policy filters tiers before a walk.
type Policy struct {
    // AllowQUIC disables the QUIC tier when false (UDP blocked by policy).
    AllowQUIC bool
    // Colocated reports whether a local tier can reach the peer. Local tiers
    // are skipped when it is nil or returns false.
    Colocated func(Tier) bool
}

// HandshakeFunc authenticates a freshly dialed session. Its value is
// returned in Result.Value.
type HandshakeFunc func(ctx context.Context, s transport.Session) (any, error)

// Result of a successful Connect.
type Result struct {
    Session  transport.Session
    Tier     Tier
    Attempts int
    Value    any
    Failures []*TierError
}

// Negotiator connects to peers over an ordered tier list.
type Negotiator struct {
    Policy Policy
    // OnState observes every transition of every Connect call.
    OnState func(peer transport.PeerID, from, to State)
}

func New(p Policy) *Negotiator { return &Negotiator{Policy: p} }

// Eligible returns tiers in walk order after applying the policy.
func (n *Negotiator) Eligible(tiers []Tier) []Tier {
    out := make([]Tier, 0, len(tiers))
    for _, t := range tiers {
        if t.Transport == nil { continue }
        switch t.Transport.Kind().Tier() {
        case transport.TierQUIC:
            if !n.Policy.AllowQUIC { continue }
        case transport.TierLocal:
            if n.Policy.Colocated == nil || !n.Policy.Colocated(t) { continue }
        case transport.TierNone:
            continue
        }
        out = append(out, t)
    }
    sort.SliceStable(out, func(i, j int) bool { return out[i].Transport.Kind().Tier() < out[j].Transport.Kind().Tier() })
    return out
}

// Connect walks the eligible tiers until one yields an authenticated
// session. An untrusted peer or a cancelled ctx stops the walk at once.
func (n *Negotiator) Connect(ctx context.Context, peer transport.PeerInfo, tiers []Tier, hs HandshakeFunc) (*Result, error) {
    state := Init
    move := func(to State) {
        if n.OnState != nil { n.OnState(peer.ID, state, to) }
        state = to
    }
    walk := n.Eligible(tiers)
    if len(walk) == 0 {
        move(Failed)
        return nil, fmt.Errorf("%w: %w", ErrAllTiersFailed, ErrNoTiers)
    }
    var failures []*TierError
    for i, t := range walk {
        move(stateFor(t.Transport.Kind().Tier()))
        sess, val, err := n.attempt(ctx, peer, t, hs)
        if err == nil {
            move(Connected)
            return &Result{Session: sess, Tier: t, Attempts: i + 1, Value: val, Failures: failures}, nil
        }
        te := &TierError{Kind: t.Transport.Kind(), Address: t.Address, Err: err}
        failures = append(failures, te)
        if errors.Is(err, handshake.ErrUntrusted) || ctx.Err() != nil {
            move(Failed)
            return nil, te
        }
        zap.L().Warn("transport tier failed", zap.String("peer", string(peer.ID)), zap.String("kind", t.Transport.Kind().String()), zap.String("addr", t.Address), zap.Error(err))
    }
    move(Failed)
    errs := make([]error, 0, len(failures)+1)
    errs = append(errs, ErrAllTiersFailed)
    for _, f := range failures { errs = append(errs, f) }
    return nil, errors.Join(errs...)
}

func (n *Negotiator) attempt(ctx context.Context, peer transport.PeerInfo, t Tier, hs HandshakeFunc) (transport.Session, any, error) {
    timeout := t.HandshakeTimeout
    if timeout <= 0 { timeout = DefaultHandshakeTimeout }
    tctx, cancel := context.WithTimeout(ctx, timeout)
    defer cancel()
    tier := t.Transport.Kind().Tier().String()
    start := time.Now()

    sess, err := t.Transport.Dial(tctx, t.Address, peer)
    if err != nil {
        observability.TransportAttempts.WithLabelValues(tier, "failed").Inc()
        return nil, nil, fmt.Errorf("dial: %w", err)
    }
    var val any
    if hs != nil {
        val, err = hs(tctx, sess)
        if err != nil {
            _ = sess.Close()
            result := "failed"
            if errors.Is(err, handshake.ErrUntrusted) { result = "untrusted" }
            observability.TransportAttempts.WithLabelValues(tier, result).Inc()
            return nil, nil, fmt.Errorf("handshake: %w", err)
        }
    }
    observability.TransportAttempts.WithLabelValues(tier, "ok").Inc()
    observability.HandshakeSeconds.WithLabelValues(tier).Observe(time.Since(start).Seconds())
    return sess, val, nil
}
