// Package netstack turns the transports section of the config into live
// transports, listeners and per-peer tier lists for the mesh.
package netstack

import (
    "context"
    "errors"
    "sort"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/config"
    "iac/pkg/transport"
    "iac/pkg/transport/mem"
    tquic "iac/pkg/transport/quic"
    ttcp "iac/pkg/transport/tcp"
    "iac/pkg/transport/negotiate"
    "iac/pkg/transport/unix"
)

// ErrUnknownKind is returned for a transport kind no factory knows.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// NewByKind constructs a Transport by string kind.
func NewByKind(kind string, nc config.NetConfig) (transport.Transport, error) {
    switch strings.ToLower(kind) {
    case "quic":
        return tquic.New(tquic.Options{
            HandshakeTimeout: ms(nc.HandshakeTimeoutMS),
            IdleTimeout:      ms(nc.QUICIdleTimeoutMS),
            KeepAlive:        ms(nc.QUICKeepAliveMS),
        })
    case "tls", "tcp":
        return ttcp.New()
    case "unix":
        return unix.New(), nil
    case "mem", "inproc":
        return sharedMem, nil
    case "winpipe", "pipe":
        return newWinPipeTransport()
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// sharedMem lets every mesh in one process reach the others by name.
var sharedMem = mem.New()

// Colocated reports whether a local tier can reach its address.
func Colocated(t negotiate.Tier) bool {
    if t.Transport == nil { return false }
    switch t.Transport.Kind() {
    case transport.KindMem:
        if m, ok := t.Transport.(*mem.Transport); ok { return m.Has(t.Address) }
        return true
    case transport.KindUnix:
        return unix.Available(t.Address)
    case transport.KindWinPipe:
        return winPipeAvailable(t.Address)
    default:
        return false
    }
}

// BackoffFrom reads the dial schedule from config.
func BackoffFrom(nc config.NetConfig) Backoff {
    return Backoff{Initial: ms(nc.DialBackoffInitialMS), Max: ms(nc.DialBackoffMaxMS), Jitter: ms(nc.DialBackoffJitterMS)}
}

// Stack is the result of Build: open listeners and the tiers to dial for
// every configured peer.
type Stack struct {
    mu        sync.Mutex
    listeners []transport.Listener
    targets   map[transport.PeerID][]negotiate.Tier
}

// Build creates one transport per configured kind, listens on every listen
// address and groups dial entries by peer id. A kind that cannot be built
// or an address that cannot be bound is logged and skipped; Build fails
// only when nothing at all could be started.
func Build(ctx context.Context, cfg []config.TransportConfig, nc config.NetConfig) (*Stack, error) {
    st := &Stack{targets: make(map[transport.PeerID][]negotiate.Tier)}
    var errs []error
    for _, tc := range cfg {
        tr, err := NewByKind(tc.Kind, nc)
        if err != nil {
            zap.L().Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
            errs = append(errs, err)
            continue
        }
        for _, addr := range tc.Listen {
            l, err := tr.Listen(ctx, addr)
            if err != nil {
                zap.L().Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
                errs = append(errs, err)
                continue
            }
            zap.L().Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
            st.listeners = append(st.listeners, l)
        }
        for _, d := range tc.Dial {
            pid := transport.PeerID(d.PeerID)
            if pid == "" { pid = transport.PeerID("temp:" + tr.Kind().String() + ":" + d.Address) }
            st.targets[pid] = append(st.targets[pid], negotiate.Tier{Transport: tr, Address: d.Address, HandshakeTimeout: ms(nc.HandshakeTimeoutMS)})
        }
    }
    if len(st.listeners) == 0 && len(st.targets) == 0 && len(errs) > 0 {
        return nil, errors.Join(errs...)
    }
    return st, nil
}

func (s *Stack) Listeners() []transport.Listener {
    s.mu.Lock()
    defer s.mu.Unlock()
    return append([]transport.Listener(nil), s.listeners...)
}

// Targets returns the configured peer ids in sorted order.
func (s *Stack) Targets() []transport.PeerID {
    ids := make([]transport.PeerID, 0, len(s.targets))
    for id := range s.targets { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    return ids
}

// Tiers returns the dial tiers of one peer.
func (s *Stack) Tiers(id transport.PeerID) []negotiate.Tier { return s.targets[id] }

// Close closes every listener in reverse order.
func (s *Stack) Close() error {
    s.mu.Lock()
    ls := s.listeners
    s.listeners = nil
    s.mu.Unlock()
    var errs []error
    for i := len(ls) - 1; i >= 0; i-- {
        if err := ls[i].Close(); err != nil { errs = append(errs, err) }
    }
    return errors.Join(errs...)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
