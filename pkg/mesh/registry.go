package mesh

import (
    "time"

    "go.uber.org/zap"

    "iac/pkg/observability"
    "iac/pkg/peers"
    "iac/pkg/session"
    "iac/pkg/transport"
    "iac/pkg/transport/negotiate"
)

// State is the liveness state of a peer.
type State int

const (
    Unknown State = iota
    Connecting
    Alive
    Suspected
    Dead
)

func (s State) String() string {
    switch s {
    case Connecting:
        return "connecting"
    case Alive:
        return "alive"
    case Suspected:
        return "suspected"
    case Dead:
        return "dead"
    default:
        return "unknown"
    }
}

// raceWindow: two sessions established this close together are treated as
// a simultaneous dial and settled by session id, which both ends agree on.
const raceWindow = 2 * time.Second

// replaceGrace lets writes already in flight on a replaced session finish.
const replaceGrace = 500 * time.Millisecond

type peerEntry struct {
    id    transport.PeerID
    state State
    conn  *session.Conn // canonical session, nil when none
    tiers []negotiate.Tier

    connecting  bool
    awaiting    bool // a heartbeat is waiting for its ack
    misses      int
    suspectedAt time.Time
    lastAck     time.Time

    lost    bool // the canonical session ended on a transport failure
    backoff time.Duration
    retryAt time.Time
}

// entry returns the record for id, creating it. Caller holds m.mu.
func (m *Mesh) entry(id transport.PeerID) *peerEntry {
    e := m.peers[id]
    if e == nil {
        e = &peerEntry{id: id}
        m.peers[id] = e
    }
    return e
}

// better decides whether a should replace b as the canonical session.
// Lower tier (QUIC, then TLS, then local) wins; a simultaneous dial keeps
// the lower session id; otherwise the newer session wins, which settles
// reconnects after the peer restarted.
func better(a, b *session.Conn) bool {
    if b.State() != session.Open { return true }
    if ta, tb := a.Tier(), b.Tier(); ta != tb { return ta < tb }
    d := a.OpenedAt().Sub(b.OpenedAt())
    if d < raceWindow && d > -raceWindow { return a.SessionID() < b.SessionID() }
    return d > 0
}

// install makes c the canonical session of its peer unless a better one is
// already in place. It returns the session that is canonical afterwards,
// or nil when the mesh is closed.
func (m *Mesh) install(c *session.Conn) *session.Conn {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = c.Close()
        return nil
    }
    e := m.entry(c.PeerID())
    old := e.conn
    if old != nil && !better(c, old) {
        m.mu.Unlock()
        zap.L().Debug("duplicate session rejected", zap.String("peer", string(c.PeerID())), zap.Uint64("session_id", c.SessionID()), zap.Uint64("kept", old.SessionID()))
        _ = c.Close()
        return old
    }
    e.conn = c
    e.connecting, e.lost, e.awaiting = false, false, false
    e.misses, e.backoff = 0, 0
    m.transition(e, Alive)
    m.wg.Add(1)
    go m.serve(c)
    if old != nil {
        m.wg.Add(1)
        go func() {
            defer m.wg.Done()
            select {
            case <-m.ctx.Done():
            case <-time.After(replaceGrace):
            }
            _ = old.Close()
        }()
    }
    m.mu.Unlock()

    remote := ""
    if a := c.Transport().RemoteAddr(); a != nil { remote = a.String() }
    m.store.RecordSession(c.PeerID(), peers.SessionInfo{
        Tier:      c.Tier(),
        Kind:      c.Kind(),
        Addr:      remote,
        PublicKey: c.PublicKey(),
        DictID:    c.DictID(),
        SessionID: c.SessionID(),
        RTT:       c.Transport().Quality().RTT,
    })
    zap.L().Info("session established", zap.String("peer", string(c.PeerID())), zap.String("tier", c.Tier().String()), zap.Uint64("session_id", c.SessionID()), zap.Bool("initiator", c.Initiator()), zap.Bool("replaced", old != nil))
    return c
}

// onClosed is every session's OnClose hook.
func (m *Mesh) onClosed(c *session.Conn, err error) {
    st := c.Stats()
    if !m.store.RecordExchange(c.PeerID(), st.BytesIn, st.BytesOut, st.Delivered, st.Sent) {
        zap.L().Debug("exchange counters dropped, peer entry expired", zap.String("peer", string(c.PeerID())))
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    e := m.peers[c.PeerID()]
    if e == nil || e.conn != c { return }
    e.conn = nil
    if err == nil { return }
    e.lost = true
    if e.state == Alive || e.state == Connecting {
        e.suspectedAt = time.Now()
        m.transition(e, Suspected)
    }
}

// transition moves e to a new state and reports it. Caller holds m.mu.
func (m *Mesh) transition(e *peerEntry, to State) {
    if e.state == to { return }
    from := e.state
    e.state = to
    observability.PeerTransitions.WithLabelValues(to.String()).Inc()
    m.store.SetState(e.id, to.String())
    zap.L().Info("peer state", zap.String("peer", string(e.id)), zap.String("from", from.String()), zap.String("to", to.String()))
    var kind EventKind
    switch to {
    case Alive:
        kind = PeerAlive
    case Suspected:
        kind = PeerSuspected
    case Dead:
        kind = PeerDead
    default:
        return
    }
    if m.closed { return }
    select {
    case m.events <- Event{Kind: kind, Peer: e.id, At: time.Now()}:
    default:
        zap.L().Warn("liveness event dropped, consumer too slow", zap.String("peer", string(e.id)), zap.String("event", kind.String()))
    }
}

// PeerStatus is a snapshot of one registry entry.
type PeerStatus struct {
    ID        transport.PeerID `json:"id"`
    State     string           `json:"state"`
    Tier      string           `json:"tier,omitempty"`
    SessionID uint64           `json:"session_id,omitempty"`
    LastSeen  time.Time        `json:"last_seen"`
    Misses    int              `json:"missed_heartbeats"`
    Stats     session.Stats    `json:"stats"`
}

// Peers lists every peer the mesh has seen, including dead ones.
func (m *Mesh) Peers() []PeerStatus {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]PeerStatus, 0, len(m.peers))
    for _, e := range m.peers {
        ps := PeerStatus{ID: e.id, State: e.state.String(), Misses: e.misses, LastSeen: e.lastAck}
        if c := e.conn; c != nil {
            ps.Tier = c.Tier().String()
            ps.SessionID = c.SessionID()
            ps.LastSeen = c.LastSeen()
            ps.Stats = c.Stats()
        }
        out = append(out, ps)
    }
    sortStatus(out)
    return out
}

// State reports the liveness state of id.
func (m *Mesh) State(id transport.PeerID) State {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if e := m.peers[id]; e != nil { return e.state }
    return Unknown
}
