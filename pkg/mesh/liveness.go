package mesh

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/protocol"
    "iac/pkg/protocol/codec"
    "iac/pkg/session"
    "iac/pkg/transport"
    "iac/pkg/transport/negotiate"
)

// pingAck is the payload of a heartbeat reply.
type pingAck struct {
    Ack uint64 `json:"ack"`
}

var jsonCodec = codec.JSON()

// handlePing answers a heartbeat or records the answer to ours.
func (m *Mesh) handlePing(c *session.Conn, msg *protocol.Message) {
    var a pingAck
    if msg.PayloadJSON != "" {
        if err := jsonCodec.Unmarshal([]byte(msg.PayloadJSON), &a); err != nil {
            zap.L().Debug("bad ping payload", zap.String("peer", string(c.PeerID())), zap.Error(err))
            return
        }
    }
    if a.Ack != 0 {
        m.acked(c)
        return
    }
    body, _ := jsonCodec.Marshal(pingAck{Ack: msg.MsgID})
    reply := protocol.New("", string(c.PeerID()), protocol.MsgPing, string(body))
    m.wg.Add(1)
    go func() {
        defer m.wg.Done()
        ctx, cancel := context.WithTimeout(m.ctx, m.opts.HeartbeatInterval)
        defer cancel()
        if err := c.Send(ctx, reply); err != nil {
            zap.L().Debug("ping reply failed", zap.String("peer", string(c.PeerID())), zap.Error(err))
        }
    }()
}

func (m *Mesh) acked(c *session.Conn) {
    m.mu.Lock()
    defer m.mu.Unlock()
    e := m.peers[c.PeerID()]
    if e == nil || e.conn != c { return }
    e.awaiting, e.misses, e.lastAck = false, 0, time.Now()
    if e.state == Suspected { m.transition(e, Alive) }
}

func (m *Mesh) heartbeatLoop() {
    defer m.wg.Done()
    t := time.NewTicker(m.opts.HeartbeatInterval)
    defer t.Stop()
    for {
        select {
        case <-m.ctx.Done():
            return
        case <-t.C:
            if err := m.Heartbeat(m.ctx); err != nil && m.ctx.Err() == nil {
                zap.L().Debug("heartbeat round", zap.Error(err))
            }
        }
    }
}

type redial struct {
    id    transport.PeerID
    tiers []negotiate.Tier
    delay time.Duration
}

// Heartbeat runs one liveness round: it counts the previous round's
// unanswered PINGs, escalates Alive → Suspected → Dead, schedules
// reconnects, and sends a fresh PING to every reachable peer.
func (m *Mesh) Heartbeat(ctx context.Context) error {
    now := time.Now()
    var (
        targets []*session.Conn
        evicted []*session.Conn
        redials []redial
    )
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return ErrClosed
    }
    for _, e := range m.peers {
        if e.state != Alive && e.state != Suspected { continue }
        if e.awaiting { e.misses++ }
        if e.state == Alive && e.misses >= m.opts.SuspectAfter {
            e.suspectedAt = now
            m.transition(e, Suspected)
        }
        if e.state == Suspected && now.Sub(e.suspectedAt) >= m.opts.DeadAfter {
            if e.conn != nil { evicted = append(evicted, e.conn) }
            e.conn, e.awaiting, e.lost = nil, false, false
            m.transition(e, Dead)
            continue
        }
        if e.conn == nil {
            if e.lost && m.opts.Reconnect && len(e.tiers) > 0 && !e.connecting && !now.Before(e.retryAt) {
                e.connecting = true
                e.backoff = m.opts.ReconnectBackoff.Next(e.backoff)
                e.retryAt = now.Add(m.opts.ReconnectBackoff.Delay(e.backoff))
                redials = append(redials, redial{id: e.id, tiers: e.tiers})
            }
            continue
        }
        e.awaiting = true
        targets = append(targets, e.conn)
    }
    for _, r := range redials { m.wg.Add(1); go m.reconnect(r) }
    m.mu.Unlock()

    for _, c := range evicted {
        zap.L().Info("peer evicted", zap.String("peer", string(c.PeerID())), zap.Uint64("session_id", c.SessionID()))
        _ = c.Close()
    }

    errs := make([]error, len(targets))
    var wg sync.WaitGroup
    for i, c := range targets {
        wg.Add(1)
        go func() {
            defer wg.Done()
            sctx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatInterval)
            defer cancel()
            if err := c.Send(sctx, protocol.Ping("", string(c.PeerID()), 0)); err != nil {
                errs[i] = fmt.Errorf("%s: %w", c.PeerID(), err)
            }
        }()
    }
    wg.Wait()
    return errors.Join(errs...)
}

// reconnect makes one attempt to restore a session lost to a transport
// failure. Failures wait for the next round past the backoff.
func (m *Mesh) reconnect(r redial) {
    defer m.wg.Done()
    zap.L().Info("reconnecting", zap.String("peer", string(r.id)))
    _, err := m.dial(m.ctx, r.id, r.tiers)
    m.mu.Lock()
    defer m.mu.Unlock()
    if e := m.peers[r.id]; e != nil { e.connecting = false }
    if err != nil && m.ctx.Err() == nil {
        zap.L().Warn("reconnect failed", zap.String("peer", string(r.id)), zap.Error(err))
    }
}
