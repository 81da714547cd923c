package swarm

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "iac/pkg/protocol"
    "iac/pkg/transport"
)

var ErrNoAgent = errors.New("swarm: no agent for capability")

// Task is the payload of a DELEGATE_TASK message.
type Task struct {
    ID         string          `json:"task_id"`
    Capability string          `json:"capability"`
    Action     string          `json:"action,omitempty"`
    Params     json.RawMessage `json:"params,omitempty"`
}

// Announcement is the COMMAND payload agents use to join or leave the
// registry of an orchestrator.
type Announcement struct {
    Action       string            `json:"action"` // "register", "heartbeat" or "deregister"
    Capabilities []string          `json:"capabilities,omitempty"`
    Labels       map[string]string `json:"labels,omitempty"`
}

const (
    ActionRegister   = "register"
    ActionHeartbeat  = "heartbeat"
    ActionDeregister = "deregister"
)

// Messenger sends a prepared message to a peer; *mesh.Mesh satisfies it.
type Messenger interface {
    SendMessage(ctx context.Context, id transport.PeerID, msg *protocol.Message) error
}

// Swarm delegates tasks round-robin over the agents of a Registry.
type Swarm struct {
    reg *Registry
    out Messenger

    mu   sync.Mutex
    next map[string]int // per capability
}

func New(reg *Registry, out Messenger) *Swarm {
    return &Swarm{reg: reg, out: out, next: make(map[string]int)}
}

func (s *Swarm) Registry() *Registry { return s.reg }

// Delegate sends t to the next agent advertising capability. An agent
// that cannot be reached is skipped; the error joins every failure when
// none accepted the task. t.ID is filled with a fresh uuid when empty.
func (s *Swarm) Delegate(ctx context.Context, capability string, t Task) (transport.PeerID, error) {
    t.Capability = capability
    agents := s.reg.Agents(t.Capability)
    if len(agents) == 0 { return "", fmt.Errorf("%w: %q", ErrNoAgent, t.Capability) }
    if t.ID == "" { t.ID = uuid.NewString() }
    payload, err := jsonCodec.Marshal(t)
    if err != nil { return "", err }

    s.mu.Lock()
    start := s.next[t.Capability] % len(agents)
    s.next[t.Capability] = start + 1
    s.mu.Unlock()

    var errs []error
    for i := range agents {
        a := agents[(start+i)%len(agents)]
        msg := protocol.New("", string(a.Peer), protocol.MsgDelegateTask, string(payload))
        if err := s.out.SendMessage(ctx, a.Peer, msg); err != nil {
            errs = append(errs, fmt.Errorf("%s: %w", a.Peer, err))
            if ctx.Err() != nil { break }
            continue
        }
        zap.L().Info("task delegated", zap.String("task_id", t.ID), zap.String("capability", t.Capability), zap.String("peer", string(a.Peer)))
        return a.Peer, nil
    }
    return "", errors.Join(append([]error{fmt.Errorf("%w: %q unreachable", ErrNoAgent, t.Capability)}, errs...)...)
}

// Announce registers the local node with an orchestrator.
func Announce(ctx context.Context, out Messenger, orchestrator transport.PeerID, caps []string, labels map[string]string) error {
    return announce(ctx, out, orchestrator, Announcement{Action: ActionRegister, Capabilities: caps, Labels: labels})
}

// Heartbeat keeps an earlier announcement from expiring.
func Heartbeat(ctx context.Context, out Messenger, orchestrator transport.PeerID) error {
    return announce(ctx, out, orchestrator, Announcement{Action: ActionHeartbeat})
}

func announce(ctx context.Context, out Messenger, orchestrator transport.PeerID, a Announcement) error {
    b, err := jsonCodec.Marshal(a)
    if err != nil { return err }
    return out.SendMessage(ctx, orchestrator, protocol.New("", string(orchestrator), protocol.MsgCommand, string(b)))
}

// Commands returns a COMMAND handler applying announcements to the
// registry; every other command goes to next when it is set.
func (s *Swarm) Commands(next func(ctx context.Context, from transport.PeerID, m *protocol.Message)) func(ctx context.Context, from transport.PeerID, m *protocol.Message) {
    return func(ctx context.Context, from transport.PeerID, m *protocol.Message) {
        var a Announcement
        _ = jsonCodec.Unmarshal([]byte(m.PayloadJSON), &a)
        switch a.Action {
        case ActionRegister:
            s.reg.Register(from, a.Capabilities, a.Labels)
        case ActionHeartbeat:
            if !s.reg.Refresh(from) { zap.L().Debug("heartbeat from unregistered agent", zap.String("peer", string(from))) }
        case ActionDeregister:
            s.reg.Deregister(from)
        default:
            if next != nil { next(ctx, from, m) }
        }
    }
}
