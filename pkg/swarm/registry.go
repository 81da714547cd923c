// Package swarm lets an orchestrator track what its agents can do and hand
// tasks to them as DELEGATE_TASK messages.
package swarm

import (
    "sort"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "iac/pkg/memkv"
    "iac/pkg/protocol/codec"
    "iac/pkg/transport"
)

var jsonCodec = codec.JSON()

// Agent is one registry record.
type Agent struct {
    Peer         transport.PeerID  `json:"peer"`
    Capabilities []string          `json:"capabilities"`
    Labels       map[string]string `json:"labels,omitempty"`
    UpdatedAt    time.Time         `json:"updated_at"`
}

func (a Agent) Has(capability string) bool {
    for _, c := range a.Capabilities {
        if c == capability { return true }
    }
    return false
}

// Registry keeps agent records in memkv. With a TTL, agents that stop
// re-announcing themselves drop out on their own.
type Registry struct {
    kv  *memkv.Store
    ttl time.Duration

    mu     sync.RWMutex
    agents map[transport.PeerID]struct{}
}

func NewRegistry(kv *memkv.Store, ttl time.Duration) *Registry {
    return &Registry{kv: kv, ttl: ttl, agents: make(map[transport.PeerID]struct{})}
}

func keyAgent(id transport.PeerID) string { return "swarm:agent:" + string(id) }

// Register replaces the record of peer.
func (r *Registry) Register(peer transport.PeerID, caps []string, labels map[string]string) bool {
    if strings.TrimSpace(string(peer)) == "" { return false }
    a := Agent{Peer: peer, Capabilities: dedup(caps), Labels: mapCopy(labels), UpdatedAt: time.Now()}
    b, err := jsonCodec.Marshal(a)
    if err != nil { return false }
    if !r.kv.Set(keyAgent(peer), b, r.ttl) { return false }
    r.mu.Lock(); r.agents[peer] = struct{}{}; r.mu.Unlock()
    zap.L().Info("agent registered", zap.String("peer", string(peer)), zap.Strings("capabilities", a.Capabilities))
    return true
}

// Refresh restarts the TTL of peer's record without rewriting it. It
// reports false when peer is not registered, so the agent must announce
// itself again.
func (r *Registry) Refresh(peer transport.PeerID) bool {
    if r.ttl <= 0 { return r.kv.Exists(keyAgent(peer)) }
    return r.kv.Expire(keyAgent(peer), r.ttl)
}

// Deregister removes peer; it reports whether a record existed.
func (r *Registry) Deregister(peer transport.PeerID) bool {
    r.mu.Lock(); delete(r.agents, peer); r.mu.Unlock()
    ok := r.kv.Delete(keyAgent(peer))
    if ok { zap.L().Info("agent deregistered", zap.String("peer", string(peer))) }
    return ok
}

// Agent returns the record of peer.
func (r *Registry) Agent(peer transport.PeerID) (Agent, bool) {
    b, ok := r.kv.Get(keyAgent(peer))
    if !ok {
        r.mu.Lock(); delete(r.agents, peer); r.mu.Unlock()
        return Agent{}, false
    }
    var a Agent
    if err := jsonCodec.Unmarshal(b, &a); err != nil { return Agent{}, false }
    return a, true
}

// Agents lists agents advertising capability, sorted by peer id. An empty
// capability lists every agent.
func (r *Registry) Agents(capability string) []Agent { return r.Match(capability, nil) }

// Match is Agents restricted to agents carrying every given label.
func (r *Registry) Match(capability string, labels map[string]string) []Agent {
    r.mu.RLock()
    ids := make([]transport.PeerID, 0, len(r.agents))
    for id := range r.agents { ids = append(ids, id) }
    r.mu.RUnlock()
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

    var out []Agent
    for _, id := range ids {
        a, ok := r.Agent(id)
        if !ok { continue }
        if capability != "" && !a.Has(capability) { continue }
        if !labelsMatch(a.Labels, labels) { continue }
        out = append(out, a)
    }
    return out
}

func labelsMatch(have, need map[string]string) bool {
    for k, v := range need {
        if hv, ok := have[k]; !ok || hv != v { return false }
    }
    return true
}

func dedup(in []string) []string {
    seen := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, s := range in {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, ok := seen[s]; ok { continue }
        seen[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}

func mapCopy[K comparable, V any](in map[K]V) map[K]V {
    if in == nil { return nil }
    out := make(map[K]V, len(in))
    for k, v := range in { out[k] = v }
    return out
}
