// Package node assembles a running IAC node from its configuration: trust
// ring, compression catalog, transports, mesh, task delegation, file
// transfer and the admin surface.
package node

import (
    "context"
    "crypto/ed25519"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "go.uber.org/zap"

    "iac/pkg/compress"
    "iac/pkg/config"
    "iac/pkg/core/netstack"
    "iac/pkg/core/reorder"
    "iac/pkg/crypto/sign"
    "iac/pkg/filetransfer"
    "iac/pkg/memkv"
    "iac/pkg/mesh"
    "iac/pkg/observability"
    "iac/pkg/peers"
    "iac/pkg/pipeline"
    "iac/pkg/protocol"
    "iac/pkg/session"
    "iac/pkg/swarm"
    "iac/pkg/transport"
    "iac/pkg/transport/negotiate"
)

type Node struct {
    cfg    *config.Config
    kv     *memkv.Store
    cat    *compress.Catalog
    stack  *netstack.Stack
    mesh   *mesh.Mesh
    swarm  *swarm.Swarm
    sender *filetransfer.Sender
    files  *filetransfer.Receiver
    admin  *observability.AdminServer
}

// New builds a node and binds its listeners. Nothing is dialed until Run.
func New(ctx context.Context, cfg *config.Config, priv ed25519.PrivateKey) (*Node, error) {
    ring, err := TrustRing(cfg.Trust)
    if err != nil { return nil, err }
    cat, err := Catalog(cfg.Compression)
    if err != nil { return nil, err }

    n := &Node{cfg: cfg, cat: cat, kv: memkv.New(memkv.Options{})}
    id := transport.PeerID(cfg.NodeID)
    if id == "" { id = transport.CanonicalPeerIDFromPubKey(priv.Public().(ed25519.PublicKey)) }

    mo := MeshOptions(cfg)
    mo.ID, mo.Signer, mo.Ring, mo.Catalog = id, sign.NewSigner(priv), ring, cat
    mo.Peers = peers.NewStore(n.kv)
    if n.mesh, err = mesh.New(mo); err != nil {
        n.release()
        return nil, err
    }
    if n.stack, err = netstack.Build(ctx, cfg.Transports, cfg.Net); err != nil {
        _ = n.Close()
        return nil, fmt.Errorf("transports: %w", err)
    }

    n.swarm = swarm.New(swarm.NewRegistry(n.kv, 0), n.mesh)
    n.sender = filetransfer.NewSender(n.mesh, filetransfer.SenderOptions{})
    n.files = filetransfer.NewReceiver(n.mesh, n.kv, filetransfer.ReceiverOptions{})
    n.mesh.Handle(protocol.MsgCommand, n.swarm.Commands(nil))
    n.mesh.Handle(protocol.MsgFileTransfer, filetransfer.Route(n.sender, n.files))
    return n, nil
}

func (n *Node) ID() transport.PeerID         { return n.mesh.ID() }
func (n *Node) Mesh() *mesh.Mesh              { return n.mesh }
func (n *Node) Swarm() *swarm.Swarm           { return n.swarm }
func (n *Node) Sender() *filetransfer.Sender  { return n.sender }
func (n *Node) Files() *filetransfer.Receiver { return n.files }

// Run starts accepting, dials every configured peer, serves the admin
// surface and logs traffic until ctx ends. It closes the node on return.
func (n *Node) Run(ctx context.Context) error {
    defer n.Close()
    n.mesh.Start(ctx, n.stack.Listeners()...)
    if addr := strings.TrimSpace(n.cfg.Admin.Listen); addr != "" {
        a, err := observability.StartAdmin(addr, observability.AdminOptions{
            NodeID: string(n.ID()),
            Peers:  func() any { return n.mesh.Peers() },
            Peer:   n.peer,
            Store:  func() any { return n.kv.Metrics() },
        })
        if err != nil { return fmt.Errorf("admin: %w", err) }
        n.admin = a
    }
    b := netstack.BackoffFrom(n.cfg.Net)
    for _, id := range n.stack.Targets() {
        tiers := n.stack.Tiers(id)
        go func() {
            _ = netstack.DialLoop(ctx, id, b, func(ctx context.Context) error { return n.mesh.Connect(ctx, id, tiers) })
        }()
    }
    zap.L().Info("node is running", zap.String("node_id", string(n.ID())), zap.Int("listeners", len(n.stack.Listeners())), zap.Int("targets", len(n.stack.Targets())))

    inbox, events := n.mesh.Inbox(), n.mesh.Events()
    for {
        select {
        case <-ctx.Done():
            return nil
        case m, ok := <-inbox:
            if !ok { return nil }
            zap.L().Info("message", zap.String("from", m.From), zap.String("type", m.Type.String()), zap.Uint64("msg_id", m.MsgID), zap.String("payload", m.PayloadJSON), zap.Int("extra_bytes", len(m.ExtraData)))
        case ev, ok := <-events:
            if !ok { return nil }
            zap.L().Info("liveness", zap.String("peer", string(ev.Peer)), zap.String("event", ev.Kind.String()))
            if ev.Kind == mesh.PeerDead { n.swarm.Registry().Deregister(ev.Peer) }
        case f := <-n.files.Completed():
            if err := n.store(f); err != nil { zap.L().Error("store received file", zap.String("file", f.Name), zap.Error(err)) }
        }
    }
}

func (n *Node) peer(id string) (any, bool) {
    for _, p := range n.mesh.Peers() {
        if string(p.ID) == id { return p, true }
    }
    return nil, false
}

// store writes a received file under <data_dir>/received/<sender>/.
func (n *Node) store(f filetransfer.File) error {
    dir := filepath.Join(n.cfg.DataDir, "received", sanitize(string(f.From)))
    if err := os.MkdirAll(dir, 0o755); err != nil { return err }
    path := filepath.Join(dir, sanitize(filepath.Base(f.Name)))
    if err := os.WriteFile(path, f.Data, 0o644); err != nil { return err }
    zap.L().Info("file stored", zap.String("path", path), zap.Int("bytes", len(f.Data)), zap.String("checksum", f.Checksum))
    return nil
}

func sanitize(s string) string {
    s = strings.Map(func(r rune) rune {
        if r == '/' || r == '\\' || r == ':' || r < ' ' { return '_' }
        return r
    }, s)
    if s == "" || s == "." || s == ".." { return "_" }
    return s
}

// Close stops the admin server, the mesh and the transports.
func (n *Node) Close() error {
    var errs []error
    if n.admin != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        errs = append(errs, n.admin.Shutdown(ctx))
        cancel()
        n.admin = nil
    }
    if n.mesh != nil { errs = append(errs, n.mesh.Close()) }
    if n.stack != nil { errs = append(errs, n.stack.Close()) }
    n.release()
    return errors.Join(errs...)
}

func (n *Node) release() {
    if n.kv != nil { n.kv.Close(); n.kv = nil }
    if n.cat != nil { n.cat.Close(); n.cat = nil }
}

// TrustRing builds the key ring from the trust section; an entry without
// an id is trusted under its hex public key.
func TrustRing(tc config.TrustConfig) (*sign.KeyRing, error) {
    ring := sign.NewKeyRing()
    for i, p := range tc.Peers {
        pub, err := transport.ParsePublicKey(p.PublicKey)
        if err != nil { return nil, fmt.Errorf("trust.peers[%d]: %w", i, err) }
        id := strings.TrimSpace(p.ID)
        if id == "" { id = string(transport.CanonicalPeerIDFromPubKey(pub)) }
        ring.Trust(id, pub)
    }
    return ring, nil
}

// Catalog builds the compression catalog with the configured dictionaries.
func Catalog(cc config.CompressionConfig) (*compress.Catalog, error) {
    cat, err := compress.New(cc.Level)
    if err != nil { return nil, err }
    for _, d := range cc.Dictionaries {
        if err := cat.RegisterFile(d.ID, d.File); err != nil {
            cat.Close()
            return nil, fmt.Errorf("compression dictionary %d: %w", d.ID, err)
        }
    }
    return cat, nil
}

// SessionOptions maps the session section onto the per-session tuning.
func SessionOptions(sc config.SessionConfig) session.Options {
    ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
    return session.Options{
        Reorder: reorder.Options{
            MinWindow:    ms(sc.ReorderMinWindowMS),
            MaxWindow:    ms(sc.ReorderMaxWindowMS),
            Epoch:        ms(sc.EpochMS),
            SeenCapacity: sc.SeenCapacity,
        },
        Pipeline: pipeline.Options{
            Workers:     sc.Workers,
            MaxInFlight: sc.MaxInFlight,
            BulkRate:    sc.BulkRateBytes,
            BatchWindow: ms(sc.HeartbeatBatchMS),
        },
    }
}

// MeshOptions maps config onto mesh options; identity fields are left to
// the caller.
func MeshOptions(cfg *config.Config) mesh.Options {
    ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
    return mesh.Options{
        Session:           SessionOptions(cfg.Session),
        Negotiator:        negotiate.New(negotiate.Policy{AllowQUIC: cfg.Net.AllowQUIC, Colocated: netstack.Colocated}),
        HandshakeTimeout:  ms(cfg.Net.HandshakeTimeoutMS),
        HeartbeatInterval: ms(cfg.Mesh.HeartbeatIntervalMS),
        SuspectAfter:      cfg.Mesh.SuspectAfter,
        DeadAfter:         ms(cfg.Mesh.DeadAfterMS),
        Reconnect:         cfg.Mesh.Reconnect,
        ReconnectBackoff:  netstack.BackoffFrom(cfg.Net),
    }
}
