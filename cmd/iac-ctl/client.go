package main

import (
    "context"
    "crypto/ed25519"

    "iac/pkg/compress"
    "iac/pkg/core/netstack"
    "iac/pkg/crypto/sign"
    "iac/pkg/handshake"
    "iac/pkg/mesh"
    "iac/pkg/node"
    "iac/pkg/session"
    "iac/pkg/transport"
    "iac/pkg/transport/negotiate"
)

// client holds what a one-shot command needs to authenticate to a node.
type client struct {
    self   transport.PeerID
    signer *sign.Signer
    ring   *sign.KeyRing
    cat    *compress.Catalog
    tr     transport.Transport
    peer   transport.PeerID
}

func newClient() (*client, error) {
    priv, err := localKey()
    if err != nil { return nil, err }
    id, pub, err := target()
    if err != nil { return nil, err }
    tr, err := netstack.NewByKind(kind, cfg.Net)
    if err != nil { return nil, err }
    cat, err := node.Catalog(cfg.Compression)
    if err != nil { return nil, err }
    ring := sign.NewKeyRing()
    ring.Trust(string(id), pub)
    self := transport.PeerID(cfg.NodeID)
    if self == "" { self = transport.CanonicalPeerIDFromPubKey(priv.Public().(ed25519.PublicKey)) }
    return &client{self: self, signer: sign.NewSigner(priv), ring: ring, cat: cat, tr: tr, peer: id}, nil
}

func (c *client) Close() { c.cat.Close() }

// session dials the node and runs the handshake on a bare session.
func (c *client) session(ctx context.Context) (*session.Conn, error) {
    s, err := c.tr.Dial(ctx, addr, transport.PeerInfo{ID: c.peer, Addr: addr})
    if err != nil { return nil, err }
    res, err := handshake.Initiate(ctx, s, handshake.Local{ID: c.self, Signer: c.signer, Ring: c.ring, Catalog: c.cat}, c.peer)
    if err != nil {
        _ = s.Close()
        return nil, err
    }
    o := node.SessionOptions(cfg.Session)
    o.Local, o.Signer, o.Ring, o.Catalog = c.self, c.signer, c.ring, c.cat
    return session.New(s, res, o), nil
}

// mesh connects a private mesh to the node, for commands that need
// handlers on the reply path.
func (c *client) mesh(ctx context.Context) (*mesh.Mesh, error) {
    mo := node.MeshOptions(cfg)
    mo.ID, mo.Signer, mo.Ring, mo.Catalog = c.self, c.signer, c.ring, c.cat
    mo.Reconnect = false
    m, err := mesh.New(mo)
    if err != nil { return nil, err }
    if err := m.Connect(ctx, c.peer, []negotiate.Tier{{Transport: c.tr, Address: addr}}); err != nil {
        _ = m.Close()
        return nil, err
    }
    return m, nil
}
