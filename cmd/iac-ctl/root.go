package main

import (
    "crypto/ed25519"
    "fmt"
    "strings"
    "time"

    "github.com/spf13/cobra"

    "iac/pkg/config"
    "iac/pkg/identity"
    "iac/pkg/observability"
    "iac/pkg/transport"
)

var (
    cfgFile string
    keyFlag string
    kind    string
    addr    string
    peerID  string
    peerKey string
    timeout time.Duration
    verbose bool

    cfg *config.Config
)

var rootCmd = &cobra.Command{
    Use:           "iac-ctl",
    Short:         "Operator tool for IAC nodes",
    Long:          "iac-ctl generates node identities and talks to a running node over a one-shot authenticated session.",
    SilenceUsage:  true,
    SilenceErrors: true,
    PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
        var err error
        if cfg, err = config.Load(cfgFile); err != nil { return err }
        cfg.Log.Outputs = []string{"stderr"}
        cfg.Log.Rotation.Enable = false
        if !verbose { cfg.Log.Level = "warn" }
        _, err = observability.SetupLogger(cfg.Log)
        return err
    },
}

func init() {
    pf := rootCmd.PersistentFlags()
    pf.StringVar(&cfgFile, "config", "", "node config file providing identity, compression and net settings")
    pf.StringVar(&keyFlag, "key", "", "base64url private key or seed; overrides the configured identity")
    pf.BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
}

// addTargetFlags registers the flags naming the node to talk to.
func addTargetFlags(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&kind, "kind", "tls", "transport kind: quic|tls|unix|mem|winpipe")
    f.StringVar(&addr, "addr", "127.0.0.1:7444", "node address")
    f.StringVar(&peerID, "peer", "", "node id; defaults to the hex public key")
    f.StringVar(&peerKey, "peer-key", "", "hex ed25519 public key of the node (required)")
    f.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
    _ = cmd.MarkFlagRequired("peer-key")
}

// localKey returns the key to authenticate with.
func localKey() (ed25519.PrivateKey, error) {
    if strings.TrimSpace(keyFlag) != "" { return identity.Decode(keyFlag) }
    priv, _, err := identity.LoadOrGenEd25519(cfg.Identity)
    return priv, err
}

// target resolves --peer and --peer-key.
func target() (transport.PeerID, ed25519.PublicKey, error) {
    pub, err := transport.ParsePublicKey(peerKey)
    if err != nil { return "", nil, fmt.Errorf("--peer-key: %w", err) }
    id := transport.PeerID(strings.TrimSpace(peerID))
    if id == "" { id = transport.CanonicalPeerIDFromPubKey(pub) }
    return id, pub, nil
}
