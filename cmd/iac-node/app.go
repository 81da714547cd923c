package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"

    "go.uber.org/zap"

    "iac/pkg/config"
    "iac/pkg/identity"
    "iac/pkg/node"
    "iac/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    opts.apply(cfg)
    if opts.Check {
        _, _ = os.Stdout.WriteString("config ok: " + describe(cfg) + "\n")
        return 0
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("iac-node started", zap.String("app", cfg.AppName))
    zap.L().Debug("effective configuration", zap.Any("config", cfg))

    priv, canonicalID, err := identity.LoadOrGenEd25519(cfg.Identity)
    if err != nil {
        zap.L().Error("failed to init identity", zap.Error(err))
        return 1
    }
    if cfg.NodeID == "" { zap.L().Info("node_id derived from identity", zap.String("node_id", string(canonicalID))) }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    n, err := node.New(ctx, cfg, priv)
    if err != nil {
        zap.L().Error("failed to start node", zap.Error(err))
        return 1
    }
    if err := n.Run(ctx); err != nil {
        zap.L().Error("node stopped", zap.Error(err))
        return 1
    }
    zap.L().Info("node stopped")
    return 0
}

func describe(cfg *config.Config) string {
    kinds := make([]string, 0, len(cfg.Transports))
    for _, t := range cfg.Transports { kinds = append(kinds, t.Kind) }
    id := cfg.NodeID
    if id == "" { id = "(from identity)" }
    return fmt.Sprintf("node_id=%s transports=%s trusted_peers=%d", id, strings.Join(kinds, ","), len(cfg.Trust.Peers))
}
