package main

import (
    "fmt"
    "strings"

    "github.com/spf13/cobra"

    "iac/pkg/config"
)

// Options are the command line settings of iac-node. Empty overrides leave
// the loaded configuration untouched.
type Options struct {
    ConfigPath string
    LogLevel   string
    Admin      string
    NodeID     string
    Check      bool // load and validate the config, then exit
}

// apply writes the overrides into cfg.
func (o Options) apply(cfg *config.Config) {
    if v := strings.TrimSpace(o.LogLevel); v != "" { cfg.Log.Level = v }
    if v := strings.TrimSpace(o.Admin); v != "" { cfg.Admin.Listen = v }
    if v := strings.TrimSpace(o.NodeID); v != "" { cfg.NodeID = v }
}

func newRootCmd(start func(Options) int, code *int) *cobra.Command {
    var opts Options
    cmd := &cobra.Command{
        Use:   "iac-node",
        Short: "Run an IAC orchestrator or agent node",
        Long: `iac-node joins the agent mesh described by its configuration: it listens
on the configured transports, dials the configured peers and keeps
authenticated sessions to them until interrupted.

Without --config the file comes from $IAC_CONFIG, else iac.yaml in ., ./configs
or ~/.iac. Single keys can be overridden with IAC_* variables, for example
IAC_LOG_LEVEL=debug or IAC_NET_ALLOW_QUIC=false.`,
        Args:          cobra.NoArgs,
        SilenceUsage:  true,
        SilenceErrors: true,
        RunE: func(cmd *cobra.Command, _ []string) error {
            *code = start(opts)
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
    f.StringVar(&opts.LogLevel, "log-level", "", "override log.level: debug|info|warn|error")
    f.StringVar(&opts.Admin, "admin", "", "override admin.listen, e.g. 127.0.0.1:9464")
    f.StringVar(&opts.NodeID, "node-id", "", "override node_id; defaults to the hex public key")
    f.BoolVar(&opts.Check, "check", false, "validate the configuration and exit")
    return cmd
}

// execute parses args and hands the options to start. Usage errors exit 2.
func execute(args []string, start func(Options) int) int {
    code := 0
    cmd := newRootCmd(start, &code)
    cmd.SetArgs(args)
    if err := cmd.Execute(); err != nil {
        fmt.Fprintf(cmd.ErrOrStderr(), "iac-node: %v\n", err)
        return 2
    }
    return code
}
