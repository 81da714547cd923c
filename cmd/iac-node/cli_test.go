package main

import (
    "os"
    "path/filepath"
    "testing"

    "iac/pkg/config"
)

func TestFlagsReachStart(t *testing.T) {
    var got Options
    code := execute([]string{"-c", "node.yaml", "--log-level", "debug", "--admin", "127.0.0.1:0", "--check"}, func(o Options) int { got = o; return 3 })
    if code != 3 { t.Fatalf("exit code %d", code) }
    if got.ConfigPath != "node.yaml" || got.LogLevel != "debug" || got.Admin != "127.0.0.1:0" || !got.Check { t.Fatalf("options %+v", got) }

    if code := execute([]string{"--no-such-flag"}, func(Options) int { t.Fatalf("started on bad flags"); return 0 }); code != 2 { t.Fatalf("bad flag exit %d", code) }
    if code := execute([]string{"stray"}, func(Options) int { t.Fatalf("started with args"); return 0 }); code != 2 { t.Fatalf("stray arg exit %d", code) }
}

func TestOverridesApply(t *testing.T) {
    cfg := config.Default()
    cfg.NodeID = "from-file"
    Options{LogLevel: "warn", Admin: " 127.0.0.1:9464 "}.apply(cfg)
    if cfg.Log.Level != "warn" || cfg.Admin.Listen != "127.0.0.1:9464" || cfg.NodeID != "from-file" { t.Fatalf("config %+v", cfg) }
}

func TestCheckValidatesWithoutStarting(t *testing.T) {
    path := filepath.Join(t.TempDir(), "iac.yaml")
    if err := os.WriteFile(path, []byte("node_id: checked\n"), 0o600); err != nil { t.Fatalf("write: %v", err) }
    if code := run(Options{ConfigPath: path, Check: true}); code != 0 { t.Fatalf("check exit %d", code) }
    if code := run(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), Check: true}); code != 1 { t.Fatalf("missing config exit %d", code) }
}
