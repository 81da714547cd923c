// Package config provides YAML-based configuration loading for an IAC node.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // DataDir base directory for persistent data (identity file, dictionaries)
    DataDir string `mapstructure:"data_dir"`

    // NodeID is the alias this node announces; empty means the hex public key
    NodeID string `mapstructure:"node_id"`

    Log         LogConfig         `mapstructure:"log"`
    Identity    IdentityConfig    `mapstructure:"identity"`
    Trust       TrustConfig       `mapstructure:"trust"`
    Transports  []TransportConfig `mapstructure:"transports"`
    Net         NetConfig         `mapstructure:"net"`
    Session     SessionConfig     `mapstructure:"session"`
    Mesh        MeshConfig        `mapstructure:"mesh"`
    Compression CompressionConfig `mapstructure:"compression"`
    Admin       AdminConfig       `mapstructure:"admin"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// IdentityConfig describes the node's signing key.
type IdentityConfig struct {
    Alg            string `mapstructure:"alg"`              // only ed25519
    PrivateKey     string `mapstructure:"private_key"`      // base64url(no padding) of the raw private key
    PrivateKeyFile string `mapstructure:"private_key_file"` // base64url or raw bytes; written on first start when set
}

// TrustConfig is the initial set of peers whose keys are accepted.
type TrustConfig struct {
    Peers []TrustedPeer `mapstructure:"peers"`
}

type TrustedPeer struct {
    ID        string `mapstructure:"id"`
    PublicKey string `mapstructure:"public_key"` // hex
}

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: quic
//     listen: [":7443"]
//     dial:
//       - address: "10.0.0.2:7443"
//         peer_id: "orchestrator"
//   - kind: tls
//     listen: [":7444"]
//     dial:
//       - address: "10.0.0.2:7444"
//         peer_id: "orchestrator"
//   - kind: unix
//     listen: ["/run/iac/agent.sock"]
//   - kind: winpipe
//     listen: ["\\\\.\\pipe\\iac"]
type TransportConfig struct {
    Kind   string           `mapstructure:"kind"`
    Listen []string         `mapstructure:"listen"`
    Dial   []PeerDialConfig `mapstructure:"dial"`
    // Extra holds transport-specific options
    Extra map[string]any `mapstructure:"extra"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
    Address string `mapstructure:"address"`
    PeerID  string `mapstructure:"peer_id"`
}

// NetConfig contains networking tuning options.
type NetConfig struct {
    DialBackoffInitialMS int  `mapstructure:"dial_backoff_initial_ms"`
    DialBackoffMaxMS     int  `mapstructure:"dial_backoff_max_ms"`
    DialBackoffJitterMS  int  `mapstructure:"dial_backoff_jitter_ms"`
    HandshakeTimeoutMS   int  `mapstructure:"handshake_timeout_ms"` // per tier
    QUICIdleTimeoutMS    int  `mapstructure:"quic_idle_timeout_ms"`
    QUICKeepAliveMS      int  `mapstructure:"quic_keepalive_ms"`
    AllowQUIC            bool `mapstructure:"allow_quic"`
}

// SessionConfig tunes the per-session pipeline and reorder window.
type SessionConfig struct {
    ReorderMinWindowMS int   `mapstructure:"reorder_min_window_ms"`
    ReorderMaxWindowMS int   `mapstructure:"reorder_max_window_ms"`
    EpochMS            int   `mapstructure:"epoch_ms"`
    SeenCapacity       int   `mapstructure:"seen_capacity"`
    HeartbeatBatchMS   int   `mapstructure:"heartbeat_batch_ms"`
    MaxInFlight        int   `mapstructure:"max_in_flight"`
    Workers            int   `mapstructure:"workers"`
    BulkRateBytes      int64 `mapstructure:"bulk_rate_bytes"`
}

// MeshConfig drives liveness tracking.
type MeshConfig struct {
    HeartbeatIntervalMS int  `mapstructure:"heartbeat_interval_ms"`
    SuspectAfter        int  `mapstructure:"suspect_after"`
    DeadAfterMS         int  `mapstructure:"dead_after_ms"`
    Reconnect           bool `mapstructure:"reconnect"`
}

type CompressionConfig struct {
    Level        int                `mapstructure:"level"` // zstd level 1..4
    Dictionaries []DictionaryConfig `mapstructure:"dictionaries"`
}

type DictionaryConfig struct {
    ID   uint32 `mapstructure:"id"`
    File string `mapstructure:"file"`
}

type AdminConfig struct {
    // Listen address of the metrics/health HTTP surface; empty disables it
    Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "iac-node",
        DataDir: "./data",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/iac.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Identity: IdentityConfig{Alg: "ed25519"},
        Transports: []TransportConfig{
            {Kind: "quic", Listen: []string{":7443"}},
            {Kind: "tls", Listen: []string{":7444"}},
        },
        Net: NetConfig{
            DialBackoffInitialMS: 500,
            DialBackoffMaxMS:     30000,
            DialBackoffJitterMS:  100,
            HandshakeTimeoutMS:   5000,
            QUICIdleTimeoutMS:    30000,
            QUICKeepAliveMS:      10000,
            AllowQUIC:            true,
        },
        Session: SessionConfig{
            ReorderMinWindowMS: 20,
            ReorderMaxWindowMS: 500,
            EpochMS:            1000,
            SeenCapacity:       4096,
            HeartbeatBatchMS:   5,
            MaxInFlight:        256,
            Workers:            4,
        },
        Mesh: MeshConfig{
            HeartbeatIntervalMS: 5000,
            SuspectAfter:        3,
            DeadAfterMS:         15000,
            Reconnect:           true,
        },
        Compression: CompressionConfig{Level: 2},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix IAC and `.`/`-` are replaced with `_`.
// Example: IAC_LOG_LEVEL=debug, IAC_MESH_HEARTBEAT_INTERVAL_MS=1000
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("IAC")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()
    setDefaults(v, cfg)

    if path == "" {
        if envPath := os.Getenv("IAC_CONFIG"); envPath != "" {
            path = envPath
        }
    }
    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("iac")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".iac"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }
    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// setDefaults seeds viper so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("node_id", cfg.NodeID)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("identity.alg", cfg.Identity.Alg)
    v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
    v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
    v.SetDefault("trust.peers", cfg.Trust.Peers)
    v.SetDefault("transports", cfg.Transports)
    v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
    v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
    v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
    v.SetDefault("net.handshake_timeout_ms", cfg.Net.HandshakeTimeoutMS)
    v.SetDefault("net.quic_idle_timeout_ms", cfg.Net.QUICIdleTimeoutMS)
    v.SetDefault("net.quic_keepalive_ms", cfg.Net.QUICKeepAliveMS)
    v.SetDefault("net.allow_quic", cfg.Net.AllowQUIC)
    v.SetDefault("session.reorder_min_window_ms", cfg.Session.ReorderMinWindowMS)
    v.SetDefault("session.reorder_max_window_ms", cfg.Session.ReorderMaxWindowMS)
    v.SetDefault("session.epoch_ms", cfg.Session.EpochMS)
    v.SetDefault("session.seen_capacity", cfg.Session.SeenCapacity)
    v.SetDefault("session.heartbeat_batch_ms", cfg.Session.HeartbeatBatchMS)
    v.SetDefault("session.max_in_flight", cfg.Session.MaxInFlight)
    v.SetDefault("session.workers", cfg.Session.Workers)
    v.SetDefault("session.bulk_rate_bytes", cfg.Session.BulkRateBytes)
    v.SetDefault("mesh.heartbeat_interval_ms", cfg.Mesh.HeartbeatIntervalMS)
    v.SetDefault("mesh.suspect_after", cfg.Mesh.SuspectAfter)
    v.SetDefault("mesh.dead_after_ms", cfg.Mesh.DeadAfterMS)
    v.SetDefault("mesh.reconnect", cfg.Mesh.Reconnect)
    v.SetDefault("compression.level", cfg.Compression.Level)
    v.SetDefault("compression.dictionaries", cfg.Compression.Dictionaries)
    v.SetDefault("admin.listen", cfg.Admin.Listen)
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" { c.Log.Format = "console" }
    if len(c.Log.Outputs) == 0 { c.Log.Outputs = []string{"stdout"} }
    c.NodeID = strings.TrimSpace(c.NodeID)

    if a := strings.ToLower(strings.TrimSpace(c.Identity.Alg)); a != "" && a != "ed25519" {
        return fmt.Errorf("unsupported identity.alg: %q", c.Identity.Alg)
    }
    for i := range c.Transports {
        c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
        switch c.Transports[i].Kind {
        case "quic", "tls", "unix", "winpipe", "mem":
        default:
            return fmt.Errorf("transports[%d]: unknown kind %q", i, c.Transports[i].Kind)
        }
    }
    for i, p := range c.Trust.Peers {
        if strings.TrimSpace(p.PublicKey) == "" { return fmt.Errorf("trust.peers[%d]: public_key is required", i) }
    }
    if c.Session.ReorderMaxWindowMS < c.Session.ReorderMinWindowMS {
        return fmt.Errorf("session: reorder_max_window_ms (%d) below reorder_min_window_ms (%d)", c.Session.ReorderMaxWindowMS, c.Session.ReorderMinWindowMS)
    }
    if c.Mesh.SuspectAfter < 1 { return fmt.Errorf("mesh.suspect_after must be at least 1") }
    for i, d := range c.Compression.Dictionaries {
        if d.ID <= 1 { return fmt.Errorf("compression.dictionaries[%d]: ids 0 and 1 are reserved", i) }
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
