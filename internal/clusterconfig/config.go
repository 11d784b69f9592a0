// Package clusterconfig manages the cluster-RPC core's configuration
// using koanf/v2: a defaults-then-file-then-env layered snapshot, plus
// the process-wide mutable state spec.md §9 calls for (current
// configuration, global auth key, first-access caches).
package clusterconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// Config holds the complete cluster-RPC configuration snapshot (spec §4.4,
// §6 "Configuration inputs consumed").
type Config struct {
	Controllers ControllersConfig `koanf:"controllers"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	RPC         RPCConfig         `koanf:"rpc"`
	Auth        AuthConfig        `koanf:"auth"`
	Comm        CommConfig        `koanf:"comm"`
}

// ControllersConfig describes the control-endpoint list, optional VIP, and
// listening port range.
type ControllersConfig struct {
	// Hosts is the ordered control-endpoint list: index 0 is primary,
	// the rest are backups (spec §3 "Controller Set").
	Hosts []string `koanf:"hosts"`

	// VIP is tried instead of Hosts when non-empty (spec §3, §4.4).
	VIP string `koanf:"vip"`

	// PortBase and PortCount define the contiguous controller port range
	// the port-jitter formula selects within (spec §4.4).
	PortBase  uint16 `koanf:"port_base"`
	PortCount uint16 `koanf:"port_count"`
}

// MetricsConfig holds the administrative Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RPCConfig holds the Message Engine and Forwarding Tree timing and
// fan-out parameters (spec §4.6, §4.7, §6).
type RPCConfig struct {
	// MsgTimeoutSeconds bounds a single send/receive exchange and the
	// controller retry loop's per-attempt budget.
	MsgTimeoutSeconds uint32 `koanf:"msg_timeout_seconds"`

	// SlurmctldTimeoutSeconds governs the IN_STANDBY_MODE backoff and the
	// 1.5x controller-retry ceiling (spec §4.8).
	SlurmctldTimeoutSeconds uint32 `koanf:"slurmctld_timeout_seconds"`

	// TreeWidth is the default fan-out width for the Forwarding Tree
	// (spec §4.7).
	TreeWidth uint16 `koanf:"tree_width"`
}

// AuthConfig holds the authinfo option string and default secret
// reference (spec §4.3).
type AuthConfig struct {
	// AuthInfo is the raw `key=value[,key=value]*` option string.
	AuthInfo string `koanf:"authinfo"`

	// DefaultSecretPath names a file whose contents are the default
	// (non-global) authentication secret.
	DefaultSecretPath string `koanf:"default_secret_path"`
}

// CommConfig holds comm-parameter flags governing socket bind behavior
// (spec §6).
type CommConfig struct {
	// NoInAddrAny, when set, binds a node listener to the local
	// hostname's address instead of the any-address.
	NoInAddrAny bool `koanf:"no_in_addr_any"`

	// NoCtldInAddrAny is the controller-side equivalent of NoInAddrAny.
	NoCtldInAddrAny bool `koanf:"no_ctld_in_addr_any"`
}

// VIPEndpoint parses Controllers.VIP, reporting ok=false when unset.
func (c ControllersConfig) VIPEndpoint() (netip.AddrPort, bool, error) {
	if c.VIP == "" {
		return netip.AddrPort{}, false, nil
	}
	ap, err := netip.ParseAddrPort(c.VIP)
	if err != nil {
		return netip.AddrPort{}, false, fmt.Errorf("parse controllers.vip %q: %w", c.VIP, err)
	}
	return ap, true, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controllers: ControllersConfig{
			PortBase:  6817,
			PortCount: 1,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RPC: RPCConfig{
			MsgTimeoutSeconds:       10,
			SlurmctldTimeoutSeconds: 120,
			TreeWidth:               16,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix: CLUSTERRPC_RPC_TREE_WIDTH
// maps to rpc.tree_width, mirroring the teacher's GOBFD_ convention.
const envPrefix = "CLUSTERRPC_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides, and merges on top of DefaultConfig(). Missing fields
// inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms CLUSTERRPC_RPC_TREE_WIDTH -> rpc.tree_width.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"controllers.port_base":       defaults.Controllers.PortBase,
		"controllers.port_count":      defaults.Controllers.PortCount,
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"rpc.msg_timeout_seconds":     defaults.RPC.MsgTimeoutSeconds,
		"rpc.slurmctld_timeout_seconds": defaults.RPC.SlurmctldTimeoutSeconds,
		"rpc.tree_width":              defaults.RPC.TreeWidth,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	// ErrNoControllers indicates the controller hosts list is empty.
	ErrNoControllers = errors.New("controllers.hosts must not be empty")

	// ErrInvalidPortCount indicates controllers.port_count is zero.
	ErrInvalidPortCount = errors.New("controllers.port_count must be >= 1")

	// ErrInvalidTreeWidth indicates rpc.tree_width is zero.
	ErrInvalidTreeWidth = errors.New("rpc.tree_width must be >= 1")

	// ErrInvalidMsgTimeout indicates rpc.msg_timeout_seconds is zero.
	ErrInvalidMsgTimeout = errors.New("rpc.msg_timeout_seconds must be >= 1")

	// ErrInvalidSlurmctldTimeout indicates rpc.slurmctld_timeout_seconds is zero.
	ErrInvalidSlurmctldTimeout = errors.New("rpc.slurmctld_timeout_seconds must be >= 1")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if len(cfg.Controllers.Hosts) == 0 {
		return ErrNoControllers
	}
	if cfg.Controllers.PortCount < 1 {
		return ErrInvalidPortCount
	}
	if cfg.RPC.TreeWidth < 1 {
		return ErrInvalidTreeWidth
	}
	if cfg.RPC.MsgTimeoutSeconds < 1 {
		return ErrInvalidMsgTimeout
	}
	if cfg.RPC.SlurmctldTimeoutSeconds < 1 {
		return ErrInvalidSlurmctldTimeout
	}
	if _, _, err := cfg.Controllers.VIPEndpoint(); err != nil {
		return err
	}
	return nil
}

// -------------------------------------------------------------------------
// Log level parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
