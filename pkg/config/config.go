// Package config loads daemon-level configuration.
//
// Configuration is resolved in the following order (later sources override
// earlier ones):
//  1. Built-in defaults
//  2. An optional YAML configuration file
//  3. Environment variables (LIBDIR, CONFDIR, CORE_DATA_DIR, CORE_STATE_DIR,
//     plus CORENET_-prefixed overrides for every key)
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration.
type Config struct {
	// Paths contains the control-path directories.
	Paths PathsConfig `mapstructure:"paths"`

	// Session contains per-session defaults.
	Session SessionConfig `mapstructure:"session"`

	// Broker contains distributed-session settings.
	Broker BrokerConfig `mapstructure:"broker"`

	// StateStore contains the optional Redis state mirror settings.
	StateStore StateStoreConfig `mapstructure:"statestore"`

	// Logging contains log settings.
	Logging LoggingConfig `mapstructure:"logging"`
}

// PathsConfig holds the directories consulted for service definitions,
// configuration, and runtime state.
type PathsConfig struct {
	LibDir   string `mapstructure:"lib_dir"`   // overridden by $LIBDIR
	ConfDir  string `mapstructure:"conf_dir"`  // overridden by $CONFDIR
	DataDir  string `mapstructure:"data_dir"`  // overridden by $CORE_DATA_DIR
	StateDir string `mapstructure:"state_dir"` // overridden by $CORE_STATE_DIR
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	// MACPrefix is the fourth octet of auto-assigned MAC addresses.
	MACPrefix uint8 `mapstructure:"mac_prefix"`
	// MACStart is the starting value of the per-session MAC counter.
	MACStart uint8 `mapstructure:"mac_start"`
	// IPv4Pool is the prefix auto IPv4 subnets are carved from.
	IPv4Pool string `mapstructure:"ipv4_pool"`
	// IPv6Pool is the prefix auto IPv6 /64 subnets are carved from.
	IPv6Pool string `mapstructure:"ipv6_pool"`
	// HookTimeout bounds hook script execution.
	HookTimeout time.Duration `mapstructure:"hook_timeout"`
	// ServiceTimeout bounds individual service commands.
	ServiceTimeout time.Duration `mapstructure:"service_timeout"`
	// ExecTimeoutCeiling is the hard ceiling on user exec requests.
	ExecTimeoutCeiling time.Duration `mapstructure:"exec_timeout_ceiling"`
	// PreserveDir keeps session workspaces after shutdown.
	PreserveDir bool `mapstructure:"preserve_dir"`
}

// BrokerConfig holds distributed-session settings.
type BrokerConfig struct {
	// ListenAddr is the address peers accept master connections on.
	ListenAddr string `mapstructure:"listen_addr"`
	// DialTimeout bounds the control-channel connect.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// SSHUser is the account used for peer reachability probes.
	SSHUser string `mapstructure:"ssh_user"`
}

// StateStoreConfig holds the optional Redis mirror settings. An empty Addr
// disables the mirror.
type StateStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configuration from the given file (optional; "" skips the file
// layer) plus environment overrides, and returns the resolved Config.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CORENET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyEnv applies the well-known control-path variables, which
// override every other source when present.
func applyLegacyEnv(cfg *Config) {
	if s := os.Getenv("LIBDIR"); s != "" {
		cfg.Paths.LibDir = s
	}
	if s := os.Getenv("CONFDIR"); s != "" {
		cfg.Paths.ConfDir = s
	}
	if s := os.Getenv("CORE_DATA_DIR"); s != "" {
		cfg.Paths.DataDir = s
	}
	if s := os.Getenv("CORE_STATE_DIR"); s != "" {
		cfg.Paths.StateDir = s
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.lib_dir", "/usr/lib/corenet")
	v.SetDefault("paths.conf_dir", "/etc/corenet")
	v.SetDefault("paths.data_dir", "/usr/share/corenet")
	v.SetDefault("paths.state_dir", "/var/lib/corenet")

	v.SetDefault("session.mac_prefix", 0xaa)
	v.SetDefault("session.mac_start", 0)
	v.SetDefault("session.ipv4_pool", "10.0.0.0/16")
	v.SetDefault("session.ipv6_pool", "2001::/64")
	v.SetDefault("session.hook_timeout", 30*time.Second)
	v.SetDefault("session.service_timeout", 60*time.Second)
	v.SetDefault("session.exec_timeout_ceiling", 5*time.Minute)
	v.SetDefault("session.preserve_dir", false)

	v.SetDefault("broker.listen_addr", ":4038")
	v.SetDefault("broker.dial_timeout", 10*time.Second)
	v.SetDefault("broker.ssh_user", "root")

	v.SetDefault("statestore.addr", "")
	v.SetDefault("statestore.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// Validate checks the resolved configuration for internally consistent
// values.
func (c *Config) Validate() error {
	if c.Session.IPv4Pool == "" {
		return fmt.Errorf("config: session.ipv4_pool must not be empty")
	}
	if c.Session.HookTimeout <= 0 {
		return fmt.Errorf("config: session.hook_timeout must be positive")
	}
	if c.Session.ServiceTimeout <= 0 {
		return fmt.Errorf("config: session.service_timeout must be positive")
	}
	return nil
}
