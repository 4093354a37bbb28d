// Package config loads workplans settings from a TOML file, WORKPLANS_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of environment overrides, e.g.
	// WORKPLANS_BUS_RELAY_URL.
	EnvPrefix = "WORKPLANS"

	// HomeEnv selects the workplans home directory.
	HomeEnv = "WORKPLANS_HOME"

	// FileName is the config file inside the home directory.
	FileName = "config.toml"
)

// Bus kinds.
const (
	BusLocal = "local"
	BusRelay = "relay"
)

// Config is the resolved configuration of one device.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	DataDir string        `mapstructure:"data_dir"`
	Bus     BusConfig     `mapstructure:"bus"`
	Peer    PeerConfig    `mapstructure:"peer"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Pairing PairingConfig `mapstructure:"pairing"`
	Log     LogConfig     `mapstructure:"log"`
}

// DeviceConfig names this device. An empty name picks a random one the
// first time an identity is created.
type DeviceConfig struct {
	Name string `mapstructure:"name"`
}

// BusConfig selects the signaling bus.
type BusConfig struct {
	Kind        string `mapstructure:"kind"`
	RelayURL    string `mapstructure:"relay_url"`
	RelayListen string `mapstructure:"relay_listen"`
}

// PeerConfig configures the direct peer channel listener.
type PeerConfig struct {
	Listen    string `mapstructure:"listen"`
	Advertise string `mapstructure:"advertise"`
}

// SyncConfig holds sync engine and node timing.
type SyncConfig struct {
	DiscoveryInterval  time.Duration `mapstructure:"discovery_interval"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	Debounce           time.Duration `mapstructure:"debounce"`
	RequireTrust       bool          `mapstructure:"require_trust"`
}

// PairingConfig holds pairing engine timing.
type PairingConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	LinkTimeout      time.Duration `mapstructure:"link_timeout"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
}

// LogConfig selects the log destination. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// defaults are keyed the way they appear in the TOML file. Durations are
// kept as strings so the written file stays readable.
func defaults(home string) map[string]any {
	return map[string]any{
		"device.name":               "",
		"data_dir":                  home,
		"bus.kind":                  BusRelay,
		"bus.relay_url":             "ws://127.0.0.1:7420/bus",
		"bus.relay_listen":          "127.0.0.1:7420",
		"peer.listen":               "127.0.0.1:0",
		"peer.advertise":            "",
		"sync.discovery_interval":   "10s",
		"sync.negotiation_timeout":  "20s",
		"sync.debounce":             "500ms",
		"sync.require_trust":        true,
		"pairing.ping_interval":     "30s",
		"pairing.session_ttl":       "5m",
		"pairing.link_timeout":      "30s",
		"pairing.announce_interval": "2s",
		"log.file":                  "",
		"log.max_size_mb":           10,
		"log.max_backups":           3,
		"log.max_age_days":          28,
		"log.compress":              true,
	}
}

// Home returns the workplans home directory: $WORKPLANS_HOME, or
// ~/.workplans.
func Home() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".workplans"
	}
	return filepath.Join(home, ".workplans")
}

// DefaultPath returns the config file path inside Home.
func DefaultPath() string {
	return filepath.Join(Home(), FileName)
}

// NewViper returns a viper instance with defaults, environment overrides
// and the config file at path registered. Flags may be bound to it before
// calling Load.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	for key, value := range defaults(Home()) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	return v
}

// Load reads the config file registered in v, if present, and returns the
// validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engines cannot run
// with.
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case BusLocal:
	case BusRelay:
		if c.Bus.RelayURL == "" {
			return fmt.Errorf("bus.relay_url is required for the relay bus")
		}
	default:
		return fmt.Errorf("unknown bus kind %q (want %q or %q)", c.Bus.Kind, BusLocal, BusRelay)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	positive := map[string]time.Duration{
		"sync.discovery_interval":  c.Sync.DiscoveryInterval,
		"sync.negotiation_timeout": c.Sync.NegotiationTimeout,
		"sync.debounce":            c.Sync.Debounce,
		"pairing.ping_interval":    c.Pairing.PingInterval,
		"pairing.session_ttl":      c.Pairing.SessionTTL,
		"pairing.link_timeout":     c.Pairing.LinkTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}
	if c.Pairing.AnnounceInterval < 0 {
		return fmt.Errorf("pairing.announce_interval cannot be negative")
	}
	return nil
}

// DBPath is the sqlite database holding identity and trust list.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "workplans.db")
}

// StatePath is the schedule state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// WriteDefaults writes the default configuration to path as TOML. An
// existing file is left alone unless overwrite is set.
func WriteDefaults(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(nest(defaults(Home()))); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Encode writes the effective settings of v as TOML.
func Encode(v *viper.Viper, w io.Writer) error {
	return toml.NewEncoder(w).Encode(v.AllSettings())
}

// nest turns dotted keys into nested tables.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		table := out
		for _, p := range parts[:len(parts)-1] {
			sub, ok := table[p].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				table[p] = sub
			}
			table = sub
		}
		table[parts[len(parts)-1]] = value
	}
	return out
}
