package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := setHome(t)

	cfg, err := Load(NewViper(DefaultPath()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != home {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, home)
	}
	if cfg.Bus.Kind != BusRelay {
		t.Errorf("Bus.Kind = %q, want %q", cfg.Bus.Kind, BusRelay)
	}
	if cfg.Sync.DiscoveryInterval != 10*time.Second {
		t.Errorf("DiscoveryInterval = %v", cfg.Sync.DiscoveryInterval)
	}
	if cfg.Sync.NegotiationTimeout != 20*time.Second {
		t.Errorf("NegotiationTimeout = %v", cfg.Sync.NegotiationTimeout)
	}
	if cfg.Sync.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Sync.Debounce)
	}
	if !cfg.Sync.RequireTrust {
		t.Error("RequireTrust should default to true")
	}
	if cfg.Pairing.SessionTTL != 5*time.Minute {
		t.Errorf("SessionTTL = %v", cfg.Pairing.SessionTTL)
	}
	if cfg.Pairing.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v", cfg.Pairing.PingInterval)
	}
	if cfg.Pairing.AnnounceInterval != 2*time.Second {
		t.Errorf("AnnounceInterval = %v", cfg.Pairing.AnnounceInterval)
	}
	if cfg.DBPath() != filepath.Join(home, "workplans.db") {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
	if cfg.StatePath() != filepath.Join(home, "state.json") {
		t.Errorf("StatePath = %q", cfg.StatePath())
	}
}

func TestLoadFile(t *testing.T) {
	setHome(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[device]
name = "Kitchen Tablet"

[bus]
kind = "local"

[sync]
discovery_interval = "3s"
require_trust = false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(NewViper(path))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Device.Name != "Kitchen Tablet" {
		t.Errorf("Device.Name = %q", cfg.Device.Name)
	}
	if cfg.Bus.Kind != BusLocal {
		t.Errorf("Bus.Kind = %q", cfg.Bus.Kind)
	}
	if cfg.Sync.DiscoveryInterval != 3*time.Second {
		t.Errorf("DiscoveryInterval = %v", cfg.Sync.DiscoveryInterval)
	}
	if cfg.Sync.RequireTrust {
		t.Error("RequireTrust should be false")
	}
	// Unset keys keep their defaults.
	if cfg.Sync.NegotiationTimeout != 20*time.Second {
		t.Errorf("NegotiationTimeout = %v", cfg.Sync.NegotiationTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	setHome(t)
	t.Setenv("WORKPLANS_BUS_RELAY_URL", "ws://relay.example:9000/bus")
	t.Setenv("WORKPLANS_PAIRING_LINK_TIMEOUT", "45s")

	cfg, err := Load(NewViper(DefaultPath()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.RelayURL != "ws://relay.example:9000/bus" {
		t.Errorf("RelayURL = %q", cfg.Bus.RelayURL)
	}
	if cfg.Pairing.LinkTimeout != 45*time.Second {
		t.Errorf("LinkTimeout = %v", cfg.Pairing.LinkTimeout)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	setHome(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[bus\nkind ="), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(NewViper(path)); err == nil {
		t.Error("Load of malformed TOML should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DataDir: "/tmp/wp",
			Bus:     BusConfig{Kind: BusRelay, RelayURL: "ws://x/bus"},
			Sync: SyncConfig{
				DiscoveryInterval:  time.Second,
				NegotiationTimeout: time.Second,
				Debounce:           time.Second,
			},
			Pairing: PairingConfig{
				PingInterval: time.Second,
				SessionTTL:   time.Second,
				LinkTimeout:  time.Second,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"local bus", func(c *Config) { c.Bus = BusConfig{Kind: BusLocal} }, ""},
		{"unknown bus", func(c *Config) { c.Bus.Kind = "carrier-pigeon" }, "unknown bus kind"},
		{"relay without url", func(c *Config) { c.Bus.RelayURL = "" }, "relay_url"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"zero discovery", func(c *Config) { c.Sync.DiscoveryInterval = 0 }, "discovery_interval"},
		{"zero ttl", func(c *Config) { c.Pairing.SessionTTL = 0 }, "session_ttl"},
		{"negative announce", func(c *Config) { c.Pairing.AnnounceInterval = -time.Second }, "announce_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefaultsRoundTrip(t *testing.T) {
	home := setHome(t)
	path := DefaultPath()

	if err := WriteDefaults(path, false); err != nil {
		t.Fatalf("WriteDefaults failed: %v", err)
	}
	if err := WriteDefaults(path, false); err == nil {
		t.Error("WriteDefaults should refuse to overwrite")
	}
	if err := WriteDefaults(path, true); err != nil {
		t.Errorf("WriteDefaults with overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[sync]") || !strings.Contains(string(data), `discovery_interval = "10s"`) {
		t.Errorf("unexpected config file:\n%s", data)
	}

	cfg, err := Load(NewViper(path))
	if err != nil {
		t.Fatalf("Load of written defaults failed: %v", err)
	}
	if cfg.DataDir != home || cfg.Sync.Debounce != 500*time.Millisecond {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestEncode(t *testing.T) {
	setHome(t)
	v := NewViper(DefaultPath())
	v.Set("device.name", "Desk")

	var buf bytes.Buffer
	if err := Encode(v, &buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(buf.String(), `name = "Desk"`) {
		t.Errorf("encoded settings missing device name:\n%s", buf.String())
	}
}

func TestHome(t *testing.T) {
	t.Setenv(HomeEnv, "/custom/home")
	if Home() != "/custom/home" {
		t.Errorf("Home() = %q", Home())
	}
	if DefaultPath() != filepath.Join("/custom/home", FileName) {
		t.Errorf("DefaultPath() = %q", DefaultPath())
	}

	t.Setenv(HomeEnv, "")
	if !strings.HasSuffix(Home(), ".workplans") {
		t.Errorf("Home() = %q, want ~/.workplans", Home())
	}
}
