// Command workplans keeps a day schedule in sync across linked devices.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/config"
	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/logging"
	"github.com/ThymoBruce/workplans/internal/store"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var (
	configPath string
	noColor    bool

	v   *viper.Viper
	cfg *config.Config

	logOut   io.Writer = os.Stderr
	logClose           = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "workplans",
	Short: "Multi-device day schedule with peer-to-peer sync",
	Long: `workplans keeps a day schedule in sync across your devices.

Devices are linked once with a 6-digit code (workplans link new / link join).
A running node (workplans run) discovers linked devices over the signaling
relay, opens a direct channel to each, and exchanges schedule snapshots.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}

		v = config.NewViper(configPath)
		if err := bindFlags(cmd); err != nil {
			return err
		}
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded

		logOut, logClose = logging.Output(cfg.Log, cfg.DataDir)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logClose()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "schedule", Title: "Schedule:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the database and state file")
	rootCmd.PersistentFlags().String("relay", "", "signaling relay URL")
	rootCmd.PersistentFlags().String("name", "", "device display name")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"data-dir": "data_dir",
	"relay":    "bus.relay_url",
	"name":     "device.name",
}

func bindFlags(cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// newLogger returns a component logger writing to the configured output.
func newLogger(component string) *log.Logger {
	return logging.New(logOut, component)
}

// openStore opens the device database, creating the schema on first use.
func openStore() (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// loadIdentity returns this device's identity, creating it on first use.
func loadIdentity(db *store.DB) (device.Identity, error) {
	return device.LoadOrCreate(db, cfg.Device.Name)
}

// openBus connects to the configured signaling bus.
func openBus(ctx context.Context) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusLocal:
		fmt.Fprintf(os.Stderr, "%s local bus only reaches this process\n", ui.RenderWarn("⚠"))
		return bus.NewLocal(newLogger("bus")), nil
	default:
		client, err := bus.DialRelay(ctx, cfg.Bus.RelayURL, newLogger("bus"))
		if err != nil {
			return nil, fmt.Errorf("failed to reach relay %s: %w", cfg.Bus.RelayURL, err)
		}
		return client, nil
	}
}

// busDone returns a channel closed when b loses its connection, or nil
// for buses that cannot.
func busDone(b bus.Bus) <-chan struct{} {
	if d, ok := b.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}
