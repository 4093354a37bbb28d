package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ThymoBruce/workplans/internal/node"
	"github.com/ThymoBruce/workplans/internal/pairing"
	"github.com/ThymoBruce/workplans/internal/peer"
	"github.com/ThymoBruce/workplans/internal/schedule"
	"github.com/ThymoBruce/workplans/internal/store"
	syncengine "github.com/ThymoBruce/workplans/internal/sync"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run a sync node until interrupted",
	Long: `Run this device as a sync node.

The node:
  1. Loads today's schedule from the state file
  2. Announces itself on the relay and connects to linked devices
  3. Sends local edits (including "workplans task ...") to connected devices
  4. Applies schedules received from linked devices

Example usage:
  workplans run
  workplans run --listen 0.0.0.0:7421 --advertise 192.168.1.20:7421`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		advertise, _ := cmd.Flags().GetString("advertise")
		if listen == "" {
			listen = cfg.Peer.Listen
		}
		if advertise == "" {
			advertise = cfg.Peer.Advertise
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		identity, err := loadIdentity(db)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		b, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		transport, err := peer.NewWebSocketTransport(peer.WebSocketConfig{
			LocalID:       identity.ID,
			ListenAddr:    listen,
			AdvertiseAddr: advertise,
			Logger:        newLogger("peer"),
		})
		if err != nil {
			return err
		}
		defer transport.Close()

		n, err := node.New(identity, b, transport, store.NewStateFile(cfg.StatePath()), db, nodeConfig())
		if err != nil {
			return err
		}
		n.Sync().AddListener(syncengine.ListenerFuncs{
			OnConnected: func(id, name string) {
				fmt.Printf("%s Connected to %s (%s)\n", ui.RenderPass("●"), name, id)
			},
			OnDisconnected: func(id string) {
				fmt.Printf("%s Disconnected from %s\n", ui.RenderMuted("○"), id)
			},
			OnData: func(from string, snap schedule.Snapshot) {
				fmt.Printf("%s Received schedule from %s (%d completed)\n", ui.RenderAccent("↓"), from, len(snap.CompletedTasks))
			},
		})
		n.Pairing().AddListener(pairing.ListenerFuncs{
			OnLinked: func(link pairing.DeviceLink) {
				fmt.Printf("%s Linked %s (%s)\n", ui.RenderPass("✓"), link.DeviceName, link.DeviceID)
			},
		})

		if err := n.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Running as %s\n", ui.RenderAccent("🚀"), ui.RenderBold(identity.String()))
		fmt.Printf("Peer endpoint: %s\n", transport.Addr())
		fmt.Printf("Linked devices: %d\n", len(n.Pairing().GetLinkedDevices()))
		fmt.Println("\nPress Ctrl+C to stop...")

		select {
		case <-ctx.Done():
		case <-busDone(b):
			fmt.Printf("\n%s Lost connection to the relay\n", ui.RenderWarn("⚠"))
		}

		fmt.Println("\nShutting down node...")
		if err := n.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Printf("%s Node stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	runCmd.Flags().String("listen", "", "peer channel listen address (default: peer.listen)")
	runCmd.Flags().String("advertise", "", "host:port other devices dial (default: listen address)")
	rootCmd.AddCommand(runCmd)
}

func nodeConfig() *node.Config {
	config := node.DefaultConfig()
	config.DebounceInterval = cfg.Sync.Debounce
	config.RequireTrust = cfg.Sync.RequireTrust
	config.Logger = newLogger("node")
	config.Pairing = pairingConfig()
	config.Sync = &syncengine.Config{
		DiscoveryInterval:  cfg.Sync.DiscoveryInterval,
		NegotiationTimeout: cfg.Sync.NegotiationTimeout,
		Logger:             newLogger("sync"),
	}
	return config
}

func pairingConfig() *pairing.Config {
	return &pairing.Config{
		SessionTTL:       cfg.Pairing.SessionTTL,
		LinkTimeout:      cfg.Pairing.LinkTimeout,
		PingInterval:     cfg.Pairing.PingInterval,
		AnnounceInterval: cfg.Pairing.AnnounceInterval,
		Logger:           newLogger("pairing"),
	}
}
