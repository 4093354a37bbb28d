package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run the signaling relay that devices rendezvous on",
	Long: `Start the signaling relay (hub) server.

Every device connects to the relay with a websocket. Each frame a device
sends is forwarded to every other connected device; the relay keeps no other
state. Pairing requests, discovery and liveness pings travel over it, while
schedule data flows over direct peer channels.

Example usage:
  workplans relay                        # Listen on bus.relay_listen
  workplans relay --listen 0.0.0.0:7420  # Accept devices on the LAN

Devices connect to:
  ws://<host>:7420/bus`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Bus.RelayListen
		}

		server := bus.NewRelayServer(&bus.RelayServerConfig{
			Addr:   listen,
			Logger: newLogger("relay"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}

		fmt.Printf("%s Relay listening on %s\n", ui.RenderAccent("🚀"), server.URL())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Printf("%s Relay stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	relayCmd.Flags().String("listen", "", "address to listen on (default: bus.relay_listen)")
	rootCmd.AddCommand(relayCmd)
}
