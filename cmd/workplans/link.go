package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ThymoBruce/workplans/internal/config"
	"github.com/ThymoBruce/workplans/internal/pairing"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var linkCmd = &cobra.Command{
	Use:     "link",
	GroupID: "sync",
	Short:   "Link this device with another one",
	Long: `Link two devices so they trust each other's schedule.

On the first device run "workplans link new" and read the 6-digit code.
On the second device run "workplans link join <code>" within the session
lifetime. Both devices must reach the same relay.`,
}

var linkNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a link code and wait for a device to redeem it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPairing(func(ctx context.Context, engine *pairing.Engine, linked <-chan pairing.DeviceLink) error {
			code := engine.GenerateLinkCode()
			payload, err := pairing.NewPayload(code, engine.Identity().Name).Marshal()
			if err != nil {
				return err
			}

			fmt.Printf("\n%s\n\n", ui.RenderCode(code))
			fmt.Printf("Payload: %s\n", ui.RenderMuted(payload))
			fmt.Printf("Run %s on the other device.\n", ui.RenderBold("workplans link join "+code))
			fmt.Printf("Waiting up to %s...\n", cfg.Pairing.SessionTTL)

			select {
			case link := <-linked:
				fmt.Printf("%s Linked with %s (%s)\n", ui.RenderPass("✓"), link.DeviceName, link.DeviceID)
				return nil
			case <-time.After(cfg.Pairing.SessionTTL):
				return fmt.Errorf("code %s expired before a device redeemed it", code)
			case <-ctx.Done():
				return fmt.Errorf("cancelled")
			}
		})
	},
}

var linkJoinCmd = &cobra.Command{
	Use:   "join [code|payload]",
	Short: "Redeem a link code shown on another device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var input string
		if len(args) == 1 {
			input = args[0]
		}
		code, err := resolveCode(input)
		if err != nil {
			return err
		}

		return withPairing(func(ctx context.Context, engine *pairing.Engine, linked <-chan pairing.DeviceLink) error {
			fmt.Printf("Looking for a device offering %s...\n", code)
			if !engine.LinkWithCode(ctx, code) {
				return fmt.Errorf("no device offered code %s", code)
			}

			select {
			case link := <-linked:
				fmt.Printf("%s Linked with %s (%s)\n", ui.RenderPass("✓"), link.DeviceName, link.DeviceID)
				return nil
			case <-time.After(cfg.Pairing.LinkTimeout):
				return fmt.Errorf("the other device did not confirm the link")
			case <-ctx.Done():
				return fmt.Errorf("cancelled")
			}
		})
	},
}

func init() {
	linkCmd.AddCommand(linkNewCmd, linkJoinCmd)
	rootCmd.AddCommand(linkCmd)
}

// resolveCode accepts a bare code or a pairing payload. With no input it
// prompts when stdin is a terminal.
func resolveCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return "", fmt.Errorf("a link code is required")
		}
		err := huh.NewInput().
			Title("Link code").
			Description("The 6-digit code shown on the other device").
			CharLimit(pairing.CodeLength).
			Value(&input).
			Validate(pairing.ValidateCode).
			Run()
		if err != nil {
			return "", err
		}
		return input, nil
	}

	if strings.HasPrefix(input, "{") {
		p, err := pairing.ParsePayload(input)
		if err != nil {
			return "", err
		}
		return p.Code, nil
	}
	if err := pairing.ValidateCode(input); err != nil {
		return "", err
	}
	return input, nil
}

// withPairing runs fn with a pairing engine on the configured bus. linked
// receives each device linked while fn runs.
func withPairing(fn func(ctx context.Context, engine *pairing.Engine, linked <-chan pairing.DeviceLink) error) error {
	if cfg.Bus.Kind == config.BusLocal {
		return fmt.Errorf("linking needs the relay bus (bus.kind = \"relay\")")
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

	engine, err := pairing.NewWithConfig(identity, b, db, pairingConfig())
	if err != nil {
		return err
	}
	defer engine.Close()

	linked := make(chan pairing.DeviceLink, 1)
	engine.AddListener(pairing.ListenerFuncs{
		OnLinked: func(link pairing.DeviceLink) {
			select {
			case linked <- link:
			default:
			}
		},
	})

	return fn(ctx, engine, linked)
}
