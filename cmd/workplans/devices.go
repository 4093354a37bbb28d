package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ThymoBruce/workplans/internal/pairing"
	"github.com/ThymoBruce/workplans/internal/store"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	GroupID: "sync",
	Short:   "Manage the trust list of linked devices",
	Long: `Manage the devices this device trusts.

Changes apply to the local database. A node that is already running keeps
its own copy of the trust list until it is restarted.`,
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")

		return withStore(func(db *store.DB) error {
			links, err := db.LoadLinks()
			if err != nil {
				return err
			}

			if asYAML {
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(links)
			}

			if len(links) == 0 {
				fmt.Println("No linked devices")
				return nil
			}
			fmt.Printf("\n%s Linked devices\n\n", ui.RenderAccent("📱"))
			for _, l := range links {
				fmt.Printf("  %s  %s\n", ui.RenderBold(l.DeviceName), ui.RenderMuted(l.DeviceID))
				fmt.Printf("      linked %s, last seen %s\n", l.LinkedAt.Local().Format(time.DateTime), lastSeen(l))
			}
			fmt.Println()
			return nil
		})
	},
}

var devicesUnlinkCmd = &cobra.Command{
	Use:   "unlink <device-id>",
	Short: "Remove a device from the trust list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.DB) error {
			links, err := db.LoadLinks()
			if err != nil {
				return err
			}
			_, removed := filterLinks(links, func(l pairing.DeviceLink) bool {
				return l.DeviceID == args[0]
			})
			if len(removed) == 0 {
				return fmt.Errorf("device %s is not linked", args[0])
			}
			if err := db.DeleteLink(removed[0].DeviceID); err != nil {
				return err
			}
			fmt.Printf("%s Unlinked %s\n", ui.RenderPass("✓"), removed[0].DeviceName)
			return nil
		})
	},
}

var devicesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Unlink devices not seen for a while",
	Long: `Unlink every device whose last liveness ping is older than a cutoff.

Example usage:
  workplans devices prune --not-seen-since "2 weeks ago"
  workplans devices prune --not-seen-since "last monday" --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("not-seen-since")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cutoff, err := parseCutoff(since, time.Now())
		if err != nil {
			return err
		}

		return withStore(func(db *store.DB) error {
			links, err := db.LoadLinks()
			if err != nil {
				return err
			}
			_, removed := filterLinks(links, func(l pairing.DeviceLink) bool {
				return staleSince(l, cutoff)
			})
			if len(removed) == 0 {
				fmt.Printf("No devices unseen since %s\n", cutoff.Format(time.DateTime))
				return nil
			}
			for _, l := range removed {
				fmt.Printf("  %s %s (last seen %s)\n", ui.RenderWarn("-"), l.DeviceName, lastSeen(l))
			}
			if dryRun {
				fmt.Printf("%d device(s) would be unlinked\n", len(removed))
				return nil
			}
			for _, l := range removed {
				if err := db.DeleteLink(l.DeviceID); err != nil {
					return err
				}
			}
			fmt.Printf("%s Unlinked %d device(s)\n", ui.RenderPass("✓"), len(removed))
			return nil
		})
	},
}

var devicesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the trust list as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.DB) error {
			var w io.Writer = os.Stdout
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return db.ExportLinks(w)
		})
	},
}

var devicesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge a JSON trust list into this device's",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.DB) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := db.ImportLinks(f)
			if err != nil {
				return err
			}
			fmt.Printf("%s Imported %d device(s)\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

func init() {
	devicesListCmd.Flags().Bool("yaml", false, "print as YAML")
	devicesPruneCmd.Flags().String("not-seen-since", "", `cutoff in natural language, e.g. "2 weeks ago"`)
	devicesPruneCmd.Flags().Bool("dry-run", false, "show what would be unlinked")
	_ = devicesPruneCmd.MarkFlagRequired("not-seen-since")

	devicesCmd.AddCommand(devicesListCmd, devicesUnlinkCmd, devicesPruneCmd, devicesExportCmd, devicesImportCmd)
	rootCmd.AddCommand(devicesCmd)
}

func withStore(fn func(db *store.DB) error) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// parseCutoff resolves a natural language time relative to now.
func parseCutoff(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("a cutoff time is required")
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand %q as a time", text)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("cutoff %s is in the future", r.Time.Format(time.DateTime))
	}
	return r.Time, nil
}

// staleSince reports whether l was last heard from before cutoff. Devices
// never seen count from when they were linked.
func staleSince(l pairing.DeviceLink, cutoff time.Time) bool {
	seen := l.LastSeen
	if seen.IsZero() {
		seen = l.LinkedAt
	}
	return seen.Before(cutoff)
}

// filterLinks splits links into those kept and those match selects.
func filterLinks(links []pairing.DeviceLink, match func(pairing.DeviceLink) bool) (kept, removed []pairing.DeviceLink) {
	kept = []pairing.DeviceLink{}
	for _, l := range links {
		if match(l) {
			removed = append(removed, l)
			continue
		}
		kept = append(kept, l)
	}
	return kept, removed
}

func lastSeen(l pairing.DeviceLink) string {
	if l.LastSeen.IsZero() {
		return "never"
	}
	return l.LastSeen.Local().Format(time.DateTime)
}
