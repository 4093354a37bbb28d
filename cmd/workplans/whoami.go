package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ThymoBruce/workplans/internal/store"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "sync",
	Short:   "Show this device's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.DB) error {
			identity, err := loadIdentity(db)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", ui.RenderBold(identity.Name), ui.RenderMuted(identity.ID))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
