package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ThymoBruce/workplans/internal/schedule"
	"github.com/ThymoBruce/workplans/internal/store"
	"github.com/ThymoBruce/workplans/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "schedule",
	Short:   "View and edit today's schedule",
	Long: `View and edit today's schedule.

Edits are written to the state file. A running node picks them up and sends
them to connected devices.`,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show today's schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchedule()
		if err != nil {
			return err
		}

		current := s.CurrentBlock(time.Now())
		for _, b := range s {
			title := fmt.Sprintf("%s-%s  %s", b.StartTime, b.EndTime, b.Title)
			if current != nil && current.ID == b.ID {
				title = ui.RenderAccent(title + "  ◀ now")
			} else {
				title = ui.RenderBold(title)
			}
			fmt.Printf("\n%s %s\n", title, ui.RenderMuted("["+b.ID+"]"))
			for _, t := range b.Tasks {
				box := "[ ]"
				if t.Completed {
					box = ui.RenderPass("[x]")
				}
				fmt.Printf("  %s %s %s\n", box, t.Text, ui.RenderMuted(t.ID))
			}
		}
		fmt.Println()
		return nil
	},
}

var taskToggleCmd = &cobra.Command{
	Use:   "toggle <task-id>",
	Short: "Mark a task done or not done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editSchedule(func(s schedule.Schedule) error {
			if err := s.ToggleTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Toggled %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <block-id> <text>",
	Short: "Add a custom task to a time block",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editSchedule(func(s schedule.Schedule) error {
			task, err := s.AddCustomTask(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), task.ID)
			return nil
		})
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <task-id>",
	Short: "Remove a custom task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editSchedule(func(s schedule.Schedule) error {
			if err := s.RemoveCustomTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var taskResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all completion and custom tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return editSchedule(func(s schedule.Schedule) error {
			s.Reset()
			fmt.Printf("%s Schedule reset\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show completion statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchedule()
		if err != nil {
			return err
		}
		st := s.Stats()
		fmt.Printf("%d of %d tasks done (%.0f%%)\n", st.Completed, st.Total, st.Percentage)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd, taskToggleCmd, taskAddCmd, taskRemoveCmd, taskResetCmd, taskStatsCmd)
	rootCmd.AddCommand(taskCmd)
}

// loadSchedule returns today's schedule from the state file. State from
// another day is ignored.
func loadSchedule() (schedule.Schedule, error) {
	snap, ok, err := store.NewStateFile(cfg.StatePath()).Load()
	if err != nil {
		return nil, err
	}
	if !ok || !snap.IsFromDay(time.Now()) {
		return schedule.DefaultDay(), nil
	}
	return schedule.Merge(schedule.DefaultDay(), snap), nil
}

// editSchedule applies fn to today's schedule and saves the result.
func editSchedule(fn func(schedule.Schedule) error) error {
	s, err := loadSchedule()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return store.NewStateFile(cfg.StatePath()).Save(s.Snapshot(time.Now()))
}
