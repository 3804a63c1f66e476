package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRepairCmd groups scripted repairs for state left behind by lost polls.
func NewRepairCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair poll mappings and participant progress",
	}
	cmd.AddCommand(newPruneMappingsCmd(configPath))
	cmd.AddCommand(newReopenProgressCmd(configPath))
	cmd.AddCommand(newOrphansCmd(configPath))
	return cmd
}

func newPruneMappingsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-mappings [event-id]",
		Short: "Delete poll mappings of a finished event, or of every finished event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := ""
			if len(args) == 1 {
				eventID = args[0]
			}
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.engine.PruneMappings(cmd.Context(), eventID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d poll mappings\n", n)
			return nil
		},
	}
}

func newReopenProgressCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reopen-progress <event-id> <user-id> <index>",
		Short: "Rewind a participant to a question and resend it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			p, err := rt.engine.Tracker.Reopen(cmd.Context(), args[0], args[1], index)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newOrphansCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List polls that were sent but whose mapping could not be stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			alerts, err := rt.engine.Orphans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), alerts)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum alerts to list")
	return cmd
}
