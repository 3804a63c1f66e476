package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSweepCmd runs one sweep and exits, for cron-driven deployments.
func NewSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [events|timeouts|notifications|all]",
		Short:     "Run one sweep: start/complete events, time out questions, deliver countdowns",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"events", "timeouts", "notifications", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := "all"
			if len(args) == 1 {
				stage = args[0]
			}
			ctx := cmd.Context()
			rt, _, err := loadRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			var report interface{}
			switch stage {
			case "events":
				report, err = rt.engine.Scheduler.SweepEvents(ctx)
			case "timeouts":
				report, err = rt.engine.Tracker.SweepTimeouts(ctx)
			case "notifications":
				report, err = rt.engine.Notifier.Sweep(ctx)
			case "all":
				report, err = rt.engine.Sweep(ctx)
			default:
				return fmt.Errorf("unknown sweep %q", stage)
			}
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
