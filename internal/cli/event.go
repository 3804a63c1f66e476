package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tournament-engine/internal/allocation"
	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// NewEventCmd groups the tournament lifecycle commands.
func NewEventCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Create, start, cancel and join tournaments",
	}
	cmd.AddCommand(newEventCreateCmd(configPath))
	cmd.AddCommand(newEventIDCmd(configPath, "start", "Materialize questions and send the first one now",
		func(rt *runtime, cmd *cobra.Command, id string) (interface{}, error) {
			return rt.engine.Scheduler.Start(cmd.Context(), id)
		}))
	cmd.AddCommand(newEventIDCmd(configPath, "cancel", "Cancel a scheduled or running event",
		func(rt *runtime, cmd *cobra.Command, id string) (interface{}, error) {
			return rt.engine.Scheduler.Cancel(cmd.Context(), id)
		}))
	cmd.AddCommand(newEventJoinCmd(configPath))
	cmd.AddCommand(newEventListCmd(configPath))
	cmd.AddCommand(newEventHistoryCmd(configPath))
	return cmd
}

func newEventCreateCmd(configPath *string) *cobra.Command {
	var (
		spec         app.EventSpec
		startAt      string
		startIn      time.Duration
		preset       string
		distribution string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a tournament and its countdown notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case startAt != "":
				t, err := time.Parse(time.RFC3339, startAt)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				spec.StartTime = t
			case startIn > 0:
				spec.StartTime = time.Now().Add(startIn)
			default:
				return fmt.Errorf("one of --start or --in is required")
			}

			var err error
			switch {
			case distribution != "":
				spec.Distribution, err = allocation.ParseDistribution(distribution)
			case preset != "":
				spec.Distribution, err = allocation.Preset(preset)
			}
			if err != nil {
				return err
			}

			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			event, notifications, err := rt.engine.Scheduler.CreateEvent(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Event         domain.Event                   `json:"event"`
				Notifications []domain.ScheduledNotification `json:"notifications"`
			}{event, notifications})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Name, "name", "", "tournament name")
	f.StringVar(&startAt, "start", "", "start time (RFC3339)")
	f.DurationVar(&startIn, "in", 0, "start after this delay instead of --start")
	f.DurationVar(&spec.Duration, "duration", time.Hour, "how long participants may keep answering")
	f.DurationVar(&spec.QuestionTimeLimit, "time-limit", 0, "per-question time limit (default from config)")
	f.IntVar(&spec.TotalQuestions, "questions", 10, "number of questions")
	f.IntVar(&spec.MaxParticipants, "max-participants", 0, "participant cap (default from config)")
	f.StringVar(&preset, "preset", "", "source preset: all, both, 2018, 2024, valid, sections")
	f.StringVar(&distribution, "distribution", "", `explicit ratios, e.g. "exam_2018=0.4, exam_2024=0.4, validated=0.2"`)
	f.StringVar(&spec.Category, "category", "", "category filter (mixed for none)")
	f.StringVar(&spec.Difficulty, "difficulty", "", "difficulty filter (mixed for none)")
	f.StringVar(&spec.AnnounceChatID, "chat", "", "chat that receives countdown announcements")
	f.IntVar(&spec.PrizePool, "prize", 0, "prize pool")
	return cmd
}

func newEventIDCmd(configPath *string, use, short string, run func(rt *runtime, cmd *cobra.Command, id string) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			out, err := run(rt, cmd, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newEventJoinCmd(configPath *string) *cobra.Command {
	var req app.JoinRequest
	var leave bool
	cmd := &cobra.Command{
		Use:   "join <event-id>",
		Short: "Register a participant (or remove one with --leave)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.UserID == "" {
				return fmt.Errorf("--user is required")
			}
			req.EventID = args[0]
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if leave {
				if err := rt.engine.Scheduler.Leave(cmd.Context(), req.EventID, req.UserID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s left %s\n", req.UserID, req.EventID)
				return nil
			}
			res, err := rt.engine.Scheduler.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.UserID, "user", "", "participant user id")
	f.StringVar(&req.ChatID, "chat", "", "chat the polls are sent to (defaults to the user id)")
	f.StringVar(&req.DisplayName, "name", "", "display name")
	f.BoolVar(&leave, "leave", false, "remove the registration instead")
	return cmd
}

func newEventListCmd(configPath *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, optionally by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			events, err := rt.engine.Scheduler.List(cmd.Context(), domain.EventStatus(status))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "scheduled, in_progress, completed or cancelled")
	return cmd
}

func newEventHistoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a user's progress across events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			rows, err := rt.engine.Tracker.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
}
