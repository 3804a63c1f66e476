package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tournament-engine/internal/allocation"
	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// NewExamCmd starts single-user timed exams.
func NewExamCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exam",
		Short: "Timed exams (simulacros)",
	}
	cmd.AddCommand(newExamStartCmd(configPath))
	return cmd
}

func newExamStartCmd(configPath *string) *cobra.Command {
	var (
		req          app.ExamRequest
		distribution string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create an exam for one user and send the first question",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.UserID == "" {
				return fmt.Errorf("--user is required")
			}
			if distribution != "" {
				var err error
				if req.Distribution, err = allocation.ParseDistribution(distribution); err != nil {
					return err
				}
			}
			rt, _, err := loadRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, event, err := rt.engine.Scheduler.StartExam(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Result domain.JoinResult `json:"result"`
				Event  domain.Event      `json:"event"`
			}{res, event})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.UserID, "user", "", "user id")
	f.StringVar(&req.ChatID, "chat", "", "chat the polls are sent to (defaults to the user id)")
	f.StringVar(&req.DisplayName, "display-name", "", "display name")
	f.StringVar(&req.Name, "name", "", "exam name")
	f.IntVar(&req.TotalQuestions, "questions", 20, "number of questions")
	f.DurationVar(&req.Duration, "duration", 30*time.Minute, "exam duration")
	f.DurationVar(&req.QuestionTimeLimit, "time-limit", 0, "per-question time limit (default from config)")
	f.StringVar(&req.Preset, "preset", allocation.PresetAll, "source preset: all, both, 2018, 2024, valid, sections")
	f.StringVar(&distribution, "distribution", "", "explicit ratios, overrides --preset")
	f.StringVar(&req.Category, "category", "", "category filter")
	f.StringVar(&req.Difficulty, "difficulty", "", "difficulty filter")
	return cmd
}
