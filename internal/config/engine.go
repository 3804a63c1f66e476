package config

import (
	"fmt"
	"time"

	"tournament-engine/internal/allocation"
	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// App translates the engine and notification sections into component settings.
func (c Config) App() (app.Config, error) {
	e := c.Engine

	var (
		distribution map[domain.Source]float64
		err          error
	)
	if e.Distribution != "" {
		distribution, err = allocation.ParseDistribution(e.Distribution)
	} else {
		distribution, err = allocation.Preset(e.Preset)
	}
	if err != nil {
		return app.Config{}, fmt.Errorf("engine distribution: %w", err)
	}

	offsets, err := c.Notifications.offsets()
	if err != nil {
		return app.Config{}, err
	}

	retry := app.RetryPolicy{
		Attempts:    e.SendAttempts,
		Backoff:     TTLDuration(e.SendBackoff, 500*time.Millisecond),
		CallTimeout: TTLDuration(e.CallTimeout, 10*time.Second),
	}
	summary := e.SummaryTemplate
	if summary == "" {
		summary = app.DefaultSummaryTemplate
	}

	return app.Config{
		Aggregator: app.AggregatorConfig{
			RecentWindow: TTLDuration(e.RecentWindow, 30*24*time.Hour),
			MarkUsed:     retry,
		},
		Dispatch: app.DispatchConfig{
			Limits:          app.Limits{PromptMax: e.PromptMax, OptionMax: e.OptionMax},
			Retry:           retry,
			RatePerSecond:   c.Telegram.RatePerSecond,
			Burst:           c.Telegram.Burst,
			Concurrency:     e.Concurrency,
			MaxReplacements: e.MaxReplacements,
		},
		Scheduler: app.SchedulerConfig{
			Offsets:                  offsets,
			DefaultQuestionTimeLimit: TTLDuration(e.QuestionTimeLimit, 60*time.Second),
			DefaultMaxParticipants:   e.MaxParticipants,
			MaxQuestions:             e.MaxQuestions,
			DefaultDistribution:      distribution,
			SweepConcurrency:         e.Concurrency,
		},
		Tracker: app.TrackerConfig{
			Concurrency:     e.Concurrency,
			SummaryTemplate: summary,
		},
		Notifier: app.NotifierConfig{
			BatchSize:        c.Notifications.BatchSize,
			MaxAttempts:      c.Notifications.MaxAttempts,
			DefaultMaxPerDay: c.Notifications.MaxPerDay,
			Concurrency:      e.Concurrency,
			RatePerSecond:    c.Telegram.RatePerSecond,
			Burst:            c.Telegram.Burst,
			Retry:            app.RetryPolicy{Attempts: 1, CallTimeout: retry.CallTimeout},
		},
	}, nil
}

// offsets returns nil when none are configured so the default table applies.
func (n Notifications) offsets() ([]domain.NotificationOffset, error) {
	if len(n.Offsets) == 0 {
		return nil, nil
	}
	out := make([]domain.NotificationOffset, 0, len(n.Offsets))
	for _, o := range n.Offsets {
		before, err := time.ParseDuration(o.Before)
		if err != nil || before <= 0 {
			return nil, fmt.Errorf("notification offset %s: invalid before %q", o.Type, o.Before)
		}
		if o.Type == "" || o.Message == "" {
			return nil, fmt.Errorf("notification offset before %s: type and message are required", o.Before)
		}
		out = append(out, domain.NotificationOffset{
			Type:     domain.NotificationType(o.Type),
			Before:   before,
			Template: o.Message,
		})
	}
	return out, nil
}
