package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tournament-engine/internal/domain"
)

// Deps are the collaborators the engine is assembled from.
type Deps struct {
	Sources       []QuestionSource
	Events        EventRepository
	Progress      ProgressRepository
	Mappings      PollMappingRepository
	Notifications NotificationRepository
	Preferences   PreferenceStore
	Quota         QuotaCounter
	Polls         PollSender
	Messages      MessageSender
	Mirrors       []Mirror
	Entitlements  EntitlementChecker
	AlertSink     AlertSink
}

// Config groups the per-component settings. Now, when set, overrides every clock.
type Config struct {
	Aggregator AggregatorConfig
	Dispatch   DispatchConfig
	Scheduler  SchedulerConfig
	Tracker    TrackerConfig
	Notifier   NotifierConfig
	Now        func() time.Time
}

// Engine wires the components together.
type Engine struct {
	Alerts     *AlertHub
	Bank       *Aggregator
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Tracker    *Tracker
	Reconciler *Reconciler
	Notifier   *Notifier

	events   EventRepository
	mappings PollMappingRepository
}

// SweepReport is the combined outcome of one periodic trigger.
type SweepReport struct {
	Events        EventSweep   `json:"events"`
	Timeouts      TimeoutSweep `json:"timeouts"`
	Notifications NotifySweep  `json:"notifications"`
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.Now != nil {
		cfg.Aggregator.Now = cfg.Now
		cfg.Dispatch.Now = cfg.Now
		cfg.Scheduler.Now = cfg.Now
		cfg.Tracker.Now = cfg.Now
		cfg.Notifier.Now = cfg.Now
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	alerts := NewAlertHubWithClock(deps.AlertSink, now)
	bank := NewAggregator(deps.Sources, cfg.Aggregator)
	dispatcher := NewDispatcher(deps.Polls, deps.Mappings, alerts, cfg.Dispatch)
	tracker := NewTracker(deps.Events, deps.Progress, bank, dispatcher, deps.Messages, alerts, cfg.Tracker)
	return &Engine{
		Alerts:     alerts,
		Bank:       bank,
		Dispatcher: dispatcher,
		Scheduler:  NewScheduler(deps.Events, deps.Progress, bank, dispatcher, tracker, deps.Entitlements, alerts, cfg.Scheduler),
		Tracker:    tracker,
		Reconciler: NewReconciler(deps.Mappings, tracker, alerts),
		Notifier:   NewNotifier(deps.Notifications, deps.Events, deps.Progress, deps.Preferences, deps.Quota, deps.Messages, deps.Mirrors, alerts, cfg.Notifier),
		events:     deps.Events,
		mappings:   deps.Mappings,
	}
}

// Sweep runs the event, timeout and notification sweeps in that order. A failing
// stage does not stop the later ones.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
		err    error
	)
	if report.Events, err = e.Scheduler.SweepEvents(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Timeouts, err = e.Tracker.SweepTimeouts(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Notifications, err = e.Notifier.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	log.Printf("sweep started=%d completed=%d timed_out=%d expired=%d notified=%d failed=%d",
		report.Events.Started, report.Events.Completed, report.Timeouts.TimedOut, report.Timeouts.Expired,
		report.Notifications.Sent, report.Notifications.Failed)
	return report, errors.Join(errs...)
}

// PruneMappings drops the poll mappings of a finished event, or of every finished event
// when eventID is empty.
func (e *Engine) PruneMappings(ctx context.Context, eventID string) (int, error) {
	var targets []domain.Event
	if eventID != "" {
		event, err := e.events.GetEvent(ctx, eventID)
		if err != nil {
			return 0, err
		}
		if !event.Status.Terminal() {
			return 0, fmt.Errorf("%w: event %s is still %s", domain.ErrInvalidTransition, eventID, event.Status)
		}
		targets = append(targets, event)
	} else {
		for _, status := range []domain.EventStatus{domain.StatusCompleted, domain.StatusCancelled} {
			events, err := e.events.ListEvents(ctx, status)
			if err != nil {
				return 0, err
			}
			targets = append(targets, events...)
		}
	}

	total := 0
	for _, event := range targets {
		n, err := e.mappings.DeleteMappingsByEvent(ctx, event.ID)
		if err != nil {
			return total, fmt.Errorf("prune mappings of %s: %w", event.ID, err)
		}
		total += n
	}
	log.Printf("pruned %d poll mappings from %d events", total, len(targets))
	return total, nil
}

// Orphans lists recorded orphaned-mapping alerts, newest last.
func (e *Engine) Orphans(ctx context.Context, limit int) ([]domain.Alert, error) {
	return e.Alerts.List(ctx, domain.AlertOrphanedMapping, limit)
}
