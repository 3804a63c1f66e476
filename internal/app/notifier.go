package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tournament-engine/internal/domain"
)

// NotifierConfig tunes the countdown dispatcher.
type NotifierConfig struct {
	BatchSize int
	// MaxAttempts is how many sweeps may try a notification before it is failed for good.
	MaxAttempts      int
	DefaultMaxPerDay int
	Concurrency      int
	RatePerSecond    float64
	Burst            int
	Retry            RetryPolicy
	Now              func() time.Time
}

// Mirror is an extra announcement channel, e.g. a Discord channel.
type Mirror struct {
	Name   string
	Sender MessageSender
	ChatID string
}

// NotifySweep summarises one notification sweep.
type NotifySweep struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Superseded int `json:"superseded"`
	Retrying   int `json:"retrying"`
	Recipients int `json:"recipients"`
}

// Notifier delivers due countdown notifications.
type Notifier struct {
	notifications NotificationRepository
	events        EventRepository
	progress      ProgressRepository
	prefs         PreferenceStore
	quota         QuotaCounter
	messages      MessageSender
	mirrors       []Mirror
	alerts        *AlertHub
	limiter       *rate.Limiter
	cfg           NotifierConfig
}

func NewNotifier(notifications NotificationRepository, events EventRepository, progress ProgressRepository, prefs PreferenceStore, quota QuotaCounter, messages MessageSender, mirrors []Mirror, alerts *AlertHub, cfg NotifierConfig) *Notifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultMaxPerDay <= 0 {
		cfg.DefaultMaxPerDay = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.Attempts <= 0 {
		// sweeps are the retry loop
		cfg.Retry.Attempts = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	n := &Notifier{
		notifications: notifications,
		events:        events,
		progress:      progress,
		prefs:         prefs,
		quota:         quota,
		messages:      messages,
		mirrors:       mirrors,
		alerts:        alerts,
		cfg:           cfg,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return n
}

// Sweep delivers every pending notification that is due.
func (n *Notifier) Sweep(ctx context.Context) (NotifySweep, error) {
	now := n.cfg.Now()
	due, err := n.notifications.ListDueNotifications(ctx, now, n.cfg.BatchSize)
	if err != nil {
		return NotifySweep{}, fmt.Errorf("list due notifications: %w", err)
	}

	var (
		mu      sync.Mutex
		summary NotifySweep
		errs    []error
	)
	due, stale := supersede(due)
	for _, note := range stale {
		if err := n.notifications.UpdateNotification(ctx, closeFailed(note, "superseded")); err != nil {
			errs = append(errs, fmt.Errorf("update notification %s: %w", note.ID, err))
			continue
		}
		summary.Superseded++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Concurrency)
	for _, note := range due {
		note := note
		g.Go(func() error {
			updated := n.deliver(gctx, note, now)
			err := n.notifications.UpdateNotification(gctx, updated)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("update notification %s: %w", note.ID, err))
				return nil
			}
			switch updated.Status {
			case domain.NotificationSent:
				summary.Sent++
				summary.Recipients += updated.Recipients
			case domain.NotificationFailed:
				summary.Failed++
			default:
				summary.Retrying++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, errors.Join(errs...)
}

func (n *Notifier) deliver(ctx context.Context, note domain.ScheduledNotification, now time.Time) domain.ScheduledNotification {
	event, err := n.events.GetEvent(ctx, note.EventID)
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		return closeFailed(note, "event not found")
	case err != nil:
		return n.retryLater(ctx, note, err)
	case event.Status == domain.StatusCancelled:
		return closeFailed(note, "event cancelled")
	case event.Status != domain.StatusScheduled || !now.Before(event.StartTime):
		// a countdown past its moment is not resent late
		return closeFailed(note, "stale countdown")
	}

	delivered, failures := 0, 0
	var lastErr error
	send := func(sender MessageSender, chatID string) error {
		err := n.send(ctx, sender, chatID, note.Message)
		if err != nil {
			failures++
			lastErr = err
			log.Printf("notification %s to %s failed: %v", note.ID, chatID, err)
			return err
		}
		delivered++
		return nil
	}

	if event.AnnounceChatID != "" && n.messages != nil {
		send(n.messages, event.AnnounceChatID)
	}
	for _, m := range n.mirrors {
		if m.Sender != nil && m.ChatID != "" {
			send(m.Sender, m.ChatID)
		}
	}

	rows, err := n.progress.ListProgressByEvent(ctx, event.ID)
	if err != nil {
		log.Printf("notification %s: list participants: %v", note.ID, err)
	}
	for _, row := range rows {
		if n.messages == nil {
			break
		}
		ok, reserved := n.allowed(ctx, row.UserID, now)
		if !ok {
			continue
		}
		if err := send(n.messages, row.ChatID); err != nil && reserved {
			n.release(ctx, row.UserID, now)
		}
	}

	if delivered == 0 && failures > 0 {
		return n.retryLater(ctx, note, lastErr)
	}
	note.Status = domain.NotificationSent
	note.SentAt = &now
	note.Recipients = delivered
	note.Attempts++
	return note
}

// allowed applies opt-out and the per-day cap for one participant. reserved reports
// whether a quota slot was taken and must be released if the send fails.
func (n *Notifier) allowed(ctx context.Context, userID string, now time.Time) (ok, reserved bool) {
	limit := n.cfg.DefaultMaxPerDay
	if n.prefs != nil {
		prefs, err := n.prefs.GetPreferences(ctx, userID)
		if err != nil {
			log.Printf("preferences for %s: %v", userID, err)
		} else {
			if prefs.OptedOut {
				return false, false
			}
			if prefs.MaxPerDay > 0 {
				limit = prefs.MaxPerDay
			}
		}
	}
	if n.quota == nil {
		return true, false
	}
	count, err := n.quota.Increment(ctx, "notify:"+userID, now)
	if err != nil {
		// fail open
		log.Printf("notification quota for %s: %v", userID, err)
		return true, false
	}
	if count > limit {
		n.release(ctx, userID, now)
		return false, false
	}
	return true, true
}

func (n *Notifier) release(ctx context.Context, userID string, now time.Time) {
	if err := n.quota.Release(ctx, "notify:"+userID, now); err != nil {
		log.Printf("release notification quota for %s: %v", userID, err)
	}
}

// supersede keeps the latest due countdown of each event. The earlier ones announce
// a lead time that has already passed.
func supersede(due []domain.ScheduledNotification) (keep, stale []domain.ScheduledNotification) {
	latest := make(map[string]domain.ScheduledNotification, len(due))
	for _, note := range due {
		cur, ok := latest[note.EventID]
		if !ok || note.ScheduledFor.After(cur.ScheduledFor) {
			latest[note.EventID] = note
		}
	}
	for _, note := range due {
		if latest[note.EventID].ID == note.ID {
			keep = append(keep, note)
		} else {
			stale = append(stale, note)
		}
	}
	return keep, stale
}

func (n *Notifier) send(ctx context.Context, sender MessageSender, chatID, text string) error {
	return n.cfg.Retry.do(ctx, func(ctx context.Context) error {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		_, err := sender.SendMessage(ctx, chatID, text)
		return err
	})
}

func (n *Notifier) retryLater(ctx context.Context, note domain.ScheduledNotification, err error) domain.ScheduledNotification {
	note.Attempts++
	note.LastError = err.Error()
	if note.Attempts >= n.cfg.MaxAttempts {
		note.Status = domain.NotificationFailed
		n.alerts.Raise(ctx, domain.Alert{
			Kind:    domain.AlertDeliveryFailure,
			EventID: note.EventID,
			Detail:  fmt.Sprintf("notification %s (%s) failed after %d attempts: %v", note.ID, note.Type, note.Attempts, err),
		})
	}
	return note
}

func closeFailed(note domain.ScheduledNotification, reason string) domain.ScheduledNotification {
	note.Status = domain.NotificationFailed
	note.LastError = reason
	return note
}
