package app

import (
	"context"
	"time"

	"tournament-engine/internal/domain"
)

// QuestionSource is one question table behind a per-source adapter.
type QuestionSource interface {
	Source() domain.Source
	// FetchCandidates returns up to limit questions matching filter, least used first.
	FetchCandidates(ctx context.Context, filter domain.QuestionFilter, limit int) ([]domain.Question, error)
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
	// MarkUsed atomically bumps usage counters for ids.
	MarkUsed(ctx context.Context, ids []string, eventID string, at time.Time) error
}

// EventRepository persists events together with their countdown notifications.
type EventRepository interface {
	CreateEvent(ctx context.Context, event domain.Event, notifications []domain.ScheduledNotification) error
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	// UpdateEvent stores event if the stored version still equals event.Version and
	// returns the stored copy with the bumped version. Otherwise ErrVersionConflict.
	UpdateEvent(ctx context.Context, event domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, status domain.EventStatus) ([]domain.Event, error)
}

// ProgressRepository stores per (event, user) cursors.
type ProgressRepository interface {
	// CreateProgress inserts p unless the user is already registered (ErrProgressExists)
	// or the event already holds maxParticipants rows (ErrEventFull). maxParticipants <= 0 disables the cap.
	CreateProgress(ctx context.Context, p domain.Progress, maxParticipants int) error
	GetProgress(ctx context.Context, eventID, userID string) (domain.Progress, error)
	// UpdateProgress is a conditional update guarded by p.Version, like UpdateEvent.
	UpdateProgress(ctx context.Context, p domain.Progress) (domain.Progress, error)
	DeleteProgress(ctx context.Context, eventID, userID string) error
	ListProgressByEvent(ctx context.Context, eventID string) ([]domain.Progress, error)
	ListProgressByUser(ctx context.Context, userID string) ([]domain.Progress, error)
	// ListActiveProgress returns started rows that are neither completed nor expired.
	ListActiveProgress(ctx context.Context) ([]domain.Progress, error)
}

// PollMappingRepository stores the poll id correlation written at send time.
type PollMappingRepository interface {
	SaveMapping(ctx context.Context, m domain.PollMapping) error
	GetMapping(ctx context.Context, pollID string) (domain.PollMapping, error)
	DeleteMappingsByEvent(ctx context.Context, eventID string) (int, error)
}

// NotificationRepository reads and flips scheduled notifications.
type NotificationRepository interface {
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledNotification, error)
	ListNotificationsByEvent(ctx context.Context, eventID string) ([]domain.ScheduledNotification, error)
	UpdateNotification(ctx context.Context, n domain.ScheduledNotification) error
}

// PreferenceStore holds per-user notification settings.
type PreferenceStore interface {
	// GetPreferences returns defaults (not opted out, zero cap) for unknown users.
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	SetPreferences(ctx context.Context, p domain.Preferences) error
}

// QuotaCounter counts deliveries per key and calendar day. Increment reserves a slot;
// Release gives back a slot whose delivery did not happen.
type QuotaCounter interface {
	Increment(ctx context.Context, key string, day time.Time) (int, error)
	Release(ctx context.Context, key string, day time.Time) error
}

// PollSender delivers a quiz poll and returns the provider's poll id.
type PollSender interface {
	SendPoll(ctx context.Context, chatID string, poll Poll) (string, error)
}

// MessageSender delivers a plain text message and returns the provider's message id.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

// EntitlementChecker decides whether a user may use a feature. A deny is not an error.
type EntitlementChecker interface {
	CanAccess(ctx context.Context, userID, feature string) (bool, string, error)
}

// AlertSink persists operational alerts.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert domain.Alert) error
	ListAlerts(ctx context.Context, kind domain.AlertKind, limit int) ([]domain.Alert, error)
}
