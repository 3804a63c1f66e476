package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tournament-engine/internal/domain"
)

// AlertHub logs degraded conditions, persists them to an optional sink and fans them
// out to live subscribers (the /ws/alerts feed).
type AlertHub struct {
	sink AlertSink
	now  func() time.Time

	mu          sync.Mutex
	recent      []domain.Alert
	subscribers map[chan domain.Alert]struct{}
}

const recentAlerts = 64

func NewAlertHub(sink AlertSink) *AlertHub {
	return NewAlertHubWithClock(sink, time.Now)
}

// NewAlertHubWithClock is used by tests for deterministic timestamps.
func NewAlertHubWithClock(sink AlertSink, now func() time.Time) *AlertHub {
	return &AlertHub{
		sink:        sink,
		now:         now,
		subscribers: make(map[chan domain.Alert]struct{}),
	}
}

// Raise records an alert. Persistence failures are logged; they never fail the caller.
func (h *AlertHub) Raise(ctx context.Context, alert domain.Alert) domain.Alert {
	if h == nil {
		log.Printf("alert kind=%s event=%s: %s", alert.Kind, alert.EventID, alert.Detail)
		return alert
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.At.IsZero() {
		alert.At = h.now()
	}
	log.Printf("alert kind=%s event=%s poll=%s user=%s: %s", alert.Kind, alert.EventID, alert.PollID, alert.UserID, alert.Detail)

	if h.sink != nil {
		if err := h.sink.RecordAlert(ctx, alert); err != nil {
			log.Printf("alert persist failed kind=%s: %v", alert.Kind, err)
		}
	}

	h.mu.Lock()
	h.recent = append(h.recent, alert)
	if len(h.recent) > recentAlerts {
		h.recent = h.recent[len(h.recent)-recentAlerts:]
	}
	h.broadcastLocked(alert)
	h.mu.Unlock()
	return alert
}

// Recent returns the latest in-process alerts, oldest first, optionally filtered by kind.
func (h *AlertHub) Recent(kind domain.AlertKind) []domain.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Alert, 0, len(h.recent))
	for _, a := range h.recent {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// List prefers the persistent sink and falls back to the in-process buffer.
func (h *AlertHub) List(ctx context.Context, kind domain.AlertKind, limit int) ([]domain.Alert, error) {
	if h.sink != nil {
		return h.sink.ListAlerts(ctx, kind, limit)
	}
	alerts := h.Recent(kind)
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return alerts, nil
}

// Subscribe returns a channel of new alerts. The caller must invoke cancel.
func (h *AlertHub) Subscribe() (<-chan domain.Alert, func()) {
	ch := make(chan domain.Alert, 16)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *AlertHub) broadcastLocked(alert domain.Alert) {
	for ch := range h.subscribers {
		select {
		case ch <- alert:
		default:
			// slow subscriber: drop its oldest alert
			select {
			case <-ch:
			default:
			}
			ch <- alert
		}
	}
}
