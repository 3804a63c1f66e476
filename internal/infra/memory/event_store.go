package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// EventStore is an in-memory implementation of the event, notification and progress
// repositories. Conditional updates compare versions under one lock.
type EventStore struct {
	mu            sync.RWMutex
	events        map[string]domain.Event
	notifications map[string]domain.ScheduledNotification
	progress      map[progressKey]domain.Progress
}

type progressKey struct {
	eventID string
	userID  string
}

var (
	_ app.EventRepository        = (*EventStore)(nil)
	_ app.NotificationRepository = (*EventStore)(nil)
	_ app.ProgressRepository     = (*EventStore)(nil)
)

func NewEventStore() *EventStore {
	return &EventStore{
		events:        make(map[string]domain.Event),
		notifications: make(map[string]domain.ScheduledNotification),
		progress:      make(map[progressKey]domain.Progress),
	}
}

func (s *EventStore) CreateEvent(_ context.Context, event domain.Event, notifications []domain.ScheduledNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Version = 1
	s.events[event.ID] = cloneEvent(event)
	for _, n := range notifications {
		s.notifications[n.ID] = n
	}
	return nil
}

func (s *EventStore) GetEvent(_ context.Context, id string) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return cloneEvent(event), nil
}

func (s *EventStore) UpdateEvent(_ context.Context, event domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.events[event.ID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if current.Version != event.Version {
		return domain.Event{}, domain.ErrVersionConflict
	}
	event.Version++
	s.events[event.ID] = cloneEvent(event)
	return cloneEvent(event), nil
}

func (s *EventStore) ListEvents(_ context.Context, status domain.EventStatus) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.events {
		if status == "" || e.Status == status {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *EventStore) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]domain.ScheduledNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScheduledNotification
	for _, n := range s.notifications {
		if n.Status == domain.NotificationPending && !n.ScheduledFor.After(now) {
			out = append(out, n)
		}
	}
	sortNotifications(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EventStore) ListNotificationsByEvent(_ context.Context, eventID string) ([]domain.ScheduledNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScheduledNotification
	for _, n := range s.notifications {
		if n.EventID == eventID {
			out = append(out, n)
		}
	}
	sortNotifications(out)
	return out, nil
}

func (s *EventStore) UpdateNotification(_ context.Context, n domain.ScheduledNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		return domain.ErrNotificationNotFound
	}
	s.notifications[n.ID] = n
	return nil
}

func sortNotifications(ns []domain.ScheduledNotification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].ScheduledFor.Equal(ns[j].ScheduledFor) {
			return ns[i].ScheduledFor.Before(ns[j].ScheduledFor)
		}
		return ns[i].ID < ns[j].ID
	})
}

func (s *EventStore) CreateProgress(_ context.Context, p domain.Progress, maxParticipants int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{p.EventID, p.UserID}
	if _, ok := s.progress[key]; ok {
		return domain.ErrProgressExists
	}
	if maxParticipants > 0 {
		count := 0
		for k := range s.progress {
			if k.eventID == p.EventID {
				count++
			}
		}
		if count >= maxParticipants {
			return domain.ErrEventFull
		}
	}
	p.Version = 1
	s.progress[key] = cloneProgress(p)
	return nil
}

func (s *EventStore) GetProgress(_ context.Context, eventID, userID string) (domain.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[progressKey{eventID, userID}]
	if !ok {
		return domain.Progress{}, domain.ErrProgressNotFound
	}
	return cloneProgress(p), nil
}

func (s *EventStore) UpdateProgress(_ context.Context, p domain.Progress) (domain.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{p.EventID, p.UserID}
	current, ok := s.progress[key]
	if !ok {
		return domain.Progress{}, domain.ErrProgressNotFound
	}
	if current.Version != p.Version {
		return domain.Progress{}, domain.ErrVersionConflict
	}
	p.Version++
	s.progress[key] = cloneProgress(p)
	return cloneProgress(p), nil
}

func (s *EventStore) DeleteProgress(_ context.Context, eventID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{eventID, userID}
	if _, ok := s.progress[key]; !ok {
		return domain.ErrProgressNotFound
	}
	delete(s.progress, key)
	return nil
}

func (s *EventStore) ListProgressByEvent(_ context.Context, eventID string) ([]domain.Progress, error) {
	return s.listProgress(func(p domain.Progress) bool { return p.EventID == eventID }), nil
}

func (s *EventStore) ListProgressByUser(_ context.Context, userID string) ([]domain.Progress, error) {
	return s.listProgress(func(p domain.Progress) bool { return p.UserID == userID }), nil
}

func (s *EventStore) ListActiveProgress(_ context.Context) ([]domain.Progress, error) {
	return s.listProgress(func(p domain.Progress) bool {
		return p.Started() && !p.Completed && !p.Expired
	}), nil
}

func (s *EventStore) listProgress(keep func(domain.Progress) bool) []domain.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Progress
	for _, p := range s.progress {
		if keep(p) {
			out = append(out, cloneProgress(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func cloneEvent(e domain.Event) domain.Event {
	e.Questions = append([]domain.AssignedQuestion(nil), e.Questions...)
	if e.Distribution != nil {
		dist := make(map[domain.Source]float64, len(e.Distribution))
		for k, v := range e.Distribution {
			dist[k] = v
		}
		e.Distribution = dist
	}
	return e
}

func cloneProgress(p domain.Progress) domain.Progress {
	p.Answers = append([]domain.AnswerRecord(nil), p.Answers...)
	return p
}
