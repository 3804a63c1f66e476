package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tournament-engine/internal/domain"
)

// conditional updates retry this many times after losing a version race
const maxVersionRetries = 5

// updateEvent reloads the event, applies mutate and stores it under the version guard,
// retrying on conflicts. mutate may return errSkip to leave the row untouched.
func updateEvent(ctx context.Context, repo EventRepository, id string, mutate func(*domain.Event) error) (domain.Event, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		event, err := repo.GetEvent(ctx, id)
		if err != nil {
			return domain.Event{}, err
		}
		if err := mutate(&event); err != nil {
			if errors.Is(err, errSkip) {
				return event, nil
			}
			return event, err
		}
		stored, err := repo.UpdateEvent(ctx, event)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return stored, err
	}
	return domain.Event{}, fmt.Errorf("update event %s: %w", id, domain.ErrVersionConflict)
}

// updateProgress is updateEvent for progress rows.
func updateProgress(ctx context.Context, repo ProgressRepository, eventID, userID string, mutate func(*domain.Progress) error) (domain.Progress, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		p, err := repo.GetProgress(ctx, eventID, userID)
		if err != nil {
			return domain.Progress{}, err
		}
		if err := mutate(&p); err != nil {
			return p, err
		}
		stored, err := repo.UpdateProgress(ctx, p)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return stored, err
	}
	return domain.Progress{}, fmt.Errorf("update progress %s/%s: %w", eventID, userID, domain.ErrVersionConflict)
}

var errSkip = errors.New("skip update")

func transition(event *domain.Event, next domain.EventStatus, at time.Time) error {
	if event.Status == next {
		return errSkip
	}
	if !event.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, event.Status, next)
	}
	event.Status = next
	switch next {
	case domain.StatusInProgress:
		event.StartedAt = &at
	case domain.StatusCompleted, domain.StatusCancelled:
		event.CompletedAt = &at
	}
	return nil
}

// finished reports whether a participant no longer holds the event open.
func finished(p domain.Progress, event domain.Event, now time.Time) bool {
	return p.Completed || p.Expired || !now.Before(event.Deadline())
}

// completeIfDone moves an in-progress event to completed once every participant is
// completed or past the deadline.
func completeIfDone(ctx context.Context, events EventRepository, progress ProgressRepository, eventID string, now time.Time) (bool, error) {
	event, err := events.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if event.Status != domain.StatusInProgress {
		return event.Status == domain.StatusCompleted, nil
	}
	rows, err := progress.ListProgressByEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	for _, p := range rows {
		if !finished(p, event, now) {
			return false, nil
		}
	}
	stored, err := updateEvent(ctx, events, eventID, func(e *domain.Event) error {
		return transition(e, domain.StatusCompleted, now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return stored.Status == domain.StatusCompleted, nil
}
