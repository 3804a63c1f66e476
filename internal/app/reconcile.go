package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"tournament-engine/internal/domain"
)

// Outcome is the result of reconciling one external answer.
type Outcome struct {
	EventID   string `json:"eventId"`
	UserID    string `json:"userId"`
	Position  int    `json:"position"`
	Correct   bool   `json:"correct"`
	Duplicate bool   `json:"duplicate"`
	Completed bool   `json:"completed"`
}

// Reconciler maps answers keyed only by provider poll id back to participant state.
type Reconciler struct {
	mappings PollMappingRepository
	tracker  *Tracker
	alerts   *AlertHub
	sf       singleflight.Group
}

func NewReconciler(mappings PollMappingRepository, tracker *Tracker, alerts *AlertHub) *Reconciler {
	return &Reconciler{mappings: mappings, tracker: tracker, alerts: alerts}
}

// OnExternalAnswer scores selected against the correct index recorded at send time and
// advances the respondent. Unknown polls are dropped as unreconcilable without touching
// any progress; duplicate deliveries come back with Duplicate set and no error.
func (r *Reconciler) OnExternalAnswer(ctx context.Context, pollID string, selected int, respondentID string) (Outcome, error) {
	// concurrent redeliveries of the same answer share one evaluation
	v, err, _ := r.sf.Do(pollID+"|"+respondentID, func() (interface{}, error) {
		return r.reconcile(ctx, pollID, selected, respondentID)
	})
	if v == nil {
		return Outcome{}, err
	}
	return v.(Outcome), err
}

func (r *Reconciler) reconcile(ctx context.Context, pollID string, selected int, respondentID string) (Outcome, error) {
	mapping, err := r.mappings.GetMapping(ctx, pollID)
	if errors.Is(err, domain.ErrMappingNotFound) {
		r.alerts.Raise(ctx, domain.Alert{
			Kind:   domain.AlertUnreconcilable,
			PollID: pollID,
			UserID: respondentID,
			Detail: fmt.Sprintf("no poll mapping, answer %d dropped", selected),
		})
		return Outcome{}, fmt.Errorf("%w: poll %s", domain.ErrUnreconcilable, pollID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load poll mapping %s: %w", pollID, err)
	}

	if mapping.UserID != "" && respondentID != "" && mapping.UserID != respondentID {
		log.Printf("answer dropped poll=%s: respondent %s is not the addressee %s", pollID, respondentID, mapping.UserID)
		return Outcome{}, fmt.Errorf("%w: poll %s was sent to another participant", domain.ErrUnreconcilable, pollID)
	}
	if selected < 0 || selected >= len(mapping.Options) {
		log.Printf("answer dropped poll=%s: option %d outside %d options", pollID, selected, len(mapping.Options))
		return Outcome{}, fmt.Errorf("%w: %d of %d", domain.ErrSelectionOutOfRange, selected, len(mapping.Options))
	}

	out := Outcome{
		EventID:  mapping.EventID,
		UserID:   mapping.UserID,
		Position: mapping.Position,
		Correct:  selected == mapping.CorrectIndex,
	}
	p, err := r.tracker.RecordAnswer(ctx, AnswerInput{
		EventID:    mapping.EventID,
		UserID:     mapping.UserID,
		Position:   mapping.Position,
		QuestionID: mapping.QuestionID,
		Selected:   selected,
		Correct:    out.Correct,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicateAdvancement):
		out.Duplicate = true
		out.Correct = false
		return out, nil
	case errors.Is(err, domain.ErrDeliveryFailure), errors.Is(err, domain.ErrOrphanedMapping):
		// the answer is recorded; the timeout sweep moves the participant on
		log.Printf("next question for event=%s user=%s not delivered: %v", mapping.EventID, mapping.UserID, err)
	case err != nil:
		return out, err
	}
	out.Completed = p.Completed
	return out, nil
}
