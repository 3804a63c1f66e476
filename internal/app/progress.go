package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tournament-engine/internal/domain"
)

// TrackerConfig tunes the progress tracker.
type TrackerConfig struct {
	Concurrency int
	// SummaryTemplate is sent to a participant on completion. Empty disables it.
	SummaryTemplate string
	Now             func() time.Time
}

// DefaultSummaryTemplate fills {event}, {correct}, {total} and {elapsed}.
const DefaultSummaryTemplate = "🏁 Has terminado {event}: {correct}/{total} correctas en {elapsed}."

// AnswerInput is a scored answer ready to be applied to a participant cursor.
type AnswerInput struct {
	EventID    string
	UserID     string
	Position   int
	QuestionID string
	Selected   int
	Correct    bool
}

// TimeoutSweep summarises one timeout sweep.
type TimeoutSweep struct {
	TimedOut int `json:"timedOut"`
	Expired  int `json:"expired"`
}

// Tracker owns participant cursors: advancing on answers and timeouts, delivering the
// next question and closing out finished participants.
type Tracker struct {
	events     EventRepository
	progress   ProgressRepository
	bank       *Aggregator
	dispatcher *Dispatcher
	messages   MessageSender
	alerts     *AlertHub
	cfg        TrackerConfig
}

func NewTracker(events EventRepository, progress ProgressRepository, bank *Aggregator, dispatcher *Dispatcher, messages MessageSender, alerts *AlertHub, cfg TrackerConfig) *Tracker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		events:     events,
		progress:   progress,
		bank:       bank,
		dispatcher: dispatcher,
		messages:   messages,
		alerts:     alerts,
		cfg:        cfg,
	}
}

var errAlreadyStarted = errors.New("participant already started")

// Begin starts a participant's cursor at the first question and delivers it.
func (t *Tracker) Begin(ctx context.Context, event domain.Event, userID string) (domain.Progress, error) {
	p, err := t.markStarted(ctx, event, userID)
	if errors.Is(err, errAlreadyStarted) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	return p, t.after(ctx, event, p)
}

// BeginAll starts every registered participant and sends the first question as one
// throttled bulk batch.
func (t *Tracker) BeginAll(ctx context.Context, event domain.Event, rows []domain.Progress) {
	var (
		mu      sync.Mutex
		started []domain.Progress
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			p, err := t.markStarted(gctx, event, row.UserID)
			if err != nil {
				if !errors.Is(err, errAlreadyStarted) {
					log.Printf("begin event=%s user=%s: %v", event.ID, row.UserID, err)
				}
				return nil
			}
			mu.Lock()
			started = append(started, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(started) == 0 {
		return
	}
	first, ok := event.QuestionAt(0)
	if !ok {
		for _, p := range started {
			t.finish(ctx, event, p)
		}
		return
	}
	q, err := t.bank.Question(ctx, first.Source, first.QuestionID)
	if err != nil {
		log.Printf("load first question event=%s question=%s: %v", event.ID, first.QuestionID, err)
		for _, p := range started {
			t.skipAndContinue(ctx, event, p.UserID, 0, err)
		}
		return
	}

	header := Header(event.Name, 0, len(event.Questions))
	jobs := make([]SendJob, 0, len(started))
	for _, p := range started {
		jobs = append(jobs, SendJob{
			Target:   Target{EventID: event.ID, UserID: p.UserID, ChatID: p.ChatID, Position: 0},
			Question: q,
			Header:   header,
		})
	}
	for _, res := range t.dispatcher.SendBatch(ctx, jobs) {
		switch {
		case errors.Is(res.Err, domain.ErrUnsendable):
			t.skipAndContinue(ctx, event, res.Target.UserID, 0, res.Err)
		case errors.Is(res.Err, domain.ErrRecipientUnavailable):
			t.recipientGone(ctx, event.ID, res.Target.UserID, res.Target.ChatID, 0, res.Err)
		}
	}
}

func (t *Tracker) recipientGone(ctx context.Context, eventID, userID, chatID string, position int, cause error) {
	t.alerts.Raise(ctx, domain.Alert{
		Kind:    domain.AlertRecipientGone,
		EventID: eventID,
		UserID:  userID,
		Detail:  fmt.Sprintf("position %d chat %s: %v", position, chatID, cause),
	})
}

func (t *Tracker) markStarted(ctx context.Context, event domain.Event, userID string) (domain.Progress, error) {
	now := t.cfg.Now()
	return updateProgress(ctx, t.progress, event.ID, userID, func(p *domain.Progress) error {
		if p.Started() {
			return errAlreadyStarted
		}
		p.StartedAt = &now
		p.CurrentIndex = 0
		p.QuestionStartedAt = &now
		if len(event.Questions) == 0 {
			complete(p, now)
		}
		return nil
	})
}

// RecordAnswer scores the answer for the participant's current question and advances.
// An answer for any other position is ErrDuplicateAdvancement and mutates nothing.
func (t *Tracker) RecordAnswer(ctx context.Context, in AnswerInput) (domain.Progress, error) {
	event, err := t.activeEvent(ctx, in.EventID)
	if err != nil {
		return domain.Progress{}, err
	}
	p, err := t.record(ctx, event, in.UserID, in.Position, domain.AnswerRecord{
		Position:   in.Position,
		QuestionID: in.QuestionID,
		Selected:   in.Selected,
		Correct:    in.Correct,
	})
	if err != nil {
		return p, err
	}
	return p, t.after(ctx, event, p)
}

// RecordTimeout counts the participant's question at position as incorrect and advances.
func (t *Tracker) RecordTimeout(ctx context.Context, eventID, userID string, position int) (domain.Progress, error) {
	event, err := t.activeEvent(ctx, eventID)
	if err != nil {
		return domain.Progress{}, err
	}
	aq, _ := event.QuestionAt(position)
	p, err := t.record(ctx, event, userID, position, domain.AnswerRecord{
		Position:   position,
		QuestionID: aq.QuestionID,
		Selected:   -1,
		TimedOut:   true,
	})
	if err != nil {
		return p, err
	}
	return p, t.after(ctx, event, p)
}

func (t *Tracker) activeEvent(ctx context.Context, eventID string) (domain.Event, error) {
	event, err := t.events.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	switch event.Status {
	case domain.StatusInProgress:
		return event, nil
	case domain.StatusCancelled:
		return event, domain.ErrEventCancelled
	default:
		return event, fmt.Errorf("%w: event %s is %s", domain.ErrInvalidTransition, eventID, event.Status)
	}
}

// record applies rec under the version guard. The guard is the cursor itself: only the
// current question of an unfinished participant can be recorded.
func (t *Tracker) record(ctx context.Context, event domain.Event, userID string, position int, rec domain.AnswerRecord) (domain.Progress, error) {
	now := t.cfg.Now()
	return updateProgress(ctx, t.progress, event.ID, userID, func(p *domain.Progress) error {
		if !p.Started() {
			return fmt.Errorf("%w: participant %s has not started", domain.ErrInvalidTransition, userID)
		}
		if p.Completed || p.Expired || p.CurrentIndex != position {
			return fmt.Errorf("%w: event %s user %s position %d (current %d)", domain.ErrDuplicateAdvancement, event.ID, userID, position, p.CurrentIndex)
		}
		if !now.Before(event.Deadline()) {
			p.Expired = true
			p.QuestionStartedAt = nil
			return nil
		}
		rec.AnsweredAt = now
		p.Answers = append(p.Answers, rec)
		if rec.Correct {
			p.CorrectCount++
		}
		advance(p, len(event.Questions), now)
		return nil
	})
}

func advance(p *domain.Progress, total int, now time.Time) {
	p.CurrentIndex++
	if p.CurrentIndex >= total {
		complete(p, now)
		return
	}
	p.QuestionStartedAt = &now
}

func complete(p *domain.Progress, now time.Time) {
	p.Completed = true
	p.CompletedAt = &now
	p.QuestionStartedAt = nil
	if p.StartedAt != nil {
		p.Elapsed = now.Sub(*p.StartedAt)
	}
}

// after delivers the next question or closes out the participant.
func (t *Tracker) after(ctx context.Context, event domain.Event, p domain.Progress) error {
	switch {
	case p.Completed, p.Expired:
		t.finish(ctx, event, p)
		return nil
	default:
		return t.deliverCurrent(ctx, event, p)
	}
}

// deliverCurrent sends the participant's current question. Questions the provider
// rejects as malformed are skipped; the loop ends after at most the remaining question
// count. Recipient and transport failures leave the cursor untouched.
func (t *Tracker) deliverCurrent(ctx context.Context, event domain.Event, p domain.Progress) error {
	if current, err := t.events.GetEvent(ctx, event.ID); err == nil && current.Status == domain.StatusCancelled {
		return domain.ErrEventCancelled
	}
	for {
		aq, ok := event.QuestionAt(p.CurrentIndex)
		if !ok {
			return nil
		}
		q, err := t.bank.Question(ctx, aq.Source, aq.QuestionID)
		if err == nil {
			_, err = t.dispatcher.Send(ctx, Target{
				EventID:  event.ID,
				UserID:   p.UserID,
				ChatID:   p.ChatID,
				Position: aq.Position,
			}, q, Header(event.Name, aq.Position, len(event.Questions)))
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrRecipientUnavailable) {
			// the question is fine, the chat is not: keep the cursor where it is
			t.recipientGone(ctx, event.ID, p.UserID, p.ChatID, aq.Position, err)
			return err
		}
		if !errors.Is(err, domain.ErrUnsendable) && !errors.Is(err, domain.ErrQuestionNotFound) {
			// orphaned or undelivered: the timeout sweep moves the participant on
			return err
		}

		t.alerts.Raise(ctx, domain.Alert{
			Kind:    domain.AlertUnsendable,
			EventID: event.ID,
			UserID:  p.UserID,
			Detail:  fmt.Sprintf("position %d question %s skipped: %v", aq.Position, aq.QuestionID, err),
		})
		p, err = t.record(ctx, event, p.UserID, aq.Position, domain.AnswerRecord{
			Position:   aq.Position,
			QuestionID: aq.QuestionID,
			Selected:   -1,
			TimedOut:   true,
			Skipped:    true,
		})
		if err != nil {
			return err
		}
		if p.Completed || p.Expired {
			t.finish(ctx, event, p)
			return nil
		}
	}
}

func (t *Tracker) skipAndContinue(ctx context.Context, event domain.Event, userID string, position int, cause error) {
	aq, _ := event.QuestionAt(position)
	t.alerts.Raise(ctx, domain.Alert{
		Kind:    domain.AlertUnsendable,
		EventID: event.ID,
		UserID:  userID,
		Detail:  fmt.Sprintf("position %d question %s skipped: %v", position, aq.QuestionID, cause),
	})
	p, err := t.record(ctx, event, userID, position, domain.AnswerRecord{
		Position:   position,
		QuestionID: aq.QuestionID,
		Selected:   -1,
		TimedOut:   true,
		Skipped:    true,
	})
	if err != nil {
		log.Printf("skip event=%s user=%s position=%d: %v", event.ID, userID, position, err)
		return
	}
	if err := t.after(ctx, event, p); err != nil {
		log.Printf("deliver after skip event=%s user=%s: %v", event.ID, userID, err)
	}
}

// finish sends the completion summary and closes the event if everyone is done.
func (t *Tracker) finish(ctx context.Context, event domain.Event, p domain.Progress) {
	if p.Completed && t.messages != nil && t.cfg.SummaryTemplate != "" {
		text := renderSummary(t.cfg.SummaryTemplate, event, p)
		if _, err := t.messages.SendMessage(ctx, p.ChatID, text); err != nil {
			log.Printf("completion summary event=%s user=%s: %v", event.ID, p.UserID, err)
		}
	}
	if _, err := completeIfDone(ctx, t.events, t.progress, event.ID, t.cfg.Now()); err != nil {
		log.Printf("complete event %s: %v", event.ID, err)
	}
}

func renderSummary(tmpl string, event domain.Event, p domain.Progress) string {
	return replacePlaceholders(tmpl, map[string]string{
		"event":   event.Name,
		"correct": fmt.Sprint(p.CorrectCount),
		"total":   fmt.Sprint(len(event.Questions)),
		"elapsed": p.Elapsed.Round(time.Second).String(),
	})
}

// ExpireOverdue marks every unfinished participant of an event past its deadline.
func (t *Tracker) ExpireOverdue(ctx context.Context, event domain.Event) int {
	rows, err := t.progress.ListProgressByEvent(ctx, event.ID)
	if err != nil {
		log.Printf("list participants of %s: %v", event.ID, err)
		return 0
	}
	expired := 0
	for _, row := range rows {
		if row.Completed || row.Expired {
			continue
		}
		if _, err := t.expire(ctx, event, row.UserID); err != nil {
			if !errors.Is(err, errSkip) {
				log.Printf("expire event=%s user=%s: %v", event.ID, row.UserID, err)
			}
			continue
		}
		expired++
	}
	return expired
}

func (t *Tracker) expire(ctx context.Context, event domain.Event, userID string) (domain.Progress, error) {
	now := t.cfg.Now()
	return updateProgress(ctx, t.progress, event.ID, userID, func(p *domain.Progress) error {
		if p.Completed || p.Expired {
			return errSkip
		}
		p.Expired = true
		p.QuestionStartedAt = nil
		if p.StartedAt != nil {
			p.Elapsed = now.Sub(*p.StartedAt)
		}
		return nil
	})
}

// SweepTimeouts advances every participant whose current question ran past its time
// limit and expires those past the event deadline.
func (t *Tracker) SweepTimeouts(ctx context.Context) (TimeoutSweep, error) {
	rows, err := t.progress.ListActiveProgress(ctx)
	if err != nil {
		return TimeoutSweep{}, fmt.Errorf("list active progress: %w", err)
	}
	now := t.cfg.Now()

	events := make(map[string]domain.Event)
	for _, row := range rows {
		if _, ok := events[row.EventID]; ok {
			continue
		}
		event, err := t.events.GetEvent(ctx, row.EventID)
		if err != nil {
			log.Printf("timeout sweep load event %s: %v", row.EventID, err)
			continue
		}
		events[row.EventID] = event
	}

	var (
		mu      sync.Mutex
		summary TimeoutSweep
		touched = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, row := range rows {
		row := row
		event, ok := events[row.EventID]
		if !ok || event.Status != domain.StatusInProgress {
			continue
		}
		g.Go(func() error {
			switch {
			case !now.Before(event.Deadline()):
				if _, err := t.expire(gctx, event, row.UserID); err != nil {
					if !errors.Is(err, errSkip) {
						log.Printf("expire event=%s user=%s: %v", event.ID, row.UserID, err)
					}
					return nil
				}
				mu.Lock()
				summary.Expired++
				touched[event.ID] = struct{}{}
				mu.Unlock()
			case row.QuestionStartedAt != nil && !now.Before(row.QuestionStartedAt.Add(event.QuestionTimeLimit)):
				_, err := t.RecordTimeout(gctx, event.ID, row.UserID, row.CurrentIndex)
				if errors.Is(err, domain.ErrDuplicateAdvancement) {
					// answered in the meantime
					return nil
				}
				if err != nil {
					log.Printf("timeout event=%s user=%s position=%d: %v", event.ID, row.UserID, row.CurrentIndex, err)
				}
				mu.Lock()
				summary.TimedOut++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for eventID := range touched {
		if _, err := completeIfDone(ctx, t.events, t.progress, eventID, now); err != nil {
			log.Printf("complete event %s: %v", eventID, err)
		}
	}
	return summary, nil
}

// Reopen rewinds a participant to index, dropping answers from index on, and resends
// that question. It repairs cursors left behind by lost polls.
func (t *Tracker) Reopen(ctx context.Context, eventID, userID string, index int) (domain.Progress, error) {
	event, err := t.activeEvent(ctx, eventID)
	if err != nil {
		return domain.Progress{}, err
	}
	if _, ok := event.QuestionAt(index); !ok {
		return domain.Progress{}, fmt.Errorf("position %d out of range for event %s", index, eventID)
	}
	now := t.cfg.Now()
	p, err := updateProgress(ctx, t.progress, eventID, userID, func(p *domain.Progress) error {
		kept := p.Answers[:0:0]
		correct := 0
		for _, a := range p.Answers {
			if a.Position < index {
				kept = append(kept, a)
				if a.Correct {
					correct++
				}
			}
		}
		p.Answers = kept
		p.CorrectCount = correct
		p.CurrentIndex = index
		p.Completed = false
		p.Expired = false
		p.CompletedAt = nil
		p.Elapsed = 0
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
		p.QuestionStartedAt = &now
		return nil
	})
	if err != nil {
		return p, err
	}
	log.Printf("progress reopened event=%s user=%s index=%d", eventID, userID, index)
	return p, t.deliverCurrent(ctx, event, p)
}

// Get returns one participant's progress.
func (t *Tracker) Get(ctx context.Context, eventID, userID string) (domain.Progress, error) {
	return t.progress.GetProgress(ctx, eventID, userID)
}

// History lists a user's progress across events.
func (t *Tracker) History(ctx context.Context, userID string) ([]domain.Progress, error) {
	return t.progress.ListProgressByUser(ctx, userID)
}
