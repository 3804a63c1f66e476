package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tournament-engine/internal/domain"
)

// DispatchConfig tunes poll delivery.
type DispatchConfig struct {
	Limits Limits
	Retry  RetryPolicy
	// RatePerSecond throttles provider calls across the whole process. Zero disables it.
	RatePerSecond float64
	Burst         int
	// Concurrency bounds bulk sends.
	Concurrency int
	// MaxReplacements bounds the search for a sendable substitute question.
	MaxReplacements int
	Now             func() time.Time
}

// Target identifies the participant slot a poll is sent for.
type Target struct {
	EventID  string
	UserID   string
	ChatID   string
	Position int
}

// SendJob is one poll in a bulk send.
type SendJob struct {
	Target   Target
	Question domain.Question
	Header   string
}

// SendResult is the per-job outcome of SendBatch.
type SendResult struct {
	Target  Target
	Mapping domain.PollMapping
	Err     error
}

// Dispatcher turns questions into provider polls and records the poll id mapping.
type Dispatcher struct {
	sender   PollSender
	mappings PollMappingRepository
	alerts   *AlertHub
	limiter  *rate.Limiter
	cfg      DispatchConfig
	now      func() time.Time
}

func NewDispatcher(sender PollSender, mappings PollMappingRepository, alerts *AlertHub, cfg DispatchConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxReplacements <= 0 {
		cfg.MaxReplacements = 5
	}
	cfg.Limits = cfg.Limits.withDefaults()
	d := &Dispatcher{
		sender:   sender,
		mappings: mappings,
		alerts:   alerts,
		cfg:      cfg,
		now:      cfg.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return d
}

// Limits returns the provider ceilings polls are built against.
func (d *Dispatcher) Limits() Limits {
	return d.cfg.Limits
}

// MaxReplacements is the bound on substitute searches for unsendable questions.
func (d *Dispatcher) MaxReplacements() int {
	return d.cfg.MaxReplacements
}

// Send sanitizes q, delivers it to target and persists the poll mapping. A provider
// rejection of malformed input surfaces as ErrUnsendable and a chat that cannot be reached
// as ErrRecipientUnavailable, neither retried; transient failures exhaust the
// retry budget and surface as ErrDeliveryFailure. When the poll went out but the mapping
// could not be stored, the mapping is returned together with ErrOrphanedMapping.
func (d *Dispatcher) Send(ctx context.Context, target Target, q domain.Question, header string) (domain.PollMapping, error) {
	poll, err := BuildPoll(q, header, d.cfg.Limits)
	if err != nil {
		return domain.PollMapping{}, err
	}
	return d.SendPoll(ctx, target, q.ID, poll)
}

// SendPoll delivers an already built poll.
func (d *Dispatcher) SendPoll(ctx context.Context, target Target, questionID string, poll Poll) (domain.PollMapping, error) {
	var pollID string
	err := d.cfg.Retry.do(ctx, func(ctx context.Context) error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		id, err := d.sender.SendPoll(ctx, target.ChatID, poll)
		if err != nil {
			return err
		}
		pollID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnsendable) || errors.Is(err, domain.ErrRecipientUnavailable) {
			return domain.PollMapping{}, err
		}
		return domain.PollMapping{}, fmt.Errorf("%w: send poll to %s: %v", domain.ErrDeliveryFailure, target.ChatID, err)
	}

	mapping := domain.PollMapping{
		PollID:       pollID,
		QuestionID:   questionID,
		CorrectIndex: poll.CorrectIndex,
		Options:      poll.Options,
		EventID:      target.EventID,
		Position:     target.Position,
		ChatID:       target.ChatID,
		UserID:       target.UserID,
		SentAt:       d.now(),
	}
	// the external send cannot be undone, so the mapping write gets its own small budget
	err = RetryPolicy{Attempts: 2, CallTimeout: d.cfg.Retry.CallTimeout}.do(ctx, func(ctx context.Context) error {
		return d.mappings.SaveMapping(ctx, mapping)
	})
	if err != nil && !errors.Is(err, domain.ErrMappingExists) {
		if d.alerts != nil {
			d.alerts.Raise(ctx, domain.Alert{
				Kind:    domain.AlertOrphanedMapping,
				EventID: target.EventID,
				PollID:  pollID,
				UserID:  target.UserID,
				Detail:  fmt.Sprintf("question %s position %d: %v", questionID, target.Position, err),
			})
		}
		return mapping, fmt.Errorf("%w: poll %s: %v", domain.ErrOrphanedMapping, pollID, err)
	}
	return mapping, nil
}

// SendBatch delivers jobs with bounded concurrency. Failures are isolated per job.
func (d *Dispatcher) SendBatch(ctx context.Context, jobs []SendJob) []SendResult {
	results := make([]SendResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			mapping, err := d.Send(gctx, job.Target, job.Question, job.Header)
			results[i] = SendResult{Target: job.Target, Mapping: mapping, Err: err}
			if err != nil {
				log.Printf("bulk send failed event=%s user=%s position=%d: %v", job.Target.EventID, job.Target.UserID, job.Target.Position, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
