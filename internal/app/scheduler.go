package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tournament-engine/internal/allocation"
	"tournament-engine/internal/domain"
)

// Feature keys checked against the entitlement collaborator.
const (
	FeatureTournaments = "tournaments"
	FeatureSimulations = "simulations"
)

// SchedulerConfig tunes event creation and materialization.
type SchedulerConfig struct {
	Offsets                  []domain.NotificationOffset
	DefaultQuestionTimeLimit time.Duration
	DefaultMaxParticipants   int
	MaxQuestions             int
	DefaultDistribution      map[domain.Source]float64
	SweepConcurrency         int
	Now                      func() time.Time
	NewID                    func() string
}

// DefaultOffsets is the countdown table applied when none is configured.
func DefaultOffsets() []domain.NotificationOffset {
	return []domain.NotificationOffset{
		{Type: domain.NotifyDayBefore, Before: 24 * time.Hour, Template: "📅 Recordatorio: el torneo {event} empieza mañana a las {start}."},
		{Type: domain.NotifyCountdown60, Before: 60 * time.Minute, Template: "⏰ El torneo {event} empieza en 1 hora."},
		{Type: domain.NotifyCountdown10, Before: 10 * time.Minute, Template: "⏰ El torneo {event} empieza en {minutes} minutos."},
		{Type: domain.NotifyCountdown5, Before: 5 * time.Minute, Template: "⏰ El torneo {event} empieza en {minutes} minutos."},
		{Type: domain.NotifyCountdown3, Before: 3 * time.Minute, Template: "⏰ El torneo {event} empieza en {minutes} minutos."},
		{Type: domain.NotifyCountdown1, Before: time.Minute, Template: "🚀 ¡El torneo {event} empieza en 1 minuto! {questions} preguntas te esperan."},
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Offsets == nil {
		c.Offsets = DefaultOffsets()
	}
	if c.DefaultQuestionTimeLimit <= 0 {
		c.DefaultQuestionTimeLimit = 60 * time.Second
	}
	if c.DefaultMaxParticipants <= 0 {
		c.DefaultMaxParticipants = 100
	}
	if c.MaxQuestions <= 0 {
		c.MaxQuestions = 100
	}
	if c.DefaultDistribution == nil {
		c.DefaultDistribution, _ = allocation.Preset(allocation.PresetAll)
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// EventSpec are the caller-supplied fields of a new event.
type EventSpec struct {
	Name              string
	Kind              domain.EventKind
	StartTime         time.Time
	Duration          time.Duration
	QuestionTimeLimit time.Duration
	TotalQuestions    int
	MaxParticipants   int
	Distribution      map[domain.Source]float64
	Category          string
	Difficulty        string
	AnnounceChatID    string
	PrizePool         int
}

// JoinRequest identifies a user asking to take part in an event.
type JoinRequest struct {
	EventID     string
	UserID      string
	ChatID      string
	DisplayName string
}

// ExamRequest starts a single-user timed exam right away.
type ExamRequest struct {
	UserID            string
	ChatID            string
	DisplayName       string
	Name              string
	TotalQuestions    int
	Duration          time.Duration
	QuestionTimeLimit time.Duration
	// Preset names a source selector; Distribution overrides it when set.
	Preset       string
	Distribution map[domain.Source]float64
	Category     string
	Difficulty   string
}

// EventSweep summarises one scheduler sweep.
type EventSweep struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
}

// Scheduler owns the event lifecycle.
type Scheduler struct {
	events       EventRepository
	progress     ProgressRepository
	bank         *Aggregator
	dispatcher   *Dispatcher
	tracker      *Tracker
	entitlements EntitlementChecker
	alerts       *AlertHub
	cfg          SchedulerConfig
}

func NewScheduler(events EventRepository, progress ProgressRepository, bank *Aggregator, dispatcher *Dispatcher, tracker *Tracker, entitlements EntitlementChecker, alerts *AlertHub, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		events:       events,
		progress:     progress,
		bank:         bank,
		dispatcher:   dispatcher,
		tracker:      tracker,
		entitlements: entitlements,
		alerts:       alerts,
		cfg:          cfg.withDefaults(),
	}
}

// CreateEvent validates spec, persists the event and its future-dated countdown.
func (s *Scheduler) CreateEvent(ctx context.Context, spec EventSpec) (domain.Event, []domain.ScheduledNotification, error) {
	now := s.cfg.Now()
	event, err := s.buildEvent(spec, now)
	if err != nil {
		return domain.Event{}, nil, err
	}
	notifications := BuildNotifications(event, s.cfg.Offsets, now, s.cfg.NewID)
	if err := s.events.CreateEvent(ctx, event, notifications); err != nil {
		return domain.Event{}, nil, fmt.Errorf("create event: %w", err)
	}
	log.Printf("event created id=%s kind=%s start=%s questions=%d notifications=%d",
		event.ID, event.Kind, event.StartTime.Format(time.RFC3339), event.TotalQuestions, len(notifications))
	return event, notifications, nil
}

func (s *Scheduler) buildEvent(spec EventSpec, now time.Time) (domain.Event, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return domain.Event{}, fmt.Errorf("%w: name is required", domain.ErrInvalidEvent)
	}
	if spec.TotalQuestions < 1 || spec.TotalQuestions > s.cfg.MaxQuestions {
		return domain.Event{}, fmt.Errorf("%w: total questions must be between 1 and %d", domain.ErrInvalidEvent, s.cfg.MaxQuestions)
	}
	if spec.Duration <= 0 {
		return domain.Event{}, fmt.Errorf("%w: duration must be positive", domain.ErrInvalidEvent)
	}
	kind := spec.Kind
	if kind == "" {
		kind = domain.KindTournament
	}
	if kind != domain.KindTournament && kind != domain.KindExam {
		return domain.Event{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidEvent, kind)
	}
	start := spec.StartTime
	if start.IsZero() {
		start = now
	}
	distribution := spec.Distribution
	if len(distribution) == 0 {
		distribution = s.cfg.DefaultDistribution
	}
	if err := allocation.Validate(spec.TotalQuestions, distribution); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	limit := spec.QuestionTimeLimit
	if limit <= 0 {
		limit = s.cfg.DefaultQuestionTimeLimit
	}
	maxParticipants := spec.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = s.cfg.DefaultMaxParticipants
	}
	if kind == domain.KindExam {
		maxParticipants = 1
	}

	return domain.Event{
		ID:                s.cfg.NewID(),
		Name:              name,
		Kind:              kind,
		StartTime:         start,
		Duration:          spec.Duration,
		QuestionTimeLimit: limit,
		TotalQuestions:    spec.TotalQuestions,
		MaxParticipants:   maxParticipants,
		Status:            domain.StatusScheduled,
		Distribution:      distribution,
		Category:          mixedToEmpty(spec.Category),
		Difficulty:        mixedToEmpty(spec.Difficulty),
		AnnounceChatID:    spec.AnnounceChatID,
		PrizePool:         spec.PrizePool,
		CreatedAt:         now,
	}, nil
}

func mixedToEmpty(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "mixed") {
		return ""
	}
	return v
}

// BuildNotifications materializes one notification per offset whose fire time is still in
// the future. Past offsets are never created.
func BuildNotifications(event domain.Event, offsets []domain.NotificationOffset, now time.Time, newID func() string) []domain.ScheduledNotification {
	out := make([]domain.ScheduledNotification, 0, len(offsets))
	for _, off := range offsets {
		at := event.StartTime.Add(-off.Before)
		if !at.After(now) {
			continue
		}
		out = append(out, domain.ScheduledNotification{
			ID:           newID(),
			EventID:      event.ID,
			Type:         off.Type,
			ScheduledFor: at,
			Message:      RenderTemplate(off.Template, event, off.Before),
			Status:       domain.NotificationPending,
		})
	}
	return out
}

// RenderTemplate fills {event}, {minutes}, {start} and {questions}.
func RenderTemplate(tmpl string, event domain.Event, before time.Duration) string {
	return replacePlaceholders(tmpl, map[string]string{
		"event":     event.Name,
		"minutes":   strconv.Itoa(int(before / time.Minute)),
		"start":     event.StartTime.Format("02/01/2006 15:04"),
		"questions": strconv.Itoa(event.TotalQuestions),
	})
}

func replacePlaceholders(tmpl string, values map[string]string) string {
	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Register adds a participant to a scheduled tournament. Denials come back as reasons.
func (s *Scheduler) Register(ctx context.Context, req JoinRequest) (domain.JoinResult, error) {
	event, err := s.events.GetEvent(ctx, req.EventID)
	if errors.Is(err, domain.ErrEventNotFound) {
		return domain.JoinResult{Reason: domain.ReasonEventNotFound}, nil
	}
	if err != nil {
		return domain.JoinResult{}, err
	}
	if event.Status != domain.StatusScheduled || event.Kind != domain.KindTournament {
		return domain.JoinResult{Reason: domain.ReasonNotOpen}, nil
	}
	if ok, reason, err := s.canAccess(ctx, req.UserID, FeatureTournaments); err != nil || !ok {
		return domain.JoinResult{Reason: reason}, err
	}
	return s.join(ctx, event, req)
}

func (s *Scheduler) join(ctx context.Context, event domain.Event, req JoinRequest) (domain.JoinResult, error) {
	p := domain.Progress{
		EventID:      event.ID,
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		DisplayName:  req.DisplayName,
		RegisteredAt: s.cfg.Now(),
	}
	if p.ChatID == "" {
		p.ChatID = req.UserID
	}
	err := s.progress.CreateProgress(ctx, p, event.MaxParticipants)
	switch {
	case errors.Is(err, domain.ErrProgressExists):
		return domain.JoinResult{Reason: domain.ReasonAlreadyRegistered}, nil
	case errors.Is(err, domain.ErrEventFull):
		return domain.JoinResult{Reason: domain.ReasonFull}, nil
	case err != nil:
		return domain.JoinResult{}, fmt.Errorf("register %s in %s: %w", req.UserID, event.ID, err)
	}
	return domain.JoinResult{Joined: true, Progress: p}, nil
}

func (s *Scheduler) canAccess(ctx context.Context, userID, feature string) (bool, string, error) {
	if s.entitlements == nil {
		return true, "", nil
	}
	ok, reason, err := s.entitlements.CanAccess(ctx, userID, feature)
	if err != nil {
		return false, "", fmt.Errorf("check entitlement %s for %s: %w", feature, userID, err)
	}
	if !ok && reason == "" {
		reason = "feature " + feature + " not available"
	}
	return ok, reason, nil
}

// List returns events in start order, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	return s.events.ListEvents(ctx, status)
}

// Leave removes a registration while the event has not started.
func (s *Scheduler) Leave(ctx context.Context, eventID, userID string) error {
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != domain.StatusScheduled {
		return fmt.Errorf("%w: cannot leave a %s event", domain.ErrInvalidTransition, event.Status)
	}
	return s.progress.DeleteProgress(ctx, eventID, userID)
}

// Cancel moves the event to cancelled. Pending notifications and in-flight dispatches
// observe the status on their next check.
func (s *Scheduler) Cancel(ctx context.Context, eventID string) (domain.Event, error) {
	now := s.cfg.Now()
	event, err := updateEvent(ctx, s.events, eventID, func(e *domain.Event) error {
		return transition(e, domain.StatusCancelled, now)
	})
	if err != nil {
		return domain.Event{}, err
	}
	log.Printf("event cancelled id=%s", eventID)
	return event, nil
}

// Start materializes the question snapshot, moves the event in progress and sends
// every participant the first question. Starting an event already in progress is a no-op.
func (s *Scheduler) Start(ctx context.Context, eventID string) (domain.Event, error) {
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	switch event.Status {
	case domain.StatusInProgress:
		return event, nil
	case domain.StatusCancelled:
		return event, domain.ErrEventCancelled
	case domain.StatusCompleted:
		return event, fmt.Errorf("%w: event %s already completed", domain.ErrInvalidTransition, eventID)
	}

	questions, err := s.materialize(ctx, event)
	if errors.Is(err, domain.ErrNoQuestions) {
		s.alerts.Raise(ctx, domain.Alert{Kind: domain.AlertPartialAllocation, EventID: eventID, Detail: "no questions could be sourced, event cancelled"})
		if _, cerr := s.Cancel(ctx, eventID); cerr != nil {
			log.Printf("cancel empty event %s: %v", eventID, cerr)
		}
		return event, err
	}
	if err != nil {
		return event, err
	}

	now := s.cfg.Now()
	applied := false
	stored, err := updateEvent(ctx, s.events, eventID, func(e *domain.Event) error {
		applied = false
		if err := transition(e, domain.StatusInProgress, now); err != nil {
			return err
		}
		e.Questions = questions
		e.Degraded = len(questions) < e.TotalQuestions
		applied = true
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	if !applied {
		return stored, nil
	}
	log.Printf("event started id=%s questions=%d/%d degraded=%t", stored.ID, len(stored.Questions), stored.TotalQuestions, stored.Degraded)

	s.bank.MarkUsed(ctx, stored.ID, stored.Questions)

	rows, err := s.progress.ListProgressByEvent(ctx, stored.ID)
	if err != nil {
		return stored, fmt.Errorf("list participants of %s: %w", stored.ID, err)
	}
	s.tracker.BeginAll(ctx, stored, rows)
	return stored, nil
}

// materialize picks the ordered question snapshot for event.
func (s *Scheduler) materialize(ctx context.Context, event domain.Event) ([]domain.AssignedQuestion, error) {
	counts, err := allocation.Allocate(event.TotalQuestions, event.Distribution)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	extra := s.dispatcher.MaxReplacements()
	filter := domain.QuestionFilter{Category: event.Category, Difficulty: event.Difficulty}
	shares := allocation.Ordered(event.Distribution)
	pools := make(map[domain.Source][]domain.Question, len(shares))
	available := make(map[domain.Source]int, len(shares))
	for _, share := range shares {
		if !s.bank.Has(share.Source) {
			continue
		}
		qs, err := s.bank.FetchCandidates(ctx, share.Source, filter, event.TotalQuestions+extra)
		if err != nil {
			log.Printf("materialize event=%s source=%s: %v", event.ID, share.Source, err)
			continue
		}
		pools[share.Source] = qs
		available[share.Source] = len(qs)
	}

	fit, err := allocation.Fit(counts, available, event.Distribution)
	if err != nil {
		log.Printf("warning: event=%s %v", event.ID, err)
		s.alerts.Raise(ctx, domain.Alert{
			Kind:    domain.AlertPartialAllocation,
			EventID: event.ID,
			Detail:  fmt.Sprintf("sourced %d of %d questions", fit.Assigned, fit.Requested),
		})
	}

	header := Header(event.Name, event.TotalQuestions-1, event.TotalQuestions)
	limits := s.dispatcher.Limits()
	cursors := make(map[domain.Source]int, len(pools))
	draw := func(source domain.Source) func() (domain.Question, bool) {
		return func() (domain.Question, bool) {
			pool := pools[source]
			if cursors[source] >= len(pool) {
				return domain.Question{}, false
			}
			q := pool[cursors[source]]
			cursors[source]++
			return q, true
		}
	}
	drained := func() bool {
		for source, pool := range pools {
			if cursors[source] < len(pool) {
				return false
			}
		}
		return true
	}
	// pick fills a slot of own, falling back to spare candidates of the other
	// sources in ratio order.
	pick := func(own domain.Source) (domain.Question, error) {
		q, _, _, err := FindSendable(draw(own), header, limits, 1+extra)
		if err == nil {
			return q, nil
		}
		for _, share := range shares {
			if share.Source == own {
				continue
			}
			if alt, _, _, altErr := FindSendable(draw(share.Source), header, limits, 1+extra); altErr == nil {
				return alt, nil
			}
		}
		return domain.Question{}, err
	}

	perSource := make([][]domain.AssignedQuestion, 0, len(shares))
	for _, share := range shares {
		var picked []domain.AssignedQuestion
		for slot := 0; slot < fit.Counts[share.Source]; slot++ {
			q, err := pick(share.Source)
			if err != nil {
				s.alerts.Raise(ctx, domain.Alert{
					Kind:    domain.AlertUnsendable,
					EventID: event.ID,
					Detail:  fmt.Sprintf("source %s slot skipped: %v", share.Source, err),
				})
				if drained() {
					break
				}
				continue
			}
			picked = append(picked, domain.AssignedQuestion{QuestionID: q.ID, Source: q.Source})
		}
		perSource = append(perSource, picked)
	}

	out := interleave(perSource)
	if len(out) == 0 {
		return nil, domain.ErrNoQuestions
	}
	return out, nil
}

// interleave round-robins the per-source picks so sources are mixed through the exam.
func interleave(groups [][]domain.AssignedQuestion) []domain.AssignedQuestion {
	var out []domain.AssignedQuestion
	for i := 0; ; i++ {
		added := false
		for _, g := range groups {
			if i < len(g) {
				aq := g[i]
				aq.Position = len(out)
				out = append(out, aq)
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

// CompleteIfDone completes an in-progress event whose participants are all finished.
func (s *Scheduler) CompleteIfDone(ctx context.Context, eventID string) (bool, error) {
	return completeIfDone(ctx, s.events, s.progress, eventID, s.cfg.Now())
}

// SweepEvents starts due scheduled events and closes in-progress events that are done.
func (s *Scheduler) SweepEvents(ctx context.Context) (EventSweep, error) {
	now := s.cfg.Now()
	var summary EventSweep

	scheduled, err := s.events.ListEvents(ctx, domain.StatusScheduled)
	if err != nil {
		return summary, fmt.Errorf("list scheduled events: %w", err)
	}
	running, err := s.events.ListEvents(ctx, domain.StatusInProgress)
	if err != nil {
		return summary, fmt.Errorf("list running events: %w", err)
	}

	var (
		started   = make([]bool, len(scheduled))
		completed = make([]bool, len(running))
		errs      = make([]error, len(scheduled)+len(running))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepConcurrency)
	for i, event := range scheduled {
		i, event := i, event
		if now.Before(event.StartTime) {
			continue
		}
		g.Go(func() error {
			if _, err := s.Start(gctx, event.ID); err != nil {
				errs[i] = fmt.Errorf("start %s: %w", event.ID, err)
				return nil
			}
			started[i] = true
			return nil
		})
	}
	for i, event := range running {
		i, event := i, event
		g.Go(func() error {
			if !now.Before(event.Deadline()) {
				s.tracker.ExpireOverdue(gctx, event)
			}
			done, err := s.CompleteIfDone(gctx, event.ID)
			if err != nil {
				errs[len(scheduled)+i] = fmt.Errorf("complete %s: %w", event.ID, err)
				return nil
			}
			completed[i] = done
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range started {
		if ok {
			summary.Started++
		}
	}
	for _, ok := range completed {
		if ok {
			summary.Completed++
		}
	}
	return summary, errors.Join(errs...)
}

// StartExam creates a single-participant exam starting now, registers the user and
// sends the first question.
func (s *Scheduler) StartExam(ctx context.Context, req ExamRequest) (domain.JoinResult, domain.Event, error) {
	if ok, reason, err := s.canAccess(ctx, req.UserID, FeatureSimulations); err != nil || !ok {
		return domain.JoinResult{Reason: reason}, domain.Event{}, err
	}

	distribution := req.Distribution
	if len(distribution) == 0 {
		var err error
		distribution, err = allocation.Preset(req.Preset)
		if err != nil {
			return domain.JoinResult{}, domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
	}
	name := req.Name
	if name == "" {
		name = "Simulacro"
	}
	event, _, err := s.CreateEvent(ctx, EventSpec{
		Name:              name,
		Kind:              domain.KindExam,
		StartTime:         s.cfg.Now(),
		Duration:          req.Duration,
		QuestionTimeLimit: req.QuestionTimeLimit,
		TotalQuestions:    req.TotalQuestions,
		Distribution:      distribution,
		Category:          req.Category,
		Difficulty:        req.Difficulty,
	})
	if err != nil {
		return domain.JoinResult{}, domain.Event{}, err
	}

	res, err := s.join(ctx, event, JoinRequest{EventID: event.ID, UserID: req.UserID, ChatID: req.ChatID, DisplayName: req.DisplayName})
	if err != nil || !res.Joined {
		return res, event, err
	}
	started, err := s.Start(ctx, event.ID)
	if err != nil {
		return domain.JoinResult{}, event, err
	}
	p, err := s.progress.GetProgress(ctx, event.ID, req.UserID)
	if err != nil {
		return domain.JoinResult{}, started, err
	}
	return domain.JoinResult{Joined: true, Progress: p}, started, nil
}
