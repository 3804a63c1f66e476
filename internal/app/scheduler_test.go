package app_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/memory"
)

func TestCreateEventValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]app.EventSpec{
		"no name":         {TotalQuestions: 5, Duration: time.Hour},
		"zero questions":  {Name: "x", Duration: time.Hour},
		"too many":        {Name: "x", TotalQuestions: 101, Duration: time.Hour},
		"no duration":     {Name: "x", TotalQuestions: 5},
		"bad kind":        {Name: "x", TotalQuestions: 5, Duration: time.Hour, Kind: "league"},
		"bad ratios":      {Name: "x", TotalQuestions: 5, Duration: time.Hour, Distribution: map[domain.Source]float64{domain.SourceValidated: 0.5}},
		"negative ratios": {Name: "x", TotalQuestions: 5, Duration: time.Hour, Distribution: map[domain.Source]float64{domain.SourceValidated: 1.5, domain.SourceSection: -0.5}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := h.engine.Scheduler.CreateEvent(h.ctx, spec)
			assert.ErrorIs(t, err, domain.ErrInvalidEvent)
		})
	}
}

func TestCreateEventDefaults(t *testing.T) {
	h := newHarness(t, nil)
	event, _, err := h.engine.Scheduler.CreateEvent(h.ctx, app.EventSpec{
		Name:           "  Torneo  ",
		TotalQuestions: 10,
		Duration:       time.Hour,
		Category:       "Mixed",
	})
	require.NoError(t, err)
	assert.Equal(t, "Torneo", event.Name)
	assert.Equal(t, domain.KindTournament, event.Kind)
	assert.Equal(t, domain.StatusScheduled, event.Status)
	assert.Equal(t, 60*time.Second, event.QuestionTimeLimit)
	assert.Equal(t, 100, event.MaxParticipants)
	assert.Empty(t, event.Category)
	assert.Len(t, event.Distribution, 3)
	assert.Equal(t, h.clock.Now(), event.StartTime)
}

func TestShortLeadTimeSkipsEarlyNotifications(t *testing.T) {
	h := newHarness(t, nil)
	_, notes, err := h.engine.Scheduler.CreateEvent(h.ctx, app.EventSpec{
		Name:           "Relámpago",
		TotalQuestions: 5,
		Duration:       time.Hour,
		StartTime:      h.clock.Now().Add(5 * time.Minute),
		Distribution:   validatedOnly(),
	})
	require.NoError(t, err)

	var types []domain.NotificationType
	for _, n := range notes {
		types = append(types, n.Type)
		assert.True(t, n.ScheduledFor.After(h.clock.Now()))
	}
	assert.Equal(t, []domain.NotificationType{domain.NotifyCountdown3, domain.NotifyCountdown1}, types)
}

func TestRenderTemplate(t *testing.T) {
	event := domain.Event{Name: "Final", TotalQuestions: 20, StartTime: time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)}
	got := app.RenderTemplate("{event} en {minutes} min, {questions} preguntas, {start}", event, 10*time.Minute)
	assert.Equal(t, "Final en 10 min, 20 preguntas, 02/03/2026 18:30", got)
}

func TestRegisterReasons(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 5)})
	event := h.createTournament(app.EventSpec{TotalQuestions: 3, MaxParticipants: 2, StartTime: h.clock.Now().Add(time.Hour)})

	register := func(eventID, userID string) domain.JoinResult {
		t.Helper()
		res, err := h.engine.Scheduler.Register(h.ctx, app.JoinRequest{EventID: eventID, UserID: userID})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, domain.ReasonEventNotFound, register("missing", "u1").Reason)

	res := register(event.ID, "u1")
	assert.True(t, res.Joined)
	assert.Equal(t, "u1", res.Progress.ChatID)
	assert.Equal(t, domain.ReasonAlreadyRegistered, register(event.ID, "u1").Reason)
	assert.True(t, register(event.ID, "u2").Joined)
	assert.Equal(t, domain.ReasonFull, register(event.ID, "u3").Reason)

	require.NoError(t, h.engine.Scheduler.Leave(h.ctx, event.ID, "u2"))
	assert.True(t, register(event.ID, "u3").Joined)

	_, err := h.engine.Scheduler.Cancel(h.ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotOpen, register(event.ID, "u4").Reason)
	assert.ErrorIs(t, h.engine.Scheduler.Leave(h.ctx, event.ID, "u1"), domain.ErrInvalidTransition)
}

func TestRegisterRequiresEntitlement(t *testing.T) {
	h := newHarness(t, nil, func(d *app.Deps, _ *app.Config) {
		d.Entitlements = memory.NewEntitlements()
	})
	event := h.createTournament(app.EventSpec{TotalQuestions: 3, StartTime: h.clock.Now().Add(time.Hour)})

	res, err := h.engine.Scheduler.Register(h.ctx, app.JoinRequest{EventID: event.ID, UserID: "free"})
	require.NoError(t, err)
	assert.False(t, res.Joined)
	assert.Contains(t, res.Reason, app.FeatureTournaments)

	rows, err := h.store.ListProgressByEvent(h.ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLifecycleIsMonotonic(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 3)})
	event := startedTournament(t, h, 3)

	_, err := h.engine.Scheduler.Cancel(h.ctx, event.ID)
	require.NoError(t, err)

	_, err = h.engine.Scheduler.Start(h.ctx, event.ID)
	assert.ErrorIs(t, err, domain.ErrEventCancelled)

	again, err := h.engine.Scheduler.Cancel(h.ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)

	_, err = h.engine.Scheduler.CompleteIfDone(h.ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, h.event(event.ID).Status)
}

func TestPartialAllocationDegradesEvent(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{
		domain.SourceExamYearA: questions("a", 2),
		domain.SourceValidated: questions("v", 3),
	})
	event := h.createTournament(app.EventSpec{
		TotalQuestions: 10,
		StartTime:      h.clock.Now(),
		Distribution:   map[domain.Source]float64{domain.SourceExamYearA: 0.5, domain.SourceValidated: 0.5},
	})
	h.join(event.ID, "u1")

	started, err := h.engine.Scheduler.Start(h.ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, started.Degraded)
	assert.Len(t, started.Questions, 5)
	assert.Equal(t, 10, started.TotalQuestions)
	assert.NotEmpty(t, h.engine.Alerts.Recent(domain.AlertPartialAllocation))

	// sources alternate through the exam
	assert.Equal(t, domain.SourceExamYearA, started.Questions[0].Source)
	assert.Equal(t, domain.SourceValidated, started.Questions[1].Source)
}

func TestShortSourceIsFilledFromOthers(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{
		domain.SourceExamYearA: questions("a", 1),
		domain.SourceValidated: questions("v", 20),
	})
	event := h.createTournament(app.EventSpec{
		TotalQuestions: 8,
		StartTime:      h.clock.Now(),
		Distribution:   map[domain.Source]float64{domain.SourceExamYearA: 0.5, domain.SourceValidated: 0.5},
	})

	started, err := h.engine.Scheduler.Start(h.ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, started.Degraded)
	assert.Len(t, started.Questions, 8)

	seen := make(map[string]bool)
	for _, aq := range started.Questions {
		assert.False(t, seen[aq.QuestionID], "question %s assigned twice", aq.QuestionID)
		seen[aq.QuestionID] = true
	}
}

func TestUnsendableQuestionsAreReplacedAtMaterialization(t *testing.T) {
	qs := questions("v", 6)
	qs[0].Options = []string{"solo"}
	qs[1].Prompt = ""
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: qs})
	event := h.createTournament(app.EventSpec{TotalQuestions: 3, StartTime: h.clock.Now()})

	started, err := h.engine.Scheduler.Start(h.ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, started.Questions, 3)
	assert.Equal(t, "v03", started.Questions[0].QuestionID)
	assert.Equal(t, "v04", started.Questions[1].QuestionID)
	assert.Equal(t, "v05", started.Questions[2].QuestionID)
}

func TestUnsendableSourceBorrowsFromOtherPools(t *testing.T) {
	broken := questions("v", 2)
	for i := range broken {
		broken[i].Options = []string{"solo"}
	}
	h := newHarness(t, map[domain.Source][]domain.Question{
		domain.SourceExamYearA: questions("a", 8),
		domain.SourceValidated: broken,
	})
	event := h.createTournament(app.EventSpec{
		TotalQuestions: 4,
		StartTime:      h.clock.Now(),
		Distribution:   map[domain.Source]float64{domain.SourceExamYearA: 0.5, domain.SourceValidated: 0.5},
	})

	started, err := h.engine.Scheduler.Start(h.ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, started.Degraded)
	require.Len(t, started.Questions, 4)

	seen := make(map[string]bool)
	for _, aq := range started.Questions {
		assert.Equal(t, domain.SourceExamYearA, aq.Source)
		assert.False(t, seen[aq.QuestionID], "question %s assigned twice", aq.QuestionID)
		seen[aq.QuestionID] = true
	}
	assert.Empty(t, h.engine.Alerts.Recent(domain.AlertUnsendable))
}

func TestNoQuestionsCancelsEvent(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: nil})
	event := h.createTournament(app.EventSpec{TotalQuestions: 3, StartTime: h.clock.Now()})

	_, err := h.engine.Scheduler.Start(h.ctx, event.ID)
	assert.ErrorIs(t, err, domain.ErrNoQuestions)
	assert.Equal(t, domain.StatusCancelled, h.event(event.ID).Status)
}

func TestSweepStartsDueEvents(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 5)})
	event := h.createTournament(app.EventSpec{TotalQuestions: 3, StartTime: h.clock.Now().Add(2 * time.Minute)})
	h.join(event.ID, "u1")

	report, err := h.engine.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Events.Started)

	h.clock.Advance(2 * time.Minute)
	report, err = h.engine.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Events.Started)
	assert.Equal(t, domain.StatusInProgress, h.event(event.ID).Status)
	assert.Equal(t, 1, h.polls.count())
}

func TestStartExam(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 10)})

	res, event, err := h.engine.Scheduler.StartExam(h.ctx, app.ExamRequest{
		UserID:         "u1",
		ChatID:         "chat-u1",
		TotalQuestions: 4,
		Duration:       20 * time.Minute,
		Preset:         "valid",
	})
	require.NoError(t, err)
	require.True(t, res.Joined)
	assert.Equal(t, domain.KindExam, event.Kind)
	assert.Equal(t, domain.StatusInProgress, event.Status)
	assert.Equal(t, 1, event.MaxParticipants)
	assert.True(t, res.Progress.Started())
	assert.Equal(t, 1, h.polls.count())

	notes, err := h.store.ListNotificationsByEvent(h.ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	reg, err := h.engine.Scheduler.Register(h.ctx, app.JoinRequest{EventID: event.ID, UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotOpen, reg.Reason)
}

func TestStartExamRequiresEntitlement(t *testing.T) {
	ent := memory.NewEntitlements(app.FeatureTournaments)
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 10)}, func(d *app.Deps, _ *app.Config) {
		d.Entitlements = ent
	})
	req := app.ExamRequest{UserID: "u1", TotalQuestions: 4, Duration: 20 * time.Minute, Preset: "valid"}

	res, _, err := h.engine.Scheduler.StartExam(h.ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Joined)
	assert.NotEmpty(t, res.Reason)
	assert.Zero(t, h.polls.count())

	ent.Grant("u1", app.FeatureSimulations)
	res, _, err = h.engine.Scheduler.StartExam(h.ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Joined)
}

func TestStartExamUnknownPreset(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.engine.Scheduler.StartExam(h.ctx, app.ExamRequest{UserID: "u1", TotalQuestions: 4, Duration: time.Minute, Preset: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}
