package app_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentPoll struct {
	ID     string
	ChatID string
	Poll   app.Poll
}

type fakePolls struct {
	mu     sync.Mutex
	sent   []sentPoll
	failFn func(chatID string, poll app.Poll) error
}

func (f *fakePolls) SendPoll(_ context.Context, chatID string, poll app.Poll) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFn != nil {
		if err := f.failFn(chatID, poll); err != nil {
			return "", err
		}
	}
	id := fmt.Sprintf("poll-%d", len(f.sent)+1)
	f.sent = append(f.sent, sentPoll{ID: id, ChatID: chatID, Poll: poll})
	return id, nil
}

func (f *fakePolls) last(chatID string) (sentPoll, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ChatID == chatID {
			return f.sent[i], true
		}
	}
	return sentPoll{}, false
}

func (f *fakePolls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type sentMessage struct {
	ChatID string
	Text   string
}

type fakeMessages struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeMessages) SendMessage(_ context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeMessages) to(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

type harness struct {
	t            *testing.T
	ctx          context.Context
	clock        *fakeClock
	store        *memory.EventStore
	mappings     *memory.MappingStore
	prefs        *memory.PreferenceStore
	quota        *memory.QuotaCounter
	alertLog     *memory.AlertLog
	entitlements *memory.Entitlements
	polls        *fakePolls
	messages     *fakeMessages
	engine       *app.Engine
}

type harnessOption func(*app.Deps, *app.Config)

func newHarness(t *testing.T, sources map[domain.Source][]domain.Question, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:            t,
		ctx:          context.Background(),
		clock:        newClock(),
		store:        memory.NewEventStore(),
		mappings:     memory.NewMappingStore(),
		prefs:        memory.NewPreferenceStore(),
		quota:        memory.NewQuotaCounter(),
		alertLog:     memory.NewAlertLog(),
		entitlements: memory.NewEntitlements(app.FeatureTournaments, app.FeatureSimulations),
		polls:        &fakePolls{},
		messages:     &fakeMessages{},
	}
	deps := app.Deps{
		Events:        h.store,
		Progress:      h.store,
		Mappings:      h.mappings,
		Notifications: h.store,
		Preferences:   h.prefs,
		Quota:         h.quota,
		Polls:         h.polls,
		Messages:      h.messages,
		Entitlements:  h.entitlements,
		AlertSink:     h.alertLog,
	}
	for source, qs := range sources {
		deps.Sources = append(deps.Sources, memory.NewQuestionSource(source, qs))
	}
	cfg := app.Config{
		Now:     h.clock.Now,
		Tracker: app.TrackerConfig{SummaryTemplate: app.DefaultSummaryTemplate},
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	h.engine = app.NewEngine(deps, cfg)
	return h
}

// questions builds n valid questions whose ids sort in creation order.
func questions(prefix string, n int) []domain.Question {
	out := make([]domain.Question, n)
	for i := range out {
		out[i] = domain.Question{
			ID:           fmt.Sprintf("%s%02d", prefix, i+1),
			Prompt:       fmt.Sprintf("Pregunta %s número %d", strings.ToUpper(prefix), i+1),
			Options:      []string{"A", "B", "C", "D"},
			CorrectIndex: i % 4,
		}
	}
	return out
}

func validatedOnly() map[domain.Source]float64 {
	return map[domain.Source]float64{domain.SourceValidated: 1}
}

func (h *harness) createTournament(spec app.EventSpec) domain.Event {
	h.t.Helper()
	if spec.Name == "" {
		spec.Name = "Torneo de prueba"
	}
	if spec.Duration == 0 {
		spec.Duration = time.Hour
	}
	if spec.Distribution == nil {
		spec.Distribution = validatedOnly()
	}
	event, _, err := h.engine.Scheduler.CreateEvent(h.ctx, spec)
	if err != nil {
		h.t.Fatalf("create event: %v", err)
	}
	return event
}

func (h *harness) join(eventID, userID string) {
	h.t.Helper()
	res, err := h.engine.Scheduler.Register(h.ctx, app.JoinRequest{EventID: eventID, UserID: userID, ChatID: "chat-" + userID})
	if err != nil {
		h.t.Fatalf("register %s: %v", userID, err)
	}
	if !res.Joined {
		h.t.Fatalf("register %s denied: %s", userID, res.Reason)
	}
}

// answer replies to the last poll the user received, correctly or not.
func (h *harness) answer(userID string, correct bool) (app.Outcome, error) {
	h.t.Helper()
	sent, ok := h.polls.last("chat-" + userID)
	if !ok {
		h.t.Fatalf("no poll sent to %s", userID)
	}
	selected := sent.Poll.CorrectIndex
	if !correct {
		selected = (selected + 1) % len(sent.Poll.Options)
	}
	return h.engine.Reconciler.OnExternalAnswer(h.ctx, sent.ID, selected, userID)
}

func (h *harness) progress(eventID, userID string) domain.Progress {
	h.t.Helper()
	p, err := h.engine.Tracker.Get(h.ctx, eventID, userID)
	if err != nil {
		h.t.Fatalf("get progress: %v", err)
	}
	return p
}

func (h *harness) event(eventID string) domain.Event {
	h.t.Helper()
	e, err := h.store.GetEvent(h.ctx, eventID)
	if err != nil {
		h.t.Fatalf("get event: %v", err)
	}
	return e
}
