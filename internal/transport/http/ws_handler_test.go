package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/memory"
)

func TestAlertFeedStreamsAlerts(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})
	env.engine.Alerts.Raise(context.Background(), domain.Alert{Kind: domain.AlertOrphanedMapping, PollID: "p-old", Detail: "mapping write failed"})

	u := "ws" + env.server.URL[len("http"):] + "/ws/alerts?kind=" + string(domain.AlertOrphanedMapping)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	typ, payload := readNext(conn, t, "snapshot")
	var snapshot []domain.Alert
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].PollID != "p-old" {
		t.Fatalf("unexpected %s payload: %s", typ, payload)
	}

	// the filter drops other kinds
	env.engine.Alerts.Raise(context.Background(), domain.Alert{Kind: domain.AlertUnreconcilable, PollID: "p-x"})
	env.engine.Alerts.Raise(context.Background(), domain.Alert{Kind: domain.AlertOrphanedMapping, PollID: "p-new"})

	_, payload = readNext(conn, t, "alert")
	var alert domain.Alert
	if err := json.Unmarshal(payload, &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.PollID != "p-new" {
		t.Fatalf("expected p-new, got %+v", alert)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readNext(conn, t, "pong")
}

func TestAlertFeedRequiresAdminToken(t *testing.T) {
	env := newTestEnv(t, RouterOptions{AdminToken: "s3cret"})

	u := "ws" + env.server.URL[len("http"):] + "/ws/alerts"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	readNext(conn, t, "snapshot")
}

func TestWebhookJoinAndAnswer(t *testing.T) {
	env := newTestEnv(t, RouterOptions{WebhookSecret: "hook"})
	ctx := context.Background()

	event, _, err := env.engine.Scheduler.CreateEvent(ctx, app.EventSpec{
		Name:           "Copa",
		StartTime:      env.now.Add(30 * time.Minute),
		Duration:       time.Hour,
		TotalQuestions: 3,
		Distribution:   map[domain.Source]float64{domain.SourceValidated: 1},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	env.postUpdate(t, "hook", fmt.Sprintf(`{"update_id":1,"message":{"message_id":1,"chat":{"id":555},"from":{"id":1001,"first_name":"Ana"},"text":"/join %s"}}`, event.ID), http.StatusOK)
	if got := env.replies.to("555"); len(got) != 1 || !strings.Contains(got[0], "Inscrito") {
		t.Fatalf("expected join confirmation, got %v", got)
	}
	env.postUpdate(t, "hook", fmt.Sprintf(`{"update_id":2,"message":{"message_id":2,"chat":{"id":555},"from":{"id":1001,"first_name":"Ana"},"text":"/join %s"}}`, event.ID), http.StatusOK)
	if got := env.replies.to("555"); len(got) != 2 || !strings.Contains(got[1], domain.ReasonAlreadyRegistered) {
		t.Fatalf("expected already registered reason, got %v", got)
	}

	if _, err := env.engine.Scheduler.Start(ctx, event.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	poll, ok := env.polls.last("555")
	if !ok {
		t.Fatalf("expected first poll to be sent")
	}

	answer := fmt.Sprintf(`{"update_id":3,"poll_answer":{"poll_id":%q,"user":{"id":1001,"first_name":"Ana"},"option_ids":[%d]}}`, poll.id, poll.poll.CorrectIndex)
	env.postUpdate(t, "hook", answer, http.StatusOK)
	// redelivery is absorbed by the index guard
	env.postUpdate(t, "hook", answer, http.StatusOK)

	p, err := env.engine.Tracker.Get(ctx, event.ID, "1001")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.CurrentIndex != 1 || p.CorrectCount != 1 || len(p.Answers) != 1 {
		t.Fatalf("unexpected progress: index=%d correct=%d answers=%d", p.CurrentIndex, p.CorrectCount, len(p.Answers))
	}
	if env.polls.count() != 2 {
		t.Fatalf("expected second question to be sent once, got %d polls", env.polls.count())
	}
}

func TestWebhookIgnoresRetractedAndUnknownPolls(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	env.postUpdate(t, "", `{"update_id":1,"poll_answer":{"poll_id":"p1","user":{"id":7},"option_ids":[]}}`, http.StatusOK)
	if alerts := env.engine.Alerts.Recent(domain.AlertUnreconcilable); len(alerts) != 0 {
		t.Fatalf("retracted vote should not be reconciled, got %v", alerts)
	}

	env.postUpdate(t, "", `{"update_id":2,"poll_answer":{"poll_id":"ghost","user":{"id":7},"option_ids":[1]}}`, http.StatusOK)
	alerts := env.engine.Alerts.Recent(domain.AlertUnreconcilable)
	if len(alerts) != 1 || alerts[0].PollID != "ghost" {
		t.Fatalf("expected one unreconcilable alert, got %v", alerts)
	}
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t, RouterOptions{WebhookSecret: "hook"})
	env.postUpdate(t, "nope", `{"update_id":1}`, http.StatusForbidden)
	env.postUpdate(t, "hook", `not json`, http.StatusBadRequest)
}

func TestSweepEndpoint(t *testing.T) {
	env := newTestEnv(t, RouterOptions{AdminToken: "s3cret"})

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/sweep", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.server.URL+"/sweep", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Result app.SweepReport `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "" || body.Result.Events.Started != 0 {
		t.Fatalf("unexpected sweep body: %+v", body)
	}
}

type testEnv struct {
	now     time.Time
	engine  *app.Engine
	polls   *recordingPolls
	replies *recordingMessages
	server  *httptest.Server
}

func newTestEnv(t *testing.T, opts RouterOptions) *testEnv {
	t.Helper()
	env := &testEnv{
		now:     time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
		polls:   &recordingPolls{},
		replies: &recordingMessages{},
	}
	store := memory.NewEventStore()
	qs := make([]domain.Question, 5)
	for i := range qs {
		qs[i] = domain.Question{
			ID:           fmt.Sprintf("v%02d", i+1),
			Prompt:       fmt.Sprintf("Pregunta %d", i+1),
			Options:      []string{"A", "B", "C"},
			CorrectIndex: i % 3,
		}
	}
	env.engine = app.NewEngine(app.Deps{
		Sources:       []app.QuestionSource{memory.NewQuestionSource(domain.SourceValidated, qs)},
		Events:        store,
		Progress:      store,
		Mappings:      memory.NewMappingStore(),
		Notifications: store,
		Preferences:   memory.NewPreferenceStore(),
		Quota:         memory.NewQuotaCounter(),
		Polls:         env.polls,
		Messages:      env.replies,
		Entitlements:  memory.NewEntitlements(app.FeatureTournaments, app.FeatureSimulations),
	}, app.Config{Now: func() time.Time { return env.now }})
	opts.Replies = env.replies
	env.server = httptest.NewServer(NewRouter(env.engine, opts))
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) postUpdate(t *testing.T, secret, body string, want int) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/telegram/webhook", bytes.NewBufferString(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post update: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

type recordedPoll struct {
	id     string
	chatID string
	poll   app.Poll
}

type recordingPolls struct {
	mu   sync.Mutex
	sent []recordedPoll
}

func (r *recordingPolls) SendPoll(_ context.Context, chatID string, poll app.Poll) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("tg-%d", len(r.sent)+1)
	r.sent = append(r.sent, recordedPoll{id: id, chatID: chatID, poll: poll})
	return id, nil
}

func (r *recordingPolls) last(chatID string) (recordedPoll, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].chatID == chatID {
			return r.sent[i], true
		}
	}
	return recordedPoll{}, false
}

func (r *recordingPolls) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type recordingMessages struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (r *recordingMessages) SendMessage(_ context.Context, chatID, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[chatID] = append(r.sent[chatID], text)
	return "m", nil
}

func (r *recordingMessages) to(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[chatID]...)
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, json.RawMessage) {
	t.Helper()
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}
