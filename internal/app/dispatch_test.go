package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/memory"
)

type failingMappings struct {
	*memory.MappingStore
	saves atomic.Int32
}

func (f *failingMappings) SaveMapping(context.Context, domain.PollMapping) error {
	f.saves.Add(1)
	return errors.New("redis: connection refused")
}

func TestMappingFailureRaisesOrphanAlert(t *testing.T) {
	mappings := &failingMappings{MappingStore: memory.NewMappingStore()}
	alerts := memory.NewAlertLog()
	hub := app.NewAlertHub(alerts)
	polls := &fakePolls{}
	d := app.NewDispatcher(polls, mappings, hub, app.DispatchConfig{})

	q := questions("v", 1)[0]
	mapping, err := d.Send(context.Background(), app.Target{EventID: "ev", UserID: "u1", ChatID: "c1", Position: 2}, q, "")
	assert.ErrorIs(t, err, domain.ErrOrphanedMapping)
	assert.Equal(t, "poll-1", mapping.PollID)
	assert.Equal(t, 2, mapping.Position)
	assert.Equal(t, int32(2), mappings.saves.Load())
	assert.Equal(t, 1, polls.count())

	recorded, err := alerts.ListAlerts(context.Background(), domain.AlertOrphanedMapping, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "poll-1", recorded[0].PollID)
	assert.Equal(t, "ev", recorded[0].EventID)
}

func TestTransientSendFailureIsRetried(t *testing.T) {
	calls := 0
	polls := &fakePolls{failFn: func(string, app.Poll) error {
		calls++
		if calls < 3 {
			return errors.New("telegram: 429 too many requests")
		}
		return nil
	}}
	mappings := memory.NewMappingStore()
	d := app.NewDispatcher(polls, mappings, nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}})

	mapping, err := d.Send(context.Background(), app.Target{EventID: "ev", UserID: "u1", ChatID: "c1"}, questions("v", 1)[0], "")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	stored, err := mappings.GetMapping(context.Background(), mapping.PollID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, mapping.CorrectIndex, stored.CorrectIndex)
}

func TestExhaustedRetriesAreDeliveryFailure(t *testing.T) {
	polls := &fakePolls{failFn: func(string, app.Poll) error { return errors.New("timeout") }}
	mappings := memory.NewMappingStore()
	d := app.NewDispatcher(polls, mappings, nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 2}})

	_, err := d.Send(context.Background(), app.Target{ChatID: "c1"}, questions("v", 1)[0], "")
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.Zero(t, mappings.Len())
}

func TestUnsendableIsNotRetried(t *testing.T) {
	calls := 0
	polls := &fakePolls{failFn: func(string, app.Poll) error {
		calls++
		return domain.ErrUnsendable
	}}
	d := app.NewDispatcher(polls, memory.NewMappingStore(), nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 5}})

	_, err := d.Send(context.Background(), app.Target{ChatID: "c1"}, questions("v", 1)[0], "")
	assert.ErrorIs(t, err, domain.ErrUnsendable)
	assert.Equal(t, 1, calls)
}

func TestThrottledSendWaitsRetryAfter(t *testing.T) {
	calls := 0
	polls := &fakePolls{failFn: func(string, app.Poll) error {
		calls++
		if calls == 1 {
			return &domain.ThrottledError{Wait: 40 * time.Millisecond, Err: errors.New("429 too many requests")}
		}
		return nil
	}}
	d := app.NewDispatcher(polls, memory.NewMappingStore(), nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}})

	start := time.Now()
	_, err := d.Send(context.Background(), app.Target{ChatID: "c1"}, questions("v", 1)[0], "")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestThrottleBeyondMaxWaitGivesUp(t *testing.T) {
	calls := 0
	polls := &fakePolls{failFn: func(string, app.Poll) error {
		calls++
		return &domain.ThrottledError{Wait: time.Hour, Err: errors.New("429 too many requests")}
	}}
	d := app.NewDispatcher(polls, memory.NewMappingStore(), nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 3, MaxWait: time.Second}})

	_, err := d.Send(context.Background(), app.Target{ChatID: "c1"}, questions("v", 1)[0], "")
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.Equal(t, 1, calls)
}

func TestRecipientUnavailableIsNotRetried(t *testing.T) {
	calls := 0
	polls := &fakePolls{failFn: func(string, app.Poll) error {
		calls++
		return domain.ErrRecipientUnavailable
	}}
	d := app.NewDispatcher(polls, memory.NewMappingStore(), nil, app.DispatchConfig{Retry: app.RetryPolicy{Attempts: 5}})

	_, err := d.Send(context.Background(), app.Target{ChatID: "c1"}, questions("v", 1)[0], "")
	assert.ErrorIs(t, err, domain.ErrRecipientUnavailable)
	assert.NotErrorIs(t, err, domain.ErrUnsendable)
	assert.Equal(t, 1, calls)
}

func TestSendBatchIsolatesFailures(t *testing.T) {
	polls := &fakePolls{failFn: func(chatID string, _ app.Poll) error {
		if chatID == "bad" {
			return domain.ErrUnsendable
		}
		return nil
	}}
	d := app.NewDispatcher(polls, memory.NewMappingStore(), nil, app.DispatchConfig{Concurrency: 2})
	q := questions("v", 1)[0]
	jobs := []app.SendJob{
		{Target: app.Target{ChatID: "a"}, Question: q},
		{Target: app.Target{ChatID: "bad"}, Question: q},
		{Target: app.Target{ChatID: "c"}, Question: q},
	}

	results := d.SendBatch(context.Background(), jobs)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, domain.ErrUnsendable)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "bad", results[1].Target.ChatID)
}

func TestPruneMappingsOnlyFinishedEvents(t *testing.T) {
	h := newHarness(t, map[domain.Source][]domain.Question{domain.SourceValidated: questions("v", 3)})
	event := startedTournament(t, h, 3, "u1")
	require.Equal(t, 1, h.mappings.Len())

	_, err := h.engine.PruneMappings(h.ctx, event.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.Scheduler.Cancel(h.ctx, event.ID)
	require.NoError(t, err)
	n, err := h.engine.PruneMappings(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.mappings.Len())
}

func TestAlertHubBroadcasts(t *testing.T) {
	hub := app.NewAlertHub(nil)
	ch, cancel := hub.Subscribe()
	defer cancel()

	raised := hub.Raise(context.Background(), domain.Alert{Kind: domain.AlertUnreconcilable, PollID: "p"})
	assert.NotEmpty(t, raised.ID)
	assert.False(t, raised.At.IsZero())

	select {
	case got := <-ch:
		assert.Equal(t, raised.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("alert not broadcast")
	}

	listed, err := hub.List(context.Background(), domain.AlertUnreconcilable, 5)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
