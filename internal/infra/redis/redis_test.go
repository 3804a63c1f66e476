package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/memory"
)

func TestQuestionCacheCachesInRedis(t *testing.T) {
	mr := runRedis(t)
	client := newClient(mr)

	source := &countingSource{QuestionSource: memory.NewQuestionSource(domain.SourceExamYearB, []domain.Question{sampleQuestion()})}
	cache := NewQuestionCache(client, source, time.Minute)

	q, err := cache.GetQuestion(context.Background(), "q1")
	if err != nil {
		t.Fatalf("get question: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected source called once, got %d", source.calls)
	}
	if !mr.Exists("question:exam_2024:q1") {
		t.Fatalf("expected question hash to be cached")
	}

	// second call is served from the hash
	cached, err := cache.GetQuestion(context.Background(), "q1")
	if err != nil {
		t.Fatalf("get question 2: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected cache hit, source calls=%d", source.calls)
	}
	if cached.Prompt != q.Prompt || cached.CorrectIndex != 1 || len(cached.Options) != 3 || cached.Options[2] != "5, o 6" {
		t.Fatalf("cached question differs: %+v", cached)
	}
	if cached.Source != domain.SourceExamYearB {
		t.Fatalf("expected source %s, got %s", domain.SourceExamYearB, cached.Source)
	}
}

func TestQuestionCacheEvictsOnMarkUsed(t *testing.T) {
	mr := runRedis(t)
	source := &countingSource{QuestionSource: memory.NewQuestionSource(domain.SourceExamYearB, []domain.Question{sampleQuestion()})}
	cache := NewQuestionCache(newClient(mr), source, time.Minute)
	ctx := context.Background()

	if _, err := cache.GetQuestion(ctx, "q1"); err != nil {
		t.Fatalf("get question: %v", err)
	}
	if err := cache.MarkUsed(ctx, []string{"q1"}, "ev", time.Now()); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if mr.Exists("question:exam_2024:q1") {
		t.Fatalf("expected cached question to be evicted")
	}
}

func TestPollMappingStore(t *testing.T) {
	mr := runRedis(t)
	store := NewPollMappingStore(newClient(mr), time.Hour)
	ctx := context.Background()

	m := domain.PollMapping{PollID: "p1", QuestionID: "q1", CorrectIndex: 2, Options: []string{"a", "b", "c"}, EventID: "ev", Position: 4, UserID: "u1"}
	if err := store.SaveMapping(ctx, m); err != nil {
		t.Fatalf("save mapping: %v", err)
	}
	if err := store.SaveMapping(ctx, m); !errors.Is(err, domain.ErrMappingExists) {
		t.Fatalf("expected ErrMappingExists, got %v", err)
	}
	if err := store.SaveMapping(ctx, domain.PollMapping{PollID: "p2", EventID: "ev"}); err != nil {
		t.Fatalf("save mapping 2: %v", err)
	}

	got, err := store.GetMapping(ctx, "p1")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if got.Position != 4 || got.CorrectIndex != 2 || got.UserID != "u1" {
		t.Fatalf("unexpected mapping: %+v", got)
	}
	if ttl := mr.TTL("poll:p1"); ttl != time.Hour {
		t.Fatalf("expected ttl 1h, got %s", ttl)
	}

	n, err := store.DeleteMappingsByEvent(ctx, "ev")
	if err != nil {
		t.Fatalf("delete mappings: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if _, err := store.GetMapping(ctx, "p1"); !errors.Is(err, domain.ErrMappingNotFound) {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}
	if mr.Exists("poll:event:ev") {
		t.Fatalf("expected event index to be removed")
	}
}

func TestQuotaCounter(t *testing.T) {
	mr := runRedis(t)
	quota := NewQuotaCounter(newClient(mr))
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for want := 1; want <= 3; want++ {
		got, err := quota.Increment(ctx, "notify:u1", day)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	got, err := quota.Increment(ctx, "notify:u1", day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("increment next day: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected fresh count next day, got %d", got)
	}
	if ttl := mr.TTL("quota:notify:u1:2026-03-02"); ttl <= 0 {
		t.Fatalf("expected quota key to expire, ttl=%s", ttl)
	}
}

type countingSource struct {
	app.QuestionSource
	calls int
}

func (s *countingSource) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	s.calls++
	return s.QuestionSource.GetQuestion(ctx, id)
}

func sampleQuestion() domain.Question {
	return domain.Question{
		ID:           "q1",
		Prompt:       "¿Cuánto es 2 + 2?",
		Options:      []string{"3", "4", "5, o 6"},
		CorrectIndex: 1,
		Category:     "aritmética",
	}
}

func runRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}

func TestQuotaReleaseGivesSlotBack(t *testing.T) {
	mr := runRedis(t)
	quota := NewQuotaCounter(newClient(mr))
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// nothing to release yet: the counter must not go negative
	if err := quota.Release(ctx, "notify:u2", day); err != nil {
		t.Fatalf("release empty: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := quota.Increment(ctx, "notify:u2", day); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := quota.Release(ctx, "notify:u2", day); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := quota.Increment(ctx, "notify:u2", day)
	if err != nil {
		t.Fatalf("increment after release: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2 after a released slot, got %d", got)
	}
}
