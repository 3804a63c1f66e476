package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// QuestionSource is an in-memory question table (useful for tests/demos).
type QuestionSource struct {
	source domain.Source

	mu        sync.RWMutex
	order     []string
	questions map[string]domain.Question
}

var _ app.QuestionSource = (*QuestionSource)(nil)

func NewQuestionSource(source domain.Source, questions []domain.Question) *QuestionSource {
	s := &QuestionSource{
		source:    source,
		questions: make(map[string]domain.Question, len(questions)),
	}
	for _, q := range questions {
		q.Source = source
		s.order = append(s.order, q.ID)
		s.questions[q.ID] = q
	}
	return s
}

func (s *QuestionSource) Source() domain.Source {
	return s.source
}

func (s *QuestionSource) FetchCandidates(_ context.Context, filter domain.QuestionFilter, limit int) ([]domain.Question, error) {
	s.mu.RLock()
	out := make([]domain.Question, 0, len(s.order))
	for _, id := range s.order {
		q := s.questions[id]
		if !matches(q, filter) {
			continue
		}
		out = append(out, cloneQuestion(q))
	}
	s.mu.RUnlock()

	app.SortLeastUsed(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(q domain.Question, f domain.QuestionFilter) bool {
	if _, excluded := f.ExcludeIDs[q.ID]; excluded {
		return false
	}
	if f.Category != "" && !strings.EqualFold(q.Category, f.Category) {
		return false
	}
	if f.Difficulty != "" && !strings.EqualFold(q.Difficulty, f.Difficulty) {
		return false
	}
	if !f.NotUsedSince.IsZero() && q.LastUsedAt != nil && q.LastUsedAt.After(f.NotUsedSince) {
		return false
	}
	return true
}

func (s *QuestionSource) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return cloneQuestion(q), nil
}

func (s *QuestionSource) MarkUsed(_ context.Context, ids []string, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		q, ok := s.questions[id]
		if !ok {
			continue
		}
		q.TimesUsed++
		q.LastUsedInEventID = eventID
		used := at
		q.LastUsedAt = &used
		s.questions[id] = q
	}
	return nil
}

// Put adds or replaces a question.
func (s *QuestionSource) Put(q domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Source = s.source
	if _, ok := s.questions[q.ID]; !ok {
		s.order = append(s.order, q.ID)
	}
	s.questions[q.ID] = q
}

// IDs returns question ids in insertion order.
func (s *QuestionSource) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func cloneQuestion(q domain.Question) domain.Question {
	q.Options = append([]string(nil), q.Options...)
	if q.LastUsedAt != nil {
		at := *q.LastUsedAt
		q.LastUsedAt = &at
	}
	return q
}
