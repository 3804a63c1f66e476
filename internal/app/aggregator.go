package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"tournament-engine/internal/domain"
)

// Aggregator fans candidate selection out to the per-source adapters and keeps one
// normalized question shape for the rest of the engine.
type Aggregator struct {
	sources      map[domain.Source]QuestionSource
	recentWindow time.Duration
	markPolicy   RetryPolicy
	now          func() time.Time
}

// AggregatorConfig tunes candidate selection.
type AggregatorConfig struct {
	// RecentWindow excludes questions used by any event within this window when possible.
	RecentWindow time.Duration
	MarkUsed     RetryPolicy
	Now          func() time.Time
}

func NewAggregator(sources []QuestionSource, cfg AggregatorConfig) *Aggregator {
	a := &Aggregator{
		sources:      make(map[domain.Source]QuestionSource, len(sources)),
		recentWindow: cfg.RecentWindow,
		markPolicy:   cfg.MarkUsed,
		now:          cfg.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	for _, s := range sources {
		a.sources[s.Source()] = s
	}
	return a
}

// Has reports whether an adapter is registered for source.
func (a *Aggregator) Has(source domain.Source) bool {
	_, ok := a.sources[source]
	return ok
}

// FetchCandidates returns up to limit questions of source in least-used order.
// Recently used questions are skipped first; if that starves the pool the remainder is
// filled from the unrestricted order.
func (a *Aggregator) FetchCandidates(ctx context.Context, source domain.Source, filter domain.QuestionFilter, limit int) ([]domain.Question, error) {
	src, ok := a.sources[source]
	if !ok {
		return nil, fmt.Errorf("no question source registered for %s", source)
	}
	if limit <= 0 {
		return nil, nil
	}

	fresh := filter
	if a.recentWindow > 0 {
		fresh.NotUsedSince = a.now().Add(-a.recentWindow)
	}
	picked, err := src.FetchCandidates(ctx, fresh, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s candidates: %w", source, err)
	}
	SortLeastUsed(picked)

	if len(picked) < limit && !fresh.NotUsedSince.IsZero() {
		exclude := make(map[string]struct{}, len(filter.ExcludeIDs)+len(picked))
		for id := range filter.ExcludeIDs {
			exclude[id] = struct{}{}
		}
		for _, q := range picked {
			exclude[q.ID] = struct{}{}
		}
		fallback := filter
		fallback.ExcludeIDs = exclude
		more, err := src.FetchCandidates(ctx, fallback, limit-len(picked))
		if err != nil {
			log.Printf("fetch %s fallback candidates: %v", source, err)
		} else {
			SortLeastUsed(more)
			picked = append(picked, more...)
		}
	}
	return picked, nil
}

// Question loads a single question by id from its source.
func (a *Aggregator) Question(ctx context.Context, source domain.Source, id string) (domain.Question, error) {
	src, ok := a.sources[source]
	if !ok {
		return domain.Question{}, fmt.Errorf("no question source registered for %s: %w", source, domain.ErrQuestionNotFound)
	}
	return src.GetQuestion(ctx, id)
}

// MarkUsed bumps usage counters of an event's snapshot. Failures only bias future
// selection, so they are retried and logged but never returned.
func (a *Aggregator) MarkUsed(ctx context.Context, eventID string, assigned []domain.AssignedQuestion) {
	bySource := make(map[domain.Source][]string)
	for _, aq := range assigned {
		bySource[aq.Source] = append(bySource[aq.Source], aq.QuestionID)
	}
	at := a.now()
	for source, ids := range bySource {
		src, ok := a.sources[source]
		if !ok {
			continue
		}
		err := a.markPolicy.do(ctx, func(ctx context.Context) error {
			return src.MarkUsed(ctx, ids, eventID, at)
		})
		if err != nil {
			log.Printf("mark used failed source=%s event=%s questions=%d: %v", source, eventID, len(ids), err)
		}
	}
}

// SortLeastUsed orders questions by times used, then oldest use (never used first),
// then id in natural order, so "9" precedes "10".
func SortLeastUsed(qs []domain.Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].TimesUsed != qs[j].TimesUsed {
			return qs[i].TimesUsed < qs[j].TimesUsed
		}
		li, lj := qs[i].LastUsedAt, qs[j].LastUsedAt
		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return naturalLess(qs[i].ID, qs[j].ID)
	})
}

// naturalLess compares ids shorter first, then lexically. For numeric ids and
// ids sharing a prefix this matches numeric order.
func naturalLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
