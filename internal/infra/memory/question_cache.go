package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// CachedQuestionSource caches question lookups with TTL to avoid repeated DB hits while
// participants walk through an event. Candidate selection and usage updates go straight
// to the wrapped source.
type CachedQuestionSource struct {
	app.QuestionSource
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand

	mu    sync.RWMutex
	rndMu sync.Mutex
	cache map[string]cachedQuestion
}

type cachedQuestion struct {
	question  domain.Question
	expiresAt time.Time
}

func NewCachedQuestionSource(inner app.QuestionSource, ttl time.Duration) *CachedQuestionSource {
	return &CachedQuestionSource{
		QuestionSource: inner,
		ttl:            ttl,
		clock:          time.Now,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:          make(map[string]cachedQuestion),
	}
}

func (c *CachedQuestionSource) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[id]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return cloneQuestion(entry.question), nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[id]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.question, nil
		}
		c.mu.RUnlock()

		q, err := c.QuestionSource.GetQuestion(ctx, id)
		if err != nil {
			return domain.Question{}, err
		}

		c.mu.Lock()
		c.cache[id] = cachedQuestion{
			question:  q,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return cloneQuestion(result.(domain.Question)), nil
}

// MarkUsed forwards to the source and drops the cached copies so counters stay fresh.
func (c *CachedQuestionSource) MarkUsed(ctx context.Context, ids []string, eventID string, at time.Time) error {
	if err := c.QuestionSource.MarkUsed(ctx, ids, eventID, at); err != nil {
		return err
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.cache, id)
	}
	c.mu.Unlock()
	return nil
}

func (c *CachedQuestionSource) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
