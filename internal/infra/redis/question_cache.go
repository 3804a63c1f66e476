package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// QuestionCache caches question rows in Redis (hash per question) and falls back to the
// wrapped source on a miss. Stored as:
//
//	HSET question:{source}:{id} prompt .. options [json] correct .. category .. difficulty ..
//
// Usage counters are not cached; candidate selection always goes to the source.
type QuestionCache struct {
	app.QuestionSource
	client *redis.Client
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionCache(client *redis.Client, inner app.QuestionSource, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		QuestionSource: inner,
		client:         client,
		ttl:            ttl,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	key := c.key(id)
	if q, ok := c.cached(ctx, key, id); ok {
		return q, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// another caller may have filled it meanwhile
		if q, ok := c.cached(ctx, key, id); ok {
			return q, nil
		}

		q, err := c.QuestionSource.GetQuestion(ctx, id)
		if err != nil {
			return domain.Question{}, err
		}
		options, err := json.Marshal(q.Options)
		if err != nil {
			return domain.Question{}, err
		}

		pipe := c.client.Pipeline()
		pipe.HSet(ctx, key,
			"prompt", q.Prompt,
			"options", string(options),
			"correct", q.CorrectIndex,
			"category", q.Category,
			"difficulty", q.Difficulty,
			"ref", q.ExternalRef,
		)
		if ttl := c.ttlWithJitter(); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

// MarkUsed forwards to the source and evicts the touched questions.
func (c *QuestionCache) MarkUsed(ctx context.Context, ids []string, eventID string, at time.Time) error {
	if err := c.QuestionSource.MarkUsed(ctx, ids, eventID, at); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	_ = c.client.Del(ctx, keys...).Err()
	return nil
}

func (c *QuestionCache) cached(ctx context.Context, key, id string) (domain.Question, bool) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return domain.Question{}, false
	}
	q, err := questionFromHash(c.Source(), id, fields)
	if err != nil {
		return domain.Question{}, false
	}
	return q, true
}

func questionFromHash(source domain.Source, id string, fields map[string]string) (domain.Question, error) {
	var options []string
	if err := json.Unmarshal([]byte(fields["options"]), &options); err != nil {
		return domain.Question{}, err
	}
	correct, err := strconv.Atoi(fields["correct"])
	if err != nil {
		return domain.Question{}, err
	}
	return domain.Question{
		ID:           id,
		Source:       source,
		ExternalRef:  fields["ref"],
		Prompt:       fields["prompt"],
		Options:      options,
		CorrectIndex: correct,
		Category:     fields["category"],
		Difficulty:   fields["difficulty"],
	}, nil
}

func (c *QuestionCache) key(id string) string {
	return "question:" + string(c.Source()) + ":" + id
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
