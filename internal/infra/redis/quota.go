package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/app"
)

// QuotaCounter counts deliveries per key and UTC day: INCR quota:{key}:{yyyy-mm-dd}.
// Keys outlive their day by a margin and then expire.
type QuotaCounter struct {
	client *redis.Client
}

var _ app.QuotaCounter = (*QuotaCounter)(nil)

const quotaRetention = 48 * time.Hour

func NewQuotaCounter(client *redis.Client) *QuotaCounter {
	return &QuotaCounter{client: client}
}

func (q *QuotaCounter) Increment(ctx context.Context, key string, day time.Time) (int, error) {
	k := quotaKey(key, day)
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, quotaRetention)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment quota %s: %w", k, err)
	}
	return int(incr.Val()), nil
}

// Release undoes one Increment. DECR on a missing key would leave -1 behind, so
// the script only touches positive counters.
func (q *QuotaCounter) Release(ctx context.Context, key string, day time.Time) error {
	k := quotaKey(key, day)
	if err := releaseScript.Run(ctx, q.client, []string{k}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release quota %s: %w", k, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if tonumber(redis.call("GET", KEYS[1]) or "0") > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0`)

func quotaKey(key string, day time.Time) string {
	return "quota:" + key + ":" + day.UTC().Format("2006-01-02")
}
